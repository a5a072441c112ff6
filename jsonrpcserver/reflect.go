package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrInvalidParams    = errors.New("invalid params")
	ErrTooMuchArguments = fmt.Errorf("%w: too many arguments", ErrInvalidParams)
	ErrMethodPanic      = errors.New("method panicked")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// method is a function registered on the handler: func(ctx, args...) (result, error) or func(ctx, args...) error
type method struct {
	fn        reflect.Value
	args      []reflect.Type
	hasResult bool
}

func newMethod(fn any) (method, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return method{}, ErrNotFunction
	}
	t := v.Type()
	if t.NumIn() == 0 || t.In(0) != contextType {
		return method{}, ErrMustHaveContext
	}
	if t.NumOut() == 0 || !t.Out(t.NumOut()-1).Implements(errorType) {
		return method{}, ErrMustReturnError
	}
	if t.NumOut() > 2 {
		return method{}, ErrTooManyReturnValues
	}

	m := method{fn: v, hasResult: t.NumOut() == 2}
	for i := 1; i < t.NumIn(); i++ {
		m.args = append(m.args, t.In(i))
	}
	return m, nil
}

// decodeArgs unmarshals positional params, omitted trailing params are zero values
func (m method) decodeArgs(params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(m.args) {
		return nil, fmt.Errorf("%w: got %d, want at most %d", ErrTooMuchArguments, len(params), len(m.args))
	}
	args := make([]reflect.Value, len(m.args))
	for i, typ := range m.args {
		arg := reflect.New(typ)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("%w: argument %d: %w", ErrInvalidParams, i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}

func (m method) invoke(ctx context.Context, params []json.RawMessage) (res any, err error) {
	args, err := m.decodeArgs(params)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: %v", ErrMethodPanic, r)
		}
	}()

	out := m.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))
	if errVal := out[len(out)-1]; !errVal.IsNil() {
		err = errVal.Interface().(error) //nolint:forcetypeassert
	}
	if !m.hasResult {
		return nil, err
	}
	return out[0].Interface(), err
}
