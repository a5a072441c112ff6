// Package jsonrpcserver allows exposing functions like:
// func Foo(context, int) (int, error)
// as a JSON RPC methods
//
// Parameters are always passed positionally, trailing parameters can be omitted and are then zero values.
package jsonrpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
	CodeUnauthorized   = -32001
)

const (
	maxOperatorLength = 64
	operatorHeader    = "x-operator"
)

type (
	operatorKey   struct{}
	remoteAddrKey struct{}
)

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Handler struct {
	methods map[string]method
	token   string
}

type Methods map[string]interface{}

type Option func(h *Handler)

// WithBearerToken requires every request to carry `Authorization: Bearer <token>`
func WithBearerToken(token string) Option {
	return func(h *Handler) {
		h.token = token
	}
}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(methods Methods, opts ...Option) (*Handler, error) {
	m := make(map[string]method)
	for name, fn := range methods {
		method, err := newMethod(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	h := &Handler{
		methods: m,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  nil,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
			Data:    nil,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSONRPCError(w, nil, CodeUnauthorized, "unauthorized")
		return
	}

	// read request
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, float64:
		default:
			writeJSONRPCError(w, nil, CodeInvalidRequest, "invalid id type")
			return
		}
	}

	ctx := context.WithValue(r.Context(), remoteAddrKey{}, r.RemoteAddr)
	if operator := r.Header.Get(operatorHeader); operator != "" {
		if len(operator) > maxOperatorLength {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, "x-operator header is too long")
			return
		}
		ctx = context.WithValue(ctx, operatorKey{}, operator)
	}

	// get method
	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	// call method
	result, err := method.invoke(ctx, req.Params)
	if err != nil {
		code := CodeCustomError
		switch {
		case errors.Is(err, ErrInvalidParams):
			code = CodeInvalidParams
		case errors.Is(err, ErrMethodPanic):
			code = CodeInternalError
		}
		writeJSONRPCError(w, req.ID, code, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	// write response
	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
		Error:   nil,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// GetOperator returns the value of the x-operator header, it's only used for audit logs
func GetOperator(ctx context.Context) string {
	value, ok := ctx.Value(operatorKey{}).(string)
	if !ok {
		return ""
	}
	return value
}

func GetRemoteAddr(ctx context.Context) string {
	value, ok := ctx.Value(remoteAddrKey{}).(string)
	if !ok {
		return ""
	}
	return value
}
