package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransient  = errors.New("transient failure")
	ErrValidation = errors.New("validation failure")
	ErrFatal      = errors.New("fatal failure")
	ErrStaleData  = errors.New("stale data")
)

// FailureClass decides what the scheduler does with a failed attempt
type FailureClass uint8

const (
	ClassTransient FailureClass = iota
	ClassValidation
	ClassFatal
	ClassStale
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassFatal:
		return "fatal"
	case ClassStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Retryable is true only for transient failures, stale data is a validation failure
func (c FailureClass) Retryable() bool {
	return c == ClassTransient
}

var (
	transientMessages = []string{
		"nonce too low",
		"replacement transaction underpriced",
		"already known",
		"max fee per gas less than block base fee",
		"transaction underpriced",
		"timeout",
		"connection refused",
		"connection reset",
		"eof",
		"429",
		"503",
	}
	fatalMessages = []string{
		"insufficient funds",
		"intrinsic gas too low",
		"invalid sender",
		"gas limit reached",
		"exceeds block gas limit",
		"invalid opcode",
		"rlp:",
	}
)

// Classify maps an error to its failure class.
// Errors tagged with one of the sentinel classes keep that class, untagged errors coming from
// the node are classified by message and anything unrecognised is treated as transient.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrStaleData):
		return ClassStale
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassFatal
	}

	msg := strings.ToLower(err.Error())
	for _, m := range fatalMessages {
		if strings.Contains(msg, m) {
			return ClassFatal
		}
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassTransient
}

func isTagged(err error) bool {
	return errors.Is(err, ErrStaleData) || errors.Is(err, ErrFatal) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// withClass tags err with class unless it already carries one
func withClass(err, class error) error {
	if err == nil || isTagged(err) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}
