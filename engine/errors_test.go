package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"tagged transient", fmt.Errorf("%w: oracle busy", ErrTransient), ClassTransient},
		{"tagged validation", fmt.Errorf("pool: %w", ErrValidation), ClassValidation},
		{"tagged fatal", fmt.Errorf("%w: bad payload", ErrFatal), ClassFatal},
		{"stale", fmt.Errorf("%w: price is 2h old", ErrStaleData), ClassStale},
		{"stale wins over transient", fmt.Errorf("%w: %w", ErrTransient, ErrStaleData), ClassStale},
		{"deadline", fmt.Errorf("waiting: %w", context.DeadlineExceeded), ClassTransient},
		{"cancelled", context.Canceled, ClassFatal},
		{"nonce too low", errors.New("nonce too low"), ClassTransient},
		{"underpriced", errors.New("replacement transaction underpriced"), ClassTransient},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), ClassFatal},
		{"intrinsic gas", errors.New("intrinsic gas too low"), ClassFatal},
		{"unknown", errors.New("something odd"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFailureClass_Retryable(t *testing.T) {
	require.True(t, ClassTransient.Retryable())
	require.False(t, ClassValidation.Retryable())
	require.False(t, ClassFatal.Retryable())
	require.False(t, ClassStale.Retryable())
}

func TestWithClass(t *testing.T) {
	require.Nil(t, withClass(nil, ErrFatal))

	tagged := fmt.Errorf("%w: gone", ErrValidation)
	require.Equal(t, tagged, withClass(tagged, ErrFatal))

	plain := errors.New("boom")
	wrapped := withClass(plain, ErrFatal)
	require.ErrorIs(t, wrapped, ErrFatal)
	require.ErrorIs(t, wrapped, plain)
	require.Equal(t, ClassFatal, Classify(wrapped))
}

func TestRPCError(t *testing.T) {
	require.NoError(t, rpcError(nil))
	require.Equal(t, ClassTransient, Classify(rpcError(errors.New("invalid opcode"))))
}
