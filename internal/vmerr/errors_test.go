package vmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("call: %w", &InterruptSignal{Reason: ReasonTimeout})
	assert.ErrorIs(t, wrapped, ErrInterrupted)
	assert.NotErrorIs(t, wrapped, ErrScriptRuntime)

	mismatch := &TypeMismatchError{Want: "int", Got: "string", Arg: 2}
	assert.ErrorIs(t, mismatch, ErrTypeMismatch)
	assert.Equal(t, "bad argument #2: want int, got string", mismatch.Error())

	assert.ErrorIs(t, &FinalizedError{Name: "print"}, ErrFinalized)
}

func TestDiagnostic(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"interrupt", &InterruptSignal{Reason: ReasonKilled}, "program terminated"},
		{"wrapped interrupt", fmt.Errorf("x: %w", &InterruptSignal{}), "program terminated"},
		{"runtime", &ScriptRuntimeError{Message: "boom\nat line 3"}, "ScriptRuntimeError: boom"},
		{"panic", &PanicError{Value: "nil map"}, "PanicError: panic: nil map"},
		{"plain", errors.New("disk gone"), "errorString: disk gone"},
		{"exit", &ExitError{Code: 2}, "ExitError: exit status 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Diagnostic(tt.err))
		})
	}
}

func TestPanicErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	assert.ErrorIs(t, &PanicError{Value: inner}, inner)
	assert.Nil(t, (&PanicError{Value: 3}).Unwrap())
}
