// Package vmerr holds the error taxonomy shared by the script runtime, the
// value bridge and program instances. It exists so that those packages can
// match each other's failures without import cycles.
package vmerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrSlotsExhausted indicates no script slot became free in time.
	ErrSlotsExhausted = errors.New("vm: script slots exhausted")

	// ErrModuleNotFound indicates require() could not locate a module.
	ErrModuleNotFound = errors.New("vm: module not found")

	// ErrReleased is raised when a native reads its arguments after release.
	ErrReleased = errors.New("vm: argument list used after release")
)

// Interrupt reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonTerminated = "terminated"
	ReasonKilled     = "killed"
	// ReasonExit marks a script that called exit().
	ReasonExit = "exit"
)

// InterruptSignal aborts a running program. It is delivered to the engine as
// an interrupt, so script-level error handling never observes it.
type InterruptSignal struct {
	Reason string
	// Code is the status passed to exit().
	Code int
}

func (e *InterruptSignal) Error() string {
	return "program terminated (" + e.Reason + ")"
}

// Is implements errors.Is for InterruptSignal.
func (e *InterruptSignal) Is(target error) bool {
	_, ok := target.(*InterruptSignal)
	return ok
}

// ErrInterrupted is a sentinel for errors.Is matching.
var ErrInterrupted = &InterruptSignal{}

// ExitError reports a program that exited with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ScriptRuntimeError is a script-level failure a script could have caught.
type ScriptRuntimeError struct {
	Script  string
	Message string
	Cause   error
}

func (e *ScriptRuntimeError) Error() string {
	if e.Script != "" {
		return fmt.Sprintf("%s: %s", e.Script, e.Message)
	}
	return e.Message
}

func (e *ScriptRuntimeError) Unwrap() error { return e.Cause }

// Is implements errors.Is for ScriptRuntimeError.
func (e *ScriptRuntimeError) Is(target error) bool {
	_, ok := target.(*ScriptRuntimeError)
	return ok
}

// ErrScriptRuntime is a sentinel for errors.Is matching.
var ErrScriptRuntime = &ScriptRuntimeError{}

// TypeMismatchError reports a bridge conversion from a script value that
// cannot satisfy the requested native type.
type TypeMismatchError struct {
	Want string
	Got  string
	// Arg is the 1-based argument position, 0 when not converting an argument.
	Arg int
}

func (e *TypeMismatchError) Error() string {
	if e.Arg > 0 {
		return fmt.Sprintf("bad argument #%d: want %s, got %s", e.Arg, e.Want, e.Got)
	}
	return fmt.Sprintf("want %s, got %s", e.Want, e.Got)
}

// Is implements errors.Is for TypeMismatchError.
func (e *TypeMismatchError) Is(target error) bool {
	_, ok := target.(*TypeMismatchError)
	return ok
}

// ErrTypeMismatch is a sentinel for errors.Is matching.
var ErrTypeMismatch = &TypeMismatchError{}

// FinalizedError reports an attempt to reassign a finalized global.
type FinalizedError struct {
	Name string
}

func (e *FinalizedError) Error() string {
	return fmt.Sprintf("%s is final", e.Name)
}

// Is implements errors.Is for FinalizedError.
func (e *FinalizedError) Is(target error) bool {
	_, ok := target.(*FinalizedError)
	return ok
}

// ErrFinalized is a sentinel for errors.Is matching.
var ErrFinalized = &FinalizedError{}

// ScriptSyntaxError indicates a script failed to compile.
type ScriptSyntaxError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *ScriptSyntaxError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("syntax error in %s at line %d, column %d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// Is implements errors.Is for ScriptSyntaxError.
func (e *ScriptSyntaxError) Is(target error) bool {
	_, ok := target.(*ScriptSyntaxError)
	return ok
}

// ErrScriptSyntax is a sentinel for errors.Is matching.
var ErrScriptSyntax = &ScriptSyntaxError{}

// PanicError is a panic recovered from a program body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Diagnostic renders err as the single line written to a failing program's
// output: the failing error's type name plus the first line of its message.
func Diagnostic(err error) string {
	var sig *InterruptSignal
	if errors.As(err, &sig) {
		return "program terminated"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return TypeName(err) + ": " + msg
}

// TypeName returns the unqualified type name of err, without pointer marks.
func TypeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
