package hostapi

import (
	"errors"
	"io"
	"reflect"
	"time"

	"consolevm/internal/bridge"
	"consolevm/internal/vmerr"
)

// registerIO registers the global output, input and lifecycle functions and
// the args/argv values.
func registerIO(r *bridge.Registry, h *Context) error {
	err := registerAll(r.Global(), []named{
		{"print", bridge.VariadicArgs(func(a *bridge.Args) (any, error) {
			return bridge.Void{}, h.write(formatArgs(a))
		})},
		{"println", bridge.VariadicArgs(func(a *bridge.Args) (any, error) {
			return bridge.Void{}, h.write(formatArgs(a) + "\n")
		})},
		{"read", bridge.Func0(h.read)},
		{"sleep", bridge.Proc1(h.sleep)},
		{"terminated", bridge.Func0(func() (bool, error) {
			return h.Proc.Terminated(), nil
		})},
		{"exit", bridge.VariadicArgs(h.exit)},
	})
	if err != nil {
		return err
	}
	if err := r.SetValue("args", h.Proc.Arg()); err != nil {
		return err
	}
	return r.SetValue("argv", h.Proc.Argv())
}

// read returns the next input line, or null once input has ended. Time spent
// waiting does not count against the script.
func (h *Context) read() (any, error) {
	resume := h.Governor.Suspend()
	defer resume()
	ctx, cancel := h.waitContext()
	defer cancel()

	line, err := h.Proc.ReadLineContext(ctx)
	switch {
	case err == nil:
		return line, nil
	case errors.Is(err, io.EOF):
		return nil, nil
	case errors.Is(err, vmerr.ErrInterrupted):
		return nil, h.interrupted()
	}
	return nil, err
}

func (h *Context) sleep(ms float64) error {
	resume := h.Governor.Suspend()
	defer resume()
	ctx, cancel := h.waitContext()
	defer cancel()

	timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return h.interrupted()
	}
}

// exit stops the script. It cannot be caught.
func (h *Context) exit(a *bridge.Args) (any, error) {
	code := 0
	if a.Len() > 0 {
		v, err := bridge.ToNative(a.Runtime(), reflect.TypeFor[int](), a.At(0))
		if err != nil {
			return nil, err
		}
		code = v.(int)
	}
	return nil, &vmerr.InterruptSignal{Reason: vmerr.ReasonExit, Code: code}
}
