package bridge

import (
	"errors"

	"github.com/dop251/goja"

	"consolevm/internal/vmerr"
)

// Bridge binds natives into one engine instance.
type Bridge struct {
	vm         *goja.Runtime
	checkpoint func() error
	debug      bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithCheckpoint runs fn before every native call; a returned interrupt
// signal aborts the script instead of calling the native.
func WithCheckpoint(fn func() error) Option {
	return func(b *Bridge) { b.checkpoint = fn }
}

// WithDebug makes natives panic when they read released arguments.
func WithDebug(on bool) Option {
	return func(b *Bridge) { b.debug = on }
}

// New creates a bridge for vm.
func New(vm *goja.Runtime, opts ...Option) *Bridge {
	b := &Bridge{vm: vm}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Runtime returns the bound engine.
func (b *Bridge) Runtime() *goja.Runtime { return b.vm }

// ToScript converts a native value for this engine.
func (b *Bridge) ToScript(x any) goja.Value { return ToScript(b.vm, x) }

// Func returns a script function calling f.
func (b *Bridge) Func(f NativeFunc) goja.Value {
	return bind(b.vm, f, b.checkpoint, b.debug)
}

func bind(vm *goja.Runtime, f NativeFunc, checkpoint func() error, debug bool) goja.Value {
	return vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if checkpoint != nil {
			if err := checkpoint(); err != nil {
				return raise(vm, err)
			}
		}
		v, err := f.invoke(vm, call.Arguments, debug)
		if err != nil {
			return raise(vm, err)
		}
		return v
	})
}

// raise turns err into a script failure. Interrupt signals become engine
// interrupts, which script error handling cannot intercept; everything else
// is thrown as a catchable error.
func raise(vm *goja.Runtime, err error) goja.Value {
	var sig *vmerr.InterruptSignal
	if errors.As(err, &sig) {
		vm.Interrupt(sig)
		return goja.Undefined()
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		// A nested run was interrupted; keep unwinding.
		vm.Interrupt(ie.Value())
		return goja.Undefined()
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		// Rethrow script exceptions from nested calls unchanged.
		panic(ex.Value())
	}
	var tm *vmerr.TypeMismatchError
	if errors.As(err, &tm) {
		panic(vm.NewTypeError("%s", tm.Error()))
	}
	panic(vm.NewGoError(err))
}

// Callback is a script function held by native code. Call must run on the
// goroutine executing the script.
type Callback struct {
	vm    *goja.Runtime
	fn    goja.Callable
	value goja.Value
}

func newCallback(vm *goja.Runtime, v goja.Value) (*Callback, bool) {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, false
	}
	return &Callback{vm: vm, fn: fn, value: v}, true
}

// Call invokes the function with natively converted arguments.
func (c *Callback) Call(args ...any) (any, error) {
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = ToScript(c.vm, a)
	}
	res, err := c.fn(goja.Undefined(), vals...)
	if err != nil {
		return nil, err
	}
	return Export(c.vm, res), nil
}

// Value returns the underlying script function.
func (c *Callback) Value() goja.Value { return c.value }
