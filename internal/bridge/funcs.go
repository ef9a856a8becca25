package bridge

import (
	"errors"
	"reflect"

	"github.com/dop251/goja"

	"consolevm/internal/vmerr"
)

// Variadic arity marker.
const VariadicArity = -1

// NativeFunc is a Go function callable from scripts. It is a tagged union
// over the supported arities (0 to 4 plus variadic); the constructors below
// check signatures at compile time and capture parameter types once.
type NativeFunc struct {
	arity  int
	params []reflect.Type
	call   func(args []any) (any, error)
	vcall  func(args *Args) (any, error)
}

// Arity returns the declared parameter count, VariadicArity for variadic.
func (f NativeFunc) Arity() int { return f.arity }

// Valid reports whether f was built by one of the constructors.
func (f NativeFunc) Valid() bool { return f.call != nil || f.vcall != nil }

func arg[A any](v any) A {
	if v == nil {
		var zero A
		return zero
	}
	return v.(A)
}

// Func0 wraps a function without parameters.
func Func0[R any](fn func() (R, error)) NativeFunc {
	return NativeFunc{arity: 0, call: func([]any) (any, error) { return fn() }}
}

// Func1 wraps a one-parameter function.
func Func1[A, R any](fn func(A) (R, error)) NativeFunc {
	return NativeFunc{
		arity:  1,
		params: []reflect.Type{reflect.TypeFor[A]()},
		call:   func(a []any) (any, error) { return fn(arg[A](a[0])) },
	}
}

// Func2 wraps a two-parameter function.
func Func2[A, B, R any](fn func(A, B) (R, error)) NativeFunc {
	return NativeFunc{
		arity:  2,
		params: []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()},
		call:   func(a []any) (any, error) { return fn(arg[A](a[0]), arg[B](a[1])) },
	}
}

// Func3 wraps a three-parameter function.
func Func3[A, B, C, R any](fn func(A, B, C) (R, error)) NativeFunc {
	return NativeFunc{
		arity:  3,
		params: []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]()},
		call: func(a []any) (any, error) {
			return fn(arg[A](a[0]), arg[B](a[1]), arg[C](a[2]))
		},
	}
}

// Func4 wraps a four-parameter function.
func Func4[A, B, C, D, R any](fn func(A, B, C, D) (R, error)) NativeFunc {
	return NativeFunc{
		arity: 4,
		params: []reflect.Type{
			reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C](), reflect.TypeFor[D](),
		},
		call: func(a []any) (any, error) {
			return fn(arg[A](a[0]), arg[B](a[1]), arg[C](a[2]), arg[D](a[3]))
		},
	}
}

// Proc0 wraps a function without parameters or result.
func Proc0(fn func() error) NativeFunc {
	return Func0(func() (Void, error) { return Void{}, fn() })
}

// Proc1 wraps a one-parameter function without result.
func Proc1[A any](fn func(A) error) NativeFunc {
	return Func1(func(a A) (Void, error) { return Void{}, fn(a) })
}

// Proc2 wraps a two-parameter function without result.
func Proc2[A, B any](fn func(A, B) error) NativeFunc {
	return Func2(func(a A, b B) (Void, error) { return Void{}, fn(a, b) })
}

// Proc3 wraps a three-parameter function without result.
func Proc3[A, B, C any](fn func(A, B, C) error) NativeFunc {
	return Func3(func(a A, b B, c C) (Void, error) { return Void{}, fn(a, b, c) })
}

// Proc4 wraps a four-parameter function without result.
func Proc4[A, B, C, D any](fn func(A, B, C, D) error) NativeFunc {
	return Func4(func(a A, b B, c C, d D) (Void, error) { return Void{}, fn(a, b, c, d) })
}

// Variadic wraps a function receiving every argument converted with Export.
// The slice stays valid after the call returns.
func Variadic(fn func(args []any) (any, error)) NativeFunc {
	return NativeFunc{
		arity: VariadicArity,
		vcall: func(a *Args) (any, error) { return fn(a.All()) },
	}
}

// VariadicArgs wraps a function receiving the raw argument list, for natives
// that need script semantics such as stringification or the runtime itself.
// The list is only valid during the call.
func VariadicArgs(fn func(args *Args) (any, error)) NativeFunc {
	return NativeFunc{arity: VariadicArity, vcall: fn}
}

// Invoke runs f against raw script arguments: wrap, convert each argument
// to its declared type, call, convert the result, release the arguments.
func (f NativeFunc) Invoke(vm *goja.Runtime, raw []goja.Value) (goja.Value, error) {
	return f.invoke(vm, raw, false)
}

func (f NativeFunc) invoke(vm *goja.Runtime, raw []goja.Value, debug bool) (goja.Value, error) {
	args := &Args{vm: vm, vals: raw, debug: debug}
	defer args.release()

	var (
		res any
		err error
	)
	if f.arity == VariadicArity {
		res, err = f.vcall(args)
	} else {
		native := make([]any, len(f.params))
		for i, t := range f.params {
			native[i], err = ToNative(vm, t, args.At(i))
			if err != nil {
				var tm *vmerr.TypeMismatchError
				if errors.As(err, &tm) {
					tm.Arg = i + 1
				}
				return nil, err
			}
		}
		res, err = f.call(native)
	}
	if err != nil {
		return nil, err
	}
	return ToScript(vm, res), nil
}

// Args is the argument list of a native call.
type Args struct {
	vm       *goja.Runtime
	vals     []goja.Value
	released bool
	debug    bool
}

// Runtime returns the engine the call runs on.
func (a *Args) Runtime() *goja.Runtime { return a.vm }

// Len returns the number of arguments passed.
func (a *Args) Len() int {
	if a.checkReleased() {
		return 0
	}
	return len(a.vals)
}

// At returns argument i, undefined when absent.
func (a *Args) At(i int) goja.Value {
	if a.checkReleased() || i < 0 || i >= len(a.vals) {
		return goja.Undefined()
	}
	return a.vals[i]
}

// Native returns argument i converted with Export.
func (a *Args) Native(i int) any {
	return Export(a.vm, a.At(i))
}

// All returns every argument converted with Export.
func (a *Args) All() []any {
	out := make([]any, a.Len())
	for i := range out {
		out[i] = a.Native(i)
	}
	return out
}

// String returns argument i as the engine would stringify it, "" if absent.
func (a *Args) String(i int) string {
	v := a.At(i)
	if goja.IsUndefined(v) {
		return ""
	}
	return v.String()
}

func (a *Args) checkReleased() bool {
	if !a.released {
		return false
	}
	if a.debug {
		panic(vmerr.ErrReleased)
	}
	return true
}

func (a *Args) release() {
	a.released = true
	a.vals = nil
}
