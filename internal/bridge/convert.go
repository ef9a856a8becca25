// Package bridge converts values between Go and the embedded script engine
// and exposes Go functions to scripts through explicitly registered pools.
package bridge

import (
	"math"
	"math/big"
	"reflect"
	"strconv"

	"github.com/dop251/goja"

	"consolevm/internal/vmerr"
)

// Char is a single character. It crosses into scripts as a one-character
// string, which distinguishes it from rune, an ordinary int32.
type Char rune

// Void is the result of natives that return nothing; scripts see undefined.
type Void struct{}

// maxSafeInteger is the largest integer a script number holds exactly.
const maxSafeInteger = 1<<53 - 1

// handle wraps a native value scripts may hold and pass back but not inspect.
// It has no exported fields or methods, so the engine exposes nothing.
type handle struct {
	v any
}

var (
	anyType      = reflect.TypeFor[any]()
	valueType    = reflect.TypeFor[goja.Value]()
	callbackType = reflect.TypeFor[*Callback]()
	charType     = reflect.TypeFor[Char]()
)

// ToScript converts a native value to a script value. Sequences convert
// element by element; values without a script counterpart become opaque
// handles that ToNative unwraps to the identical value.
func ToScript(vm *goja.Runtime, x any) goja.Value {
	switch v := x.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return v
	case Void:
		return goja.Undefined()
	case Char:
		return vm.ToValue(string(rune(v)))
	case *Callback:
		if v == nil {
			return goja.Null()
		}
		return v.value
	case NativeFunc:
		return bind(vm, v, nil, false)
	case bool, string, float32, float64, *big.Int:
		return vm.ToValue(v)
	case error:
		return vm.NewGoError(v)
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return goja.Null()
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = ToScript(vm, rv.Index(i).Interface())
		}
		return vm.NewArray(items...)
	case reflect.Bool:
		return vm.ToValue(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n < -maxSafeInteger || n > maxSafeInteger {
			return vm.ToValue(big.NewInt(n))
		}
		return vm.ToValue(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := rv.Uint()
		if n > maxSafeInteger {
			return vm.ToValue(new(big.Int).SetUint64(n))
		}
		return vm.ToValue(int64(n))
	case reflect.Float32, reflect.Float64:
		return vm.ToValue(rv.Float())
	case reflect.String:
		return vm.ToValue(rv.String())
	}
	return vm.ToValue(&handle{v: x})
}

// TypeTag names the kind of a script value as reported in mismatch errors.
func TypeTag(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, ok := goja.AssertFunction(v); ok {
			return "function"
		}
		if _, ok := obj.Export().(*handle); ok {
			return "handle"
		}
		if obj.ClassName() == "Array" {
			return "array"
		}
		return "object"
	}
	switch v.ExportType().Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Int64, reflect.Float64:
		return "number"
	case reflect.Pointer:
		if _, ok := v.Export().(*big.Int); ok {
			return "bigint"
		}
	case reflect.String:
		return "string"
	}
	return "value"
}

func mismatch(t reflect.Type, v goja.Value) error {
	return &vmerr.TypeMismatchError{Want: t.String(), Got: TypeTag(v)}
}

// ToNative converts a script value to the native type t. It fails with a
// *vmerr.TypeMismatchError when v's kind cannot satisfy t; sequence
// conversion fails as a whole if any element fails.
func ToNative(vm *goja.Runtime, t reflect.Type, v goja.Value) (any, error) {
	rv, err := toNative(vm, t, v)
	if err != nil {
		return nil, err
	}
	if !rv.IsValid() {
		return nil, nil
	}
	return rv.Interface(), nil
}

func toNative(vm *goja.Runtime, t reflect.Type, v goja.Value) (reflect.Value, error) {
	if v == nil {
		v = goja.Undefined()
	}
	switch t {
	case valueType:
		return reflect.ValueOf(&v).Elem(), nil
	case anyType:
		out := Export(vm, v)
		if out == nil {
			return reflect.Zero(t), nil
		}
		return reflect.ValueOf(&out).Elem(), nil
	case callbackType:
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return reflect.Zero(t), nil
		}
		cb, ok := newCallback(vm, v)
		if !ok {
			return reflect.Value{}, mismatch(t, v)
		}
		return reflect.ValueOf(cb), nil
	case charType:
		s, ok := v.Export().(string)
		if !ok || s == "" {
			return reflect.Value{}, mismatch(t, v)
		}
		return reflect.ValueOf(Char([]rune(s)[0])), nil
	}

	if goja.IsUndefined(v) || goja.IsNull(v) {
		switch t.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, mismatch(t, v)
	}

	if h, ok := v.Export().(*handle); ok {
		hv := reflect.ValueOf(h.v)
		if h.v != nil && hv.Type().AssignableTo(t) {
			out := reflect.New(t).Elem()
			out.Set(hv)
			return out, nil
		}
		return reflect.Value{}, mismatch(t, v)
	}

	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		b, ok := v.Export().(bool)
		if !ok {
			return reflect.Value{}, mismatch(t, v)
		}
		out.SetBool(b)
	case reflect.String:
		s, ok := v.Export().(string)
		if !ok {
			return reflect.Value{}, mismatch(t, v)
		}
		out.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := integral(v)
		if !ok || !n.IsInt64() || out.OverflowInt(n.Int64()) {
			return reflect.Value{}, mismatch(t, v)
		}
		out.SetInt(n.Int64())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := integral(v)
		if !ok || !n.IsUint64() || out.OverflowUint(n.Uint64()) {
			return reflect.Value{}, mismatch(t, v)
		}
		out.SetUint(n.Uint64())
	case reflect.Float32, reflect.Float64:
		f, ok := number(v)
		if !ok {
			return reflect.Value{}, mismatch(t, v)
		}
		out.SetFloat(f)
	case reflect.Slice:
		obj, ok := v.(*goja.Object)
		if !ok || obj.ClassName() != "Array" {
			return reflect.Value{}, mismatch(t, v)
		}
		n := int(obj.Get("length").ToInteger())
		s := reflect.MakeSlice(t, n, n)
		for i := 0; i < n; i++ {
			ev, err := toNative(vm, t.Elem(), obj.Get(strconv.Itoa(i)))
			if err != nil {
				return reflect.Value{}, mismatch(t, v)
			}
			if ev.IsValid() {
				s.Index(i).Set(ev)
			}
		}
		out.Set(s)
	default:
		return reflect.Value{}, mismatch(t, v)
	}
	return out, nil
}

func number(v goja.Value) (float64, bool) {
	switch n := v.Export().(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	}
	return 0, false
}

// integral returns the exact integer held by v. Integers beyond the safe
// float range cross as BigInt so that every 64-bit value survives.
func integral(v goja.Value) (*big.Int, bool) {
	switch n := v.Export().(type) {
	case int64:
		return big.NewInt(n), true
	case *big.Int:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return nil, false
		}
		i, _ := new(big.Float).SetFloat64(n).Int(nil)
		return i, true
	}
	return nil, false
}

// Export converts a script value to its natural native form: nil for
// undefined and null, unwrapped handles, []any for arrays, *Callback for
// functions, and the engine's default export for everything else.
func Export(vm *goja.Runtime, v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export()
	}
	if cb, ok := newCallback(vm, v); ok {
		return cb
	}
	exported := obj.Export()
	if h, ok := exported.(*handle); ok {
		return h.v
	}
	if obj.ClassName() == "Array" {
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := range out {
			out[i] = Export(vm, obj.Get(strconv.Itoa(i)))
		}
		return out
	}
	return exported
}
