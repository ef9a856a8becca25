package jsvm

import (
	"slices"
	"sync"

	"github.com/dop251/goja"

	"consolevm/internal/bridge"
	"consolevm/internal/vmerr"
)

// Env is a script's global namespace as seen from the host. Names injected
// through Set can later be finalized: the host can no longer replace them and
// scripts that assign to them get a TypeError.
type Env struct {
	vm *goja.Runtime

	mu       sync.Mutex
	injected []string
	final    map[string]struct{}
}

// NewEnv wraps the global object of vm.
func NewEnv(vm *goja.Runtime) *Env {
	return &Env{vm: vm, final: make(map[string]struct{})}
}

// Set defines or replaces a global.
func (e *Env) Set(name string, v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.final[name]; ok {
		return &vmerr.FinalizedError{Name: name}
	}
	if err := e.vm.Set(name, bridge.ToScript(e.vm, v)); err != nil {
		return err
	}
	if !slices.Contains(e.injected, name) {
		e.injected = append(e.injected, name)
	}
	return nil
}

// Get returns a global, or nil when it is not defined.
func (e *Env) Get(name string) goja.Value {
	return e.vm.Get(name)
}

// Has reports whether a global is defined.
func (e *Env) Has(name string) bool {
	v := e.vm.Get(name)
	return v != nil && !goja.IsUndefined(v)
}

// Names returns the injected global names in injection order.
func (e *Env) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.injected)
}

// Finalize freezes the named globals at their current values.
func (e *Env) Finalize(names ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	global := e.vm.GlobalObject()
	for _, name := range names {
		if _, ok := e.final[name]; ok {
			continue
		}
		value := global.Get(name)
		if value == nil {
			value = goja.Undefined()
		}
		getter := e.vm.ToValue(func(goja.FunctionCall) goja.Value { return value })
		setter := e.vm.ToValue(func(goja.FunctionCall) goja.Value {
			panic(e.vm.NewTypeError("%s is final", name))
		})
		if err := global.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return err
		}
		e.final[name] = struct{}{}
	}
	return nil
}

// FinalizeInjected freezes every global injected through Set.
func (e *Env) FinalizeInjected() error {
	return e.Finalize(e.Names()...)
}

// IsFinalized reports whether name is frozen.
func (e *Env) IsFinalized(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.final[name]
	return ok
}
