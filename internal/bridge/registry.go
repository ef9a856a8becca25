package bridge

import (
	"fmt"
	"regexp"

	"github.com/dop251/goja"
)

var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Pool is a named, insertion-ordered set of natives. The global pool's
// functions become globals; any other pool becomes a global object whose
// properties are its functions.
type Pool struct {
	name  string
	names []string
	funcs map[string]NativeFunc
}

// NewPool creates an empty pool.
func NewPool(name string) *Pool {
	return &Pool{name: name, funcs: make(map[string]NativeFunc)}
}

// Name returns the pool name, "" for the global pool.
func (p *Pool) Name() string { return p.name }

// Register adds fn under name. Names must be identifiers and unique.
func (p *Pool) Register(name string, fn NativeFunc) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("bridge: invalid function name %q", name)
	}
	if !fn.Valid() {
		return fmt.Errorf("bridge: %s: uninitialized function", name)
	}
	if _, dup := p.funcs[name]; dup {
		return fmt.Errorf("bridge: %s already registered in pool %q", name, p.name)
	}
	p.names = append(p.names, name)
	p.funcs[name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (p *Pool) Lookup(name string) (NativeFunc, bool) {
	fn, ok := p.funcs[name]
	return fn, ok
}

// Names returns the registered names in registration order.
func (p *Pool) Names() []string {
	return append([]string(nil), p.names...)
}

// Provider contributes natives at sandbox setup. Providers are listed
// explicitly by the host; nothing is discovered at runtime.
type Provider interface {
	Provide(r *Registry) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(r *Registry) error

func (f ProviderFunc) Provide(r *Registry) error { return f(r) }

type namedValue struct {
	name  string
	value any
}

// Registry collects the global pool, named pools and plain global values
// for one sandbox.
type Registry struct {
	global *Pool
	pools  []*Pool
	values []namedValue
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{global: NewPool("")}
}

// Global returns the pool of global functions.
func (r *Registry) Global() *Pool { return r.global }

// Pool returns the named pool, creating it on first use.
func (r *Registry) Pool(name string) *Pool {
	for _, p := range r.pools {
		if p.name == name {
			return p
		}
	}
	p := NewPool(name)
	r.pools = append(r.pools, p)
	return p
}

// SetValue registers a non-function global.
func (r *Registry) SetValue(name string, v any) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("bridge: invalid global name %q", name)
	}
	for _, nv := range r.values {
		if nv.name == name {
			return fmt.Errorf("bridge: global %s already set", name)
		}
	}
	r.values = append(r.values, namedValue{name: name, value: v})
	return nil
}

// Install defines every registered global through set and returns the names
// it defined. Pool functions are installed as read-only properties.
func (r *Registry) Install(b *Bridge, set func(name string, v goja.Value) error) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	define := func(name string, v goja.Value) error {
		if seen[name] {
			return fmt.Errorf("bridge: global %s defined twice", name)
		}
		seen[name] = true
		if err := set(name, v); err != nil {
			return err
		}
		names = append(names, name)
		return nil
	}

	for _, name := range r.global.names {
		if err := define(name, b.Func(r.global.funcs[name])); err != nil {
			return names, err
		}
	}
	for _, p := range r.pools {
		obj := b.vm.NewObject()
		for _, name := range p.names {
			if err := obj.DefineDataProperty(name, b.Func(p.funcs[name]), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
				return names, err
			}
		}
		if err := define(p.name, obj); err != nil {
			return names, err
		}
	}
	for _, nv := range r.values {
		if err := define(nv.name, b.ToScript(nv.value)); err != nil {
			return names, err
		}
	}
	return names, nil
}
