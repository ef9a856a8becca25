package jsvm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"consolevm/internal/bridge"
	"consolevm/internal/program"
	"consolevm/internal/vfs"
	"consolevm/internal/vmerr"
)

// libDir holds modules required by bare name.
const libDir = "/lib"

// ModuleSource locates a module: it returns the module's absolute path and
// source, or an error wrapping vmerr.ErrModuleNotFound.
type ModuleSource func(name string) (path, src string, err error)

// vfsModules resolves relative names against the program's directory and
// bare names inside /lib, with an optional .js suffix. Reading a module
// needs read permission.
func vfsModules(p *program.Instance) ModuleSource {
	return func(name string) (string, string, error) {
		sys := p.System()
		view := vfs.View{Root: sys.Root(), Store: sys.Store(), Actor: p.Actor(), Dir: p.Dir()}

		base := view.Abs(name)
		if !strings.HasPrefix(name, "/") && !strings.HasPrefix(name, "./") && !strings.HasPrefix(name, "../") {
			base = vfs.Clean(name, libDir)
		}
		for _, candidate := range []string{base, base + ".js"} {
			data, err := view.ReadFile(p.Context(), candidate)
			if err == nil {
				return candidate, string(data), nil
			}
			if errors.Is(err, vfs.ErrNotFound) || errors.Is(err, vfs.ErrNotFile) {
				continue
			}
			return "", "", err
		}
		return "", "", fmt.Errorf("%w: %s", vmerr.ErrModuleNotFound, name)
	}
}

// modules provides require(). Each module runs once per sandbox with its
// own module and exports objects; a cyclic require sees the exports so far.
func modules(s *Sandbox, source ModuleSource) bridge.Provider {
	cache := make(map[string]goja.Value)
	loading := make(map[string]*goja.Object)

	return bridge.ProviderFunc(func(r *bridge.Registry) error {
		return r.Global().Register("require", bridge.VariadicArgs(func(a *bridge.Args) (any, error) {
			vm := a.Runtime()
			path, src, err := source(a.String(0))
			if err != nil {
				return nil, err
			}
			if v, ok := cache[path]; ok {
				return v, nil
			}
			if m, ok := loading[path]; ok {
				return m.Get("exports"), nil
			}

			prg, err := goja.Compile(path, "(function (module, exports, require) {"+src+"\n})", false)
			if err != nil {
				return nil, wrapExecutionError(err, path)
			}
			module := vm.NewObject()
			exports := vm.NewObject()
			if err := module.Set("exports", exports); err != nil {
				return nil, err
			}
			loading[path] = module
			defer delete(loading, path)

			wrapper, err := vm.RunProgram(prg)
			if err != nil {
				return nil, err
			}
			fn, ok := goja.AssertFunction(wrapper)
			if !ok {
				return nil, fmt.Errorf("module %s did not compile to a function", path)
			}
			if _, err := fn(goja.Undefined(), module, exports, s.env.Get("require")); err != nil {
				return nil, err
			}
			v := module.Get("exports")
			cache[path] = v
			return v, nil
		}))
	})
}
