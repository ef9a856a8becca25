package hostapi

import (
	"errors"
	"fmt"

	"consolevm/internal/bridge"
	"consolevm/internal/vfs"
)

// registerFS registers the fs pool. Paths resolve against the invoking
// shell's directory and every access is checked against the program's actor.
func registerFS(r *bridge.Registry, h *Context) error {
	return registerAll(r.Pool("fs"), []named{
		{"cwd", bridge.Func0(func() (string, error) { return h.Proc.Dir(), nil })},
		{"resolve", bridge.Func1(func(p string) (string, error) { return h.view().Abs(p), nil })},
		{"exists", bridge.Func1(func(p string) (bool, error) {
			_, err := h.view().Stat(p)
			return err == nil, nil
		})},
		{"isFolder", bridge.Func1(func(p string) (bool, error) {
			b, err := h.view().Stat(p)
			return err == nil && b.Kind() == vfs.KindFolder, nil
		})},
		{"list", bridge.Variadic(h.list)},
		{"read", bridge.Func1(h.readFile)},
		{"write", bridge.Proc2(func(p, content string) error { return h.writeFile(p, content, false) })},
		{"append", bridge.Proc2(func(p, content string) error { return h.writeFile(p, content, true) })},
		{"mkdir", bridge.Proc1(func(p string) error {
			_, err := h.view().Mkdir(p, true)
			return err
		})},
		{"remove", bridge.Variadic(h.remove)},
		{"copy", bridge.Proc2(func(src, dst string) error {
			return h.view().Copy(h.Proc.Context(), src, dst)
		})},
	})
}

func (h *Context) view() vfs.View {
	sys := h.Proc.System()
	return vfs.View{
		Root:  sys.Root(),
		Store: sys.Store(),
		Actor: h.Proc.Actor(),
		Dir:   h.Proc.Dir(),
	}
}

// list returns the child names of a folder, the current one by default.
func (h *Context) list(args []any) (any, error) {
	p := stringArg(args, 0)
	if p == "" {
		p = "."
	}
	entries, err := h.view().List(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// readFile returns the file content, or null when it does not exist.
func (h *Context) readFile(p string) (any, error) {
	data, err := h.view().ReadFile(h.Proc.Context(), p)
	if errors.Is(err, vfs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (h *Context) writeFile(p, content string, appendMode bool) error {
	if int64(len(content)) > h.Config.MaxWriteSize {
		return fmt.Errorf("content exceeds max size of %d bytes", h.Config.MaxWriteSize)
	}
	return h.view().WriteFile(h.Proc.Context(), p, []byte(content), appendMode)
}

func (h *Context) remove(args []any) (any, error) {
	recursive := len(args) > 1 && args[1] == true
	return bridge.Void{}, h.view().Remove(h.Proc.Context(), stringArg(args, 0), recursive)
}
