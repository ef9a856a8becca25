package vfs

import (
	"path"
	"strings"
)

// Clean joins p onto cwd when p is relative and normalises the result to an
// absolute path. ".." never climbs above the root.
func Clean(p, cwd string) string {
	if !strings.HasPrefix(p, "/") {
		if cwd == "" {
			cwd = "/"
		}
		p = cwd + "/" + p
	}
	return path.Clean("/" + p)
}

// Split returns the absolute parent directory and base name of p.
func Split(p, cwd string) (dir, base string) {
	abs := Clean(p, cwd)
	dir, base = path.Split(abs)
	if dir != "/" {
		dir = strings.TrimSuffix(dir, "/")
	}
	return dir, base
}

func segments(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" && s != "." {
			out = append(out, s)
		}
	}
	return out
}

// Resolve walks from root to the block named by p, relative paths starting at
// cwd. A missing segment or a non-folder in the middle yields ErrNotFound.
func Resolve(root *Folder, p, cwd string) (Block, error) {
	var cur Block = root
	for _, seg := range segments(Clean(p, cwd)) {
		f, ok := cur.(*Folder)
		if !ok {
			return nil, &PathError{Path: p, Err: ErrNotFound}
		}
		next, ok := f.Get(seg)
		if !ok {
			return nil, &PathError{Path: p, Err: ErrNotFound}
		}
		cur = next
	}
	return cur, nil
}

// ResolveFolder is Resolve restricted to folders.
func ResolveFolder(root *Folder, p, cwd string) (*Folder, error) {
	b, err := Resolve(root, p, cwd)
	if err != nil {
		return nil, err
	}
	f, ok := b.(*Folder)
	if !ok {
		return nil, &PathError{Path: p, Err: ErrNotFolder}
	}
	return f, nil
}

// PathOf returns the absolute path of an exclusively linked block by walking
// its parents. ok is false for detached blocks that are not root.
func PathOf(root *Folder, b Block) (string, bool) {
	if b == Block(root) {
		return "/", true
	}
	var parts []string
	cur := b
	for cur != Block(root) {
		parent := cur.meta().getParent()
		if parent == nil {
			return "", false
		}
		name, ok := parent.NameOf(cur)
		if !ok {
			return "", false
		}
		parts = append(parts, name)
		cur = parent
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	return sb.String(), true
}
