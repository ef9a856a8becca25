package vfs

import (
	"context"
	"errors"
	"io"
)

// View is the filesystem as one actor sees it from one working directory.
// Every operation checks the actor's permissions and reports failures as
// *PathError values whose text is fit for the user.
type View struct {
	Root  *Folder
	Store BlobStore
	Actor Actor
	Dir   string
}

// Abs returns the absolute form of p.
func (v View) Abs(p string) string { return Clean(p, v.Dir) }

// Stat resolves p.
func (v View) Stat(p string) (Block, error) {
	b, err := Resolve(v.Root, p, v.Dir)
	if err != nil {
		return nil, v.rebase(p, err)
	}
	return b, nil
}

// rebase reports a resolution failure against the absolute path.
func (v View) rebase(p string, err error) error {
	var pe *PathError
	if errors.As(err, &pe) {
		return &PathError{Op: pe.Op, Path: v.Abs(p), Err: pe.Err}
	}
	return Wrap("", v.Abs(p), err)
}

func (v View) check(b Block, p string, perm Perm) error {
	if !CanAccess(b, v.Actor, perm) {
		return &PathError{Path: v.Abs(p), Err: ErrPermission}
	}
	return nil
}

// parent resolves the folder that holds p and checks perm on it.
func (v View) parent(p string, perm Perm) (*Folder, string, error) {
	dir, base := Split(p, v.Dir)
	if base == "" {
		return nil, "", &PathError{Path: v.Abs(p), Err: ErrBadName}
	}
	f, err := ResolveFolder(v.Root, dir, "/")
	if err != nil {
		return nil, "", Wrap("", dir, err)
	}
	if err := v.check(f, dir, perm); err != nil {
		return nil, "", err
	}
	return f, base, nil
}

// List returns the entries of the folder at p.
func (v View) List(p string) ([]Entry, error) {
	b, err := v.Stat(p)
	if err != nil {
		return nil, err
	}
	f, ok := b.(*Folder)
	if !ok {
		return nil, &PathError{Path: v.Abs(p), Err: ErrNotFolder}
	}
	if err := v.check(f, p, Read); err != nil {
		return nil, err
	}
	return f.Entries(), nil
}

// ReadFile returns the content of the stored file at p.
func (v View) ReadFile(ctx context.Context, p string) ([]byte, error) {
	b, err := v.Stat(p)
	if err != nil {
		return nil, err
	}
	f, ok := b.(*StoredFile)
	if !ok {
		return nil, &PathError{Path: v.Abs(p), Err: ErrNotFile}
	}
	if err := v.check(f, p, Read); err != nil {
		return nil, err
	}
	data, err := f.ReadAll(ctx)
	if err != nil {
		return nil, Wrap("", v.Abs(p), err)
	}
	return data, nil
}

// OpenWriter opens the file at p for writing, creating it when missing.
// Writing to a device feeds its driver.
func (v View) OpenWriter(ctx context.Context, p string, appendMode bool) (io.WriteCloser, error) {
	b, err := Resolve(v.Root, p, v.Dir)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, v.rebase(p, err)
		}
		f, err := v.create(p)
		if err != nil {
			return nil, err
		}
		b = f
	}
	if err := v.check(b, p, Write); err != nil {
		return nil, err
	}
	switch t := b.(type) {
	case *Device:
		return nopCloser{t.OpenWriter()}, nil
	case *StoredFile:
		var w io.WriteCloser
		if appendMode {
			w, err = t.Append(ctx)
		} else {
			w, err = t.Create(ctx)
		}
		if err != nil {
			return nil, Wrap("", v.Abs(p), err)
		}
		return w, nil
	}
	return nil, &PathError{Path: v.Abs(p), Err: ErrNotFile}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// WriteFile replaces or appends to the content of the file at p.
func (v View) WriteFile(ctx context.Context, p string, data []byte, appendMode bool) error {
	w, err := v.OpenWriter(ctx, p, appendMode)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Wrap("", v.Abs(p), err)
	}
	return Wrap("", v.Abs(p), w.Close())
}

func (v View) create(p string) (*StoredFile, error) {
	parent, base, err := v.parent(p, Write)
	if err != nil {
		return nil, err
	}
	f := NewStoredFile(v.Actor.User, v.Store)
	if err := parent.Put(base, f); err != nil {
		if errors.Is(err, ErrExists) {
			if b, ok := parent.Get(base); ok {
				if sf, ok := b.(*StoredFile); ok {
					return sf, nil
				}
			}
		}
		return nil, Wrap("", v.Abs(p), err)
	}
	return f, nil
}

// Touch creates an empty file at p unless something already exists there.
func (v View) Touch(p string) error {
	if _, err := Resolve(v.Root, p, v.Dir); err == nil {
		return nil
	}
	_, err := v.create(p)
	return err
}

// Mkdir creates the folder at p. With parents, missing intermediate folders
// are created too and an existing folder is not an error.
func (v View) Mkdir(p string, parents bool) (*Folder, error) {
	if parents {
		// Find the deepest existing ancestor and check write access there.
		abs := v.Abs(p)
		var cur Block = v.Root
		for _, seg := range segments(abs) {
			f, ok := cur.(*Folder)
			if !ok {
				return nil, &PathError{Path: abs, Err: ErrNotFolder}
			}
			next, ok := f.Get(seg)
			if !ok {
				if err := v.check(f, abs, Write); err != nil {
					return nil, err
				}
				break
			}
			cur = next
		}
		f, err := v.Root.Mkdir(abs, v.Actor.User)
		return f, Wrap("", abs, err)
	}

	parent, base, err := v.parent(p, Write)
	if err != nil {
		return nil, err
	}
	f := NewFolder(v.Actor.User)
	if err := parent.Put(base, f); err != nil {
		return nil, Wrap("", v.Abs(p), err)
	}
	return f, nil
}

// Remove destroys the block at p.
func (v View) Remove(ctx context.Context, p string, recursive bool) error {
	if v.Abs(p) == "/" {
		return &PathError{Path: "/", Err: ErrPermission}
	}
	parent, base, err := v.parent(p, Write)
	if err != nil {
		return err
	}
	if err := parent.Remove(ctx, base, recursive); err != nil {
		return Wrap("", v.Abs(p), err)
	}
	return nil
}

// Copy duplicates the block at src to dst. When dst is an existing folder
// the copy goes inside it under the source's name.
func (v View) Copy(ctx context.Context, src, dst string) error {
	b, err := v.Stat(src)
	if err != nil {
		return err
	}
	if err := v.check(b, src, Read); err != nil {
		return err
	}
	if target, err := Resolve(v.Root, dst, v.Dir); err == nil {
		if _, ok := target.(*Folder); ok {
			_, base := Split(src, v.Dir)
			dst = v.Abs(dst) + "/" + base
		}
	}
	parent, base, err := v.parent(dst, Write)
	if err != nil {
		return err
	}
	if _, exists := parent.Get(base); exists {
		return &PathError{Path: v.Abs(dst), Err: ErrExists}
	}
	if f, ok := b.(*Folder); ok {
		for p := parent; p != nil; p = p.Parent() {
			if p == f {
				return &PathError{Path: v.Abs(dst), Err: ErrCycle}
			}
		}
	}
	c, err := Copy(ctx, b)
	if err != nil {
		return Wrap("", v.Abs(src), err)
	}
	if err := parent.Put(base, c); err != nil {
		if exclusive(c) {
			_ = c.destroy(context.WithoutCancel(ctx))
		}
		return Wrap("", v.Abs(dst), err)
	}
	return nil
}

// owned checks that the actor owns the block at p.
func (v View) owned(p string) (Block, error) {
	b, err := v.Stat(p)
	if err != nil {
		return nil, err
	}
	if b.Owner() != v.Actor.User {
		return nil, &PathError{Path: v.Abs(p), Err: ErrPermission}
	}
	return b, nil
}

// Chmod changes the mode of a block the actor owns.
func (v View) Chmod(p string, m Mode) error {
	b, err := v.owned(p)
	if err != nil {
		return err
	}
	b.SetMode(m)
	return nil
}

// Chown gives a block the actor owns to another user, optionally changing
// its group.
func (v View) Chown(p, owner, group string) error {
	b, err := v.owned(p)
	if err != nil {
		return err
	}
	if owner != "" {
		b.SetOwner(owner)
	}
	if group != "" {
		b.SetGroup(group)
	}
	return nil
}
