package vfs

import (
	"context"
	"errors"
	"sync"
)

// Entry is one named child of a folder.
type Entry struct {
	Name  string
	Block Block
}

// Folder maps names to blocks in insertion order. All methods are safe for
// concurrent use; listings return snapshots.
type Folder struct {
	header

	mu      sync.RWMutex
	names   []string
	entries map[string]Block
}

// NewFolder creates an empty folder owned by owner.
func NewFolder(owner string) *Folder {
	f := &Folder{entries: make(map[string]Block)}
	f.init(owner, FolderMode)
	return f
}

func (f *Folder) Kind() Kind { return KindFolder }

func (f *Folder) Locked() bool { return false }

// Parent returns the folder holding f, nil for a root or detached folder.
func (f *Folder) Parent() *Folder { return f.getParent() }

// Get returns the block stored under name.
func (f *Folder) Get(name string) (Block, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.entries[name]
	return b, ok
}

// Put links b under name. It fails with ErrExists if the name is taken.
func (f *Folder) Put(name string, b Block) error {
	return f.put(name, b, false)
}

// Replace links b under name, unlinking (without destroying) any previous
// block of that name, which is returned.
func (f *Folder) Replace(name string, b Block) (Block, error) {
	f.mu.RLock()
	old := f.entries[name]
	f.mu.RUnlock()
	if old == b {
		return nil, nil
	}
	if err := f.put(name, b, true); err != nil {
		return nil, err
	}
	return old, nil
}

func (f *Folder) put(name string, b Block, replace bool) error {
	if !ValidName(name) {
		return ErrBadName
	}
	if b == nil {
		return errors.New("nil block")
	}
	if exclusive(b) && b.meta().getParent() != nil {
		return ErrLinked
	}
	if child, ok := b.(*Folder); ok {
		for p := f; p != nil; p = p.Parent() {
			if p == child {
				return ErrCycle
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	old, exists := f.entries[name]
	if exists && !replace {
		return ErrExists
	}
	if exists {
		if exclusive(old) {
			old.meta().setParent(nil)
		}
		if d, ok := old.(*Device); ok {
			d.links.Add(-1)
		}
	} else {
		f.names = append(f.names, name)
	}
	f.entries[name] = b
	if d, ok := b.(*Device); ok {
		d.links.Add(1)
	}
	if exclusive(b) {
		b.meta().setParent(f)
	}
	return nil
}

// Unlink removes name from the folder without destroying the block.
func (f *Folder) Unlink(name string) (Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	delete(f.entries, name)
	for i, n := range f.names {
		if n == name {
			f.names = append(f.names[:i:i], f.names[i+1:]...)
			break
		}
	}
	if exclusive(b) {
		b.meta().setParent(nil)
	}
	if d, ok := b.(*Device); ok {
		d.links.Add(-1)
	}
	return b, nil
}

// Remove unlinks name and destroys the removed subtree: stored file content
// is deleted and devices are stopped. A non-empty folder is only removed when
// recursive is set.
func (f *Folder) Remove(ctx context.Context, name string, recursive bool) error {
	b, ok := f.Get(name)
	if !ok {
		return ErrNotFound
	}
	if sub, ok := b.(*Folder); ok && !recursive && sub.Len() > 0 {
		return ErrNotEmpty
	}
	if b.Locked() {
		return ErrLocked
	}
	if _, err := f.Unlink(name); err != nil {
		return err
	}
	return b.destroy(ctx)
}

func (f *Folder) destroy(ctx context.Context) error {
	var errs []error
	for _, e := range f.Entries() {
		if d, ok := e.Block.(*Device); ok {
			d.unlinked()
			continue
		}
		// Provided programs are shared singletons.
		if !exclusive(e.Block) {
			continue
		}
		errs = append(errs, e.Block.destroy(ctx))
	}
	return errors.Join(errs...)
}

// Entries returns a snapshot of the folder's children in insertion order.
func (f *Folder) Entries() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Entry, 0, len(f.names))
	for _, n := range f.names {
		out = append(out, Entry{Name: n, Block: f.entries[n]})
	}
	return out
}

// Names returns a snapshot of the child names in insertion order.
func (f *Folder) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.names...)
}

// Len returns the number of children.
func (f *Folder) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.names)
}

// NameOf returns the name under which b is linked in f.
func (f *Folder) NameOf(b Block) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.names {
		if f.entries[n] == b {
			return n, true
		}
	}
	return "", false
}

// Mkdir returns the folder at rel below f, creating missing folders with the
// given owner. Segments that exist but are not folders fail with ErrNotFolder.
func (f *Folder) Mkdir(rel string, owner string) (*Folder, error) {
	cur := f
	for _, seg := range segments(rel) {
		b, ok := cur.Get(seg)
		if !ok {
			nf := NewFolder(owner)
			if err := cur.Put(seg, nf); err != nil {
				if !errors.Is(err, ErrExists) {
					return nil, err
				}
				// Lost a race with a concurrent mkdir.
				b, _ = cur.Get(seg)
			} else {
				b = nf
			}
		}
		next, ok := b.(*Folder)
		if !ok {
			return nil, ErrNotFolder
		}
		cur = next
	}
	return cur, nil
}
