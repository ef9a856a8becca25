// Package vfs is the per-computer virtual filesystem: a tree of folders,
// stored files, provided (native) programs and live devices, with owner and
// OWNER/GROUP/ALL permission bits on every block.
package vfs

import (
	"context"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Kind identifies a block variant. The values are persisted in snapshots and
// must never be renumbered.
type Kind uint8

const (
	KindFolder     Kind = 1
	KindStoredFile Kind = 2
	KindProvided   Kind = 3
	KindDevice     Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindStoredFile:
		return "file"
	case KindProvided:
		return "program"
	case KindDevice:
		return "device"
	}
	return "unknown"
}

// Block is a node of the filesystem tree.
type Block interface {
	Kind() Kind
	Owner() string
	SetOwner(owner string)
	Group() string
	SetGroup(group string)
	Mode() Mode
	SetMode(m Mode)
	// Locked reports whether the block is held for exclusive access.
	Locked() bool

	meta() *header
	destroy(ctx context.Context) error
}

// header carries the metadata common to every block.
type header struct {
	metaMu sync.RWMutex
	owner  string
	group  string
	mode   Mode
	parent *Folder
}

func (h *header) init(owner string, mode Mode) {
	h.owner = owner
	h.mode = mode
}

func (h *header) meta() *header { return h }

func (h *header) Owner() string {
	h.metaMu.RLock()
	defer h.metaMu.RUnlock()
	return h.owner
}

func (h *header) SetOwner(owner string) {
	h.metaMu.Lock()
	h.owner = owner
	h.metaMu.Unlock()
}

func (h *header) Group() string {
	h.metaMu.RLock()
	defer h.metaMu.RUnlock()
	return h.group
}

func (h *header) SetGroup(group string) {
	h.metaMu.Lock()
	h.group = group
	h.metaMu.Unlock()
}

func (h *header) Mode() Mode {
	h.metaMu.RLock()
	defer h.metaMu.RUnlock()
	return h.mode
}

func (h *header) SetMode(m Mode) {
	h.metaMu.Lock()
	h.mode = m & modeMask
	h.metaMu.Unlock()
}

func (h *header) getParent() *Folder {
	h.metaMu.RLock()
	defer h.metaMu.RUnlock()
	return h.parent
}

func (h *header) setParent(f *Folder) {
	h.metaMu.Lock()
	h.parent = f
	h.metaMu.Unlock()
}

// exclusive reports whether a block may live in only one folder. Provided
// programs and devices are shared singletons and can be linked anywhere.
func exclusive(b Block) bool {
	k := b.Kind()
	return k == KindFolder || k == KindStoredFile
}

// MaxNameLen bounds the length of a block name in bytes.
const MaxNameLen = 64

// ValidName reports whether name may be used as a block name.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > MaxNameLen {
		return false
	}
	if !utf8.ValidString(name) {
		return false
	}
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return false
		}
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// copyMeta copies owner, group and mode from src to dst.
func copyMeta(dst, src Block) {
	dst.SetOwner(src.Owner())
	dst.SetGroup(src.Group())
	dst.SetMode(src.Mode())
}
