package vfs

import (
	"fmt"
	"slices"
	"strconv"
)

// Class selects whose permission bits are examined.
type Class uint8

const (
	Owner Class = iota
	Group
	All
)

// Perm is one of read, write or execute.
type Perm uint8

const (
	Execute Perm = 1 << iota
	Write
	Read
)

func (p Perm) String() string {
	switch p {
	case Read:
		return "read"
	case Write:
		return "write"
	case Execute:
		return "execute"
	}
	return "perm(" + strconv.Itoa(int(p)) + ")"
}

// Mode holds nine permission bits laid out like a unix mode: owner, group,
// all, three bits each.
type Mode uint16

// Default modes for new blocks.
const (
	FolderMode   Mode = 0o755
	FileMode     Mode = 0o755
	ProgramMode  Mode = 0o755
	DeviceMode   Mode = 0o666
	modeMask     Mode = 0o777
	classBitSize      = 3
)

func (m Mode) shift(c Class) uint {
	return uint(2-c) * classBitSize
}

// Has reports whether class c holds permission p.
func (m Mode) Has(c Class, p Perm) bool {
	return (m>>m.shift(c))&Mode(p) != 0
}

// With returns m with permission p for class c switched on or off.
func (m Mode) With(c Class, p Perm, on bool) Mode {
	bit := Mode(p) << m.shift(c)
	if on {
		return m | bit
	}
	return m &^ bit
}

func (m Mode) String() string {
	const letters = "rwx"
	out := make([]byte, 0, 9)
	for c := Owner; c <= All; c++ {
		for i, p := range []Perm{Read, Write, Execute} {
			if m.Has(c, p) {
				out = append(out, letters[i])
			} else {
				out = append(out, '-')
			}
		}
	}
	return string(out)
}

// ParseMode accepts an octal mode ("750") or a symbolic one ("rwxr-x---").
func ParseMode(s string) (Mode, error) {
	if len(s) == 9 {
		var m Mode
		for i := 0; i < 9; i++ {
			if s[i] == '-' {
				continue
			}
			if s[i] != "rwx"[i%3] {
				return 0, fmt.Errorf("invalid mode %q", s)
			}
			m |= 1 << (8 - i)
		}
		return m, nil
	}
	v, err := strconv.ParseUint(s, 8, 16)
	if err != nil || Mode(v)&^modeMask != 0 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return Mode(v), nil
}

// Actor is the identity a program runs as.
type Actor struct {
	User   string
	Groups []string
}

// InGroup reports whether the actor belongs to group g.
func (a Actor) InGroup(g string) bool {
	return g != "" && slices.Contains(a.Groups, g)
}

// CanAccess reports whether actor may perform p on b. The ALL bits apply to
// everyone and the OWNER bits to the block's owner. GROUP bits grant read and
// write to members of the block's group but never execute: execution needs
// (owner && OWNER-x) || ALL-x. There is no superuser.
func CanAccess(b Block, a Actor, p Perm) bool {
	m := b.Mode()
	if m.Has(All, p) {
		return true
	}
	if a.User != "" && a.User == b.Owner() && m.Has(Owner, p) {
		return true
	}
	return p != Execute && a.InGroup(b.Group()) && m.Has(Group, p)
}
