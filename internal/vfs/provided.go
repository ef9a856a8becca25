package vfs

import "context"

// Provided marks a native program built into the kernel. The block only
// carries the program id; the kernel maps ids to implementations. A provided
// block is a shared singleton, so copying one yields the same instance.
type Provided struct {
	header
	id   uint8
	name string
}

// NewProvided creates the block for native program id.
func NewProvided(id uint8, name, owner string) *Provided {
	p := &Provided{id: id, name: name}
	p.init(owner, ProgramMode)
	return p
}

func (p *Provided) Kind() Kind   { return KindProvided }
func (p *Provided) Locked() bool { return false }

// ID returns the program id.
func (p *Provided) ID() uint8 { return p.id }

// Name returns the program's canonical name.
func (p *Provided) Name() string { return p.name }

func (p *Provided) destroy(context.Context) error { return nil }
