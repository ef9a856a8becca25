package kernel

import (
	"fmt"
	"sort"

	"consolevm/internal/program"
	"consolevm/internal/vfs"
)

// Table maps provided program ids to their definitions and to the shared
// block that represents each program in the filesystem.
type Table struct {
	defs   map[uint8]program.Definition
	blocks map[uint8]*vfs.Provided
	order  []uint8
}

// NewTable builds the program table. Ids must be unique and non-zero.
func NewTable(owner string, defs []program.Definition) (*Table, error) {
	t := &Table{
		defs:   make(map[uint8]program.Definition, len(defs)),
		blocks: make(map[uint8]*vfs.Provided, len(defs)),
	}
	for _, d := range defs {
		if d.ID == 0 {
			return nil, fmt.Errorf("kernel: program %s has reserved id 0", d.Name)
		}
		if _, dup := t.defs[d.ID]; dup {
			return nil, fmt.Errorf("kernel: duplicate program id %#02x (%s)", d.ID, d.Name)
		}
		if d.Native == nil {
			return nil, fmt.Errorf("kernel: program %s has no implementation", d.Name)
		}
		t.defs[d.ID] = d
		t.blocks[d.ID] = vfs.NewProvided(d.ID, d.Name, owner)
		t.order = append(t.order, d.ID)
	}
	sort.Slice(t.order, func(i, j int) bool { return t.order[i] < t.order[j] })
	return t, nil
}

// Block returns the shared block of program id.
func (t *Table) Block(id uint8) (*vfs.Provided, bool) {
	b, ok := t.blocks[id]
	return b, ok
}

// Definition returns the definition of program id.
func (t *Table) Definition(id uint8) (program.Definition, bool) {
	d, ok := t.defs[id]
	return d, ok
}

// Definitions returns every definition ordered by id.
func (t *Table) Definitions() []program.Definition {
	out := make([]program.Definition, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.defs[id])
	}
	return out
}
