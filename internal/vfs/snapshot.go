package vfs

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Masterminds/semver/v3"
	"github.com/fxamacker/cbor/v2"
)

// Snapshot format identification.
const (
	SnapshotFormat  = "consolevm-fs"
	SnapshotVersion = "1.1.0"
	// snapshotCompat is the range of snapshot versions this build can read.
	snapshotCompat = "^1.0.0"
)

// ErrIncompatibleSnapshot is returned for a snapshot written by an
// incompatible format version.
var ErrIncompatibleSnapshot = errors.New("vfs: incompatible snapshot")

// MaxSnapshotDepth is the deepest folder nesting a snapshot can carry. Each
// folder level costs two CBOR nesting levels (its map and its children).
const MaxSnapshotDepth = (maxNestedLevels - 2) / 2

const maxNestedLevels = 65535

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vfs: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: math.MaxInt32,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("vfs: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

type snapshot struct {
	Format  string `cbor:"1,keyasint"`
	Version string `cbor:"2,keyasint"`
	Root    node   `cbor:"3,keyasint"`
}

type node struct {
	Kind       Kind   `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint,omitempty"`
	Owner      string `cbor:"3,keyasint,omitempty"`
	Group      string `cbor:"4,keyasint,omitempty"`
	Mode       uint16 `cbor:"5,keyasint"`
	FileID     string `cbor:"6,keyasint,omitempty"`
	ProgramID  uint8  `cbor:"7,keyasint,omitempty"`
	DeviceType string `cbor:"8,keyasint,omitempty"`
	Children   []node `cbor:"9,keyasint,omitempty"`
}

// Resolver supplies what a snapshot cannot carry itself.
type Resolver struct {
	// Store backs every stored file.
	Store BlobStore
	// Program returns the shared block for a native program id.
	Program func(id uint8) (*Provided, bool)
	// Device re-attaches a device of the given type to a live source. When nil
	// or when it reports false the device entry is left out.
	Device func(typ string) (*Device, bool)
}

// Encode serialises the tree below root.
func Encode(root *Folder) ([]byte, error) {
	if d := depth(root, 0); d > MaxSnapshotDepth {
		return nil, fmt.Errorf("vfs: tree is %d folders deep, snapshots hold at most %d", d, MaxSnapshotDepth)
	}
	s := snapshot{
		Format:  SnapshotFormat,
		Version: SnapshotVersion,
		Root:    encodeNode("", root),
	}
	return cborEncMode.Marshal(&s)
}

// depth returns the deepest folder level below f, stopping once the limit
// is passed.
func depth(f *Folder, level int) int {
	deepest := level
	if level > MaxSnapshotDepth {
		return level
	}
	for _, e := range f.Entries() {
		if sub, ok := e.Block.(*Folder); ok {
			deepest = max(deepest, depth(sub, level+1))
		}
	}
	return deepest
}

func encodeNode(name string, b Block) node {
	n := node{
		Kind:  b.Kind(),
		Name:  name,
		Owner: b.Owner(),
		Group: b.Group(),
		Mode:  uint16(b.Mode()),
	}
	switch v := b.(type) {
	case *Folder:
		for _, e := range v.Entries() {
			n.Children = append(n.Children, encodeNode(e.Name, e.Block))
		}
	case *StoredFile:
		n.FileID = v.id
	case *Provided:
		n.ProgramID = v.id
	case *Device:
		n.DeviceType = v.typ
	}
	return n
}

// Decode rebuilds a tree from a snapshot. Unknown block kinds, unknown program
// ids and devices without a live source are left out rather than failing the
// whole load.
func Decode(data []byte, r Resolver) (*Folder, error) {
	var s snapshot
	if err := cborDecMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vfs: unmarshal snapshot: %w", err)
	}
	if err := checkVersion(s.Format, s.Version); err != nil {
		return nil, err
	}
	if s.Root.Kind != KindFolder {
		return nil, fmt.Errorf("vfs: snapshot root is a %s", s.Root.Kind)
	}
	b, _ := decodeNode(s.Root, r)
	return b.(*Folder), nil
}

func checkVersion(format, version string) error {
	if format != SnapshotFormat {
		return fmt.Errorf("%w: format %q", ErrIncompatibleSnapshot, format)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: invalid version %q: %v", ErrIncompatibleSnapshot, version, err)
	}
	c, err := semver.NewConstraint(snapshotCompat)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: version %s not in %s", ErrIncompatibleSnapshot, v, snapshotCompat)
	}
	return nil
}

func decodeNode(n node, r Resolver) (Block, bool) {
	var b Block
	switch n.Kind {
	case KindFolder:
		f := NewFolder(n.Owner)
		for _, c := range n.Children {
			child, ok := decodeNode(c, r)
			if !ok {
				continue
			}
			if err := f.Put(c.Name, child); err != nil {
				continue
			}
		}
		b = f
	case KindStoredFile:
		if n.FileID == "" || r.Store == nil {
			return nil, false
		}
		b = OpenStoredFile(n.FileID, n.Owner, r.Store)
	case KindProvided:
		if r.Program == nil {
			return nil, false
		}
		p, ok := r.Program(n.ProgramID)
		if !ok {
			return nil, false
		}
		// Shared singleton: keep its own metadata.
		return p, true
	case KindDevice:
		if r.Device == nil {
			return nil, false
		}
		d, ok := r.Device(n.DeviceType)
		if !ok {
			return nil, false
		}
		b = d
	default:
		return nil, false
	}
	b.SetOwner(n.Owner)
	b.SetGroup(n.Group)
	b.SetMode(Mode(n.Mode))
	return b, true
}

// Walk calls fn for every block below root, depth first, with its absolute
// path. Returning a non-nil error stops the walk.
func Walk(ctx context.Context, root *Folder, fn func(path string, b Block) error) error {
	return walk(ctx, "/", root, fn)
}

func walk(ctx context.Context, p string, b Block, fn func(string, Block) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(p, b); err != nil {
		return err
	}
	f, ok := b.(*Folder)
	if !ok {
		return nil
	}
	for _, e := range f.Entries() {
		child := p + e.Name
		if p != "/" {
			child = p + "/" + e.Name
		}
		if err := walk(ctx, child, e.Block, fn); err != nil {
			return err
		}
	}
	return nil
}
