package vfs

import (
	"context"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRestoresTree(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	root := NewFolder("admin")
	bin, err := root.Mkdir("bin", "root")
	require.NoError(t, err)
	cd := NewProvided(1, "cd", "root")
	require.NoError(t, bin.Put("cd", cd))
	dev, err := root.Mkdir("dev", "root")
	require.NoError(t, err)
	require.NoError(t, dev.Put("pcmd0", NewDevice("pcmd", "root")))
	require.NoError(t, dev.Put("weird0", NewDevice("weird", "root")))

	file := NewStoredFile("admin", store)
	file.SetMode(Mode(0o600))
	file.SetGroup("staff")
	require.NoError(t, file.WriteAll(ctx, []byte("print('hi')")))
	require.NoError(t, root.Put("init", file))

	data, err := Encode(root)
	require.NoError(t, err)

	programs := map[uint8]*Provided{1: cd}
	loaded, err := Decode(data, Resolver{
		Store:   store,
		Program: func(id uint8) (*Provided, bool) { p, ok := programs[id]; return p, ok },
		Device: func(typ string) (*Device, bool) {
			if typ != "pcmd" {
				return nil, false
			}
			return NewDevice(typ, "root"), true
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bin", "dev", "init"}, loaded.Names())

	b, err := Resolve(loaded, "/bin/cd", "/")
	require.NoError(t, err)
	assert.Same(t, cd, b)

	devs, err := ResolveFolder(loaded, "/dev", "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"pcmd0"}, devs.Names(), "unknown devices are left absent")

	b, err = Resolve(loaded, "/init", "/")
	require.NoError(t, err)
	lf := b.(*StoredFile)
	assert.Equal(t, file.ID(), lf.ID())
	assert.Equal(t, Mode(0o600), lf.Mode())
	assert.Equal(t, "staff", lf.Group())
	content, err := lf.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(content))
}

func TestSnapshotKeepsDeepTrees(t *testing.T) {
	root := NewFolder("admin")
	leaf, err := root.Mkdir(strings.Repeat("d/", 40), "admin")
	require.NoError(t, err)
	require.NoError(t, leaf.Put("bottom", NewFolder("admin")))

	data, err := Encode(root)
	require.NoError(t, err)
	loaded, err := Decode(data, Resolver{Store: NewMemStore()})
	require.NoError(t, err)

	b, err := Resolve(loaded, "/"+strings.Repeat("d/", 40)+"bottom", "/")
	require.NoError(t, err)
	assert.Equal(t, KindFolder, b.Kind())
}

func TestSnapshotRejectsTooDeepTrees(t *testing.T) {
	root := NewFolder("admin")
	_, err := root.Mkdir(strings.Repeat("d/", MaxSnapshotDepth+1), "admin")
	require.NoError(t, err)

	_, err = Encode(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "folders deep")
}

func TestSnapshotVersionCheck(t *testing.T) {
	data, err := cbor.Marshal(snapshot{Format: SnapshotFormat, Version: "2.0.0", Root: node{Kind: KindFolder}})
	require.NoError(t, err)
	_, err = Decode(data, Resolver{})
	assert.ErrorIs(t, err, ErrIncompatibleSnapshot)

	data, err = cbor.Marshal(snapshot{Format: SnapshotFormat, Version: "1.0.3", Root: node{Kind: KindFolder}})
	require.NoError(t, err)
	_, err = Decode(data, Resolver{})
	assert.NoError(t, err)

	data, err = cbor.Marshal(snapshot{Format: "other", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = Decode(data, Resolver{})
	assert.ErrorIs(t, err, ErrIncompatibleSnapshot)
}

func TestWalk(t *testing.T) {
	root := NewFolder("admin")
	_, err := root.Mkdir("a/b", "admin")
	require.NoError(t, err)
	var paths []string
	require.NoError(t, Walk(context.Background(), root, func(p string, _ Block) error {
		paths = append(paths, p)
		return nil
	}))
	assert.Equal(t, []string{"/", "/a", "/a/b"}, paths)
}
