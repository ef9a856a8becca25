package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeBits(t *testing.T) {
	m := Mode(0o750)
	assert.True(t, m.Has(Owner, Read))
	assert.True(t, m.Has(Owner, Execute))
	assert.True(t, m.Has(Group, Execute))
	assert.False(t, m.Has(Group, Write))
	assert.False(t, m.Has(All, Read))
	assert.Equal(t, "rwxr-x---", m.String())

	m = m.With(All, Read, true).With(Owner, Write, false)
	assert.Equal(t, "r-xr-xr--", m.String())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("rwxr-x--x")
	require.NoError(t, err)
	assert.Equal(t, Mode(0o751), m)

	m, err = ParseMode("644")
	require.NoError(t, err)
	assert.Equal(t, Mode(0o644), m)

	for _, bad := range []string{"", "999", "rwxrwxrwz", "1777"} {
		_, err := ParseMode(bad)
		assert.Error(t, err, bad)
	}
}

func TestExecuteDeniedToEveryoneWithoutOwnerAndAllBits(t *testing.T) {
	f := NewStoredFile("alice", NewMemStore())
	f.SetMode(Mode(0o676)) // rw-rwxrw-: only GROUP-x set
	f.SetGroup("staff")

	assert.False(t, CanAccess(f, Actor{User: "alice"}, Execute), "owner")
	assert.False(t, CanAccess(f, Actor{User: "bob"}, Execute), "other")
	assert.False(t, CanAccess(f, Actor{User: "root"}, Execute), "no superuser")
	assert.False(t, CanAccess(f, Actor{User: "carol", Groups: []string{"staff"}}, Execute), "group member")

	f.SetMode(Mode(0o010))
	assert.False(t, CanAccess(f, Actor{User: "bob", Groups: []string{"staff"}}, Execute), "GROUP-x alone")

	f.SetMode(Mode(0o100))
	assert.True(t, CanAccess(f, Actor{User: "alice"}, Execute))
	assert.False(t, CanAccess(f, Actor{User: "bob"}, Execute))

	f.SetMode(Mode(0o001))
	assert.True(t, CanAccess(f, Actor{User: "bob"}, Execute))
}

func TestReadWriteFollowClasses(t *testing.T) {
	f := NewFolder("alice")
	f.SetMode(Mode(0o640))
	f.SetGroup("staff")
	assert.True(t, CanAccess(f, Actor{User: "alice"}, Write))
	assert.True(t, CanAccess(f, Actor{User: "bob", Groups: []string{"staff"}}, Read))
	assert.False(t, CanAccess(f, Actor{User: "bob", Groups: []string{"staff"}}, Write))
	assert.False(t, CanAccess(f, Actor{User: "eve"}, Read))
}
