package users

import (
	"context"
	"testing"

	"socialchat/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMongoCanonicalLowercasesObjectIDs(t *testing.T) {
	d := NewMongoDirectory(nil)
	assert.Equal(t, "65ab0000000000000000000f", d.Canonical("65AB0000000000000000000F"))
	assert.Equal(t, "65ab0000000000000000000f", d.Canonical("65ab0000000000000000000f"))
	assert.Equal(t, "Legacy_User", d.Canonical("Legacy_User"))
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory(models.PublicProfile{ID: "alice", Name: "Alice"})
	d.Add(models.PublicProfile{ID: "bob", Name: "Bob"})
	ctx := context.Background()

	ok, err := d.Exists(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Exists(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Bob", d.Canonical("Bob"))

	got, err := d.Profiles(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "Alice", got["alice"].Name)
}

func TestOpenDirectoryAcceptsEveryone(t *testing.T) {
	ok, err := OpenDirectory{}.Exists(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := OpenDirectory{}.Profiles(context.Background(), []string{"anyone"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
