package shared_test

import (
	"context"
	"testing"

	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddHasRemove(t *testing.T) {
	ctx := context.Background()
	store := shared.New(kvstoretest.SubStore(t, "shared"))

	has, err := store.Has(ctx, "u1", "f1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Add(ctx, "u1", "f1", "p1"))
	has, err = store.Has(ctx, "u1", "f1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, store.Remove(ctx, "u1", "f1"))
	has, err = store.Has(ctx, "u1", "f1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestListForUserOrdered(t *testing.T) {
	ctx := context.Background()
	store := shared.New(kvstoretest.SubStore(t, "shared"))

	require.NoError(t, store.Add(ctx, "u1", "f3", ""))
	require.NoError(t, store.Add(ctx, "u1", "f1", ""))
	require.NoError(t, store.Add(ctx, "u1", "f2", ""))
	require.NoError(t, store.Add(ctx, "u2", "f1", ""))

	keys, err := store.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2", "f3"}, keys)

	keys, err = store.ListForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, keys)
}

func TestRemoveAllForResourceCascades(t *testing.T) {
	ctx := context.Background()
	store := shared.New(kvstoretest.SubStore(t, "shared"))

	require.NoError(t, store.Add(ctx, "u1", "f1", ""))
	require.NoError(t, store.Add(ctx, "u2", "f1", ""))
	require.NoError(t, store.Add(ctx, "u1", "f2", ""))

	affected, err := store.RemoveAllForResource(ctx, "f1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, affected)

	has, err := store.Has(ctx, "u1", "f1")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = store.Has(ctx, "u2", "f1")
	require.NoError(t, err)
	assert.False(t, has)

	// Unrelated link untouched.
	has, err = store.Has(ctx, "u1", "f2")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRemoveAllForResourceWarmsFromPersistedState(t *testing.T) {
	ctx := context.Background()
	sub := kvstoretest.SubStore(t, "shared")

	// Simulate links written by a previous process: construct a fresh
	// Store over the same sub-store with nothing indexed in memory yet.
	first := shared.New(sub)
	require.NoError(t, first.Add(ctx, "u1", "f1", ""))

	second := shared.New(sub)
	affected, err := second.RemoveAllForResource(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, affected)
}
