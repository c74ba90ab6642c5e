package appstore_test

import (
	"context"
	"testing"

	"github.com/cuemby/netstore/internal/appstore"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/internal/patch"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppScopedIsolation(t *testing.T) {
	ctx := context.Background()
	store := appstore.NewProjectStore(kvstoretest.SubStore(t, "app-projects"), nil)

	_, err := store.Create(ctx, "A", "u1", "k1", []byte(`{"info":{"name":"proj"}}`))
	require.NoError(t, err)

	_, err = store.Read(ctx, "B", "u1", "k1", false)
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = store.Read(ctx, "A", "u2", "k1", false)
	assert.True(t, errs.Is(err, errs.NotFound))

	got, err := store.Read(ctx, "A", "u1", "k1", false)
	require.NoError(t, err)
	assert.Equal(t, "k1", got.Meta.Key)
}

func TestReadBatchPreservesOrderAndSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	store := appstore.NewProjectStore(kvstoretest.SubStore(t, "app-projects"), nil)

	_, err := store.Create(ctx, "A", "u1", "k1", []byte(`{}`))
	require.NoError(t, err)
	_, err = store.Create(ctx, "A", "u1", "k2", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.DeleteBatch(ctx, "A", "u1", []string{"k2"}, "u1"))

	got, err := store.ReadBatch(ctx, "A", "u1", []string{"k1", "k2", "missing"}, false)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.NotNil(t, got[0])
	assert.Nil(t, got[1])
	assert.Nil(t, got[2])
}

func TestDeleteThenUndeleteRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := appstore.NewProjectStore(kvstoretest.SubStore(t, "app-projects"), nil)
	_, err := store.Create(ctx, "A", "u1", "k1", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, store.DeleteBatch(ctx, "A", "u1", []string{"k1"}, "u1"))
	_, err = store.Read(ctx, "A", "u1", "k1", false)
	assert.True(t, errs.Is(err, errs.NotFound))

	require.NoError(t, store.UndeleteBatch(ctx, "A", "u1", []string{"k1"}))
	got, err := store.Read(ctx, "A", "u1", "k1", false)
	require.NoError(t, err)
	assert.Equal(t, "k1", got.Meta.Key)
}

func TestPatchGuardsMetaFields(t *testing.T) {
	ctx := context.Background()
	store := appstore.NewProjectStore(kvstoretest.SubStore(t, "app-projects"), nil)
	_, err := store.Create(ctx, "A", "u1", "k1", []byte(`{"info":{"name":"old"}}`))
	require.NoError(t, err)

	info := patch.Info{App: "a", AppVersion: "1", ID: "k1", Patch: types.JSONPatch(`[{"op":"replace","path":"/meta/appId","value":"B"}]`)}
	_, err = store.Patch(ctx, "A", "u1", "k1", info)
	assert.True(t, errs.Is(err, errs.InvalidPatch))
}

func TestQueryIsScopedAndFindsMatch(t *testing.T) {
	ctx := context.Background()
	store := appstore.NewProjectStore(kvstoretest.SubStore(t, "app-projects"), nil)

	_, err := store.Create(ctx, "A", "u1", "k1", []byte(`{"info":{"name":"Checkout API"}}`))
	require.NoError(t, err)
	_, err = store.Create(ctx, "B", "u1", "k2", []byte(`{"info":{"name":"Checkout API"}}`))
	require.NoError(t, err)

	results, err := store.Query(ctx, "A", "u1", "checkout", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].Meta.Key)

	none, err := store.Query(ctx, "A", "u1", "nonexistent-term", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryReflectsUpdateAfterWarm(t *testing.T) {
	ctx := context.Background()
	store := appstore.NewProjectStore(kvstoretest.SubStore(t, "app-projects"), nil)
	_, err := store.Create(ctx, "A", "u1", "k1", []byte(`{"info":{"name":"Old Name"}}`))
	require.NoError(t, err)

	_, err = store.Query(ctx, "A", "u1", "old", 10) // warms the index
	require.NoError(t, err)

	info := patch.Info{App: "a", AppVersion: "1", ID: "k1", Patch: types.JSONPatch(`[{"op":"replace","path":"/data/info/name","value":"Renamed"}]`)}
	_, err = store.Patch(ctx, "A", "u1", "k1", info)
	require.NoError(t, err)

	results, err := store.Query(ctx, "A", "u1", "renamed", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	stale, err := store.Query(ctx, "A", "u1", "old", 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRequestStoreCreateAndRead(t *testing.T) {
	ctx := context.Background()
	store := appstore.NewRequestStore(kvstoretest.SubStore(t, "app-requests"), nil)
	_, err := store.Create(ctx, "A", "u1", "r1", []byte(`{}`))
	require.NoError(t, err)
	got, err := store.Read(ctx, "A", "u1", "r1", false)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.Meta.Key)
}
