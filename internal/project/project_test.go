package project_test

import (
	"context"
	"testing"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/bin"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/internal/patch"
	"github.com/cuemby/netstore/internal/project"
	"github.com/cuemby/netstore/internal/revision"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) CheckAccess(ctx context.Context, minRole types.Role, resourceKey string, subject access.Subject) (types.Role, error) {
	return types.RoleOwner, nil
}

func newStore(t *testing.T) *project.Store {
	t.Helper()
	binStore := bin.New(kvstoretest.SubStore(t, "bin"))
	revStore := revision.New(kvstoretest.SubStore(t, "revisions"), allowAllAuthorizer{})
	return project.New(kvstoretest.SubStore(t, "data"), kvstoretest.SubStore(t, "index"), binStore, revStore, nil)
}

func TestSetIndexesNameAndFindByName(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Set(ctx, "p1", []byte(`{"info":{"name":"Checkout API"}}`), "application/json"))

	key, err := store.FindByName(ctx, "Checkout API")
	require.NoError(t, err)
	assert.Equal(t, "p1", key)
}

func TestApplyPatchRenamePropagatesIndex(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Set(ctx, "p1", []byte(`{"info":{"name":"Old"}}`), "application/json"))

	info := patch.Info{App: "a", AppVersion: "1", ID: "p1", Patch: types.JSONPatch(`[{"op":"replace","path":"/info/name","value":"New"}]`)}
	_, err := store.ApplyPatch(ctx, "p1", "HttpProject", info)
	require.NoError(t, err)

	_, err = store.FindByName(ctx, "Old")
	assert.True(t, errs.Is(err, errs.NotFound))

	key, err := store.FindByName(ctx, "New")
	require.NoError(t, err)
	assert.Equal(t, "p1", key)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Set(ctx, "p1", []byte(`{"info":{"name":"Gone"}}`), "application/json"))

	require.NoError(t, store.Delete(ctx, "p1", "HttpProject", "u1"))

	_, err := store.Read(ctx, "p1")
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = store.FindByName(ctx, "Gone")
	assert.True(t, errs.Is(err, errs.NotFound))
}
