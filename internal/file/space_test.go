package file_test

import (
	"context"
	"testing"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/bin"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/file"
	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/internal/shared"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpaceStore(t *testing.T, notifier *recordingNotifier) *file.SpaceStore {
	t.Helper()
	binStore := bin.New(kvstoretest.SubStore(t, "space-bin"))
	sharedStore := shared.New(kvstoretest.SubStore(t, "space-shared"))
	permStore := access.NewPermissionStore(kvstoretest.SubStore(t, "space-permissions"))
	media := &fakeMedia{}

	var n file.Notifier
	if notifier != nil {
		n = notifier
	}
	store := file.NewSpaceStore(kvstoretest.SubStore(t, "spaces"), binStore, permStore, sharedStore, media, n)
	resolver, err := access.NewResolver(permStore, store, &fakeUsers{}, sharedStore, nil, access.Config{})
	require.NoError(t, err)
	store.SetResolver(resolver)
	return store
}

func TestSpaceStoreAddAndReadRoot(t *testing.T) {
	ctx := context.Background()
	store := newSpaceStore(t, nil)
	u1 := access.Subject{UserKey: "u1"}

	created, err := store.AddSpace(ctx, types.File{Key: "s1", Kind: "Workspace", Info: types.Info{Name: "s1"}}, u1, "")
	require.NoError(t, err)
	assert.Equal(t, "u1", created.Owner)

	got, err := store.Read(ctx, "s1", u1)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.Key)
}

func TestSpaceStoreNestedProjectKeyShape(t *testing.T) {
	ctx := context.Background()
	store := newSpaceStore(t, nil)
	u1 := access.Subject{UserKey: "u1"}

	_, err := store.AddSpace(ctx, types.File{Key: "s1", Kind: "Workspace"}, u1, "")
	require.NoError(t, err)

	proj, err := store.AddProject(ctx, "s1", types.File{Key: "p1", Kind: "HttpProject"}, u1)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, proj.Parents)

	key, err := file.ProjectKey("s1", "p1")
	require.NoError(t, err)
	got, err := store.Read(ctx, key, u1)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.Key)

	projects, err := store.ListProjects(ctx, "s1", u1)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "p1", projects[0].Key)
}

func TestSpaceStoreDeleteCascades(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	store := newSpaceStore(t, notifier)
	u1 := access.Subject{UserKey: "u1"}

	_, err := store.AddSpace(ctx, types.File{Key: "s1", Kind: "Workspace"}, u1, "")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "s1", u1))

	_, err = store.Read(ctx, "s1", u1)
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Contains(t, notifier.closed, "s1")
}
