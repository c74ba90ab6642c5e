package file_test

import (
	"context"
	"testing"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/bin"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/file"
	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/internal/patch"
	"github.com/cuemby/netstore/internal/shared"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers struct{ known map[string]bool }

func (f *fakeUsers) ListMissing(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if !f.known[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

type fakeMedia struct{ calls []string }

func (f *fakeMedia) Delete(ctx context.Context, key, kind, deletedBy string) error {
	f.calls = append(f.calls, key)
	return errs.NotFoundf("fake: no media for %s", key) // most test files have no media
}

type recordingNotifier struct {
	events []types.Event
	closed []string
}

func (n *recordingNotifier) NotifyUsers(ctx context.Context, userIDs []string, event types.Event) {
	n.events = append(n.events, event)
}
func (n *recordingNotifier) NotifyURL(ctx context.Context, url string, event types.Event) {
	n.events = append(n.events, event)
}
func (n *recordingNotifier) CloseURL(ctx context.Context, url string) {
	n.closed = append(n.closed, url)
}

func newStore(t *testing.T, users *fakeUsers, notifier *recordingNotifier) (*file.Store, *fakeMedia, *access.Resolver) {
	t.Helper()
	binStore := bin.New(kvstoretest.SubStore(t, "bin"))
	sharedStore := shared.New(kvstoretest.SubStore(t, "shared"))
	permStore := access.NewPermissionStore(kvstoretest.SubStore(t, "permissions"))
	media := &fakeMedia{}

	// A nil *recordingNotifier must become a nil interface, not a
	// non-nil interface holding a nil pointer.
	var n file.Notifier
	if notifier != nil {
		n = notifier
	}
	store := file.New(kvstoretest.SubStore(t, "files"), binStore, permStore, sharedStore, media, n)
	resolver, err := access.NewResolver(permStore, store, users, sharedStore, nil, access.Config{})
	require.NoError(t, err)
	store.SetResolver(resolver)
	return store, media, resolver
}

func TestAddSetsOwnerAndRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t, &fakeUsers{}, nil)

	f, err := store.Add(ctx, types.File{Key: "s1", Kind: "Workspace", Info: types.Info{Name: "s1"}}, access.Subject{UserKey: "u1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "u1", f.Owner)

	_, err = store.Add(ctx, types.File{Key: "s1", Kind: "Workspace"}, access.Subject{UserKey: "u1"}, "")
	assert.True(t, errs.Is(err, errs.AlreadyExists))
}

func TestReadRequiresAccess(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t, &fakeUsers{}, nil)
	_, err := store.Add(ctx, types.File{Key: "s1", Kind: "Workspace"}, access.Subject{UserKey: "u1"}, "")
	require.NoError(t, err)

	_, err = store.Read(ctx, "s1", access.Subject{UserKey: "u2"})
	assert.True(t, errs.Is(err, errs.NotFound))

	f, err := store.Read(ctx, "s1", access.Subject{UserKey: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", f.Key)
}

// TestInheritedAccessViaParentChain exercises E2E scenario 2: U1 creates
// child space s2 (parent s1) and child project p1 (parent s2), grants U2
// reader on the root s1, and U2's role must resolve all the way down the
// parent chain to p1 without any grant on s2 or p1 themselves.
func TestInheritedAccessViaParentChain(t *testing.T) {
	ctx := context.Background()
	users := &fakeUsers{known: map[string]bool{"u2": true}}
	store, _, resolver := newStore(t, users, nil)

	_, err := store.Add(ctx, types.File{Key: "s1", Kind: "Workspace"}, access.Subject{UserKey: "u1"}, "")
	require.NoError(t, err)
	s2, err := store.Add(ctx, types.File{Key: "s2", Kind: "Workspace"}, access.Subject{UserKey: "u1"}, "s1")
	require.NoError(t, err)
	_, err = store.Add(ctx, types.File{Key: "p1", Kind: "HttpProject"}, access.Subject{UserKey: "u1"}, s2.Key)
	require.NoError(t, err)

	require.NoError(t, resolver.PatchAccess(ctx, "s1", []access.Op{
		{Op: "add", Type: types.SubjectUser, ID: "u2", Value: types.RoleReader},
	}, access.Subject{UserKey: "u1"}))

	f, err := store.Read(ctx, "p1", access.Subject{UserKey: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "p1", f.Key)

	_, err = store.Read(ctx, "p1", access.Subject{UserKey: "u3"})
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestListExcludesFilesOwnedByOthers(t *testing.T) {
	ctx := context.Background()
	users := &fakeUsers{known: map[string]bool{"u2": true}}
	store, _, _ := newStore(t, users, nil)

	_, err := store.Add(ctx, types.File{Key: "s1", Kind: "Workspace"}, access.Subject{UserKey: "u1"}, "")
	require.NoError(t, err)
	_, err = store.Add(ctx, types.File{Key: "s2", Kind: "Workspace"}, access.Subject{UserKey: "u2"}, "")
	require.NoError(t, err)

	res, err := store.List(ctx, access.Subject{UserKey: "u1"}, file.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "s1", res.Files[0].Key)
}

func TestApplyPatchRejectsGuardedPath(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t, &fakeUsers{}, nil)
	_, err := store.Add(ctx, types.File{Key: "s1", Kind: "Workspace", Info: types.Info{Name: "s1"}}, access.Subject{UserKey: "u1"}, "")
	require.NoError(t, err)

	info := patch.Info{App: "web", AppVersion: "1.0", ID: "s1", Patch: types.JSONPatch(`[{"op":"replace","path":"/owner","value":"u2"}]`)}
	_, err = store.ApplyPatch(ctx, "s1", info, access.Subject{UserKey: "u1"})
	assert.True(t, errs.Is(err, errs.InvalidPatch))
}

func TestApplyPatchUpdatesInfoName(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	store, _, _ := newStore(t, &fakeUsers{}, notifier)
	_, err := store.Add(ctx, types.File{Key: "s1", Kind: "Workspace", Info: types.Info{Name: "s1"}}, access.Subject{UserKey: "u1"}, "")
	require.NoError(t, err)

	info := patch.Info{App: "web", AppVersion: "1.0", ID: "s1", Patch: types.JSONPatch(`[{"op":"replace","path":"/info/name","value":"New"}]`)}
	updated, err := store.ApplyPatch(ctx, "s1", info, access.Subject{UserKey: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "New", updated.Info.Name)
	assert.NotEmpty(t, notifier.events)
}

func TestDeleteCascadesToChildrenAndMedia(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	store, media, _ := newStore(t, &fakeUsers{}, notifier)

	_, err := store.Add(ctx, types.File{Key: "s1", Kind: "Workspace"}, access.Subject{UserKey: "u1"}, "")
	require.NoError(t, err)
	_, err = store.Add(ctx, types.File{Key: "s2", Kind: "Workspace"}, access.Subject{UserKey: "u1"}, "s1")
	require.NoError(t, err)
	_, err = store.Add(ctx, types.File{Key: "p1", Kind: "HttpProject"}, access.Subject{UserKey: "u1"}, "s2")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "s2", access.Subject{UserKey: "u1"}))

	_, err = store.Read(ctx, "s2", access.Subject{UserKey: "u1"})
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = store.Read(ctx, "p1", access.Subject{UserKey: "u1"})
	assert.True(t, errs.Is(err, errs.NotFound))

	// s1 (the ancestor, not a descendant of s2) is untouched.
	_, err = store.Read(ctx, "s1", access.Subject{UserKey: "u1"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"s2", "p1"}, media.calls)
	assert.Contains(t, notifier.closed, "s2")
}
