package history_test

import (
	"context"
	"testing"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/history"
	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthorizer struct {
	role types.Role
	err  error
}

func (s stubAuthorizer) CheckAccess(ctx context.Context, minRole types.Role, resourceKey string, subject access.Subject) (types.Role, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.role, nil
}

func newStore(t *testing.T, auth history.Authorizer) *history.Store {
	t.Helper()
	return history.New(
		kvstoretest.SubStore(t, "history-data"),
		kvstoretest.SubStore(t, "history-user"),
		kvstoretest.SubStore(t, "history-space"),
		kvstoretest.SubStore(t, "history-project"),
		kvstoretest.SubStore(t, "history-request"),
		kvstoretest.SubStore(t, "history-app"),
		auth,
	)
}

func sampleTrace(space, project string) types.History {
	return types.History{
		Space:   space,
		Project: project,
		Log: types.HTTPLog{
			Request:  []byte(`{"url":"https://api.example.com/checkout","payload":"order-id=42"}`),
			Response: []byte(`{"payload":"{\"status\":\"ok\"}"}`),
		},
	}
}

func TestAddThenListByUser(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	_, err := store.Add(ctx, "u1", sampleTrace("", ""))
	require.NoError(t, err)
	_, err = store.Add(ctx, "u1", sampleTrace("", ""))
	require.NoError(t, err)
	_, err = store.Add(ctx, "u2", sampleTrace("", ""))
	require.NoError(t, err)

	res, err := store.List(ctx, "user", "u1", access.Subject{UserKey: "u1"}, history.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)
}

func TestListBySpaceRequiresReaderAccess(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, stubAuthorizer{err: errs.Forbiddenf("no access")})

	_, err := store.Add(ctx, "u1", sampleTrace("space1", ""))
	require.NoError(t, err)

	_, err = store.List(ctx, "space", "space1", access.Subject{UserKey: "u2"}, history.ListOptions{})
	assert.True(t, errs.Is(err, errs.Forbidden))
}

func TestListBySpaceSucceedsWithReaderAccess(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, stubAuthorizer{role: types.RoleReader})

	_, err := store.Add(ctx, "u1", sampleTrace("space1", ""))
	require.NoError(t, err)

	res, err := store.List(ctx, "space", "space1", access.Subject{UserKey: "u2"}, history.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 1)
}

func TestListOtherUserProjectIsForbidden(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	_, err := store.Add(ctx, "u1", sampleTrace("", "proj1"))
	require.NoError(t, err)

	_, err = store.List(ctx, "project", "proj1", access.Subject{UserKey: "u2"}, history.ListOptions{})
	assert.True(t, errs.Is(err, errs.Forbidden))
}

func TestReadRequiresOwnershipOrSpaceAccess(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, stubAuthorizer{role: types.RoleReader})

	trace, err := store.Add(ctx, "u1", sampleTrace("space1", ""))
	require.NoError(t, err)

	got, err := store.Read(ctx, trace.Key, access.Subject{UserKey: "u1"})
	require.NoError(t, err)
	assert.Equal(t, trace.Key, got.Key)

	got, err = store.Read(ctx, trace.Key, access.Subject{UserKey: "u2"})
	require.NoError(t, err)
	assert.Equal(t, trace.Key, got.Key)
}

func TestReadForbiddenWithoutOwnershipOrSpaceAccess(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, stubAuthorizer{err: errs.Forbiddenf("no access")})

	trace, err := store.Add(ctx, "u1", sampleTrace("space1", ""))
	require.NoError(t, err)

	_, err = store.Read(ctx, trace.Key, access.Subject{UserKey: "u2"})
	assert.True(t, errs.Is(err, errs.Forbidden))
}

func TestQueryMatchesRequestAndResponseSubstrings(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	_, err := store.Add(ctx, "u1", sampleTrace("", ""))
	require.NoError(t, err)

	results, err := store.Query(ctx, "u1", "checkout", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = store.Query(ctx, "u1", "status", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = store.Query(ctx, "u1", "nonexistent", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryScopedToRequestingUser(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	_, err := store.Add(ctx, "u1", sampleTrace("", ""))
	require.NoError(t, err)

	results, err := store.Query(ctx, "u2", "checkout", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
