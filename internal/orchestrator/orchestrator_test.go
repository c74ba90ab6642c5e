package orchestrator_test

import (
	"context"
	"testing"

	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/internal/media"
	"github.com/cuemby/netstore/internal/orchestrator"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	engine := kvstoretest.Open(t)
	orc, err := orchestrator.New(engine, orchestrator.Config{})
	require.NoError(t, err)
	return orc
}

func TestCreateAndReadFileRoundTrips(t *testing.T) {
	ctx := context.Background()
	orc := newOrchestrator(t)

	f, err := orc.CreateFile(ctx, types.File{Key: "f1", Kind: "TextFile", Info: types.Info{Name: "doc"}}, "u1", nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, f.Key)

	got, err := orc.ReadFile(ctx, f.Key, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, f.Key, got.Key)

	_, err = orc.ReadFile(ctx, f.Key, "u2", nil)
	assert.True(t, errs.Is(err, errs.Forbidden) || errs.Is(err, errs.NotFound))
}

func TestMediaSetRequiresWriterAccessOnOwningFile(t *testing.T) {
	ctx := context.Background()
	orc := newOrchestrator(t)

	f, err := orc.CreateFile(ctx, types.File{Key: "f1", Kind: "TextFile", Info: types.Info{Name: "doc"}}, "u1", nil, "")
	require.NoError(t, err)

	err = orc.SetMedia(ctx, f.Key, []byte("hello"), "text/plain", true, "u2", nil)
	assert.True(t, errs.Is(err, errs.Forbidden) || errs.Is(err, errs.NotFound))

	err = orc.SetMedia(ctx, f.Key, []byte("hello"), "text/plain", true, "u1", nil)
	require.NoError(t, err)

	m, err := orc.ReadMedia(ctx, f.Key, media.ReadOptions{}, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), m.Value)
}

func TestProjectSetRequiresAuthenticatedCaller(t *testing.T) {
	ctx := context.Background()
	orc := newOrchestrator(t)

	err := orc.SetProject(ctx, "proj1", []byte("{}"), "application/json", "")
	assert.True(t, errs.Is(err, errs.Unauthenticated))

	err = orc.SetProject(ctx, "proj1", []byte("{}"), "application/json", "u1")
	require.NoError(t, err)

	got, err := orc.ReadProject(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), got.Value)
}

func TestPatchAccessFallsBackToSpaceTree(t *testing.T) {
	ctx := context.Background()
	orc := newOrchestrator(t)

	space, err := orc.CreateSpace(ctx, types.File{Key: "s1", Kind: "Workspace", Info: types.Info{Name: "space"}}, "u1", nil, "")
	require.NoError(t, err)

	err = orc.PatchAccess(ctx, space.Key, nil, "u1", nil)
	require.NoError(t, err)
}

func TestRecordAndQueryHistory(t *testing.T) {
	ctx := context.Background()
	orc := newOrchestrator(t)

	_, err := orc.RecordHistory(ctx, "u1", types.History{
		Log: types.HTTPLog{
			Request:  []byte(`{"url":"https://api.example.com/checkout"}`),
			Response: []byte(`{"payload":"ok"}`),
		},
	})
	require.NoError(t, err)

	results, err := orc.QueryHistory(ctx, "u1", "checkout", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
