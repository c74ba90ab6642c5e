package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpaceToFileMigrationCopiesRecordsOnce(t *testing.T) {
	ctx := context.Background()
	engine := kvstoretest.Open(t)
	spaces, err := engine.SubStore("spaces")
	require.NoError(t, err)
	files, err := engine.SubStore("files")
	require.NoError(t, err)
	state, err := engine.SubStore("migration")
	require.NoError(t, err)

	f := types.File{Key: "proj1", Kind: "HttpProject", Owner: "u1"}
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, spaces.Put(ctx, "~space1~proj1~", raw))

	require.NoError(t, runSpaceToFileMigration(ctx, spaces, files, state, false, 200))

	got, err := files.Get(ctx, "proj1")
	require.NoError(t, err)
	var gotFile types.File
	require.NoError(t, json.Unmarshal(got, &gotFile))
	assert.Equal(t, "u1", gotFile.Owner)

	// Re-running is a no-op: already-migrated keys are skipped, and the
	// cursor in `state` prevents re-scanning from the start.
	require.NoError(t, runSpaceToFileMigration(ctx, spaces, files, state, false, 200))
	still, err := files.Get(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, got, still)
}

func TestSpaceToFileMigrationDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	engine := kvstoretest.Open(t)
	spaces, err := engine.SubStore("spaces")
	require.NoError(t, err)
	files, err := engine.SubStore("files")
	require.NoError(t, err)
	state, err := engine.SubStore("migration")
	require.NoError(t, err)

	f := types.File{Key: "proj2", Kind: "HttpProject", Owner: "u2"}
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, spaces.Put(ctx, "~space1~proj2~", raw))

	require.NoError(t, runSpaceToFileMigration(ctx, spaces, files, state, true, 200))

	_, err = files.Get(ctx, "proj2")
	assert.Error(t, err)
}
