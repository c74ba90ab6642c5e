package session_test

import (
	"context"
	"testing"

	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/kvstore/kvstoretest"
	"github.com/cuemby/netstore/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetReadDelete(t *testing.T) {
	ctx := context.Background()
	store := session.New(kvstoretest.SubStore(t, "sessions"))

	require.NoError(t, store.Set(ctx, "sid-1", []byte("blob")))
	got, err := store.Read(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)

	require.NoError(t, store.Delete(ctx, "sid-1"))
	_, err = store.Read(ctx, "sid-1")
	assert.True(t, errs.Is(err, errs.NotFound))

	// Idempotent delete.
	require.NoError(t, store.Delete(ctx, "sid-1"))
}
