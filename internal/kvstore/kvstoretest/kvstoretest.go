// Package kvstoretest provides a throwaway, temp-dir-rooted kvstore
// Engine for other packages' tests, mirroring the shared-harness
// pattern the pack's storj-storj/private/kvstore/testsuite uses to run
// one conformance suite against every backend.
package kvstoretest

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/stretchr/testify/require"
)

// Open returns a fresh Engine backed by a bbolt file under t.TempDir().
// The engine is closed automatically via t.Cleanup.
func Open(t *testing.T) *kvstore.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netstore-test.db")
	engine, err := kvstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// SubStore returns a fresh named sub-store on a throwaway Engine.
func SubStore(t *testing.T, name string) *kvstore.SubStore {
	t.Helper()
	sub, err := Open(t).SubStore(name)
	require.NoError(t, err)
	return sub
}
