// Package session implements SessionStore: an opaque key->bytes blob
// store for session data, grounded on the teacher's opaque
// secret-blob CRUD in pkg/security/secrets.go.
package session

import (
	"context"

	"github.com/cuemby/netstore/internal/kvstore"
)

// Store is the SessionStore.
type Store struct {
	sub *kvstore.SubStore
}

// New wraps an already-opened SubStore as a SessionStore.
func New(sub *kvstore.SubStore) *Store {
	return &Store{sub: sub}
}

// Set stores an opaque session blob under key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.sub.Put(ctx, key, value)
}

// Read returns the opaque blob for key, or errs.NotFound.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	return s.sub.Get(ctx, key)
}

// Delete removes key. Idempotent: deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.sub.Del(ctx, key)
}
