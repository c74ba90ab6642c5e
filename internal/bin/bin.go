// Package bin implements the append-only deletion ledger: one entry per
// (kind, originalKey), written whenever a resource is soft-deleted.
// IsDeleted is the O(1) lookup AccessResolver and every store's read path
// use to short-circuit a bin-deleted resource to NotFound.
package bin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/keycodec"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/pkg/types"
)

// Store is the Bin sub-store.
type Store struct {
	sub *kvstore.SubStore
}

// New wraps an already-opened SubStore as a Bin.
func New(sub *kvstore.SubStore) *Store {
	return &Store{sub: sub}
}

// Record writes a deletion entry for (kind, originalKey). Re-recording
// an already-deleted resource overwrites the prior deletedTime/deletedBy.
func (s *Store) Record(ctx context.Context, kind, originalKey, deletedBy string) error {
	key, err := keycodec.Bin(kind, originalKey)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "bin: build key")
	}
	item := types.BinItem{
		Key:         originalKey,
		DeletedTime: time.Now(),
		DeletedBy:   deletedBy,
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "bin: marshal")
	}
	return s.sub.Put(ctx, key, raw)
}

// IsDeleted reports whether (kind, originalKey) has a bin entry.
func (s *Store) IsDeleted(ctx context.Context, kind, originalKey string) (bool, error) {
	key, err := keycodec.Bin(kind, originalKey)
	if err != nil {
		return false, errs.Wrap(errs.InvalidInput, err, "bin: build key")
	}
	_, err = s.sub.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if errs.Is(err, errs.NotFound) {
		return false, nil
	}
	return false, err
}

// Get returns the full bin entry for (kind, originalKey).
func (s *Store) Get(ctx context.Context, kind, originalKey string) (*types.BinItem, error) {
	key, err := keycodec.Bin(kind, originalKey)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "bin: build key")
	}
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var item types.BinItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "bin: unmarshal")
	}
	return &item, nil
}

// Remove deletes the bin entry for (kind, originalKey). No store or
// command in this module calls it: normal delete/undelete flows and the
// migrate command leave bin entries in place.
func (s *Store) Remove(ctx context.Context, kind, originalKey string) error {
	key, err := keycodec.Bin(kind, originalKey)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "bin: build key")
	}
	return s.sub.Del(ctx, key)
}
