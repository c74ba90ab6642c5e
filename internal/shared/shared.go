// Package shared implements SharedIndex: the reverse index from a user
// to the files shared with them, kept both in the kvstore (the
// authoritative record, so it survives a restart) and in an in-memory
// per-user ordered set. Has and ListForUser (the membership checks
// FileStore.list makes) read the kvstore; the per-user set is kept up
// to date on Add/Remove, but no method reads it. A second in-memory map inverts the
// index by file so a resource delete can cascade-remove every
// SharedLink that points at it without a full-store scan on the hot
// path; that map is lazily warmed from the kvstore on first use.
package shared

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/keycodec"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/google/btree"
)

// Store is the SharedIndex.
type Store struct {
	sub *kvstore.SubStore

	mu     sync.Mutex
	byUser map[string]*btree.BTreeG[string] // userKey -> ordered set of fileKeys
	byFile map[string]map[string]struct{}   // fileKey -> set of userKeys
	warmed bool
}

// New wraps an already-opened SubStore as a SharedIndex.
func New(sub *kvstore.SubStore) *Store {
	return &Store{
		sub:    sub,
		byUser: make(map[string]*btree.BTreeG[string]),
		byFile: make(map[string]map[string]struct{}),
	}
}

func less(a, b string) bool { return a < b }

func (s *Store) userTree(userKey string) *btree.BTreeG[string] {
	t, ok := s.byUser[userKey]
	if !ok {
		t = btree.NewG[string](32, less)
		s.byUser[userKey] = t
	}
	return t
}

// warmLocked hydrates byFile from the kvstore once per process, so
// cascade deletes issued before any Add in this process still see links
// written by a previous run. Callers must hold s.mu.
func (s *Store) warmLocked(ctx context.Context) error {
	if s.warmed {
		return nil
	}
	it, err := s.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		var link types.SharedLink
		if err := json.Unmarshal(it.Entry().Value, &link); err != nil {
			return errs.Wrap(errs.Internal, err, "shared: warm: unmarshal")
		}
		s.indexLocked(link)
	}
	if it.Err() != nil {
		return it.Err()
	}
	s.warmed = true
	return nil
}

func (s *Store) indexLocked(link types.SharedLink) {
	s.userTree(link.UID).ReplaceOrInsert(link.ID)
	if s.byFile[link.ID] == nil {
		s.byFile[link.ID] = make(map[string]struct{})
	}
	s.byFile[link.ID][link.UID] = struct{}{}
}

func (s *Store) unindexLocked(userKey, fileKey string) {
	if t, ok := s.byUser[userKey]; ok {
		t.Delete(fileKey)
	}
	if users, ok := s.byFile[fileKey]; ok {
		delete(users, userKey)
		if len(users) == 0 {
			delete(s.byFile, fileKey)
		}
	}
}

// Add records that fileKey is shared with userKey, optionally noting the
// nearest ancestor the share was actually granted on.
func (s *Store) Add(ctx context.Context, userKey, fileKey, parent string) error {
	key, err := keycodec.SharedLink(userKey, fileKey)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "shared: build key")
	}
	link := types.SharedLink{ID: fileKey, UID: userKey, Parent: parent}
	raw, err := json.Marshal(link)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "shared: marshal")
	}
	if err := s.sub.Put(ctx, key, raw); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.warmLocked(ctx); err != nil {
		return err
	}
	s.indexLocked(link)
	return nil
}

// Remove deletes the link between userKey and fileKey, if present.
func (s *Store) Remove(ctx context.Context, userKey, fileKey string) error {
	key, err := keycodec.SharedLink(userKey, fileKey)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "shared: build key")
	}
	if err := s.sub.Del(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unindexLocked(userKey, fileKey)
	return nil
}

// Has reports whether fileKey is shared with userKey.
func (s *Store) Has(ctx context.Context, userKey, fileKey string) (bool, error) {
	key, err := keycodec.SharedLink(userKey, fileKey)
	if err != nil {
		return false, errs.Wrap(errs.InvalidInput, err, "shared: build key")
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

// ListForUser returns every file key shared with userKey, in ascending order.
func (s *Store) ListForUser(ctx context.Context, userKey string) ([]string, error) {
	prefix := keycodec.SharedUserPrefix(userKey)
	it, err := s.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true, GTE: prefix, LTE: prefix + "~"})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		var link types.SharedLink
		if err := json.Unmarshal(it.Entry().Value, &link); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "shared: unmarshal")
		}
		keys = append(keys, link.ID)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return keys, nil
}

// RemoveAllForResource deletes every SharedLink pointing at fileKey,
// across every user, and returns the list of affected user keys (so
// callers can fan out an access-removed notification).
func (s *Store) RemoveAllForResource(ctx context.Context, fileKey string) ([]string, error) {
	s.mu.Lock()
	if err := s.warmLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var users []string
	for u := range s.byFile[fileKey] {
		users = append(users, u)
	}
	s.mu.Unlock()

	for _, u := range users {
		if err := s.Remove(ctx, u, fileKey); err != nil {
			return nil, err
		}
	}
	return users, nil
}
