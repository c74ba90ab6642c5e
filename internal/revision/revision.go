// Package revision implements RevisionStore: an append-only,
// per-(kind,key) history of applied patches plus their reverts, keyed
// so that lexicographic order equals chronological order and reverse
// iteration yields newest-first. Grounded on the teacher's
// pkg/storage/boltdb.go time-prefixed audit log shape, generalized from
// a single global log to one log per (kind, parent key).
package revision

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/cursor"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/keycodec"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/pkg/types"
)

// Authorizer is the subset of access.Resolver the store needs to
// enforce "list requires reader on the parent file".
type Authorizer interface {
	CheckAccess(ctx context.Context, minRole types.Role, resourceKey string, subject access.Subject) (types.Role, error)
}

// Store is the RevisionStore.
type Store struct {
	sub  *kvstore.SubStore
	auth Authorizer

	mu        sync.Mutex
	lastNanos int64
}

// New wraps an already-opened SubStore as a RevisionStore.
func New(sub *kvstore.SubStore, auth Authorizer) *Store {
	return &Store{sub: sub, auth: auth}
}

// nextNanos returns a strictly increasing nanosecond timestamp, even
// across calls landing in the same wall-clock tick, so two revisions
// added back-to-back never collide on the same key.
func (s *Store) nextNanos() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := time.Now().UnixNano()
	if n <= s.lastNanos {
		n = s.lastNanos + 1
	}
	s.lastNanos = n
	return n
}

// Add appends one revision for (kind, parentKey). Revisions are
// immutable once written: there is no update or delete path.
func (s *Store) Add(ctx context.Context, kind, parentKey string, patch, revert types.JSONPatch) (*types.Revision, error) {
	nanos := s.nextNanos()
	key, err := keycodec.Revision(kind, parentKey, nanos)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "revision: build key")
	}
	rev := types.Revision{
		ID:      key,
		Key:     parentKey,
		Kind:    kind,
		Created: nanos / int64(time.Millisecond),
		Deleted: false,
		Patch:   patch,
		Revert:  revert,
	}
	raw, err := json.Marshal(rev)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "revision: marshal")
	}
	if err := s.sub.Put(ctx, key, raw); err != nil {
		return nil, err
	}
	return &rev, nil
}

// ListOptions controls a List call.
type ListOptions struct {
	Cursor string
	Limit  int
	Since  int64
}

// ListResult is one page of revisions plus the cursor for the next page.
type ListResult struct {
	Revisions  []types.Revision
	NextCursor string
}

// List returns revisions for (kind, parentKey) newest-first, requiring
// reader access on parentKey. alt is filtered to types.AltMedia since
// every stored revision is currently a media revision; any other alt
// value returns an empty, cursor-stable page.
func (s *Store) List(ctx context.Context, kind, parentKey string, subject access.Subject, alt types.Alt, opts ListOptions) (*ListResult, error) {
	if _, err := s.auth.CheckAccess(ctx, types.RoleReader, parentKey, subject); err != nil {
		return nil, err
	}

	state, err := cursor.ReadListState(opts.Cursor, cursor.Options{Limit: opts.Limit, Since: opts.Since})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "revision: decode cursor")
	}

	if alt != types.AltMedia {
		next, err := cursor.Encode(state, "")
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "revision: encode cursor")
		}
		return &ListResult{NextCursor: next}, nil
	}

	prefix := keycodec.RevisionPrefix(kind, parentKey)
	upper := prefix + "~"
	if state.LastKey != "" {
		upper = state.LastKey
	}

	it, err := s.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true, Reverse: true, GTE: prefix, LTE: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var revisions []types.Revision
	var lastKey string
	for it.Next() {
		entry := it.Entry()
		if entry.Key == state.LastKey {
			continue // exclusive of the cursor's last-seen key
		}
		var rev types.Revision
		if err := json.Unmarshal(entry.Value, &rev); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "revision: unmarshal")
		}
		revisions = append(revisions, rev)
		lastKey = entry.Key
		if len(revisions) >= state.Limit {
			break
		}
	}
	if it.Err() != nil {
		return nil, it.Err()
	}

	next, err := cursor.Encode(state, lastKey)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "revision: encode cursor")
	}
	return &ListResult{Revisions: revisions, NextCursor: next}, nil
}
