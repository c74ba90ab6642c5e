// Package user implements UserStore: user records plus a
// case-insensitive substring query over name/email, backed by the
// kvstore engine with a small in-process read-through cache so repeated
// AccessResolver/patchAccess lookups in one orchestrator call chain
// don't round-trip the engine for the same id twice.
package user

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cuemby/netstore/internal/cursor"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/elliotchance/orderedmap"
)

// Store is the UserStore.
type Store struct {
	sub *kvstore.SubStore

	mu    sync.RWMutex
	cache *orderedmap.OrderedMap // key -> *types.User, insertion-ordered
}

// New wraps an already-opened SubStore as a UserStore.
func New(sub *kvstore.SubStore) *Store {
	return &Store{sub: sub, cache: orderedmap.NewOrderedMap()}
}

func (s *Store) cacheGet(key string) (*types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*types.User), true
}

func (s *Store) cachePut(u *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(u.Key, u)
}

func (s *Store) cacheDrop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(key)
}

// Add creates or overwrites a user record.
func (s *Store) Add(ctx context.Context, u types.User) error {
	if u.Key == "" {
		return errs.InvalidInputf("user: missing key")
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "user: marshal")
	}
	if err := s.sub.Put(ctx, u.Key, raw); err != nil {
		return err
	}
	s.cachePut(&u)
	return nil
}

// Read returns one user by id, or errs.NotFound.
func (s *Store) Read(ctx context.Context, id string) (*types.User, error) {
	if cached, ok := s.cacheGet(id); ok {
		return cached, nil
	}
	raw, err := s.sub.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var u types.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "user: unmarshal")
	}
	s.cachePut(&u)
	return &u, nil
}

// ReadMany returns one slot per id, in input order; a slot is nil when
// the id does not exist.
func (s *Store) ReadMany(ctx context.Context, ids []string) ([]*types.User, error) {
	out := make([]*types.User, len(ids))
	for i, id := range ids {
		u, err := s.Read(ctx, id)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		out[i] = u
	}
	return out, nil
}

// ListMissing returns the subset of ids that do not exist in the store,
// preserving input order. Used by patchAccess to validate `add`
// operations against user subjects.
func (s *Store) ListMissing(ctx context.Context, ids []string) ([]string, error) {
	users, err := s.ReadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	for i, u := range users {
		if u == nil {
			missing = append(missing, ids[i])
		}
	}
	return missing, nil
}

// ListOptions controls a List call.
type ListOptions struct {
	Query         string
	Limit         int
	Cursor        string
	ExcludingUser string
}

// ListResult is one page of users plus the cursor for the next page.
type ListResult struct {
	Users      []types.User
	NextCursor string
}

func matchesQuery(u types.User, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(u.Name), q) {
		return true
	}
	for _, e := range u.Email {
		if strings.Contains(strings.ToLower(e.Email), q) {
			return true
		}
	}
	return false
}

// List performs a case-insensitive substring query over name/email,
// excluding ExcludingUser, ordered by key for stable pagination.
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	state, err := cursor.ReadListState(opts.Cursor, cursor.Options{
		Limit: opts.Limit,
		Query: opts.Query,
	})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "user: decode cursor")
	}

	it, err := s.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true, GTE: state.LastKey})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var users []types.User
	var lastKey string
	for it.Next() {
		entry := it.Entry()
		if entry.Key == state.LastKey {
			continue // exclusive of the cursor's last-seen key
		}
		var u types.User
		if err := json.Unmarshal(entry.Value, &u); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "user: unmarshal")
		}
		if u.Key == opts.ExcludingUser {
			continue
		}
		if !matchesQuery(u, state.Query) {
			continue
		}
		users = append(users, u)
		lastKey = entry.Key
		if len(users) >= state.Limit {
			break
		}
	}
	if it.Err() != nil {
		return nil, it.Err()
	}

	next, err := cursor.Encode(state, lastKey)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "user: encode cursor")
	}
	return &ListResult{Users: users, NextCursor: next}, nil
}

// InvalidateCache drops a cached user, e.g. after an external update
// bypassing Add.
func (s *Store) InvalidateCache(key string) {
	s.cacheDrop(key)
}
