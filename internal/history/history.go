// Package history implements HistoryStore: an append-only log of HTTP
// request/response traces, with one data sub-store holding the body and
// five pointer sub-stores (user, space, project, request, app) holding
// forward references for scoped listing. Grounded on the teacher's
// pkg/storage/boltdb.go time-prefixed audit log shape, the same source
// internal/revision generalizes from a single log into per-parent logs;
// here it is generalized again into one log with several independently
// ordered indexes over the same underlying records.
package history

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/cursor"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/keycodec"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/pkg/types"
)

// Authorizer is the subset of access.Resolver HistoryStore needs to
// gate space-scoped listing and reads.
type Authorizer interface {
	CheckAccess(ctx context.Context, minRole types.Role, resourceKey string, subject access.Subject) (types.Role, error)
}

// Store is the HistoryStore.
type Store struct {
	data, user, space, project, request, app *kvstore.SubStore
	auth                                      Authorizer

	mu        sync.Mutex
	lastNanos int64
}

// New wraps the six already-opened sub-stores (one data, five pointer
// indexes) as a HistoryStore.
func New(data, user, space, project, request, app *kvstore.SubStore, auth Authorizer) *Store {
	return &Store{data: data, user: user, space: space, project: project, request: request, app: app, auth: auth}
}

func (s *Store) nextTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := time.Now().UnixNano()
	if n <= s.lastNanos {
		n = s.lastNanos + 1
	}
	s.lastNanos = n
	return time.Unix(0, n).UTC()
}

// Add records one HTTP trace for userKey, stamping Key/Created, and
// writes a forward pointer into every applicable index (user always;
// space/project/request/app when their fields are set).
func (s *Store) Add(ctx context.Context, userKey string, h types.History) (*types.History, error) {
	t := s.nextTime()
	dataKey, err := keycodec.HistoryData(t, userKey)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "history: build data key")
	}
	h.Key = dataKey
	h.Created = t
	h.User = userKey

	raw, err := json.Marshal(h)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "history: marshal")
	}
	if err := s.data.Put(ctx, dataKey, raw); err != nil {
		return nil, err
	}

	userIdxKey, err := keycodec.HistoryUser(t, userKey)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "history: build user index key")
	}
	if err := s.user.Put(ctx, userIdxKey, []byte(dataKey)); err != nil {
		return nil, err
	}

	if h.Space != "" {
		key, err := keycodec.HistorySpace(t, h.Space, userKey)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "history: build space index key")
		}
		if err := s.space.Put(ctx, key, []byte(dataKey)); err != nil {
			return nil, err
		}
	}
	if h.Project != "" {
		key, err := keycodec.HistoryProject(t, h.Project, userKey)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "history: build project index key")
		}
		if err := s.project.Put(ctx, key, []byte(dataKey)); err != nil {
			return nil, err
		}
	}
	if h.Request != "" {
		key, err := keycodec.HistoryRequest(t, h.Request, userKey)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "history: build request index key")
		}
		if err := s.request.Put(ctx, key, []byte(dataKey)); err != nil {
			return nil, err
		}
	}
	if h.App != "" {
		key, err := keycodec.HistoryApp(t, h.App, userKey)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "history: build app index key")
		}
		if err := s.app.Put(ctx, key, []byte(dataKey)); err != nil {
			return nil, err
		}
	}
	return &h, nil
}

// Read returns one trace by its data key, requiring ownership, or (for
// space-tagged traces) reader access on the enclosing space.
func (s *Store) Read(ctx context.Context, dataKey string, subject access.Subject) (*types.History, error) {
	raw, err := s.data.Get(ctx, dataKey)
	if err != nil {
		return nil, err
	}
	var h types.History
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "history: unmarshal")
	}
	if h.User == subject.UserKey {
		return &h, nil
	}
	if h.Space != "" && s.auth != nil {
		if _, err := s.auth.CheckAccess(ctx, types.RoleReader, h.Space, subject); err == nil {
			return &h, nil
		}
	}
	return nil, errs.Forbiddenf("history: %s not accessible", dataKey)
}

// indexFor returns the pointer sub-store for kind, or false for an
// unknown kind.
func (s *Store) indexFor(kind string) (*kvstore.SubStore, bool) {
	switch kind {
	case "user":
		return s.user, true
	case "space":
		return s.space, true
	case "project":
		return s.project, true
	case "request":
		return s.request, true
	case "app":
		return s.app, true
	default:
		return nil, false
	}
}

// scopeAndUser extracts the (scope, user) pair from a pointer index key
// built by keycodec.History<Kind>. Trimmed/split form is
// ["history", kind, isoTime, scope, user] for every kind but "user",
// whose form is ["history", "user", isoTime, user] (scope == user).
func scopeAndUser(kind, key string) (scope, user string) {
	parts := strings.Split(strings.Trim(key, keycodec.Sep), keycodec.Sep)
	if kind == "user" {
		if len(parts) < 4 {
			return "", ""
		}
		return parts[3], parts[3]
	}
	if len(parts) < 5 {
		return "", ""
	}
	return parts[3], parts[4]
}

// ListOptions controls a List call.
type ListOptions struct {
	Cursor string
	Limit  int
	Since  int64
}

// ListResult is one page of traces plus the cursor for the next page.
type ListResult struct {
	Entries    []types.History
	NextCursor string
}

// List scans the index named by kind ("user", "space", "project",
// "request" or "app") reverse-chronologically across its whole range,
// keeping only entries whose scope component equals scopeKey, and
// dereferences each match via the data sub-store. Listing by "space"
// requires reader access on scopeKey; every other kind is ownership-
// gated (scopeKey must equal the requesting user).
func (s *Store) List(ctx context.Context, kind, scopeKey string, subject access.Subject, opts ListOptions) (*ListResult, error) {
	sub, ok := s.indexFor(kind)
	if !ok {
		return nil, errs.InvalidInputf("history: unknown list kind %q", kind)
	}

	if kind == "space" {
		if s.auth == nil {
			return nil, errs.Forbiddenf("history: space access not resolvable")
		}
		if _, err := s.auth.CheckAccess(ctx, types.RoleReader, scopeKey, subject); err != nil {
			return nil, err
		}
	} else if scopeKey != subject.UserKey {
		return nil, errs.Forbiddenf("history: %s is not accessible to %s", scopeKey, subject.UserKey)
	}

	state, err := cursor.ReadListState(opts.Cursor, cursor.Options{Limit: opts.Limit, Since: opts.Since})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "history: decode cursor")
	}

	upper := ""
	if state.LastKey != "" {
		upper = state.LastKey
	}

	it, err := sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true, Reverse: true, LTE: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var pointers []string
	var lastKey string
	for it.Next() {
		entry := it.Entry()
		if entry.Key == state.LastKey {
			continue
		}
		scope, _ := scopeAndUser(kind, entry.Key)
		if scope != scopeKey {
			continue
		}
		pointers = append(pointers, string(entry.Value))
		lastKey = entry.Key
		if len(pointers) >= state.Limit {
			break
		}
	}
	if it.Err() != nil {
		return nil, it.Err()
	}

	values, err := s.data.GetMany(ctx, pointers)
	if err != nil {
		return nil, err
	}
	var entries []types.History
	for i, raw := range values {
		if raw == nil {
			continue
		}
		var h types.History
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "history: unmarshal %s", pointers[i])
		}
		entries = append(entries, h)
	}

	next, err := cursor.Encode(state, lastKey)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "history: encode cursor")
	}
	return &ListResult{Entries: entries, NextCursor: next}, nil
}

// httpMessage is the generic shape Query unmarshals request/response
// bodies into, wide enough to cover every field the full-text scan
// reads without depending on the caller's exact log schema.
type httpMessage struct {
	URL     string          `json:"url"`
	Headers json.RawMessage `json:"headers"`
	Message json.RawMessage `json:"httpMessage"`
	Payload json.RawMessage `json:"payload"`
}

func (m httpMessage) payloadText() string {
	var s string
	if json.Unmarshal(m.Payload, &s) == nil {
		return s
	}
	var wrapped struct {
		Data string `json:"data"`
	}
	if json.Unmarshal(m.Payload, &wrapped) == nil {
		return wrapped.Data
	}
	return string(m.Payload)
}

func matchesQuery(h types.History, needle string) bool {
	if needle == "" {
		return true
	}
	var req, resp httpMessage
	_ = json.Unmarshal(h.Log.Request, &req)
	_ = json.Unmarshal(h.Log.Response, &resp)

	haystacks := []string{
		req.URL, string(req.Headers), string(req.Message), req.payloadText(),
		string(resp.Headers), resp.payloadText(),
	}
	for _, s := range haystacks {
		if strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// Query performs a case-insensitive full-text scan over the requesting
// user's own traces (via the user index), matching substrings in
// request.{url,headers,httpMessage,payload} and
// response.{headers,payload}.
func (s *Store) Query(ctx context.Context, userKey, query string, limit int) ([]types.History, error) {
	needle := strings.ToLower(query)

	it, err := s.user.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true, Reverse: true})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var matches []types.History
	for it.Next() {
		entry := it.Entry()
		scope, _ := scopeAndUser("user", entry.Key)
		if scope != userKey {
			continue
		}
		raw, err := s.data.Get(ctx, string(entry.Value))
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		var h types.History
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "history: unmarshal")
		}
		if !matchesQuery(h, needle) {
			continue
		}
		matches = append(matches, h)
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return matches, nil
}
