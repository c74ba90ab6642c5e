// Package appstore implements AppProjectStore and AppRequestStore: the
// per-(appId, userKey) scoped records with batch create/read/patch,
// soft delete/undelete, and (for projects only) a full-text search
// index. Grounded on the teacher's pkg/manager.go composition style —
// "store wraps store, adds a cross-cutting concern" — generalized from
// manager wrapping storage+raft+events to a store wrapping a kvstore
// SubStore plus a full-text index.
package appstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/netstore/internal/cursor"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/keycodec"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/internal/patch"
	"github.com/cuemby/netstore/pkg/types"
)

// Notifier is the narrow slice of NotificationBus appstore uses.
type Notifier interface {
	NotifyURL(ctx context.Context, url string, event types.Event)
}

// guardedPaths mirrors FileStore's: scoping/identity fields are
// server-managed and never patchable.
var guardedPaths = []string{"/meta/appId", "/meta/user", "/meta/key"}

// record is the internal representation shared by AppProjectStore and
// AppRequestStore; each wraps it into its own wire type (types.AppProject
// / types.AppRequest) at the API boundary.
type record struct {
	Meta types.AppMeta   `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// keyer builds and parses the delimited key shape for one record kind
// ("project" or "request").
type keyer struct {
	kind       string
	key        func(appID, userKey, recordKey string) (string, error)
	prefix     func(appID, userKey string) string
}

func projectKeyer() keyer {
	return keyer{kind: "AppProject", key: keycodec.AppProject, prefix: keycodec.AppUserProjectPrefix}
}

func requestKeyer() keyer {
	return keyer{kind: "AppRequest", key: keycodec.AppRequest, prefix: keycodec.AppUserRequestPrefix}
}

// base holds the CRUD/list/patch/batch machinery common to both stores.
type base struct {
	sub      *kvstore.SubStore
	keyer    keyer
	notifier Notifier
	index    *Index // nil for AppRequestStore; full-text search is project-only
}

func (b *base) recordURL(appID, userKey, key string) string {
	return "/app/" + appID + "/" + b.keyer.kind + "s/" + key + "?user=" + userKey
}

func (b *base) indexTag(appID, userKey, key string) string {
	return scopeTag(appID, userKey, key)
}

func (b *base) load(ctx context.Context, storageKey string) (*record, error) {
	raw, err := b.sub.Get(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "appstore: unmarshal")
	}
	return &r, nil
}

func (b *base) save(ctx context.Context, storageKey string, r *record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "appstore: marshal")
	}
	return b.sub.Put(ctx, storageKey, raw)
}

func (b *base) reindex(r *record) {
	if b.index == nil {
		return
	}
	tag := b.indexTag(r.Meta.AppID, r.Meta.User, r.Meta.Key)
	if r.Meta.Deleted {
		b.index.Remove(tag)
		return
	}
	b.index.Add(tag, r.Data)
}

// Create stores a new record, stamping Created/Updated when absent.
func (b *base) create(ctx context.Context, appID, userKey, key string, data []byte) (*record, error) {
	storageKey, err := b.keyer.key(appID, userKey, key)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "appstore: build key")
	}
	now := time.Now()
	r := &record{
		Meta: types.AppMeta{AppID: appID, User: userKey, Key: key, Created: &now, Updated: &now},
		Data: data,
	}
	if err := b.save(ctx, storageKey, r); err != nil {
		return nil, err
	}
	b.reindex(r)
	if b.notifier != nil {
		b.notifier.NotifyURL(ctx, b.recordURL(appID, userKey, key), types.NewEvent(types.OpCreated, b.keyer.kind, key, nil))
	}
	return r, nil
}

// CreateBatch creates several records in one call, returning one result
// slot per input item. Items arrive as a map, so the result order follows
// Go's map iteration order and is not defined.
func (b *base) createBatch(ctx context.Context, appID, userKey string, items map[string][]byte) ([]*record, error) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	out := make([]*record, 0, len(keys))
	for _, k := range keys {
		r, err := b.create(ctx, appID, userKey, k, items[k])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Read returns the live record for (appID, userKey, key), or NotFound if
// absent or (without includeDeleted) soft-deleted.
func (b *base) read(ctx context.Context, appID, userKey, key string, includeDeleted bool) (*record, error) {
	storageKey, err := b.keyer.key(appID, userKey, key)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "appstore: build key")
	}
	r, err := b.load(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	if r.Meta.Deleted && !includeDeleted {
		return nil, errs.NotFoundf("appstore: %s not found", key)
	}
	return r, nil
}

// ReadBatch preserves input order; a slot is nil for a missing or (sans
// includeDeleted) soft-deleted key.
func (b *base) readBatch(ctx context.Context, appID, userKey string, keys []string, includeDeleted bool) ([]*record, error) {
	out := make([]*record, len(keys))
	for i, k := range keys {
		r, err := b.read(ctx, appID, userKey, k, includeDeleted)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// ListOptions controls a List call.
type ListOptions struct {
	Cursor string
	Limit  int
	Since  int64
}

// ListResult is one page of records plus the cursor for the next page.
type ListResult struct {
	Records    []record
	NextCursor string
}

// list returns records for (appID, userKey) in descending key order.
// Keys carry no timestamp, so this order is not chronological.
func (b *base) list(ctx context.Context, appID, userKey string, opts ListOptions) (*ListResult, error) {
	state, err := cursor.ReadListState(opts.Cursor, cursor.Options{Limit: opts.Limit, Since: opts.Since})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "appstore: decode cursor")
	}

	prefix := b.keyer.prefix(appID, userKey)
	upper := prefix + "~"
	if state.LastKey != "" {
		upper = state.LastKey
	}

	it, err := b.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true, Reverse: true, GTE: prefix, LTE: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var records []record
	var lastKey string
	for it.Next() {
		entry := it.Entry()
		if entry.Key == state.LastKey {
			continue
		}
		var r record
		if err := json.Unmarshal(entry.Value, &r); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "appstore: unmarshal")
		}
		if r.Meta.Deleted {
			continue
		}
		if state.Since > 0 && r.Meta.Updated != nil && r.Meta.Updated.UnixMilli() < state.Since {
			continue
		}
		records = append(records, r)
		lastKey = entry.Key
		if len(records) >= state.Limit {
			break
		}
	}
	if it.Err() != nil {
		return nil, it.Err()
	}

	next, err := cursor.Encode(state, lastKey)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "appstore: encode cursor")
	}
	return &ListResult{Records: records, NextCursor: next}, nil
}

// patch applies info.Patch to the full record document (meta+data),
// guarded so the scoping/identity fields can never move; the guard
// check happens before Apply, and the meta envelope is additionally
// restored from the pre-patch record afterward as a second line of
// defense, mirroring FileStore.ApplyPatch's belt-and-suspenders reset.
func (b *base) patch(ctx context.Context, appID, userKey, key string, info patch.Info) (*record, error) {
	if err := patch.Validate(info, guardedPaths...); err != nil {
		return nil, err
	}
	r, err := b.read(ctx, appID, userKey, key, false)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "appstore: marshal")
	}
	newDoc, _, err := patch.Apply(doc, info.Patch)
	if err != nil {
		return nil, err
	}
	var updated record
	if err := json.Unmarshal(newDoc, &updated); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "appstore: unmarshal patched doc")
	}
	updated.Meta = r.Meta
	r = &updated
	now := time.Now()
	r.Meta.Updated = &now

	storageKey, err := b.keyer.key(appID, userKey, key)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "appstore: build key")
	}
	if err := b.save(ctx, storageKey, r); err != nil {
		return nil, err
	}
	b.reindex(r)
	if b.notifier != nil {
		b.notifier.NotifyURL(ctx, b.recordURL(appID, userKey, key), types.NewEvent(types.OpPatch, b.keyer.kind, key, nil))
	}
	return r, nil
}

// setDeleted toggles Meta.Deleted for every key in keys (update-if-
// present, ignore-if-absent), used by deleteBatch/undeleteBatch.
func (b *base) setDeleted(ctx context.Context, appID, userKey string, keys []string, deleted bool, deletedBy string) error {
	for _, key := range keys {
		storageKey, err := b.keyer.key(appID, userKey, key)
		if err != nil {
			return errs.Wrap(errs.InvalidInput, err, "appstore: build key")
		}
		r, err := b.load(ctx, storageKey)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return err
		}
		if r.Meta.Deleted == deleted {
			continue
		}
		r.Meta.Deleted = deleted
		now := time.Now()
		r.Meta.Updated = &now
		if err := b.save(ctx, storageKey, r); err != nil {
			return err
		}
		b.reindex(r)
		if b.notifier != nil {
			op := types.OpDeleted
			if !deleted {
				op = types.OpUpdated
			}
			b.notifier.NotifyURL(ctx, b.recordURL(appID, userKey, key), types.NewEvent(op, b.keyer.kind, key, nil))
		}
	}
	return nil
}

// StreamAll implements appstore.WarmSource, scanning this store's
// entire sub-store once (every app/user scope) and handing every live
// document to fn, keyed by its (appId, userKey, key) tag.
func (b *base) StreamAll(ctx context.Context, fn func(tag string, data []byte)) error {
	it, err := b.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		var r record
		if err := json.Unmarshal(it.Entry().Value, &r); err != nil {
			return errs.Wrap(errs.Internal, err, "appstore: unmarshal")
		}
		if r.Meta.Deleted {
			continue
		}
		fn(b.indexTag(r.Meta.AppID, r.Meta.User, r.Meta.Key), r.Data)
	}
	return it.Err()
}

// ProjectStore is the AppProjectStore.
type ProjectStore struct {
	base
}

// NewProjectStore wraps an already-opened SubStore as the
// AppProjectStore, with its own full-text index.
func NewProjectStore(sub *kvstore.SubStore, notifier Notifier) *ProjectStore {
	return &ProjectStore{base{sub: sub, keyer: projectKeyer(), notifier: notifier, index: NewIndex()}}
}

func toAppProject(r *record) *types.AppProject {
	if r == nil {
		return nil
	}
	return &types.AppProject{Meta: r.Meta, Data: r.Data}
}

func toAppProjects(rs []*record) []types.AppProject {
	out := make([]types.AppProject, 0, len(rs))
	for _, r := range rs {
		out = append(out, *toAppProject(r))
	}
	return out
}

// Create stores a new app-scoped project.
func (s *ProjectStore) Create(ctx context.Context, appID, userKey, key string, data []byte) (*types.AppProject, error) {
	r, err := s.create(ctx, appID, userKey, key, data)
	if err != nil {
		return nil, err
	}
	return toAppProject(r), nil
}

// CreateBatch stores several app-scoped projects at once.
func (s *ProjectStore) CreateBatch(ctx context.Context, appID, userKey string, items map[string][]byte) ([]types.AppProject, error) {
	rs, err := s.createBatch(ctx, appID, userKey, items)
	if err != nil {
		return nil, err
	}
	return toAppProjects(rs), nil
}

// Read returns one live app-scoped project.
func (s *ProjectStore) Read(ctx context.Context, appID, userKey, key string, includeDeleted bool) (*types.AppProject, error) {
	r, err := s.read(ctx, appID, userKey, key, includeDeleted)
	if err != nil {
		return nil, err
	}
	return toAppProject(r), nil
}

// ReadBatch preserves input order; a slot is nil for missing/deleted keys.
func (s *ProjectStore) ReadBatch(ctx context.Context, appID, userKey string, keys []string, includeDeleted bool) ([]*types.AppProject, error) {
	rs, err := s.readBatch(ctx, appID, userKey, keys, includeDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]*types.AppProject, len(rs))
	for i, r := range rs {
		out[i] = toAppProject(r)
	}
	return out, nil
}

// List returns a page of app-scoped projects in descending key order,
// which is not chronological.
func (s *ProjectStore) List(ctx context.Context, appID, userKey string, opts ListOptions) ([]types.AppProject, string, error) {
	res, err := s.list(ctx, appID, userKey, opts)
	if err != nil {
		return nil, "", err
	}
	out := make([]types.AppProject, len(res.Records))
	for i, r := range res.Records {
		out[i] = types.AppProject{Meta: r.Meta, Data: r.Data}
	}
	return out, res.NextCursor, nil
}

// Patch applies a content patch to one project.
func (s *ProjectStore) Patch(ctx context.Context, appID, userKey, key string, info patch.Info) (*types.AppProject, error) {
	r, err := s.patch(ctx, appID, userKey, key, info)
	if err != nil {
		return nil, err
	}
	return toAppProject(r), nil
}

// DeleteBatch soft-deletes the given keys.
func (s *ProjectStore) DeleteBatch(ctx context.Context, appID, userKey string, keys []string, deletedBy string) error {
	return s.setDeleted(ctx, appID, userKey, keys, true, deletedBy)
}

// UndeleteBatch clears the soft-delete flag on the given keys.
func (s *ProjectStore) UndeleteBatch(ctx context.Context, appID, userKey string, keys []string) error {
	return s.setDeleted(ctx, appID, userKey, keys, false, "")
}

// Query performs a full-text search over this (appId, userKey) scope,
// warm-starting the index from the whole store on first call.
func (s *ProjectStore) Query(ctx context.Context, appID, userKey, query string, limit int) ([]types.AppProject, error) {
	if err := s.index.EnsureWarmed(ctx, &s.base); err != nil {
		return nil, err
	}
	keys := s.index.Search(appID, userKey, query, limit)
	if len(keys) == 0 {
		return nil, nil
	}
	rs, err := s.readBatch(ctx, appID, userKey, keys, false)
	if err != nil {
		return nil, err
	}
	var out []types.AppProject
	for _, r := range rs {
		if r != nil {
			out = append(out, *toAppProject(r))
		}
	}
	return out, nil
}

// RequestStore is the AppRequestStore. It has no full-text index per
// spec §4.11 (query is specified only for AppProjectStore).
type RequestStore struct {
	base
}

// NewRequestStore wraps an already-opened SubStore as the AppRequestStore.
func NewRequestStore(sub *kvstore.SubStore, notifier Notifier) *RequestStore {
	return &RequestStore{base{sub: sub, keyer: requestKeyer(), notifier: notifier}}
}

func toAppRequest(r *record) *types.AppRequest {
	if r == nil {
		return nil
	}
	return &types.AppRequest{Meta: r.Meta, Data: r.Data}
}

func toAppRequests(rs []*record) []types.AppRequest {
	out := make([]types.AppRequest, 0, len(rs))
	for _, r := range rs {
		out = append(out, *toAppRequest(r))
	}
	return out
}

// Create stores a new app-scoped request.
func (s *RequestStore) Create(ctx context.Context, appID, userKey, key string, data []byte) (*types.AppRequest, error) {
	r, err := s.create(ctx, appID, userKey, key, data)
	if err != nil {
		return nil, err
	}
	return toAppRequest(r), nil
}

// CreateBatch stores several app-scoped requests at once.
func (s *RequestStore) CreateBatch(ctx context.Context, appID, userKey string, items map[string][]byte) ([]types.AppRequest, error) {
	rs, err := s.createBatch(ctx, appID, userKey, items)
	if err != nil {
		return nil, err
	}
	return toAppRequests(rs), nil
}

// Read returns one live app-scoped request.
func (s *RequestStore) Read(ctx context.Context, appID, userKey, key string, includeDeleted bool) (*types.AppRequest, error) {
	r, err := s.read(ctx, appID, userKey, key, includeDeleted)
	if err != nil {
		return nil, err
	}
	return toAppRequest(r), nil
}

// ReadBatch preserves input order; a slot is nil for missing/deleted keys.
func (s *RequestStore) ReadBatch(ctx context.Context, appID, userKey string, keys []string, includeDeleted bool) ([]*types.AppRequest, error) {
	rs, err := s.readBatch(ctx, appID, userKey, keys, includeDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]*types.AppRequest, len(rs))
	for i, r := range rs {
		out[i] = toAppRequest(r)
	}
	return out, nil
}

// List returns a page of app-scoped requests in descending key order,
// which is not chronological.
func (s *RequestStore) List(ctx context.Context, appID, userKey string, opts ListOptions) ([]types.AppRequest, string, error) {
	res, err := s.list(ctx, appID, userKey, opts)
	if err != nil {
		return nil, "", err
	}
	out := make([]types.AppRequest, len(res.Records))
	for i, r := range res.Records {
		out[i] = types.AppRequest{Meta: r.Meta, Data: r.Data}
	}
	return out, res.NextCursor, nil
}

// Patch applies a content patch to one request.
func (s *RequestStore) Patch(ctx context.Context, appID, userKey, key string, info patch.Info) (*types.AppRequest, error) {
	r, err := s.patch(ctx, appID, userKey, key, info)
	if err != nil {
		return nil, err
	}
	return toAppRequest(r), nil
}

// DeleteBatch soft-deletes the given keys.
func (s *RequestStore) DeleteBatch(ctx context.Context, appID, userKey string, keys []string, deletedBy string) error {
	return s.setDeleted(ctx, appID, userKey, keys, true, deletedBy)
}

// UndeleteBatch clears the soft-delete flag on the given keys.
func (s *RequestStore) UndeleteBatch(ctx context.Context, appID, userKey string, keys []string) error {
	return s.setDeleted(ctx, appID, userKey, keys, false, "")
}
