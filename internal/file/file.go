// Package file implements FileStore: the meta tree for workspaces and
// project/data files — parent links, access-gated CRUD, listing, and
// cascading soft delete. Every method composes access.Resolver for
// role checks, bin.Store for soft-delete bookkeeping, a SharedIndex for
// listing visibility, and a media deleter for the content cascade on
// delete. Grounded on the teacher's pkg/storage meta-tree CRUD
// (workspaces/files map onto the teacher's VM/container hierarchy,
// parent links onto its pool/node tree).
package file

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/bin"
	"github.com/cuemby/netstore/internal/cursor"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/internal/patch"
	"github.com/cuemby/netstore/pkg/types"
)

// guardedPaths are the File fields a content patch may never touch;
// they are server-managed or authoritative elsewhere (PermissionStore).
var guardedPaths = []string{"/key", "/kind", "/owner", "/permissions", "/permissionIds", "/parents"}

// PermissionReader rehydrates the denormalized Permissions field on
// read, since PermissionStore (not the file record) is authoritative.
type PermissionReader interface {
	GetMany(ctx context.Context, keys []string) ([]*types.Permission, error)
}

// SharedIndex is the subset of shared.Store FileStore needs for
// shared-with-me listing and delete cascade.
type SharedIndex interface {
	Has(ctx context.Context, userKey, fileKey string) (bool, error)
	RemoveAllForResource(ctx context.Context, fileKey string) ([]string, error)
}

// MediaDeleter is the subset of media.Store FileStore cascades a
// delete into.
type MediaDeleter interface {
	Delete(ctx context.Context, key, kind, deletedBy string) error
}

// Notifier is the narrow slice of NotificationBus FileStore uses.
type Notifier interface {
	NotifyUsers(ctx context.Context, userIDs []string, event types.Event)
	NotifyURL(ctx context.Context, url string, event types.Event)
	CloseURL(ctx context.Context, url string)
}

const collectionURL = "/files"

func childCollectionURL(key string) string { return key + "/files" }

// Store is the FileStore.
type Store struct {
	sub      *kvstore.SubStore
	bin      *bin.Store
	perms    PermissionReader
	shared   SharedIndex
	media    MediaDeleter
	resolver *access.Resolver
	notifier Notifier
}

// New wraps the collaborators a FileStore needs. The access resolver is
// wired separately via SetResolver: a Resolver needs this Store as its
// ResourceAccessor, so the two are constructed in two passes to avoid
// an initialization cycle.
func New(sub *kvstore.SubStore, binStore *bin.Store, perms PermissionReader, shared SharedIndex, media MediaDeleter, notifier Notifier) *Store {
	return &Store{sub: sub, bin: binStore, perms: perms, shared: shared, media: media, notifier: notifier}
}

// SetResolver wires the access.Resolver built over this Store. Must be
// called once, before any other method, by whoever composes the store.
func (s *Store) SetResolver(resolver *access.Resolver) {
	s.resolver = resolver
}

func (s *Store) loadRaw(ctx context.Context, key string) (*types.File, error) {
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var f types.File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "file: unmarshal")
	}
	return &f, nil
}

func (s *Store) putRaw(ctx context.Context, f *types.File) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "file: marshal")
	}
	return s.sub.Put(ctx, f.Key, raw)
}

// LoadResource implements access.ResourceAccessor: bin-deletion is
// folded into Deleted so the resolver has one signal for "gone".
func (s *Store) LoadResource(ctx context.Context, key string) (access.Resource, error) {
	f, err := s.loadRaw(ctx, key)
	if err != nil {
		return access.Resource{}, err
	}
	deleted := f.Deleted
	if !deleted {
		binned, err := s.bin.IsDeleted(ctx, f.Kind, key)
		if err != nil {
			return access.Resource{}, err
		}
		deleted = binned
	}
	return access.Resource{
		Kind:          f.Kind,
		Owner:         f.Owner,
		Parents:       f.Parents,
		PermissionIDs: f.PermissionIDs,
		Deleted:       deleted,
	}, nil
}

// SavePermissionIDs implements access.ResourceAccessor.
func (s *Store) SavePermissionIDs(ctx context.Context, key string, ids []string) error {
	f, err := s.loadRaw(ctx, key)
	if err != nil {
		return err
	}
	f.PermissionIDs = ids
	return s.putRaw(ctx, f)
}

// Add creates a new file. When parent is non-empty the caller must
// already hold writer on it and the new file's parent chain extends
// it; otherwise the caller becomes the owner of a new root file.
func (s *Store) Add(ctx context.Context, f types.File, subject access.Subject, parent string) (*types.File, error) {
	if _, err := s.sub.Get(ctx, f.Key); err == nil {
		return nil, errs.AlreadyExistsf("file: %s already exists", f.Key)
	} else if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	if subject.UserKey == "" {
		return nil, errs.Unauthenticatedf("file: no authenticated user")
	}

	if parent != "" {
		if _, err := s.resolver.CheckAccess(ctx, types.RoleWriter, parent, subject); err != nil {
			return nil, err
		}
		parentFile, err := s.loadRaw(ctx, parent)
		if err != nil {
			return nil, err
		}
		f.Parents = append(append([]string{}, parentFile.Parents...), parent)
	} else {
		f.Parents = nil
	}
	f.Owner = subject.UserKey

	f.PermissionIDs = nil
	f.Permissions = nil
	f.LastModified = types.LastModified{User: subject.UserKey, Time: time.Now()}
	f.Deleted = false

	if err := s.putRaw(ctx, &f); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		recipients, err := s.resolver.Recipients(ctx, f.Key)
		if err != nil {
			return nil, err
		}
		s.notifier.NotifyUsers(ctx, recipients, types.NewEvent(types.OpCreated, f.Kind, f.Key, nil))
	}
	return &f, nil
}

// rehydrate fills in the read-side Permissions denormalization from
// PermissionStore, never trusting whatever was last persisted there.
func (s *Store) rehydrate(ctx context.Context, f *types.File) error {
	if len(f.PermissionIDs) == 0 {
		f.Permissions = nil
		return nil
	}
	perms, err := s.perms.GetMany(ctx, f.PermissionIDs)
	if err != nil {
		return err
	}
	out := make([]types.Permission, 0, len(perms))
	for _, p := range perms {
		if p != nil {
			out = append(out, *p)
		}
	}
	f.Permissions = out
	return nil
}

// Read returns the live meta for key after a reader check.
func (s *Store) Read(ctx context.Context, key string, subject access.Subject) (*types.File, error) {
	if _, err := s.resolver.CheckAccess(ctx, types.RoleReader, key, subject); err != nil {
		return nil, err
	}
	f, err := s.loadRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.rehydrate(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ListOptions controls a List call.
type ListOptions struct {
	Cursor string
	Limit  int
	Parent string
	Since  int64
	Kinds  []string
}

// ListResult is one page of files plus the cursor for the next page.
type ListResult struct {
	Files      []types.File
	NextCursor string
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func matchesKind(kind string, kinds []string) bool {
	if len(kinds) == 0 {
		return true
	}
	return containsString(kinds, kind)
}

// List returns files visible to subject (owned, or shared via
// SharedIndex), optionally restricted to direct children of Parent,
// filtered by Kinds and Since.
func (s *Store) List(ctx context.Context, subject access.Subject, opts ListOptions) (*ListResult, error) {
	state, err := cursor.ReadListState(opts.Cursor, cursor.Options{Limit: opts.Limit, Parent: opts.Parent, Since: opts.Since})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "file: decode cursor")
	}

	it, err := s.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true, GTE: state.LastKey})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var files []types.File
	var lastKey string
	for it.Next() {
		entry := it.Entry()
		if entry.Key == state.LastKey {
			continue
		}
		var f types.File
		if err := json.Unmarshal(entry.Value, &f); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "file: unmarshal")
		}
		if f.Deleted {
			continue
		}
		if state.Parent != "" {
			if len(f.Parents) == 0 || f.Parents[len(f.Parents)-1] != state.Parent {
				continue
			}
		}
		if !matchesKind(f.Kind, opts.Kinds) {
			continue
		}
		if state.Since > 0 && f.LastModified.Time.UnixMilli() < state.Since {
			continue
		}

		visible := f.Owner == subject.UserKey
		if !visible && subject.UserKey != "" {
			has, err := s.shared.Has(ctx, subject.UserKey, f.Key)
			if err != nil {
				return nil, err
			}
			visible = has
		}
		if !visible {
			continue
		}

		files = append(files, f)
		lastKey = entry.Key
		if len(files) >= state.Limit {
			break
		}
	}
	if it.Err() != nil {
		return nil, it.Err()
	}

	next, err := cursor.Encode(state, lastKey)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "file: encode cursor")
	}
	return &ListResult{Files: files, NextCursor: next}, nil
}

// ApplyPatch requires writer, rejects patches touching a guarded path,
// persists the result, and emits a patch event.
func (s *Store) ApplyPatch(ctx context.Context, key string, info patch.Info, subject access.Subject) (*types.File, error) {
	if _, err := s.resolver.CheckAccess(ctx, types.RoleWriter, key, subject); err != nil {
		return nil, err
	}
	if err := patch.Validate(info, guardedPaths...); err != nil {
		return nil, err
	}

	f, err := s.loadRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "file: marshal")
	}
	newDoc, _, err := patch.Apply(doc, info.Patch)
	if err != nil {
		return nil, err
	}

	var updated types.File
	if err := json.Unmarshal(newDoc, &updated); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "file: unmarshal patched doc")
	}
	updated.Key = f.Key
	updated.Kind = f.Kind
	updated.Owner = f.Owner
	updated.Parents = f.Parents
	updated.PermissionIDs = f.PermissionIDs
	updated.Permissions = nil
	updated.LastModified = types.LastModified{User: subject.UserKey, Time: time.Now()}

	if err := s.putRaw(ctx, &updated); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.NotifyURL(ctx, key, types.NewEvent(types.OpPatch, updated.Kind, key, nil))
	}
	return &updated, nil
}

// Delete requires writer, soft-deletes key and every descendant found
// anywhere in the file tree (a file's Parents holds its full
// root-to-direct-parent chain, so one scan finds every depth), cascades
// to media, clears SharedLinks, and force-closes WS channels bound to
// the deleted item and its child collection.
func (s *Store) Delete(ctx context.Context, key string, subject access.Subject) error {
	if _, err := s.resolver.CheckAccess(ctx, types.RoleWriter, key, subject); err != nil {
		return err
	}
	if err := s.deleteRecursive(ctx, key, subject.UserKey); err != nil {
		return err
	}
	// A soft-deleted resource must stop honoring any role the cache
	// holds for it, or a subject who read it before the delete keeps a
	// cached-positive role and can still Read the tombstoned record.
	s.resolver.Purge()
	return nil
}

func (s *Store) deleteRecursive(ctx context.Context, key, deletedBy string) error {
	f, err := s.loadRaw(ctx, key)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil
		}
		return err
	}

	if !f.Deleted {
		f.Deleted = true
		if err := s.putRaw(ctx, f); err != nil {
			return err
		}
		if err := s.bin.Record(ctx, f.Kind, key, deletedBy); err != nil {
			return err
		}
		if _, err := s.shared.RemoveAllForResource(ctx, key); err != nil {
			return err
		}
		if err := s.media.Delete(ctx, key, f.Kind, deletedBy); err != nil && !errs.Is(err, errs.NotFound) {
			return err
		}
		if s.notifier != nil {
			s.notifier.NotifyURL(ctx, collectionURL, types.NewEvent(types.OpDeleted, f.Kind, key, nil))
			s.notifier.NotifyURL(ctx, key, types.NewEvent(types.OpDeleted, f.Kind, key, nil))
			s.notifier.CloseURL(ctx, key)
			s.notifier.CloseURL(ctx, childCollectionURL(key))
		}
	}

	children, err := s.findChildren(ctx, key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.deleteRecursive(ctx, child, deletedBy); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) findChildren(ctx context.Context, key string) ([]string, error) {
	it, err := s.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var children []string
	for it.Next() {
		var f types.File
		if err := json.Unmarshal(it.Entry().Value, &f); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "file: unmarshal")
		}
		if !f.Deleted && containsString(f.Parents, key) {
			children = append(children, f.Key)
		}
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return children, nil
}
