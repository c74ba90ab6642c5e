// SpaceStore is the legacy incarnation of FileStore: same metadata
// shape and semantics, but projects nest under their owning space at
// the delimited key shape keycodec.LegacyProject builds
// (~<spaceKey>~<projectKey>~) instead of FileStore's flat key-equals-id
// shape. Per spec §9's explicit ambiguity note, both paths are kept
// side by side rather than merged, and a resource created through one
// is never visible through the other's key shape.
package file

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/bin"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/keycodec"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/internal/patch"
	"github.com/cuemby/netstore/pkg/types"
)

// SpaceStore exposes FileStore's operations against the legacy key
// shape. It shares FileStore's bin, shared-index, media and notifier
// collaborators but owns a distinct SubStore so the two families never
// collide on a key.
type SpaceStore struct {
	sub      *kvstore.SubStore
	bin      *bin.Store
	perms    PermissionReader
	shared   SharedIndex
	media    MediaDeleter
	resolver *access.Resolver
	notifier Notifier
}

// NewSpaceStore wraps the collaborators a legacy SpaceStore needs. As
// with Store, the resolver is wired afterward via SetResolver.
func NewSpaceStore(sub *kvstore.SubStore, binStore *bin.Store, perms PermissionReader, shared SharedIndex, media MediaDeleter, notifier Notifier) *SpaceStore {
	return &SpaceStore{sub: sub, bin: binStore, perms: perms, shared: shared, media: media, notifier: notifier}
}

// SetResolver wires the access.Resolver built over this SpaceStore.
func (s *SpaceStore) SetResolver(resolver *access.Resolver) {
	s.resolver = resolver
}

// ProjectKey returns the legacy nested key for a project under space.
func ProjectKey(spaceKey, projectKey string) (string, error) {
	return keycodec.LegacyProject(spaceKey, projectKey)
}

func (s *SpaceStore) loadRaw(ctx context.Context, key string) (*types.File, error) {
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var f types.File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "space: unmarshal")
	}
	return &f, nil
}

func (s *SpaceStore) putRaw(ctx context.Context, key string, f *types.File) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "space: marshal")
	}
	return s.sub.Put(ctx, key, raw)
}

// LoadResource implements access.ResourceAccessor over the legacy key
// shape: resourceKey is whatever key Add stored the file under (the
// space's own key, or a ~space~project~ nested key).
func (s *SpaceStore) LoadResource(ctx context.Context, key string) (access.Resource, error) {
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
func (s *SpaceStore) SavePermissionIDs(ctx context.Context, key string, ids []string) error {
	f, err := s.loadRaw(ctx, key)
	if err != nil {
		return err
	}
	f.PermissionIDs = ids
	return s.putRaw(ctx, key, f)
}

// AddSpace creates a root (or writer-accessible-parent) space/file at
// its own key, mirroring FileStore.Add.
func (s *SpaceStore) AddSpace(ctx context.Context, f types.File, subject access.Subject, parent string) (*types.File, error) {
	return s.add(ctx, f.Key, f, subject, parent)
}

// AddProject creates a project nested under spaceKey at the legacy
// ~<spaceKey>~<projectKey>~ key shape. The caller must hold writer on
// spaceKey; the stored file's Parents chain extends the space's own.
func (s *SpaceStore) AddProject(ctx context.Context, spaceKey string, f types.File, subject access.Subject) (*types.File, error) {
	key, err := ProjectKey(spaceKey, f.Key)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "space: build project key")
	}
	return s.add(ctx, key, f, subject, spaceKey)
}

func (s *SpaceStore) add(ctx context.Context, storageKey string, f types.File, subject access.Subject, parent string) (*types.File, error) {
	if _, err := s.sub.Get(ctx, storageKey); err == nil {
		return nil, errs.AlreadyExistsf("space: %s already exists", storageKey)
	} else if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	if subject.UserKey == "" {
		return nil, errs.Unauthenticatedf("space: no authenticated user")
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

	if err := s.putRaw(ctx, storageKey, &f); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		recipients, err := s.resolver.Recipients(ctx, storageKey)
		if err != nil {
			return nil, err
		}
		s.notifier.NotifyUsers(ctx, recipients, types.NewEvent(types.OpCreated, f.Kind, storageKey, nil))
	}
	return &f, nil
}

func (s *SpaceStore) rehydrate(ctx context.Context, f *types.File) error {
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

// Read returns the live meta for storageKey after a reader check.
func (s *SpaceStore) Read(ctx context.Context, storageKey string, subject access.Subject) (*types.File, error) {
	if _, err := s.resolver.CheckAccess(ctx, types.RoleReader, storageKey, subject); err != nil {
		return nil, err
	}
	f, err := s.loadRaw(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	if err := s.rehydrate(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ListProjects returns the live, non-deleted projects nested directly
// under spaceKey, visible to subject.
func (s *SpaceStore) ListProjects(ctx context.Context, spaceKey string, subject access.Subject) ([]types.File, error) {
	if _, err := s.resolver.CheckAccess(ctx, types.RoleReader, spaceKey, subject); err != nil {
		return nil, err
	}
	prefix := keycodec.Sep + spaceKey + keycodec.Sep
	it, err := s.sub.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true, GTE: prefix, LTE: prefix + "~"})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []types.File
	for it.Next() {
		var f types.File
		if err := json.Unmarshal(it.Entry().Value, &f); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "space: unmarshal")
		}
		if f.Deleted {
			continue
		}
		out = append(out, f)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return out, nil
}

// ApplyPatch mirrors FileStore.ApplyPatch against the legacy key shape.
func (s *SpaceStore) ApplyPatch(ctx context.Context, storageKey string, info patch.Info, subject access.Subject) (*types.File, error) {
	if _, err := s.resolver.CheckAccess(ctx, types.RoleWriter, storageKey, subject); err != nil {
		return nil, err
	}
	if err := patch.Validate(info, guardedPaths...); err != nil {
		return nil, err
	}

	f, err := s.loadRaw(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "space: marshal")
	}
	newDoc, _, err := patch.Apply(doc, info.Patch)
	if err != nil {
		return nil, err
	}

	var updated types.File
	if err := json.Unmarshal(newDoc, &updated); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "space: unmarshal patched doc")
	}
	updated.Key = f.Key
	updated.Kind = f.Kind
	updated.Owner = f.Owner
	updated.Parents = f.Parents
	updated.PermissionIDs = f.PermissionIDs
	updated.Permissions = nil
	updated.LastModified = types.LastModified{User: subject.UserKey, Time: time.Now()}

	if err := s.putRaw(ctx, storageKey, &updated); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.NotifyURL(ctx, storageKey, types.NewEvent(types.OpPatch, updated.Kind, storageKey, nil))
	}
	return &updated, nil
}

// Delete soft-deletes storageKey, mirroring FileStore.Delete's cascade
// (bin, shared-link removal, media cascade, force-close) but without
// FileStore's recursive child walk, since legacy projects nest at most
// one level below their space and are addressed directly by their own
// ~<space>~<project>~ key.
func (s *SpaceStore) Delete(ctx context.Context, storageKey string, subject access.Subject) error {
	if _, err := s.resolver.CheckAccess(ctx, types.RoleWriter, storageKey, subject); err != nil {
		return err
	}
	f, err := s.loadRaw(ctx, storageKey)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil
		}
		return err
	}
	if f.Deleted {
		return nil
	}
	f.Deleted = true
	if err := s.putRaw(ctx, storageKey, f); err != nil {
		return err
	}
	if err := s.bin.Record(ctx, f.Kind, storageKey, subject.UserKey); err != nil {
		return err
	}
	if _, err := s.shared.RemoveAllForResource(ctx, storageKey); err != nil {
		return err
	}
	if err := s.media.Delete(ctx, storageKey, f.Kind, subject.UserKey); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyURL(ctx, collectionURL, types.NewEvent(types.OpDeleted, f.Kind, storageKey, nil))
		s.notifier.NotifyURL(ctx, storageKey, types.NewEvent(types.OpDeleted, f.Kind, storageKey, nil))
		s.notifier.CloseURL(ctx, storageKey)
	}
	// See file.Store.Delete: a cached-positive role must not outlive
	// the resource it was resolved against.
	s.resolver.Purge()
	return nil
}
