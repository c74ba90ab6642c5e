// Package media implements MediaStore: the content payload for a file,
// separate from its meta record, with soft delete, JSON-patch
// application, and revision emission. Access control for media
// operations is the orchestrator's responsibility (the same role check
// already performed against the owning file's meta); MediaStore itself
// only enforces AlreadyExists-on-overwrite and soft-delete visibility.
// Grounded on the teacher's pkg/storage content-addressed blob CRUD,
// adapted to JSON documents with a patch/revision pipeline layered on.
package media

import (
	"context"
	"encoding/json"

	"github.com/cuemby/netstore/internal/bin"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/internal/patch"
	"github.com/cuemby/netstore/internal/revision"
	"github.com/cuemby/netstore/pkg/types"
)

// Notifier is the narrow slice of NotificationBus MediaStore uses to
// fan out deleted/patch/created events.
type Notifier interface {
	NotifyURL(ctx context.Context, url string, event types.Event)
}

// Store is the MediaStore.
type Store struct {
	sub       *kvstore.SubStore
	bin       *bin.Store
	revisions *revision.Store
	notifier  Notifier
}

// New wraps the collaborators a MediaStore needs.
func New(sub *kvstore.SubStore, binStore *bin.Store, revisions *revision.Store, notifier Notifier) *Store {
	return &Store{sub: sub, bin: binStore, revisions: revisions, notifier: notifier}
}

func mediaURL(key string) string { return key + "?alt=media" }

// Set stores value/mime for key. When allowOverwrite is false, an
// existing (including soft-deleted) record fails AlreadyExists.
func (s *Store) Set(ctx context.Context, key string, value []byte, mime string, allowOverwrite bool) error {
	if !allowOverwrite {
		_, err := s.sub.Get(ctx, key)
		if err == nil {
			return errs.AlreadyExistsf("media: %s already exists", key)
		}
		if !errs.Is(err, errs.NotFound) {
			return err
		}
	}
	m := types.Media{Value: value, Mime: mime}
	raw, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "media: marshal")
	}
	return s.sub.Put(ctx, key, raw)
}

// ReadOptions controls whether a soft-deleted record is visible to Read.
type ReadOptions struct {
	IncludeDeleted bool
}

// Read returns the media record for key, or errs.NotFound if absent or
// (absent IncludeDeleted) soft-deleted.
func (s *Store) Read(ctx context.Context, key string, opts ReadOptions) (*types.Media, error) {
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var m types.Media
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "media: unmarshal")
	}
	if m.Deleted && !opts.IncludeDeleted {
		return nil, errs.NotFoundf("media: %s not found", key)
	}
	return &m, nil
}

// Delete soft-deletes the media record for key, records a bin entry,
// and emits a deleted event on the media URL.
func (s *Store) Delete(ctx context.Context, key, kind, deletedBy string) error {
	m, err := s.Read(ctx, key, ReadOptions{IncludeDeleted: true})
	if err != nil {
		return err
	}
	if m.Deleted {
		return nil // idempotent
	}
	m.Deleted = true
	raw, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "media: marshal")
	}
	if err := s.sub.Put(ctx, key, raw); err != nil {
		return err
	}
	if err := s.bin.Record(ctx, kind, key, deletedBy); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyURL(ctx, mediaURL(key), types.NewEvent(types.OpDeleted, kind, key, nil))
	}
	return nil
}

// ApplyPatch validates and applies a JSON patch to the stored value,
// appends a revision with its computed revert, and emits a created
// event for the revision plus a patch event for the media itself.
func (s *Store) ApplyPatch(ctx context.Context, key, kind string, info patch.Info) (*types.Media, error) {
	if err := patch.Validate(info); err != nil {
		return nil, err
	}
	m, err := s.Read(ctx, key, ReadOptions{})
	if err != nil {
		return nil, err
	}

	newValue, revert, err := patch.Apply(m.Value, info.Patch)
	if err != nil {
		return nil, err
	}
	m.Value = newValue
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "media: marshal")
	}
	if err := s.sub.Put(ctx, key, raw); err != nil {
		return nil, err
	}

	rev, err := s.revisions.Add(ctx, kind, key, info.Patch, revert)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.NotifyURL(ctx, key+"/revisions", types.NewEvent(types.OpCreated, "Revision", rev.ID, nil))
		s.notifier.NotifyURL(ctx, mediaURL(key), types.NewEvent(types.OpPatch, kind, key, nil))
	}
	return m, nil
}
