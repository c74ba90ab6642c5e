// Package project implements ProjectStore: the earlier, still-exposed
// store for HTTP project contents (the "data"/"index"/"revisions"
// sub-partitions named in spec §6's on-disk layout, distinct from
// MediaStore's flat file-content shape and from AppProjectStore's
// app-scoped records). Beyond plain content CRUD, ProjectStore keeps a
// name -> key index so a rename (patch touching /info/name) is
// reflected for lookups without a full-store scan. Grounded on the
// teacher's pkg/storage Service CRUD (the closest analogue: a named
// record with content, looked up by name as often as by key).
package project

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

// Notifier is the narrow slice of NotificationBus ProjectStore uses.
type Notifier interface {
	NotifyURL(ctx context.Context, url string, event types.Event)
}

// Store is the ProjectStore.
type Store struct {
	data      *kvstore.SubStore
	index     *kvstore.SubStore
	bin       *bin.Store
	revisions *revision.Store
	notifier  Notifier
}

// New wraps the collaborators a ProjectStore needs. data and index must
// be distinct sub-stores (spec §6: "projects/{index,data,revisions}").
func New(data, index *kvstore.SubStore, binStore *bin.Store, revisions *revision.Store, notifier Notifier) *Store {
	return &Store{data: data, index: index, bin: binStore, revisions: revisions, notifier: notifier}
}

// nameOnly unmarshals just the info.name field a project document
// carries, without needing ProjectStore to know the full kind-specific
// schema living inside value.
type nameOnly struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
}

func extractName(value []byte) string {
	var n nameOnly
	if err := json.Unmarshal(value, &n); err != nil {
		return ""
	}
	return n.Info.Name
}

func mediaURL(key string) string { return key + "?alt=media" }

func (s *Store) indexKey(name string) string { return "name" + "~" + name }

func (s *Store) reindex(ctx context.Context, key, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	if oldName != "" {
		if err := s.index.Del(ctx, s.indexKey(oldName)); err != nil {
			return err
		}
	}
	if newName != "" {
		if err := s.index.Put(ctx, s.indexKey(newName), []byte(key)); err != nil {
			return err
		}
	}
	return nil
}

// Set stores value/mime for key, creating or overwriting the content
// and updating the name index.
func (s *Store) Set(ctx context.Context, key string, value []byte, mime string) error {
	old, err := s.readMedia(ctx, key, true)
	oldName := ""
	if err == nil {
		oldName = extractName(old.Value)
	} else if !errs.Is(err, errs.NotFound) {
		return err
	}

	m := types.Media{Value: value, Mime: mime}
	raw, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "project: marshal")
	}
	if err := s.data.Put(ctx, key, raw); err != nil {
		return err
	}
	return s.reindex(ctx, key, oldName, extractName(value))
}

func (s *Store) readMedia(ctx context.Context, key string, includeDeleted bool) (*types.Media, error) {
	raw, err := s.data.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var m types.Media
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "project: unmarshal")
	}
	if m.Deleted && !includeDeleted {
		return nil, errs.NotFoundf("project: %s not found", key)
	}
	return &m, nil
}

// Read returns the live content for key.
func (s *Store) Read(ctx context.Context, key string) (*types.Media, error) {
	return s.readMedia(ctx, key, false)
}

// FindByName looks up a project's key by its current info.name.
func (s *Store) FindByName(ctx context.Context, name string) (string, error) {
	raw, err := s.index.Get(ctx, s.indexKey(name))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Delete soft-deletes key's content, records a bin entry, drops it from
// the name index, and emits a deleted event on the media URL.
func (s *Store) Delete(ctx context.Context, key, kind, deletedBy string) error {
	m, err := s.readMedia(ctx, key, true)
	if err != nil {
		return err
	}
	if m.Deleted {
		return nil
	}
	name := extractName(m.Value)
	m.Deleted = true
	raw, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "project: marshal")
	}
	if err := s.data.Put(ctx, key, raw); err != nil {
		return err
	}
	if err := s.reindex(ctx, key, name, ""); err != nil {
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
// appends a revision, updates the name index on rename, and emits the
// created/patch event pair.
func (s *Store) ApplyPatch(ctx context.Context, key, kind string, info patch.Info) (*types.Media, error) {
	if err := patch.Validate(info); err != nil {
		return nil, err
	}
	m, err := s.readMedia(ctx, key, false)
	if err != nil {
		return nil, err
	}
	oldName := extractName(m.Value)

	newValue, revert, err := patch.Apply(m.Value, info.Patch)
	if err != nil {
		return nil, err
	}
	m.Value = newValue
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "project: marshal")
	}
	if err := s.data.Put(ctx, key, raw); err != nil {
		return nil, err
	}
	if err := s.reindex(ctx, key, oldName, extractName(newValue)); err != nil {
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
