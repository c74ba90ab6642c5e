// Package orchestrator composes every store into the single entry
// point each API operation calls: the access check, the write(s), the
// revision/bin/index maintenance already owned by the individual
// stores, and (for the stores that do not gate themselves) the access
// check this layer adds on top. Grounded on the teacher's
// pkg/manager.Manager, which is the same shape: one type wired over
// storage + raft + events that every pkg/api handler calls through
// exactly once per request.
package orchestrator

import (
	"context"

	"github.com/cuemby/netstore/internal/access"
	"github.com/cuemby/netstore/internal/appstore"
	"github.com/cuemby/netstore/internal/bin"
	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/file"
	"github.com/cuemby/netstore/internal/history"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/internal/media"
	"github.com/cuemby/netstore/internal/notify"
	"github.com/cuemby/netstore/internal/patch"
	"github.com/cuemby/netstore/internal/project"
	"github.com/cuemby/netstore/internal/revision"
	"github.com/cuemby/netstore/internal/session"
	"github.com/cuemby/netstore/internal/shared"
	"github.com/cuemby/netstore/internal/user"
	"github.com/cuemby/netstore/pkg/types"
)

// combinedAuthorizer lets RevisionStore and HistoryStore gate access
// against whichever of the two resource trees (FileStore's flat keys or
// SpaceStore's legacy nested keys) actually owns a given parent key,
// without RevisionStore/HistoryStore having to know the dual key-shape
// ambiguity exists. Its fields are filled in once, after both resolvers
// are built, mirroring the rest of the module's two-phase wiring.
type combinedAuthorizer struct {
	file  *access.Resolver
	space *access.Resolver
}

func (c *combinedAuthorizer) CheckAccess(ctx context.Context, minRole types.Role, resourceKey string, subject access.Subject) (types.Role, error) {
	role, err := c.file.CheckAccess(ctx, minRole, resourceKey, subject)
	if err == nil {
		return role, nil
	}
	if errs.Is(err, errs.NotFound) {
		return c.space.CheckAccess(ctx, minRole, resourceKey, subject)
	}
	return "", err
}

// alwaysOwnerAuthorizer is used for ProjectStore's revision log, since
// spec.md specifies no access control over HTTP project contents (no
// owner/parents/permissions shape, unlike FileStore/SpaceStore).
type alwaysOwnerAuthorizer struct{}

func (alwaysOwnerAuthorizer) CheckAccess(ctx context.Context, minRole types.Role, resourceKey string, subject access.Subject) (types.Role, error) {
	return types.RoleOwner, nil
}

// Config controls how an Orchestrator wires its collaborators.
type Config struct {
	SingleUserMode  bool
	AccessCacheSize int
	NotifyBuffer    int
}

// Orchestrator composes every store named in spec §2 over one kvstore
// Engine. Every exported method is the single entry point its API
// operation calls through.
type Orchestrator struct {
	singleUser bool

	Files       *file.Store
	Spaces      *file.SpaceStore
	Media       *media.Store
	Projects    *project.Store
	AppProjects *appstore.ProjectStore
	AppRequests *appstore.RequestStore
	History     *history.Store
	Revisions   *revision.Store
	Permissions *access.PermissionStore
	FileAccess  *access.Resolver
	SpaceAccess *access.Resolver
	Users       *user.Store
	Sessions    *session.Store
	Bin         *bin.Store
	Shared      *shared.Store
	Bus         *notify.Bus
}

// New opens every named sub-partition of engine (spec §6's on-disk
// layout) and wires the full dependency graph: two-phase for the
// access resolvers (FileStore/SpaceStore must exist before the
// resolver that resolves over them; the resolver must exist before
// SetResolver closes the loop), and the combinedAuthorizer trick so a
// single RevisionStore/HistoryStore can gate access against either key
// shape.
func New(engine *kvstore.Engine, cfg Config) (*Orchestrator, error) {
	sub := func(name string) (*kvstore.SubStore, error) { return engine.SubStore(name) }

	names := []string{
		"files", "spaces", "media", "permissions", "shared", "bin", "revisions",
		"users", "sessions",
		"projects/data", "projects/index", "projects/revisions",
		"app/projects", "app/requests",
		"history/data", "history/user", "history/space", "history/project", "history/request", "history/app",
	}
	subs := make(map[string]*kvstore.SubStore, len(names))
	for _, name := range names {
		s, err := sub(name)
		if err != nil {
			return nil, err
		}
		subs[name] = s
	}

	bus := notify.New(notify.Config{ChannelBuffer: cfg.NotifyBuffer})
	binStore := bin.New(subs["bin"])
	sharedStore := shared.New(subs["shared"])
	permStore := access.NewPermissionStore(subs["permissions"])
	usersStore := user.New(subs["users"])
	sessionStore := session.New(subs["sessions"])

	auth := &combinedAuthorizer{}
	revisionsStore := revision.New(subs["revisions"], auth)
	mediaStore := media.New(subs["media"], binStore, revisionsStore, bus)

	fileStore := file.New(subs["files"], binStore, permStore, sharedStore, mediaStore, bus)
	spaceStore := file.NewSpaceStore(subs["spaces"], binStore, permStore, sharedStore, mediaStore, bus)

	accessCfg := access.Config{SingleUserMode: cfg.SingleUserMode, CacheSize: cfg.AccessCacheSize}
	fileResolver, err := access.NewResolver(permStore, fileStore, usersStore, sharedStore, bus, accessCfg)
	if err != nil {
		return nil, err
	}
	spaceResolver, err := access.NewResolver(permStore, spaceStore, usersStore, sharedStore, bus, accessCfg)
	if err != nil {
		return nil, err
	}
	fileStore.SetResolver(fileResolver)
	spaceStore.SetResolver(spaceResolver)
	auth.file = fileResolver
	auth.space = spaceResolver

	projectRevisions := revision.New(subs["projects/revisions"], alwaysOwnerAuthorizer{})
	projectStore := project.New(subs["projects/data"], subs["projects/index"], binStore, projectRevisions, bus)

	appProjects := appstore.NewProjectStore(subs["app/projects"], bus)
	appRequests := appstore.NewRequestStore(subs["app/requests"], bus)

	historyStore := history.New(
		subs["history/data"], subs["history/user"], subs["history/space"],
		subs["history/project"], subs["history/request"], subs["history/app"],
		auth,
	)

	return &Orchestrator{
		singleUser:  cfg.SingleUserMode,
		Files:       fileStore,
		Spaces:      spaceStore,
		Media:       mediaStore,
		Projects:    projectStore,
		AppProjects: appProjects,
		AppRequests: appRequests,
		History:     historyStore,
		Revisions:   revisionsStore,
		Permissions: permStore,
		FileAccess:  fileResolver,
		SpaceAccess: spaceResolver,
		Users:       usersStore,
		Sessions:    sessionStore,
		Bin:         binStore,
		Shared:      sharedStore,
		Bus:         bus,
	}, nil
}

// Subject builds an access.Subject for userKey/groups, defaulting to
// the single-user sentinel identity when SingleUserMode is set and the
// caller passed no user (spec §9's single-user-mode design note).
func (o *Orchestrator) Subject(userKey string, groups []string) access.Subject {
	if o.singleUser && userKey == "" {
		userKey = types.DefaultUser
	}
	return access.Subject{UserKey: userKey, Groups: groups}
}

// --- FileStore / SpaceStore passthroughs -----------------------------
//
// FileStore and SpaceStore already own their access checks, bin/shared
// cascades, and event emission; the orchestrator's job here is just
// routing to the right tree and building the caller's Subject.

func (o *Orchestrator) CreateFile(ctx context.Context, f types.File, userKey string, groups []string, parent string) (*types.File, error) {
	return o.Files.Add(ctx, f, o.Subject(userKey, groups), parent)
}

func (o *Orchestrator) ReadFile(ctx context.Context, key, userKey string, groups []string) (*types.File, error) {
	return o.Files.Read(ctx, key, o.Subject(userKey, groups))
}

func (o *Orchestrator) ListFiles(ctx context.Context, userKey string, groups []string, opts file.ListOptions) (*file.ListResult, error) {
	return o.Files.List(ctx, o.Subject(userKey, groups), opts)
}

func (o *Orchestrator) PatchFile(ctx context.Context, key string, info patch.Info, userKey string, groups []string) (*types.File, error) {
	return o.Files.ApplyPatch(ctx, key, info, o.Subject(userKey, groups))
}

func (o *Orchestrator) DeleteFile(ctx context.Context, key, userKey string, groups []string) error {
	return o.Files.Delete(ctx, key, o.Subject(userKey, groups))
}

func (o *Orchestrator) CreateSpace(ctx context.Context, f types.File, userKey string, groups []string, parent string) (*types.File, error) {
	return o.Spaces.AddSpace(ctx, f, o.Subject(userKey, groups), parent)
}

func (o *Orchestrator) CreateSpaceProject(ctx context.Context, spaceKey string, f types.File, userKey string, groups []string) (*types.File, error) {
	return o.Spaces.AddProject(ctx, spaceKey, f, o.Subject(userKey, groups))
}

func (o *Orchestrator) ReadSpace(ctx context.Context, key, userKey string, groups []string) (*types.File, error) {
	return o.Spaces.Read(ctx, key, o.Subject(userKey, groups))
}

func (o *Orchestrator) ListSpaceProjects(ctx context.Context, spaceKey, userKey string, groups []string) ([]types.File, error) {
	return o.Spaces.ListProjects(ctx, spaceKey, o.Subject(userKey, groups))
}

func (o *Orchestrator) PatchSpace(ctx context.Context, key string, info patch.Info, userKey string, groups []string) (*types.File, error) {
	return o.Spaces.ApplyPatch(ctx, key, info, o.Subject(userKey, groups))
}

func (o *Orchestrator) DeleteSpace(ctx context.Context, key, userKey string, groups []string) error {
	return o.Spaces.Delete(ctx, key, o.Subject(userKey, groups))
}

// --- MediaStore -------------------------------------------------------
//
// MediaStore performs no access check of its own (its doc comment says
// so explicitly): the orchestrator requires the same role against the
// owning file's meta key that FileStore.ApplyPatch would, against
// whichever of the two resource trees owns that key.

func (o *Orchestrator) checkMediaAccess(ctx context.Context, minRole types.Role, key string, subject access.Subject) error {
	if _, err := o.FileAccess.CheckAccess(ctx, minRole, key, subject); err == nil {
		return nil
	} else if !errs.Is(err, errs.NotFound) {
		return err
	}
	_, err := o.SpaceAccess.CheckAccess(ctx, minRole, key, subject)
	return err
}

func (o *Orchestrator) SetMedia(ctx context.Context, key string, value []byte, mime string, allowOverwrite bool, userKey string, groups []string) error {
	subject := o.Subject(userKey, groups)
	if err := o.checkMediaAccess(ctx, types.RoleWriter, key, subject); err != nil {
		return err
	}
	return o.Media.Set(ctx, key, value, mime, allowOverwrite)
}

func (o *Orchestrator) ReadMedia(ctx context.Context, key string, opts media.ReadOptions, userKey string, groups []string) (*types.Media, error) {
	subject := o.Subject(userKey, groups)
	if err := o.checkMediaAccess(ctx, types.RoleReader, key, subject); err != nil {
		return nil, err
	}
	return o.Media.Read(ctx, key, opts)
}

func (o *Orchestrator) PatchMedia(ctx context.Context, key, kind string, info patch.Info, userKey string, groups []string) (*types.Media, error) {
	subject := o.Subject(userKey, groups)
	if err := o.checkMediaAccess(ctx, types.RoleWriter, key, subject); err != nil {
		return nil, err
	}
	return o.Media.ApplyPatch(ctx, key, kind, info)
}

func (o *Orchestrator) DeleteMedia(ctx context.Context, key, kind, userKey string, groups []string) error {
	subject := o.Subject(userKey, groups)
	if err := o.checkMediaAccess(ctx, types.RoleWriter, key, subject); err != nil {
		return err
	}
	return o.Media.Delete(ctx, key, kind, subject.UserKey)
}

// --- ProjectStore -------------------------------------------------------
//
// spec.md specifies no permission model for HTTP project contents; the
// orchestrator only requires an authenticated caller for writes.

func (o *Orchestrator) requireAuthenticated(subject access.Subject) error {
	if subject.UserKey == "" {
		return errs.Unauthenticatedf("orchestrator: no authenticated user")
	}
	return nil
}

func (o *Orchestrator) SetProject(ctx context.Context, key string, value []byte, mime, userKey string) error {
	if err := o.requireAuthenticated(o.Subject(userKey, nil)); err != nil {
		return err
	}
	return o.Projects.Set(ctx, key, value, mime)
}

func (o *Orchestrator) ReadProject(ctx context.Context, key string) (*types.Media, error) {
	return o.Projects.Read(ctx, key)
}

func (o *Orchestrator) FindProjectByName(ctx context.Context, name string) (string, error) {
	return o.Projects.FindByName(ctx, name)
}

func (o *Orchestrator) PatchProject(ctx context.Context, key, kind string, info patch.Info, userKey string) (*types.Media, error) {
	if err := o.requireAuthenticated(o.Subject(userKey, nil)); err != nil {
		return nil, err
	}
	return o.Projects.ApplyPatch(ctx, key, kind, info)
}

func (o *Orchestrator) DeleteProject(ctx context.Context, key, kind, userKey string) error {
	if err := o.requireAuthenticated(o.Subject(userKey, nil)); err != nil {
		return err
	}
	return o.Projects.Delete(ctx, key, kind, o.Subject(userKey, nil).UserKey)
}

// --- AppProjectStore / AppRequestStore --------------------------------
//
// appstore already scopes every record to (appId, userKey) in its key
// shape, which is itself the isolation guarantee; there is no
// cross-cutting access check left for the orchestrator to add.

func (o *Orchestrator) CreateAppProject(ctx context.Context, appID, userKey, key string, data []byte) (*types.AppProject, error) {
	return o.AppProjects.Create(ctx, appID, o.Subject(userKey, nil).UserKey, key, data)
}

func (o *Orchestrator) QueryAppProjects(ctx context.Context, appID, userKey, query string, limit int) ([]types.AppProject, error) {
	return o.AppProjects.Query(ctx, appID, o.Subject(userKey, nil).UserKey, query, limit)
}

func (o *Orchestrator) CreateAppRequest(ctx context.Context, appID, userKey, key string, data []byte) (*types.AppRequest, error) {
	return o.AppRequests.Create(ctx, appID, o.Subject(userKey, nil).UserKey, key, data)
}

// --- RevisionStore ------------------------------------------------------

func (o *Orchestrator) ListRevisions(ctx context.Context, kind, parentKey, userKey string, groups []string, alt types.Alt, opts revision.ListOptions) (*revision.ListResult, error) {
	return o.Revisions.List(ctx, kind, parentKey, o.Subject(userKey, groups), alt, opts)
}

// --- HistoryStore -------------------------------------------------------

func (o *Orchestrator) RecordHistory(ctx context.Context, userKey string, h types.History) (*types.History, error) {
	return o.History.Add(ctx, o.Subject(userKey, nil).UserKey, h)
}

func (o *Orchestrator) ListHistory(ctx context.Context, kind, scopeKey, userKey string, groups []string, opts history.ListOptions) (*history.ListResult, error) {
	return o.History.List(ctx, kind, scopeKey, o.Subject(userKey, groups), opts)
}

func (o *Orchestrator) ReadHistory(ctx context.Context, dataKey, userKey string, groups []string) (*types.History, error) {
	return o.History.Read(ctx, dataKey, o.Subject(userKey, groups))
}

func (o *Orchestrator) QueryHistory(ctx context.Context, userKey, query string, limit int) ([]types.History, error) {
	return o.History.Query(ctx, o.Subject(userKey, nil).UserKey, query, limit)
}

// --- AccessResolver -------------------------------------------------------
//
// PatchAccess is tried against the FileStore tree first, then the
// SpaceStore tree, mirroring checkMediaAccess's dual-shape fallback.

func (o *Orchestrator) PatchAccess(ctx context.Context, resourceKey string, ops []access.Op, userKey string, groups []string) error {
	subject := o.Subject(userKey, groups)
	err := o.FileAccess.PatchAccess(ctx, resourceKey, ops, subject)
	if err == nil || !errs.Is(err, errs.NotFound) {
		return err
	}
	return o.SpaceAccess.PatchAccess(ctx, resourceKey, ops, subject)
}

// --- UserStore / SessionStore ------------------------------------------

func (o *Orchestrator) AddUser(ctx context.Context, u types.User) error {
	return o.Users.Add(ctx, u)
}

func (o *Orchestrator) ReadUser(ctx context.Context, id string) (*types.User, error) {
	return o.Users.Read(ctx, id)
}

func (o *Orchestrator) ListUsers(ctx context.Context, opts user.ListOptions) (*user.ListResult, error) {
	return o.Users.List(ctx, opts)
}

func (o *Orchestrator) SetSession(ctx context.Context, key string, value []byte) error {
	return o.Sessions.Set(ctx, key, value)
}

func (o *Orchestrator) ReadSession(ctx context.Context, key string) ([]byte, error) {
	return o.Sessions.Read(ctx, key)
}

func (o *Orchestrator) DeleteSession(ctx context.Context, key string) error {
	return o.Sessions.Delete(ctx, key)
}
