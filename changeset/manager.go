// Package changeset implements the three-level change protocol: a change is
// proposed OPTIMISTIC (and may be applied to the caller's query cache right
// away), submitted PROCESSING to the relational store with the caller's
// last-known version, and ends COMMITTED or CONFLICTED. Approval, rollback by
// compensating change set and conflict resolution build on the same commit
// path.
//
// At most one change set per entity is PROCESSING at a time: commits for the
// same entity queue inside the Manager. The store's version check remains
// the authority across processes.
package changeset

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/internal/util"
	"github.com/itellico/cachesync/realtime"
	"github.com/itellico/cachesync/store"
)

const defaultStoreTimeout = 10 * time.Second

// Publisher is the part of realtime.Notifier the manager uses.
type Publisher interface {
	PublishChange(ctx context.Context, msg realtime.Message) error
}

type Options struct {
	Store       store.Store // required
	Repository  Repository  // nil => in-memory
	Invalidator cachesync.Invalidator
	Publisher   Publisher

	StoreTimeout time.Duration // bound for each store and repository call; 0 => 10s
	Logger       cachesync.Logger

	Now   func() time.Time
	NewID func() string
}

type Manager struct {
	store   store.Store
	repo    Repository
	inv     cachesync.Invalidator
	pub     Publisher
	timeout time.Duration
	log     cachesync.Logger
	now     func() time.Time
	newID   func() string
	queue   *util.KeyLock
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("changeset: store is required")
	}
	m := &Manager{
		store:   opts.Store,
		repo:    opts.Repository,
		inv:     opts.Invalidator,
		pub:     opts.Publisher,
		timeout: opts.StoreTimeout,
		log:     opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
		queue:   util.NewKeyLock(),
	}
	if m.repo == nil {
		m.repo = NewMemoryRepository()
	}
	if m.timeout <= 0 {
		m.timeout = defaultStoreTimeout
	}
	if m.log == nil {
		m.log = cachesync.NopLogger{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m, nil
}

// Optimistic describes the local cache update applied before the store
// confirms. With a Tracker, out-of-order rollbacks invalidate the key instead
// of restoring a snapshot.
type Optimistic struct {
	Cache   cachesync.QueryCache
	Key     cachesync.QueryKey
	Update  cachesync.Updater
	Tracker *cachesync.OptimisticTracker
}

// Conflict is handed to OnConflict and Resolve.
type Conflict struct {
	ChangeSet      *ChangeSet
	CurrentVersion int64
	Current        map[string]any
	Incoming       map[string]any
}

type ProposeOptions struct {
	// Version is the caller's last-known entity version. It is only used for
	// the commit-time conflict check.
	Version         int64
	TenantID        string
	Operation       cachesync.Operation // OpUpdate (default) or OpCreate
	RequireApproval bool
	Metadata        map[string]any
	AffectedRoutes  []string
	ParentID        string

	Optimistic *Optimistic
	OnConflict func(Conflict)
	// Resolve returns the patch to retry with at the current version, or
	// false to give up. It is called at most once per Propose.
	Resolve func(Conflict) (map[string]any, bool)
}

// Get returns one change set.
func (m *Manager) Get(ctx context.Context, id string) (*ChangeSet, error) {
	var cs *ChangeSet
	err := m.withTimeout(ctx, func(ctx context.Context) (err error) {
		cs, err = m.repo.Get(ctx, id)
		return err
	})
	if err != nil {
		if cachesync.IsNotFound(err) {
			return nil, err
		}
		return nil, storeErr("get change set", err)
	}
	return cs, nil
}

// GetHistory pages through an entity's change sets, newest first, and
// reports the total matching count.
func (m *Manager) GetHistory(ctx context.Context, entityType, entityID string, opts HistoryOptions) ([]*ChangeSet, int, error) {
	var (
		items []*ChangeSet
		total int
	)
	err := m.withTimeout(ctx, func(ctx context.Context) (err error) {
		items, total, err = m.repo.History(ctx, entityType, entityID, opts)
		return err
	})
	if err != nil {
		return nil, 0, storeErr("history", err)
	}
	return items, total, nil
}

func (m *Manager) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return fn(ctx)
}

func (m *Manager) persist(ctx context.Context, cs *ChangeSet) error {
	return m.withTimeout(ctx, func(ctx context.Context) error { return m.repo.Update(ctx, cs) })
}
