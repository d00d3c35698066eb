// Package memory is an in-process store.Store for tests and single-node setups.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/store"
)

type entityKey struct{ typ, id string }

type Store struct {
	mu   sync.RWMutex
	rows map[entityKey]*store.Entity
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{rows: make(map[entityKey]*store.Entity), now: time.Now}
}

func (s *Store) FindByKey(_ context.Context, entityType, id string) (*store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rows[entityKey{entityType, id}]
	if !ok {
		return nil, &cachesync.NotFoundError{Kind: "entity", Key: entityType + "/" + id}
	}
	return e.Clone(), nil
}

func (s *Store) Patch(ctx context.Context, entityType, id string, changes map[string]any, expectedVersion int64) (*store.PatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[entityKey{entityType, id}]
	if !ok {
		return nil, &cachesync.NotFoundError{Kind: "entity", Key: entityType + "/" + id}
	}
	if e.Version != expectedVersion {
		return nil, &cachesync.ConflictError{
			EntityType:      entityType,
			EntityID:        id,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  e.Version,
			Current:         store.CopyData(e.Data),
		}
	}
	next, prev := store.ApplyPatch(e.Data, changes)
	e.Data = next
	e.Version++
	e.UpdatedAt = s.now()
	return &store.PatchResult{Entity: e.Clone(), Previous: prev}, nil
}

func (s *Store) Create(ctx context.Context, in store.Entity) (*store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entityKey{in.Type, in.ID}
	if cur, ok := s.rows[k]; ok {
		return nil, &cachesync.ConflictError{
			EntityType:     in.Type,
			EntityID:       in.ID,
			CurrentVersion: cur.Version,
			Current:        store.CopyData(cur.Data),
		}
	}
	e := in.Clone()
	e.Version = 1
	e.UpdatedAt = s.now()
	s.rows[k] = e
	return e.Clone(), nil
}

// Put writes e verbatim, version included. Seeding helper.
func (s *Store) Put(e store.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[entityKey{e.Type, e.ID}] = e.Clone()
}
