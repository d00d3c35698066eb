package changeset

import (
	"context"

	"github.com/itellico/cachesync"
)

// Rollback reverses an APPLIED change set. It records a compensating change
// set that patches the entity back to the original's old values at the
// version the original produced, commits it through the normal path and
// marks the original ROLLED_BACK.
//
// The compensating change set is returned. If the entity moved on since the
// original commit it ends CONFLICTED (error *cachesync.ConflictError) and can
// be settled with ResolveConflict; the original is marked once it commits.
func (m *Manager) Rollback(ctx context.Context, id string) (*ChangeSet, error) {
	orig, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Level != LevelCommitted || orig.Status != StatusApplied {
		return nil, invalidState(orig, "roll back")
	}
	if len(orig.OldValues) == 0 {
		return nil, invalidState(orig, "roll back (no old values recorded)")
	}

	comp := &ChangeSet{
		ID:             m.newID(),
		EntityType:     orig.EntityType,
		EntityID:       orig.EntityID,
		TenantID:       orig.TenantID,
		Operation:      cachesync.OpUpdate,
		Level:          LevelOptimistic,
		Status:         StatusPending,
		Changes:        copyMap(orig.OldValues),
		Metadata:       map[string]any{MetaVersion: orig.CommittedVersion},
		Version:        orig.CommittedVersion,
		AffectedRoutes: append([]string(nil), orig.AffectedRoutes...),
		CreatedAt:      m.now(),
		ParentID:       orig.ID,
		RollbackOf:     orig.ID,
	}
	if err := m.withTimeout(ctx, func(ctx context.Context) error { return m.repo.Insert(ctx, comp) }); err != nil {
		return nil, storeErr("insert change set", err)
	}
	m.log.Info("rolling back change", m.fields(orig).With("compensating", comp.ID))

	err = m.submit(ctx, comp, nil)
	return comp.Clone(), err
}

// markRolledBack closes the change set a committed compensating record
// reverses. The entity is already restored, so failures are logged only.
func (m *Manager) markRolledBack(ctx context.Context, comp *ChangeSet) {
	orig, err := m.Get(ctx, comp.RollbackOf)
	if err != nil {
		m.log.Error("rolled back change set not found", m.fields(comp).With("rollback_of", comp.RollbackOf, "err", err))
		return
	}
	if orig.Status != StatusApplied {
		m.log.Warn("rolled back change set no longer applied", m.fields(orig).With("status", string(orig.Status)))
		return
	}
	orig.Status = StatusRolledBack
	if err := m.persist(ctx, orig); err != nil {
		m.log.Error("rolled back change set not saved", m.fields(orig).With("err", err))
	}
}
