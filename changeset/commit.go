package changeset

import (
	"context"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/realtime"
	"github.com/itellico/cachesync/store"
)

// submit runs the commit path for cs with its current Changes and Version:
// queue behind other commits of the entity, mark PROCESSING, write to the
// store, then record COMMITTED/APPLIED or CONFLICTED. cs is updated in place.
//
// A *cachesync.ConflictError is returned as is; other failures come back as
// a *cachesync.StoreError (or *cachesync.NotFoundError for a missing entity)
// and are recorded by markFailed.
// After a successful commit the caches are invalidated and the commit is
// broadcast; failures there are logged only.
func (m *Manager) submit(ctx context.Context, cs *ChangeSet, qc cachesync.QueryCache) error {
	key := cs.key()
	if err := m.queue.Acquire(ctx, key); err != nil {
		return storeErr("wait for entity queue", err)
	}
	held := true
	release := func() {
		if held {
			held = false
			m.queue.Release(key)
		}
	}
	defer release()

	// another caller may have moved this change set while we queued
	fresh, err := m.Get(ctx, cs.ID)
	if err != nil {
		return err
	}
	if fresh.Level != cs.Level || fresh.Status != cs.Status {
		return invalidState(fresh, "submit")
	}

	prevStatus := cs.Status
	cs.Level = LevelProcessing
	cs.Status = StatusPending
	if err := m.persist(ctx, cs); err != nil {
		cs.Level, cs.Status = LevelOptimistic, prevStatus
		return storeErr("mark processing", err)
	}

	res, err := m.write(ctx, cs)
	// the store may hold the write now; change set state is recorded even
	// when the caller has gone away
	after := context.WithoutCancel(ctx)
	if err != nil {
		if ce, ok := cachesync.AsConflict(err); ok {
			m.markConflicted(after, cs, ce)
			release()
			m.publish(after, cs, realtime.ConflictDetected)
			return ce
		}
		m.log.Error("change commit failed", m.fields(cs).With("err", err))
		rejected := m.markFailed(after, cs, prevStatus, err)
		release()
		if rejected {
			m.publish(after, cs, realtime.ChangeRejected)
		}
		if cachesync.IsNotFound(err) {
			return err
		}
		return storeErr("commit", err)
	}

	now := m.now()
	cs.Level = LevelCommitted
	cs.Status = StatusApplied
	cs.OldValues = res.Previous
	cs.NewValues = make(map[string]any, len(cs.Changes))
	for k := range cs.Changes {
		cs.NewValues[k] = res.Entity.Data[k]
	}
	cs.CommittedVersion = res.Entity.Version
	cs.AppliedAt = &now
	delete(cs.Metadata, MetaLastError)
	if err := m.persist(after, cs); err != nil {
		// the entity write is durable; only the history row lags
		m.log.Error("committed change set not saved", m.fields(cs).With("err", err))
	}
	if cs.RollbackOf != "" {
		m.markRolledBack(after, cs)
	}
	release()

	m.log.Info("change committed", m.fields(cs).With("version", cs.CommittedVersion))
	m.invalidate(after, cs, qc)
	m.publish(after, cs, realtime.EntityUpdated)
	m.publish(after, cs, realtime.ChangeCommitted)
	return nil
}

// markFailed records a store failure on cs and reports whether it was
// rejected. A plain proposal has no later step that could commit it, so it
// ends REJECTED with the error as reason. Approved change sets and conflict
// resolutions return to their previous status and can be submitted again.
func (m *Manager) markFailed(ctx context.Context, cs *ChangeSet, prev Status, err error) bool {
	rejected := prev == StatusPending && !cs.requiresApproval()
	cs.Level = LevelOptimistic
	cs.Status = prev
	if rejected {
		cs.Status = StatusRejected
		cs.Reason = "commit failed: " + err.Error()
	}
	cs.Metadata = withMeta(cs.Metadata, MetaLastError, err.Error())
	if perr := m.persist(ctx, cs); perr != nil {
		m.log.Error("change set state not saved after store failure", m.fields(cs).With("err", perr))
	}
	return rejected
}

func (m *Manager) write(ctx context.Context, cs *ChangeSet) (*store.PatchResult, error) {
	var res *store.PatchResult
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		if cs.Operation == cachesync.OpCreate {
			e, err := m.store.Create(ctx, store.Entity{
				Type:     cs.EntityType,
				ID:       cs.EntityID,
				TenantID: cs.TenantID,
				Data:     copyMap(cs.Changes),
			})
			if err != nil {
				return err
			}
			prev := make(map[string]any, len(cs.Changes))
			for k := range cs.Changes {
				prev[k] = nil
			}
			res = &store.PatchResult{Entity: e, Previous: prev}
			return nil
		}
		var err error
		res, err = m.store.Patch(ctx, cs.EntityType, cs.EntityID, cs.Changes, cs.Version)
		return err
	})
	return res, err
}

func (m *Manager) markConflicted(ctx context.Context, cs *ChangeSet, ce *cachesync.ConflictError) {
	cs.Level = LevelOptimistic
	cs.Status = StatusConflicted
	cs.Conflict = &ConflictInfo{
		CurrentVersion: ce.CurrentVersion,
		Current:        copyMap(ce.Current),
		DetectedAt:     m.now(),
	}
	if err := m.persist(ctx, cs); err != nil {
		m.log.Error("conflicted change set not saved", m.fields(cs).With("err", err))
	}
	m.log.Warn("change conflicted", m.fields(cs).With("expected", ce.ExpectedVersion, "current", ce.CurrentVersion))
}

// resubmitWith replaces the patch of a conflicted change set before it is
// submitted again at version. The first proposed patch is kept in metadata.
func resubmitWith(cs *ChangeSet, patch map[string]any, version int64, resolution string) {
	if _, ok := cs.Metadata[MetaIncoming]; !ok {
		cs.Metadata = withMeta(cs.Metadata, MetaIncoming, copyMap(cs.Changes))
	}
	cs.Changes = copyMap(patch)
	cs.Version = version
	cs.Metadata[MetaVersion] = version
	cs.Metadata[MetaResolution] = resolution
	if cs.Operation == cachesync.OpCreate && version > 0 {
		// the entity exists now; resolve against it
		cs.Operation = cachesync.OpUpdate
	}
}

func (m *Manager) invalidate(ctx context.Context, cs *ChangeSet, qc cachesync.QueryCache) {
	if m.inv == nil {
		return
	}
	// the write is committed; invalidation must not die with the caller's ctx
	ictx := context.WithoutCancel(ctx)
	if qc != nil {
		ictx = cachesync.WithQueryCache(ictx, qc)
	}
	m.inv.Invalidate(ictx, cachesync.Request{
		EntityType:     cs.EntityType,
		EntityID:       cs.EntityID,
		Operation:      cs.Operation,
		TenantID:       cs.TenantID,
		AffectedRoutes: cs.AffectedRoutes,
	})
}

func (m *Manager) publish(ctx context.Context, cs *ChangeSet, t realtime.EventType) {
	if m.pub == nil {
		return
	}
	ev := realtime.Event{
		ChangeSetID: cs.ID,
		EntityType:  cs.EntityType,
		EntityID:    cs.EntityID,
		TenantID:    cs.TenantID,
		Operation:   string(cs.Operation),
	}
	switch t {
	case realtime.EntityUpdated:
		ev.Version = cs.CommittedVersion
		ev.Changes = cs.NewValues
	case realtime.ChangeCommitted:
		ev.Version = cs.CommittedVersion
		ev.Changes = cs.Changes
	case realtime.ChangeRejected:
		ev.Reason = cs.Reason
	case realtime.ConflictDetected:
		if cs.Conflict != nil {
			ev.CurrentVersion = cs.Conflict.CurrentVersion
			ev.Current = cs.Conflict.Current
		}
	}
	if err := m.pub.PublishChange(context.WithoutCancel(ctx), realtime.Message{Type: t, Data: ev}); err != nil {
		m.log.Warn("change event not published", m.fields(cs).With("type", string(t), "err", err))
	}
}

func (m *Manager) fields(cs *ChangeSet) cachesync.Fields {
	f := cachesync.Fields{
		"change_set":  cs.ID,
		"entity_type": cs.EntityType,
		"entity_id":   cs.EntityID,
		"operation":   string(cs.Operation),
	}
	if cs.TenantID != "" {
		f["tenant_id"] = cs.TenantID
	}
	return f
}

func withMeta(m map[string]any, k string, v any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[k] = v
	return m
}
