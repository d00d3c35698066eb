package changeset

import (
	"context"

	"github.com/itellico/cachesync"
)

// Propose records a change set and, unless it requires approval, applies
// the optimistic update and commits it.
//
// The returned change set reflects the final state. On a version conflict
// it is CONFLICTED and the error is a *cachesync.ConflictError; the
// optimistic update has been rolled back in both that case and on a store
// failure. A store failure leaves the change set REJECTED with the error as
// Reason; propose again to retry. A validation failure returns a nil change
// set and records nothing.
func (m *Manager) Propose(ctx context.Context, entityType, entityID string, changes map[string]any, opts ProposeOptions) (*ChangeSet, error) {
	op := opts.Operation
	if op == "" {
		op = cachesync.OpUpdate
	}
	if err := validateProposal(entityType, entityID, changes, op, opts.Version); err != nil {
		return nil, err
	}

	cs := &ChangeSet{
		ID:             m.newID(),
		EntityType:     entityType,
		EntityID:       entityID,
		TenantID:       opts.TenantID,
		Operation:      op,
		Level:          LevelOptimistic,
		Status:         StatusPending,
		Changes:        copyMap(changes),
		Metadata:       copyMap(opts.Metadata),
		Version:        opts.Version,
		AffectedRoutes: append([]string(nil), opts.AffectedRoutes...),
		CreatedAt:      m.now(),
		ParentID:       opts.ParentID,
	}
	cs.Metadata = withMeta(cs.Metadata, MetaVersion, opts.Version)
	if opts.RequireApproval {
		cs.Metadata[MetaRequireApproval] = true
	}
	if err := m.withTimeout(ctx, func(ctx context.Context) error { return m.repo.Insert(ctx, cs) }); err != nil {
		return nil, storeErr("insert change set", err)
	}
	m.log.Debug("change proposed", m.fields(cs).With("version", cs.Version))

	if opts.RequireApproval {
		return cs.Clone(), nil
	}

	rollback := m.applyOptimistic(ctx, cs, opts.Optimistic)
	qc := optimisticCache(opts.Optimistic)

	err := m.submit(ctx, cs, qc)
	if ce, ok := cachesync.AsConflict(err); ok {
		c := Conflict{
			ChangeSet:      cs.Clone(),
			CurrentVersion: ce.CurrentVersion,
			Current:        copyMap(ce.Current),
			Incoming:       copyMap(cs.Changes),
		}
		if opts.OnConflict != nil {
			opts.OnConflict(c)
		}
		if opts.Resolve != nil {
			if patch, retry := opts.Resolve(c); retry && len(patch) > 0 {
				resubmitWith(cs, patch, ce.CurrentVersion, "RETRY")
				err = m.submit(ctx, cs, qc)
			}
		}
	}
	if err != nil {
		m.rollbackOptimistic(ctx, cs, rollback)
		return cs.Clone(), err
	}
	return cs.Clone(), nil
}

func optimisticCache(o *Optimistic) cachesync.QueryCache {
	if o == nil {
		return nil
	}
	return o.Cache
}

// applyOptimistic writes the local cache update. A failure only costs the
// instant feedback, so it is logged and the commit goes ahead.
func (m *Manager) applyOptimistic(ctx context.Context, cs *ChangeSet, o *Optimistic) cachesync.Rollback {
	if o == nil || o.Cache == nil || o.Update == nil || len(o.Key) == 0 {
		return nil
	}
	var (
		rb  cachesync.Rollback
		err error
	)
	if o.Tracker != nil {
		rb, err = o.Tracker.Apply(ctx, o.Cache, o.Key, o.Update)
	} else {
		rb, err = cachesync.ApplyOptimisticUpdate(ctx, o.Cache, o.Key, o.Update)
	}
	if err != nil {
		m.log.Warn("optimistic update not applied", m.fields(cs).With("key", o.Key.String(), "err", err))
		return nil
	}
	return rb
}

func (m *Manager) rollbackOptimistic(ctx context.Context, cs *ChangeSet, rb cachesync.Rollback) {
	if rb == nil {
		return
	}
	restored, err := rb(context.WithoutCancel(ctx))
	if err != nil {
		m.log.Warn("optimistic rollback failed", m.fields(cs).With("err", err))
		return
	}
	m.log.Debug("optimistic update rolled back", m.fields(cs).With("restored", restored))
}
