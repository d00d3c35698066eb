package cachesync

import (
	"context"
	"fmt"

	gen "github.com/itellico/cachesync/genstore"
	"github.com/itellico/cachesync/internal/util"
)

// Rollback restores the value a query key held before an optimistic update.
// It reports whether the snapshot was written back.
type Rollback func(ctx context.Context) (restored bool, err error)

// Updater computes the optimistic value from the cached one. old is nil when
// the key was not cached.
type Updater func(old any) any

// ApplyOptimisticUpdate snapshots key, writes updater(snapshot) right away and
// returns a closure that writes the snapshot back verbatim.
//
// With several optimistic updates in flight for the same key a late rollback
// can clobber a newer update; use an OptimisticTracker there.
func ApplyOptimisticUpdate(ctx context.Context, qc QueryCache, key QueryKey, updater Updater) (Rollback, error) {
	if qc == nil {
		return nil, fmt.Errorf("cachesync: optimistic update needs a query cache")
	}
	old, had, err := qc.GetValue(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := qc.SetValue(ctx, key, updater(old)); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (bool, error) {
		if !had {
			return true, qc.Invalidate(ctx, key)
		}
		return true, qc.SetValue(ctx, key, old)
	}, nil
}

// OptimisticTracker applies optimistic updates with a monotonic per-key
// sequence. A rollback restores its snapshot only while its update is still
// the latest one applied to the key; otherwise the key is invalidated so the
// next read goes back to the source of truth.
//
// Applies and rollbacks of one key are serialized within the tracker.
type OptimisticTracker struct {
	seq   gen.GenStore
	locks *util.KeyLock
	log   Logger
	hooks Hooks
}

// NewOptimisticTracker builds a tracker. seq nil => in-process sequence store.
func NewOptimisticTracker(seq gen.GenStore, log Logger, hooks Hooks) *OptimisticTracker {
	if seq == nil {
		seq = gen.NewLocalGenStore(0, 0)
	}
	return &OptimisticTracker{
		seq:   seq,
		locks: util.NewKeyLock(),
		log:   coalesce[Logger](log, NopLogger{}),
		hooks: coalesce[Hooks](hooks, NopHooks{}),
	}
}

func optimisticSeqKey(key QueryKey) string { return "optimistic:" + key.String() }

// Apply is ApplyOptimisticUpdate with rollback-if-still-current semantics.
func (t *OptimisticTracker) Apply(ctx context.Context, qc QueryCache, key QueryKey, updater Updater) (Rollback, error) {
	if qc == nil {
		return nil, fmt.Errorf("cachesync: optimistic update needs a query cache")
	}
	sk := optimisticSeqKey(key)
	if err := t.locks.Acquire(ctx, sk); err != nil {
		return nil, err
	}
	defer t.locks.Release(sk)
	old, had, err := qc.GetValue(ctx, key)
	if err != nil {
		return nil, err
	}
	mine, err := t.seq.Bump(ctx, sk)
	if err != nil {
		return nil, err
	}
	if err := qc.SetValue(ctx, key, updater(old)); err != nil {
		return nil, err
	}

	return func(ctx context.Context) (bool, error) {
		if err := t.locks.Acquire(ctx, sk); err != nil {
			return false, err
		}
		defer t.locks.Release(sk)
		cur, err := t.seq.Snapshot(ctx, sk)
		if err != nil {
			return false, err
		}
		if cur != mine {
			t.log.Warn("optimistic rollback out of order; invalidating key",
				Fields{"key": []string(key), "seq": mine, "current": cur})
			t.hooks.RollbackRejected(key)
			return false, qc.Invalidate(ctx, key)
		}
		// move the sequence so older outstanding rollbacks are refused too
		if _, err := t.seq.Bump(ctx, sk); err != nil {
			return false, err
		}
		if !had {
			return true, qc.Invalidate(ctx, key)
		}
		return true, qc.SetValue(ctx, key, old)
	}, nil
}

// Close releases the sequence store.
func (t *OptimisticTracker) Close(ctx context.Context) error {
	return t.seq.Close(ctx)
}
