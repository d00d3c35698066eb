package changeset

import (
	"context"
	"strings"

	"github.com/itellico/cachesync/realtime"
)

// Approve accepts a change set proposed with RequireApproval. With
// applyImmediately it is committed right away; otherwise it waits as
// APPROVED for Apply.
func (m *Manager) Approve(ctx context.Context, id string, applyImmediately bool) (*ChangeSet, error) {
	cs, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs.Level != LevelOptimistic || cs.Status != StatusPending || !cs.requiresApproval() {
		return cs, invalidState(cs, "approve")
	}
	if applyImmediately {
		err := m.submit(ctx, cs, nil)
		return cs.Clone(), err
	}

	err = m.transition(ctx, cs, func(cs *ChangeSet) bool {
		if cs.Level != LevelOptimistic || cs.Status != StatusPending {
			return false
		}
		cs.Status = StatusApproved
		return true
	}, "approve")
	if err != nil {
		return cs, err
	}
	m.log.Info("change approved", m.fields(cs))
	return cs, nil
}

// Apply commits an APPROVED change set.
func (m *Manager) Apply(ctx context.Context, id string) (*ChangeSet, error) {
	cs, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs.Level != LevelOptimistic || cs.Status != StatusApproved {
		return cs, invalidState(cs, "apply")
	}
	err = m.submit(ctx, cs, nil)
	return cs.Clone(), err
}

// Reject closes a change set that has not reached the store: PENDING,
// APPROVED or CONFLICTED. The rejection is broadcast so watchers drop any
// optimistic state they hold.
func (m *Manager) Reject(ctx context.Context, id, reason string) (*ChangeSet, error) {
	reason = strings.TrimSpace(reason)
	cs, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	err = m.transition(ctx, cs, func(cs *ChangeSet) bool {
		if cs.Level != LevelOptimistic {
			return false
		}
		switch cs.Status {
		case StatusPending, StatusApproved, StatusConflicted:
		default:
			return false
		}
		cs.Status = StatusRejected
		cs.Reason = reason
		return true
	}, "reject")
	if err != nil {
		return cs, err
	}
	m.log.Info("change rejected", m.fields(cs).With("reason", reason))
	m.publish(ctx, cs, realtime.ChangeRejected)
	return cs, nil
}

// transition applies a repository-only state change while holding the
// entity's commit slot, so it cannot interleave with a commit of the same
// change set. step reports whether the current state allows the change.
func (m *Manager) transition(ctx context.Context, cs *ChangeSet, step func(*ChangeSet) bool, op string) error {
	key := cs.key()
	if err := m.queue.Acquire(ctx, key); err != nil {
		return storeErr("wait for entity queue", err)
	}
	defer m.queue.Release(key)

	fresh, err := m.Get(ctx, cs.ID)
	if err != nil {
		return err
	}
	*cs = *fresh
	if !step(cs) {
		return invalidState(fresh, op)
	}
	if err := m.persist(ctx, cs); err != nil {
		*cs = *fresh
		return storeErr(op, err)
	}
	return nil
}
