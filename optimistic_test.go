package cachesync

import (
	"context"
	"sync"
	"testing"
)

func TestApplyOptimisticUpdateRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	qc := newFakeQC()
	key := QueryKey{"tenant", "42"}
	_ = qc.SetValue(ctx, key, "Acme")

	rollback, err := ApplyOptimisticUpdate(ctx, qc, key, func(old any) any { return old.(string) + " Co" })
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v, _, _ := qc.GetValue(ctx, key); v != "Acme Co" {
		t.Fatalf("optimistic value not applied, got %v", v)
	}
	if restored, err := rollback(ctx); err != nil || !restored {
		t.Fatalf("rollback: restored=%v err=%v", restored, err)
	}
	if v, _, _ := qc.GetValue(ctx, key); v != "Acme" {
		t.Fatalf("snapshot not restored, got %v", v)
	}
}

func TestApplyOptimisticUpdateUncachedKeyInvalidates(t *testing.T) {
	ctx := context.Background()
	qc := newFakeQC()
	key := QueryKey{"tenant", "7"}

	rollback, err := ApplyOptimisticUpdate(ctx, qc, key, func(old any) any {
		if old != nil {
			t.Fatalf("old must be nil for an uncached key")
		}
		return "draft"
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok, _ := qc.GetValue(ctx, key); ok {
		t.Fatalf("uncached key should be dropped on rollback")
	}
	if !containsKey(qc.invalidated, key) {
		t.Fatalf("expected invalidation of %v", key)
	}
}

func TestApplyOptimisticUpdateNeedsCache(t *testing.T) {
	if _, err := ApplyOptimisticUpdate(context.Background(), nil, QueryKey{"x"}, func(any) any { return 1 }); err == nil {
		t.Fatalf("expected error without a query cache")
	}
}

func TestTrackerRollbackInOrder(t *testing.T) {
	ctx := context.Background()
	qc := newFakeQC()
	tr := NewOptimisticTracker(nil, nil, nil)
	t.Cleanup(func() { _ = tr.Close(ctx) })

	key := QueryKey{"users", "1"}
	_ = qc.SetValue(ctx, key, 1)

	rb, err := tr.Apply(ctx, qc, key, func(old any) any { return old.(int) + 1 })
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	restored, err := rb(ctx)
	if err != nil || !restored {
		t.Fatalf("in-order rollback must restore: restored=%v err=%v", restored, err)
	}
	if v, _, _ := qc.GetValue(ctx, key); v != 1 {
		t.Fatalf("want 1, got %v", v)
	}
}

// TestTrackerRejectsStaleRollback: A then B applied, A fails. Restoring A's
// snapshot would erase B, so the key is invalidated instead.
func TestTrackerRejectsStaleRollback(t *testing.T) {
	ctx := context.Background()
	qc := newFakeQC()
	hooks := &recHooks{}
	tr := NewOptimisticTracker(nil, nil, hooks)
	t.Cleanup(func() { _ = tr.Close(ctx) })

	key := QueryKey{"users", "1"}
	_ = qc.SetValue(ctx, key, "v0")

	rbA, err := tr.Apply(ctx, qc, key, func(any) any { return "A" })
	if err != nil {
		t.Fatalf("apply A: %v", err)
	}
	rbB, err := tr.Apply(ctx, qc, key, func(any) any { return "B" })
	if err != nil {
		t.Fatalf("apply B: %v", err)
	}

	restored, err := rbA(ctx)
	if err != nil {
		t.Fatalf("rollback A: %v", err)
	}
	if restored {
		t.Fatalf("out-of-order rollback must not restore")
	}
	if _, ok, _ := qc.GetValue(ctx, key); ok {
		t.Fatalf("key should be invalidated, not restored to v0")
	}
	if len(hooks.rejected) != 1 {
		t.Fatalf("expected RollbackRejected hook, got %v", hooks.rejected)
	}

	// B is still the latest update, so its rollback is allowed.
	if restored, err := rbB(ctx); err != nil || !restored {
		t.Fatalf("rollback B: restored=%v err=%v", restored, err)
	}
	if v, _, _ := qc.GetValue(ctx, key); v != "A" {
		t.Fatalf("B's snapshot is A, got %v", v)
	}
}

func TestTrackerRollbackIsOneShot(t *testing.T) {
	ctx := context.Background()
	qc := newFakeQC()
	tr := NewOptimisticTracker(nil, nil, nil)
	t.Cleanup(func() { _ = tr.Close(ctx) })

	key := QueryKey{"users", "2"}
	_ = qc.SetValue(ctx, key, "v0")
	rb, _ := tr.Apply(ctx, qc, key, func(any) any { return "v1" })

	if restored, _ := rb(ctx); !restored {
		t.Fatalf("first rollback must restore")
	}
	if restored, _ := rb(ctx); restored {
		t.Fatalf("second call of the same rollback must be refused")
	}
}

func TestTrackerConcurrentAppliesCompose(t *testing.T) {
	ctx := context.Background()
	qc := newFakeQC()
	tr := NewOptimisticTracker(nil, nil, nil)
	t.Cleanup(func() { _ = tr.Close(ctx) })

	key := QueryKey{"users", "count"}
	_ = qc.SetValue(ctx, key, 0)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Apply(ctx, qc, key, func(old any) any { return old.(int) + 1 }); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("apply: %v", err)
	}
	if v, _, _ := qc.GetValue(ctx, key); v != n {
		t.Fatalf("optimistic updates lost: want %d, got %v", n, v)
	}
}
