package changeset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/realtime"
	"github.com/itellico/cachesync/store"
	"github.com/itellico/cachesync/store/memory"
)

type recInvalidator struct {
	mu   sync.Mutex
	reqs []cachesync.Request
}

func (r *recInvalidator) Invalidate(_ context.Context, req cachesync.Request) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
}

func (r *recInvalidator) calls() []cachesync.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cachesync.Request(nil), r.reqs...)
}

type recPublisher struct {
	mu   sync.Mutex
	msgs []realtime.Message
}

func (p *recPublisher) PublishChange(_ context.Context, msg realtime.Message) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *recPublisher) types() []realtime.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]realtime.EventType, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

type mapQC struct {
	mu   sync.Mutex
	vals map[string]any
}

func newMapQC() *mapQC { return &mapQC{vals: make(map[string]any)} }

func (q *mapQC) Invalidate(_ context.Context, key cachesync.QueryKey) error {
	q.mu.Lock()
	delete(q.vals, key.String())
	q.mu.Unlock()
	return nil
}

func (q *mapQC) RefetchActive(context.Context, cachesync.QueryKey) error { return nil }

func (q *mapQC) SetValue(_ context.Context, key cachesync.QueryKey, v any) error {
	q.mu.Lock()
	q.vals[key.String()] = v
	q.mu.Unlock()
	return nil
}

func (q *mapQC) GetValue(_ context.Context, key cachesync.QueryKey) (any, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.vals[key.String()]
	return v, ok, nil
}

// racingStore lets another writer in before every patch.
type racingStore struct{ *memory.Store }

func (s racingStore) Patch(ctx context.Context, t, id string, changes map[string]any, v int64) (*store.PatchResult, error) {
	if e, err := s.FindByKey(ctx, t, id); err == nil {
		e.Version++
		s.Put(*e)
	}
	return s.Store.Patch(ctx, t, id, changes, v)
}

type brokenStore struct{ *memory.Store }

func (brokenStore) Patch(context.Context, string, string, map[string]any, int64) (*store.PatchResult, error) {
	return nil, errors.New("connection reset")
}

// racesFor lets another writer in before the first n patches only.
type racesFor struct {
	racingStore
	n *atomic.Int32
}

func (s racesFor) Patch(ctx context.Context, t, id string, changes map[string]any, v int64) (*store.PatchResult, error) {
	if s.n.Add(-1) >= 0 {
		return s.racingStore.Patch(ctx, t, id, changes, v)
	}
	return s.Store.Patch(ctx, t, id, changes, v)
}

// cancelAfterWrite cancels the caller's context once a patch is durable.
type cancelAfterWrite struct {
	*memory.Store
	cancel func()
}

func (s *cancelAfterWrite) Patch(ctx context.Context, t, id string, changes map[string]any, v int64) (*store.PatchResult, error) {
	res, err := s.Store.Patch(ctx, t, id, changes, v)
	if s.cancel != nil {
		s.cancel()
	}
	return res, err
}

// ctxRepo refuses calls once ctx is done, like a networked repository.
type ctxRepo struct{ *MemoryRepository }

func (r ctxRepo) Insert(ctx context.Context, cs *ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryRepository.Insert(ctx, cs)
}

func (r ctxRepo) Update(ctx context.Context, cs *ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryRepository.Update(ctx, cs)
}

func (r ctxRepo) Get(ctx context.Context, id string) (*ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.MemoryRepository.Get(ctx, id)
}

// slowStore records how many change sets of the entity are PROCESSING
// while a patch is in flight.
type slowStore struct {
	*memory.Store
	repo  *MemoryRepository
	delay time.Duration
	max   atomic.Int32
}

func (s *slowStore) Patch(ctx context.Context, t, id string, changes map[string]any, v int64) (*store.PatchResult, error) {
	n := int32(s.repo.processing(t, id))
	for {
		cur := s.max.Load()
		if n <= cur || s.max.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return s.Store.Patch(ctx, t, id, changes, v)
}

type fixture struct {
	store *memory.Store
	repo  *MemoryRepository
	inv   *recInvalidator
	pub   *recPublisher
	opts  Options
	m     *Manager
}

func newFixture(t *testing.T, wrap func(*memory.Store, *MemoryRepository) store.Store) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		repo:  NewMemoryRepository(),
		inv:   &recInvalidator{},
		pub:   &recPublisher{},
	}
	var st store.Store = f.store
	if wrap != nil {
		st = wrap(f.store, f.repo)
	}
	var (
		clockMu sync.Mutex
		clock   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		seq     int
	)
	f.opts = Options{
		Store:       st,
		Repository:  f.repo,
		Invalidator: f.inv,
		Publisher:   f.pub,
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			clockMu.Lock()
			defer clockMu.Unlock()
			seq++
			return fmt.Sprintf("cs-%d", seq)
		},
	}
	f.useRepository(t, f.repo)
	return f
}

// useRepository rebuilds the manager over r; f.repo stays the backing store.
func (f *fixture) useRepository(t *testing.T, r Repository) {
	t.Helper()
	f.opts.Repository = r
	m, err := NewManager(f.opts)
	require.NoError(t, err)
	f.m = m
}

func (f *fixture) seed(version int64, data map[string]any) {
	f.store.Put(store.Entity{Type: "user", ID: "42", Version: version, Data: data})
}

func (f *fixture) entity(t *testing.T) *store.Entity {
	t.Helper()
	e, err := f.store.FindByKey(context.Background(), "user", "42")
	require.NoError(t, err)
	return e
}

func TestNewManagerNeedsStore(t *testing.T) {
	_, err := NewManager(Options{})
	require.Error(t, err)
}

func TestProposeCommits(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(5, map[string]any{"name": "old"})
	qc := newMapQC()
	key := cachesync.QueryKey{"admin", "users", "42"}
	require.NoError(t, qc.SetValue(context.Background(), key, "old"))

	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "new"}, ProposeOptions{
		Version: 5,
		Optimistic: &Optimistic{
			Cache:  qc,
			Key:    key,
			Update: func(any) any { return "new" },
		},
	})
	require.NoError(t, err)

	assert.Equal(t, LevelCommitted, cs.Level)
	assert.Equal(t, StatusApplied, cs.Status)
	assert.Equal(t, int64(6), cs.CommittedVersion)
	assert.Equal(t, map[string]any{"name": "old"}, cs.OldValues)
	assert.Equal(t, map[string]any{"name": "new"}, cs.NewValues)
	assert.EqualValues(t, 5, cs.Metadata[MetaVersion])
	require.NotNil(t, cs.AppliedAt)

	assert.Equal(t, int64(6), f.entity(t).Version)
	assert.Equal(t, "new", f.entity(t).Data["name"])

	v, _, _ := qc.GetValue(context.Background(), key)
	assert.Equal(t, "new", v, "optimistic value stays after commit")

	reqs := f.inv.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, cachesync.Request{EntityType: "user", EntityID: "42", Operation: cachesync.OpUpdate}, reqs[0])
	assert.Equal(t, []realtime.EventType{realtime.EntityUpdated, realtime.ChangeCommitted}, f.pub.types())

	stored, err := f.m.Get(context.Background(), cs.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, stored.Status)
}

func TestProposeConflictRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(6, map[string]any{"name": "theirs"})
	qc := newMapQC()
	key := cachesync.QueryKey{"admin", "users", "42"}
	require.NoError(t, qc.SetValue(context.Background(), key, "before"))

	var seen []Conflict
	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "mine"}, ProposeOptions{
		Version:    5,
		Optimistic: &Optimistic{Cache: qc, Key: key, Update: func(any) any { return "mine" }},
		OnConflict: func(c Conflict) { seen = append(seen, c) },
	})
	require.Error(t, err)
	ce, ok := cachesync.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(6), ce.CurrentVersion)

	assert.Equal(t, StatusConflicted, cs.Status)
	require.NotNil(t, cs.Conflict)
	assert.Equal(t, int64(6), cs.Conflict.CurrentVersion)
	assert.Equal(t, "theirs", cs.Conflict.Current["name"])

	require.Len(t, seen, 1)
	assert.Equal(t, map[string]any{"name": "mine"}, seen[0].Incoming)
	assert.Equal(t, map[string]any{"name": "theirs"}, seen[0].Current)

	assert.Empty(t, f.inv.calls(), "no invalidation on conflict")
	assert.Equal(t, []realtime.EventType{realtime.ConflictDetected}, f.pub.types())
	v, _, _ := qc.GetValue(context.Background(), key)
	assert.Equal(t, "before", v)
	assert.Equal(t, "theirs", f.entity(t).Data["name"])
}

func TestProposeResolveRetriesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(6, map[string]any{"name": "theirs", "age": 30})

	calls := 0
	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "mine"}, ProposeOptions{
		Version: 5,
		Resolve: func(c Conflict) (map[string]any, bool) {
			calls++
			return map[string]any{"name": "merged"}, true
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusApplied, cs.Status)
	assert.Equal(t, int64(7), cs.CommittedVersion)
	assert.Equal(t, map[string]any{"name": "mine"}, cs.Metadata[MetaIncoming])
	assert.Equal(t, "merged", f.entity(t).Data["name"])
	assert.Len(t, f.inv.calls(), 1)
}

func TestProposeSecondConflictSurfaces(t *testing.T) {
	f := newFixture(t, func(s *memory.Store, _ *MemoryRepository) store.Store { return racingStore{s} })
	f.seed(1, map[string]any{"name": "a"})

	calls := 0
	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "b"}, ProposeOptions{
		Version: 1,
		Resolve: func(Conflict) (map[string]any, bool) {
			calls++
			return map[string]any{"name": "b"}, true
		},
	})
	require.True(t, cachesync.IsConflict(err))
	assert.Equal(t, 1, calls, "exactly one automatic retry")
	assert.Equal(t, StatusConflicted, cs.Status)
	assert.Empty(t, f.inv.calls())
}

func TestProposeStoreFailure(t *testing.T) {
	f := newFixture(t, func(s *memory.Store, _ *MemoryRepository) store.Store { return brokenStore{s} })
	f.seed(1, map[string]any{"name": "a"})
	qc := newMapQC()
	key := cachesync.QueryKey{"users", "42"}

	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "b"}, ProposeOptions{
		Version:    1,
		Optimistic: &Optimistic{Cache: qc, Key: key, Update: func(any) any { return "b" }},
	})
	var se *cachesync.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, LevelOptimistic, cs.Level)
	assert.Equal(t, StatusRejected, cs.Status)
	assert.Contains(t, cs.Reason, "connection reset")
	assert.Contains(t, cs.Metadata[MetaLastError], "connection reset")

	stored, err := f.repo.Get(context.Background(), cs.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)
	assert.Equal(t, []realtime.EventType{realtime.ChangeRejected}, f.pub.types())

	_, had, _ := qc.GetValue(context.Background(), key)
	assert.False(t, had, "uncached key is dropped again")
	assert.Empty(t, f.inv.calls())
}

func TestApplyStoreFailureKeepsApproved(t *testing.T) {
	f := newFixture(t, func(s *memory.Store, _ *MemoryRepository) store.Store { return brokenStore{s} })
	f.seed(1, map[string]any{"name": "a"})
	ctx := context.Background()

	cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "b"}, ProposeOptions{Version: 1, RequireApproval: true})
	require.NoError(t, err)
	_, err = f.m.Approve(ctx, cs.ID, false)
	require.NoError(t, err)

	got, err := f.m.Apply(ctx, cs.ID)
	var se *cachesync.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusApproved, got.Status, "approved change can be applied again")
	assert.Contains(t, got.Metadata[MetaLastError], "connection reset")
	assert.Empty(t, f.pub.types())
}

func TestCommitRecordedAfterCallerCancels(t *testing.T) {
	st := &cancelAfterWrite{}
	f := newFixture(t, func(s *memory.Store, _ *MemoryRepository) store.Store { st.Store = s; return st })
	f.useRepository(t, ctxRepo{f.repo})
	f.seed(1, map[string]any{"name": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.cancel = cancel
	cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "b"}, ProposeOptions{Version: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.entity(t).Version)

	stored, err := f.repo.Get(context.Background(), cs.ID)
	require.NoError(t, err)
	assert.Equal(t, LevelCommitted, stored.Level)
	assert.Equal(t, StatusApplied, stored.Status)
	assert.Zero(t, f.repo.processing("user", "42"))
	assert.Len(t, f.inv.calls(), 1)

	// a cancelled rollback still closes the original
	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()
	st.cancel = rcancel
	comp, err := f.m.Rollback(rctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, comp.Status)
	assert.Equal(t, "a", f.entity(t).Data["name"])

	orig, err := f.repo.Get(context.Background(), cs.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, orig.Status)
	assert.Zero(t, f.repo.processing("user", "42"))
}

func TestProposeValidation(t *testing.T) {
	f := newFixture(t, nil)
	qc := newMapQC()
	applied := false
	opt := &Optimistic{Cache: qc, Key: cachesync.QueryKey{"x"}, Update: func(any) any { applied = true; return 1 }}

	cases := map[string]struct {
		typ, id string
		changes map[string]any
		field   string
	}{
		"no type":    {"", "1", map[string]any{"a": 1}, "entityType"},
		"blank id":   {"user", "  ", map[string]any{"a": 1}, "entityId"},
		"no changes": {"user", "1", map[string]any{}, "changes"},
		"empty key":  {"user", "1", map[string]any{"": 1}, "changes[]"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cs, err := f.m.Propose(context.Background(), tc.typ, tc.id, tc.changes, ProposeOptions{Optimistic: opt})
			require.True(t, cachesync.IsValidation(err), "got %v", err)
			assert.Nil(t, cs)
			var ve *cachesync.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	assert.False(t, applied)
	_, total, err := f.m.GetHistory(context.Background(), "user", "1", HistoryOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestProposeCreate(t *testing.T) {
	f := newFixture(t, nil)
	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "a"}, ProposeOptions{
		Operation: cachesync.OpCreate,
		TenantID:  "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cs.CommittedVersion)
	assert.Equal(t, map[string]any{"name": nil}, cs.OldValues)
	e := f.entity(t)
	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, cachesync.OpCreate, f.inv.calls()[0].Operation)

	_, err = f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "b"}, ProposeOptions{Operation: cachesync.OpCreate})
	assert.True(t, cachesync.IsConflict(err))
}

func TestVersionMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(1, map[string]any{"n": 0})
	for i := 1; i <= 5; i++ {
		cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"n": i}, ProposeOptions{Version: int64(i)})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), cs.CommittedVersion)
	}
	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"n": 99}, ProposeOptions{Version: 3})
	require.True(t, cachesync.IsConflict(err))
	assert.NotEqual(t, StatusApplied, cs.Status)
	assert.Equal(t, int64(6), f.entity(t).Version)
}

func TestAtMostOneProcessing(t *testing.T) {
	var slow *slowStore
	f := newFixture(t, func(s *memory.Store, r *MemoryRepository) store.Store {
		slow = &slowStore{Store: s, repo: r, delay: 5 * time.Millisecond}
		return slow
	})
	f.seed(1, map[string]any{"n": 0})

	const n = 8
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"n": i}, ProposeOptions{Version: 1})
			if err == nil && cs.Status == StatusApplied {
				applied.Add(1)
				return
			}
			assert.True(t, cachesync.IsConflict(err), "unexpected error %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), slow.max.Load())
	assert.Equal(t, int32(1), applied.Load(), "one writer wins against version 1")
	assert.Equal(t, int64(2), f.entity(t).Version)
	assert.Zero(t, f.repo.processing("user", "42"))
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(1, map[string]any{"name": "a"})
	ctx := context.Background()

	cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "b"}, ProposeOptions{Version: 1, RequireApproval: true})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cs.Status)
	assert.Equal(t, true, cs.Metadata[MetaRequireApproval])
	assert.Equal(t, int64(1), f.entity(t).Version, "nothing applied before approval")

	approved, err := f.m.Approve(ctx, cs.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Empty(t, f.inv.calls())

	_, err = f.m.Approve(ctx, cs.ID, false)
	assert.ErrorIs(t, err, cachesync.ErrInvalidState)

	applied, err := f.m.Apply(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, applied.Status)
	assert.Equal(t, "b", f.entity(t).Data["name"])
	assert.Len(t, f.inv.calls(), 1)

	_, err = f.m.Apply(ctx, cs.ID)
	assert.ErrorIs(t, err, cachesync.ErrInvalidState)
}

func TestApproveImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(1, map[string]any{"name": "a"})
	ctx := context.Background()

	cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "b"}, ProposeOptions{Version: 1, RequireApproval: true})
	require.NoError(t, err)
	done, err := f.m.Approve(ctx, cs.ID, true)
	require.NoError(t, err)
	assert.Equal(t, LevelCommitted, done.Level)
	assert.Equal(t, StatusApplied, done.Status)
	assert.Equal(t, []realtime.EventType{realtime.EntityUpdated, realtime.ChangeCommitted}, f.pub.types())
}

func TestApproveNeedsApprovalFlag(t *testing.T) {
	f := newFixture(t, func(s *memory.Store, _ *MemoryRepository) store.Store { return brokenStore{s} })
	f.seed(1, map[string]any{"name": "a"})
	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "b"}, ProposeOptions{Version: 1})
	require.Error(t, err)
	_, err = f.m.Approve(context.Background(), cs.ID, true)
	assert.ErrorIs(t, err, cachesync.ErrInvalidState)
}

func TestReject(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(1, map[string]any{"name": "a"})
	ctx := context.Background()

	cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "b"}, ProposeOptions{Version: 1, RequireApproval: true})
	require.NoError(t, err)
	rejected, err := f.m.Reject(ctx, cs.ID, "not allowed")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "not allowed", rejected.Reason)
	assert.Equal(t, []realtime.EventType{realtime.ChangeRejected}, f.pub.types())
	assert.Equal(t, "a", f.entity(t).Data["name"])

	_, err = f.m.Approve(ctx, cs.ID, true)
	assert.ErrorIs(t, err, cachesync.ErrInvalidState)
	_, err = f.m.Reject(ctx, cs.ID, "again")
	assert.ErrorIs(t, err, cachesync.ErrInvalidState)

	_, err = f.m.Reject(ctx, "missing", "x")
	assert.True(t, cachesync.IsNotFound(err))
}

func TestRollbackRestoresChangedFields(t *testing.T) {
	f := newFixture(t, nil)
	before := map[string]any{"name": "a", "age": 30}
	f.seed(1, before)
	ctx := context.Background()

	cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "b", "nick": "bee"}, ProposeOptions{Version: 1})
	require.NoError(t, err)

	comp, err := f.m.Rollback(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, cs.ID, comp.RollbackOf)
	assert.Equal(t, StatusApplied, comp.Status)
	assert.Equal(t, before, f.entity(t).Data)
	assert.Equal(t, int64(3), f.entity(t).Version)

	orig, err := f.m.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, orig.Status)
	assert.Len(t, f.inv.calls(), 2, "rollback re-runs invalidation")

	_, err = f.m.Rollback(ctx, cs.ID)
	assert.ErrorIs(t, err, cachesync.ErrInvalidState)

	items, total, err := f.m.GetHistory(ctx, "user", "42", HistoryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, cs.ID, items[0].ID)

	items, total, err = f.m.GetHistory(ctx, "user", "42", HistoryOptions{IncludeRollbacks: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, comp.ID, items[0].ID, "newest first")
}

func TestRollbackAfterLaterChangeConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(1, map[string]any{"name": "a"})
	ctx := context.Background()

	first, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "b"}, ProposeOptions{Version: 1})
	require.NoError(t, err)
	_, err = f.m.Propose(ctx, "user", "42", map[string]any{"age": 1}, ProposeOptions{Version: 2})
	require.NoError(t, err)

	comp, err := f.m.Rollback(ctx, first.ID)
	require.True(t, cachesync.IsConflict(err))
	assert.Equal(t, StatusConflicted, comp.Status)

	orig, _ := f.m.Get(ctx, first.ID)
	assert.Equal(t, StatusApplied, orig.Status)

	_, err = f.m.ResolveConflict(ctx, comp.ID, Resolution{Kind: AcceptIncoming})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "a", "age": 1}, f.entity(t).Data)
	orig, _ = f.m.Get(ctx, first.ID)
	assert.Equal(t, StatusRolledBack, orig.Status)
}

func conflicted(t *testing.T, f *fixture) *ChangeSet {
	t.Helper()
	f.seed(6, map[string]any{"name": "theirs", "role": "admin"})
	cs, err := f.m.Propose(context.Background(), "user", "42", map[string]any{"name": "mine", "role": "user"}, ProposeOptions{Version: 5})
	require.True(t, cachesync.IsConflict(err))
	return cs
}

func TestResolveConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("accept current", func(t *testing.T) {
		f := newFixture(t, nil)
		cs := conflicted(t, f)
		out, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: AcceptCurrent})
		require.NoError(t, err)
		assert.Equal(t, StatusApplied, out.Status)
		assert.Equal(t, map[string]any{"name": "theirs", "role": "admin"}, f.entity(t).Data)
		assert.Equal(t, string(AcceptCurrent), out.Metadata[MetaResolution])
	})

	t.Run("accept incoming", func(t *testing.T) {
		f := newFixture(t, nil)
		cs := conflicted(t, f)
		out, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: AcceptIncoming})
		require.NoError(t, err)
		assert.Equal(t, int64(7), out.CommittedVersion)
		assert.Equal(t, map[string]any{"name": "mine", "role": "user"}, f.entity(t).Data)
	})

	t.Run("merge", func(t *testing.T) {
		f := newFixture(t, nil)
		cs := conflicted(t, f)
		_, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: Merge})
		require.True(t, cachesync.IsValidation(err))

		out, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: Merge, Changes: map[string]any{"name": "mine"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "mine"}, out.Changes)
		assert.Equal(t, map[string]any{"name": "mine", "role": "user"}, out.Metadata[MetaIncoming])
		assert.Equal(t, map[string]any{"name": "mine", "role": "admin"}, f.entity(t).Data)
	})

	t.Run("manual", func(t *testing.T) {
		f := newFixture(t, nil)
		cs := conflicted(t, f)
		out, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: Manual})
		require.NoError(t, err)
		assert.Equal(t, StatusConflicted, out.Status)
		assert.Equal(t, string(Manual), out.Metadata[MetaResolution])
		assert.Equal(t, int64(6), f.entity(t).Version)
	})

	t.Run("retry reads latest version", func(t *testing.T) {
		f := newFixture(t, nil)
		cs := conflicted(t, f)
		e := f.entity(t)
		e.Version = 9
		f.store.Put(*e)

		out, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: Retry})
		require.NoError(t, err)
		assert.Equal(t, int64(10), out.CommittedVersion)
	})

	t.Run("stale resolution conflicts again", func(t *testing.T) {
		f := newFixture(t, nil)
		cs := conflicted(t, f)
		e := f.entity(t)
		e.Version = 9
		f.store.Put(*e)

		out, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: AcceptIncoming})
		require.True(t, cachesync.IsConflict(err))
		assert.Equal(t, StatusConflicted, out.Status)
		assert.Equal(t, int64(9), out.Conflict.CurrentVersion)
	})

	t.Run("not conflicted", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed(1, map[string]any{"name": "a"})
		cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "b"}, ProposeOptions{Version: 1})
		require.NoError(t, err)
		_, err = f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: AcceptIncoming})
		assert.ErrorIs(t, err, cachesync.ErrInvalidState)
	})

	t.Run("unknown kind", func(t *testing.T) {
		f := newFixture(t, nil)
		cs := conflicted(t, f)
		_, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: "SHRUG"})
		assert.True(t, cachesync.IsValidation(err))
	})
}

func TestAcceptIncomingAfterAutoResolve(t *testing.T) {
	races := &atomic.Int32{}
	races.Store(2)
	f := newFixture(t, func(s *memory.Store, _ *MemoryRepository) store.Store { return racesFor{racingStore{s}, races} })
	f.seed(5, map[string]any{"name": "theirs", "role": "admin"})
	ctx := context.Background()

	var seen map[string]any
	cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"name": "mine", "role": "user"}, ProposeOptions{
		Version:    5,
		OnConflict: func(c Conflict) { seen = c.Incoming },
		Resolve: func(Conflict) (map[string]any, bool) {
			return map[string]any{"name": "merged"}, true
		},
	})
	require.True(t, cachesync.IsConflict(err))
	assert.Equal(t, map[string]any{"name": "merged"}, cs.Changes)

	out, err := f.m.ResolveConflict(ctx, cs.ID, Resolution{Kind: AcceptIncoming})
	require.NoError(t, err)
	assert.Equal(t, seen, out.Changes)
	assert.Equal(t, map[string]any{"name": "mine", "role": "user"}, f.entity(t).Data)
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(1, map[string]any{"n": 0})
	ctx := context.Background()
	var ids []string
	for i := 1; i <= 5; i++ {
		cs, err := f.m.Propose(ctx, "user", "42", map[string]any{"n": i}, ProposeOptions{Version: int64(i)})
		require.NoError(t, err)
		ids = append(ids, cs.ID)
	}

	items, total, err := f.m.GetHistory(ctx, "user", "42", HistoryOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, ids[3], items[0].ID)
	assert.Equal(t, ids[2], items[1].ID)

	items, total, err = f.m.GetHistory(ctx, "user", "42", HistoryOptions{Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, items)
}

func TestHistoryTiesFollowInsertOrder(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{"z", "a", "m"}
	for _, id := range ids {
		require.NoError(t, r.Insert(ctx, &ChangeSet{
			ID: id, EntityType: "user", EntityID: "42", Operation: cachesync.OpUpdate,
			Level: LevelOptimistic, Status: StatusPending, Changes: map[string]any{"n": id}, CreatedAt: created,
		}))
	}
	items, _, err := r.History(ctx, "user", "42", HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"m", "a", "z"}, []string{items[0].ID, items[1].ID, items[2].ID})
}

func TestParseResolutionKind(t *testing.T) {
	k, err := ParseResolutionKind("MERGE")
	require.NoError(t, err)
	assert.Equal(t, Merge, k)
	_, err = ParseResolutionKind("merge")
	assert.True(t, cachesync.IsValidation(err))
}
