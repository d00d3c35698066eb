package rendercache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gen "github.com/itellico/cachesync/genstore"
	"github.com/itellico/cachesync/internal/wire"
	pr "github.com/itellico/cachesync/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

type failingGens struct{ gen.GenStore }

func (failingGens) Bump(context.Context, string) (uint64, error) {
	return 0, errors.New("gens down")
}

func newTestCache(t *testing.T, mp pr.Provider, gs gen.GenStore) *Cache {
	t.Helper()
	c, err := New(Options{Namespace: "test", Provider: mp, GenStore: gs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func store(t *testing.T, c *Cache, path string, body string, tags ...string) {
	t.Helper()
	ctx := context.Background()
	obs, err := c.Observe(ctx, path, tags...)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := c.Set(ctx, obs, []byte(body), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

// ==============================
// Tag and path invalidation
// ==============================

func TestSetGetAndTagInvalidation(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	c := newTestCache(t, mp, nil)

	store(t, c, "/admin/users", "users page", "users", "admin-users")
	store(t, c, "/admin/tenants", "tenants page", "tenants")

	if body, ok, err := c.Get(ctx, "/admin/users"); err != nil || !ok || string(body) != "users page" {
		t.Fatalf("Get hit expected: ok=%v err=%v body=%q", ok, err, body)
	}

	if err := c.InvalidateTag(ctx, "admin-users"); err != nil {
		t.Fatalf("InvalidateTag: %v", err)
	}

	if _, ok, err := c.Get(ctx, "/admin/users"); err != nil || ok {
		t.Fatalf("tagged entry must miss after tag invalidation, ok=%v err=%v", ok, err)
	}
	if mp.has(c.entryKey("/admin/users")) {
		t.Fatalf("stale entry should be self-healed on read")
	}
	if _, ok, _ := c.Get(ctx, "/admin/tenants"); !ok {
		t.Fatalf("untagged entry must survive")
	}
}

func TestInvalidatePathDropsEntryImmediately(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	c := newTestCache(t, mp, nil)

	store(t, c, "/api/v1/admin/users", "json")
	if err := c.InvalidatePath(ctx, "/api/v1/admin/users"); err != nil {
		t.Fatalf("InvalidatePath: %v", err)
	}
	if mp.has(c.entryKey("/api/v1/admin/users")) {
		t.Fatalf("path invalidation should delete the entry")
	}
	// idempotent
	if err := c.InvalidatePath(ctx, "/api/v1/admin/users"); err != nil {
		t.Fatalf("second InvalidatePath: %v", err)
	}
}

// TestStaleRenderNotStored: a render observed before an invalidation is never written.
func TestStaleRenderNotStored(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	c := newTestCache(t, mp, nil)

	obs, err := c.Observe(ctx, "/admin/users", "users")
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := c.InvalidateTag(ctx, "users"); err != nil {
		t.Fatalf("InvalidateTag: %v", err)
	}
	if err := c.Set(ctx, obs, []byte("stale"), 0); err != nil {
		t.Fatalf("Set stale: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "/admin/users"); ok {
		t.Fatalf("stale render should not populate cache")
	}

	store(t, c, "/admin/users", "fresh", "users")
	if body, ok, _ := c.Get(ctx, "/admin/users"); !ok || string(body) != "fresh" {
		t.Fatalf("fresh render expected, ok=%v body=%q", ok, body)
	}
}

// TestSharedGenStoreAcrossInstances mirrors two processes sharing generations.
func TestSharedGenStoreAcrossInstances(t *testing.T) {
	ctx := context.Background()
	gs := gen.NewLocalGenStore(0, 0)
	mp := newMemProvider()
	a := newTestCache(t, mp, gs)
	b := newTestCache(t, mp, gs)

	store(t, a, "/admin/users", "v1", "users")
	if err := b.InvalidateTag(ctx, "users"); err != nil {
		t.Fatalf("InvalidateTag: %v", err)
	}
	if _, ok, _ := a.Get(ctx, "/admin/users"); ok {
		t.Fatalf("invalidation by another instance must apply")
	}
}

// ==============================
// Self-heal and failures
// ==============================

func TestSelfHealOnCorruptAndForeign(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	c := newTestCache(t, mp, nil)

	ek := c.entryKey("/x")
	if _, err := mp.Set(ctx, ek, []byte("not-wire-format"), 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := c.Get(ctx, "/x"); err != nil || ok {
		t.Fatalf("corrupt entry should miss, ok=%v err=%v", ok, err)
	}
	if mp.has(ek) {
		t.Fatalf("corrupt entry was not deleted")
	}

	// valid framing but stamped for another path
	raw, err := wire.EncodeEntry([]wire.Stamp{{Key: pathGenKey("/y"), Gen: 0}}, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Set(ctx, ek, raw, 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "/x"); ok {
		t.Fatalf("foreign entry should miss")
	}
	if mp.has(ek) {
		t.Fatalf("foreign entry was not deleted")
	}
}

func TestInvalidateTagReportsGenFailure(t *testing.T) {
	ctx := context.Background()
	gs := failingGens{GenStore: gen.NewLocalGenStore(0, 0)}
	c := newTestCache(t, newMemProvider(), gs)

	if err := c.InvalidateTag(ctx, "users"); err == nil {
		t.Fatalf("expected bump failure to surface")
	}
	if err := c.InvalidateTag(ctx, ""); err == nil {
		t.Fatalf("expected error on empty tag")
	}
}

func TestGetOrRenderCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemProvider(), nil)

	calls := 0
	render := func(context.Context) ([]byte, error) {
		calls++
		return []byte("page"), nil
	}
	for i := 0; i < 3; i++ {
		if _, err := c.GetOrRender(ctx, "/admin/users", []string{"users"}, 0, render); err != nil {
			t.Fatalf("GetOrRender: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one render, got %d", calls)
	}
	_ = c.InvalidateTag(ctx, "users")
	if _, err := c.GetOrRender(ctx, "/admin/users", []string{"users"}, 0, render); err != nil {
		t.Fatalf("GetOrRender: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected re-render after invalidation, got %d", calls)
	}
}
