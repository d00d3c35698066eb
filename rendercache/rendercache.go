// Package rendercache is a server-side computed-output cache addressed by
// path and tag.
//
// Every entry is framed with the generation of its path and of each of its
// tags at the time it was rendered. InvalidateTag and InvalidatePath bump
// those generations in a GenStore; an entry whose recorded generations no
// longer match is stale, it is dropped on read and never served. With a
// Redis GenStore an invalidation issued by one process applies to all of them.
//
// Write pattern (CAS):
//
//	obs, _ := rc.Observe(ctx, "/admin/users", "users", "admin-users")  // before rendering
//	body := render()
//	_ = rc.Set(ctx, obs, body, 0)                                       // stored iff nothing moved
package rendercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itellico/cachesync"
	gen "github.com/itellico/cachesync/genstore"
	"github.com/itellico/cachesync/internal/util"
	"github.com/itellico/cachesync/internal/wire"
	pr "github.com/itellico/cachesync/provider"
)

const defaultTTL = 5 * time.Minute

// Options tune a render cache. Only Namespace and Provider are required.
type Options struct {
	Namespace string // e.g. "app:prod"
	Provider  pr.Provider

	GenStore       gen.GenStore // nil => in-process generations
	DefaultTTL     time.Duration
	Logger         cachesync.Logger
	ComputeSetCost func(key string, raw []byte) int64 // default len(raw)
	Disabled       bool
}

// Cache implements cachesync.RenderCache.
type Cache struct {
	ns       string
	provider pr.Provider
	gen      gen.GenStore
	ownsGen  bool
	ttl      time.Duration
	log      cachesync.Logger
	cost     func(string, []byte) int64
	enabled  bool
}

var _ cachesync.RenderCache = (*Cache)(nil)

// Observed is a snapshot of the generations a render depends on.
type Observed struct {
	Path string
	Tags []string
	gens map[string]uint64
}

func New(opts Options) (*Cache, error) {
	if opts.Provider == nil {
		return nil, errors.New("rendercache: provider is required")
	}
	if opts.Namespace == "" {
		return nil, errors.New("rendercache: namespace is required")
	}
	c := &Cache{
		ns:       opts.Namespace,
		provider: opts.Provider,
		gen:      opts.GenStore,
		ttl:      opts.DefaultTTL,
		log:      opts.Logger,
		cost:     opts.ComputeSetCost,
		enabled:  !opts.Disabled,
	}
	if c.gen == nil {
		c.gen = gen.NewLocalGenStore(time.Hour, 30*24*time.Hour)
		c.ownsGen = true
	}
	if c.ttl <= 0 {
		c.ttl = defaultTTL
	}
	if c.log == nil {
		c.log = cachesync.NopLogger{}
	}
	if c.cost == nil {
		c.cost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	return c, nil
}

func (c *Cache) Enabled() bool { return c.enabled }

func (c *Cache) entryKey(path string) string { return "render:" + c.ns + ":" + path }
func pathGenKey(path string) string          { return "path:" + path }
func tagGenKey(tag string) string            { return "tag:" + tag }

func stampKeys(path string, tags []string) []string {
	keys := make([]string, 0, len(tags)+1)
	keys = append(keys, pathGenKey(path))
	for _, t := range util.Dedupe(tags) {
		keys = append(keys, tagGenKey(t))
	}
	return keys
}

// Observe snapshots the generations of path and tags. Call it before rendering.
func (c *Cache) Observe(ctx context.Context, path string, tags ...string) (Observed, error) {
	keys := stampKeys(path, tags)
	gens, err := c.gen.SnapshotMany(ctx, keys)
	if err != nil {
		return Observed{}, fmt.Errorf("rendercache: snapshot: %w", err)
	}
	return Observed{Path: path, Tags: util.Dedupe(tags), gens: gens}, nil
}

// Set stores body iff no generation in obs moved since Observe.
// A skipped stale write is not an error.
func (c *Cache) Set(ctx context.Context, obs Observed, body []byte, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if obs.gens == nil {
		return errors.New("rendercache: Set needs an Observed from Observe")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	keys := stampKeys(obs.Path, obs.Tags)
	cur, err := c.gen.SnapshotMany(ctx, keys)
	if err != nil {
		return fmt.Errorf("rendercache: snapshot: %w", err)
	}
	stamps := make([]wire.Stamp, 0, len(keys))
	for _, k := range keys {
		if cur[k] != obs.gens[k] {
			c.log.Debug("render set skipped (gen moved)", cachesync.Fields{"path": obs.Path, "stamp": k})
			return nil
		}
		stamps = append(stamps, wire.Stamp{Key: k, Gen: obs.gens[k]})
	}

	raw, err := wire.EncodeEntry(stamps, body)
	if err != nil {
		return err
	}
	ek := c.entryKey(obs.Path)
	ok, err := c.provider.Set(ctx, ek, raw, c.cost(ek, raw), ttl)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug("render set rejected by provider (pressure)", cachesync.Fields{"path": obs.Path})
	}
	return nil
}

// Get returns the cached render for path. Corrupt or stale entries are
// deleted and reported as a miss.
func (c *Cache) Get(ctx context.Context, path string) ([]byte, bool, error) {
	if !c.enabled {
		return nil, false, nil
	}
	ek := c.entryKey(path)
	raw, ok, err := c.provider.Get(ctx, ek)
	if err != nil || !ok {
		return nil, false, err
	}
	stamps, body, err := wire.DecodeEntry(raw)
	if err != nil {
		c.selfHeal(ctx, ek, path, "corrupt")
		return nil, false, nil
	}
	if len(stamps) == 0 || stamps[0].Key != pathGenKey(path) {
		c.selfHeal(ctx, ek, path, "foreign")
		return nil, false, nil
	}
	keys := make([]string, len(stamps))
	for i, s := range stamps {
		keys[i] = s.Key
	}
	cur, err := c.gen.SnapshotMany(ctx, keys)
	if err != nil {
		// without generations freshness cannot be proven; treat as miss
		c.log.Warn("render gen snapshot error", cachesync.Fields{"path": path, "err": err})
		return nil, false, nil
	}
	for _, s := range stamps {
		if cur[s.Key] != s.Gen {
			c.selfHeal(ctx, ek, path, "gen_mismatch")
			return nil, false, nil
		}
	}
	return body, true, nil
}

func (c *Cache) selfHeal(ctx context.Context, entryKey, path, reason string) {
	_ = c.provider.Del(ctx, entryKey)
	c.log.Debug("render entry dropped", cachesync.Fields{"path": path, "reason": reason})
}

// GetOrRender serves path from cache or renders, stores and returns it.
func (c *Cache) GetOrRender(ctx context.Context, path string, tags []string, ttl time.Duration,
	render func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if body, ok, err := c.Get(ctx, path); err == nil && ok {
		return body, nil
	}
	obs, err := c.Observe(ctx, path, tags...)
	if err != nil {
		return render(ctx)
	}
	body, err := render(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, obs, body, ttl); err != nil {
		c.log.Warn("render set failed", cachesync.Fields{"path": path, "err": err})
	}
	return body, nil
}

// InvalidateTag makes every entry rendered under tag stale.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) error {
	if tag == "" {
		return errors.New("rendercache: empty tag")
	}
	g, err := c.gen.Bump(ctx, tagGenKey(tag))
	if err != nil {
		return fmt.Errorf("rendercache: bump tag %q: %w", tag, err)
	}
	c.log.Debug("render tag invalidated", cachesync.Fields{"tag": tag, "gen": g})
	return nil
}

// InvalidatePath bumps the path generation and drops the entry right away.
func (c *Cache) InvalidatePath(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("rendercache: empty path")
	}
	g, bumpErr := c.gen.Bump(ctx, pathGenKey(path))
	delErr := c.provider.Del(ctx, c.entryKey(path))
	if bumpErr != nil && delErr != nil {
		return fmt.Errorf("rendercache: invalidate path %q: %w", path, errors.Join(bumpErr, delErr))
	}
	if bumpErr != nil {
		// entry is gone; only renders observed before this call can come back
		c.log.Warn("render path gen bump failed", cachesync.Fields{"path": path, "err": bumpErr})
		return fmt.Errorf("rendercache: bump path %q: %w", path, bumpErr)
	}
	c.log.Debug("render path invalidated", cachesync.Fields{"path": path, "gen": g})
	return nil
}

// Close releases the provider and, when it was created by New, the generation store.
func (c *Cache) Close(ctx context.Context) error {
	if c.ownsGen {
		_ = c.gen.Close(ctx)
	}
	return c.provider.Close(ctx)
}
