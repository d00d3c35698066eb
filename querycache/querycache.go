// Package querycache is a client-held cache of query results keyed by
// hierarchical query keys, on top of viccon/sturdyc.
//
// A key invalidates every key it prefixes on segment boundaries:
// ["admin","users"] covers ["admin","users","42"] but not ["admin-users"].
// Queries read through Query are registered as active; Invalidate marks them
// stale and drops their values, RefetchActive re-runs their fetchers.
package querycache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/viccon/sturdyc"
	"golang.org/x/sync/errgroup"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/internal/util"
)

// Fetcher loads the value of one query from the server.
type Fetcher func(ctx context.Context) (any, error)

type Config struct {
	Capacity           int           // 0 => 10000
	NumShards          int           // 0 => 64
	TTL                time.Duration // 0 => 5m
	EvictionPercentage int           // 0 => 10
	RefetchWorkers     int           // 0 => 4
	Logger             cachesync.Logger
}

type activeQuery struct {
	fetch Fetcher
	refs  int
	stale bool
}

// Cache implements cachesync.QueryCache.
type Cache struct {
	client  *sturdyc.Client[any]
	workers int
	log     cachesync.Logger

	mu     sync.Mutex
	active map[string]*activeQuery
}

var _ cachesync.QueryCache = (*Cache)(nil)

func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = 64
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.EvictionPercentage <= 0 || cfg.EvictionPercentage > 100 {
		cfg.EvictionPercentage = 10
	}
	if cfg.RefetchWorkers <= 0 {
		cfg.RefetchWorkers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = cachesync.NopLogger{}
	}
	return &Cache{
		client:  sturdyc.New[any](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage),
		workers: cfg.RefetchWorkers,
		log:     cfg.Logger,
		active:  make(map[string]*activeQuery),
	}
}

// Query returns the cached value for key, fetching it on miss, and registers
// fetch as the active query for key until the returned release is called.
// Concurrent misses for one key share a single fetch.
func (c *Cache) Query(ctx context.Context, key cachesync.QueryKey, fetch Fetcher) (v any, release func(), err error) {
	if len(key) == 0 {
		return nil, nil, errors.New("querycache: empty key")
	}
	if fetch == nil {
		return nil, nil, errors.New("querycache: nil fetcher")
	}
	flat := key.String()

	c.mu.Lock()
	aq, ok := c.active[flat]
	if !ok {
		aq = &activeQuery{}
		c.active[flat] = aq
	}
	aq.fetch = fetch
	aq.refs++
	c.mu.Unlock()

	var once sync.Once
	release = func() { once.Do(func() { c.release(flat) }) }

	v, err = c.client.GetOrFetch(ctx, flat, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return nil, release, err
	}
	c.mu.Lock()
	aq.stale = false
	c.mu.Unlock()
	return v, release, nil
}

func (c *Cache) release(flat string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	aq, ok := c.active[flat]
	if !ok {
		return
	}
	aq.refs--
	if aq.refs <= 0 {
		delete(c.active, flat)
	}
}

// IsStale reports whether the active query for key was invalidated and has
// not been read or refetched since.
func (c *Cache) IsStale(key cachesync.QueryKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	aq, ok := c.active[key.String()]
	return ok && aq.stale
}

// Invalidate drops every value under key and marks matching active queries stale.
func (c *Cache) Invalidate(_ context.Context, key cachesync.QueryKey) error {
	prefix := key.String()
	dropped := 0
	for _, k := range c.client.ScanKeys() {
		if util.HasKeyPrefix(k, prefix) {
			c.client.Delete(k)
			dropped++
		}
	}
	marked := 0
	c.mu.Lock()
	for k, aq := range c.active {
		if util.HasKeyPrefix(k, prefix) {
			aq.stale = true
			marked++
		}
	}
	c.mu.Unlock()
	c.log.Debug("query keys invalidated", cachesync.Fields{"key": []string(key), "dropped": dropped, "stale": marked})
	return nil
}

// RefetchActive re-runs the fetcher of every active query under key and
// stores the fresh values. Failed fetches leave the query stale.
func (c *Cache) RefetchActive(ctx context.Context, key cachesync.QueryKey) error {
	prefix := key.String()
	type job struct {
		flat  string
		fetch Fetcher
	}
	var jobs []job
	c.mu.Lock()
	for k, aq := range c.active {
		if util.HasKeyPrefix(k, prefix) {
			aq.stale = true
			jobs = append(jobs, job{k, aq.fetch})
		}
	}
	c.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(c.workers)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			v, err := j.fetch(ctx)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			c.client.Set(j.flat, v)
			c.mu.Lock()
			if aq, ok := c.active[j.flat]; ok {
				aq.stale = false
			}
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	c.log.Debug("active queries refetched", cachesync.Fields{"key": []string(key), "queries": len(jobs), "failed": len(errs)})
	return errors.Join(errs...)
}

func (c *Cache) SetValue(_ context.Context, key cachesync.QueryKey, value any) error {
	if len(key) == 0 {
		return errors.New("querycache: empty key")
	}
	c.client.Set(key.String(), value)
	return nil
}

func (c *Cache) GetValue(_ context.Context, key cachesync.QueryKey) (any, bool, error) {
	v, ok := c.client.Get(key.String())
	return v, ok, nil
}

// Active returns the keys of registered queries.
func (c *Cache) Active() []cachesync.QueryKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cachesync.QueryKey, 0, len(c.active))
	for k := range c.active {
		out = append(out, cachesync.QueryKey(util.SplitKey(k)))
	}
	return out
}
