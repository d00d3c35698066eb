package cachesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itellico/cachesync/internal/util"
)

// Coordinator fans one Request out to every applicable cache layer. It owns
// no state besides its collaborators and is safe for concurrent use.
type Coordinator struct {
	render  RenderCache
	kv      KeyValueStore
	qc      QueryCache
	runtime Runtime
	timeout time.Duration
	workers int
	log     Logger
	hooks   Hooks
}

var _ Invalidator = (*Coordinator)(nil)

type layerStep func(ctx context.Context, req Request) (touched int, err error)

func newCoordinator(opts Options) (*Coordinator, error) {
	if opts.LayerTimeout < 0 {
		return nil, fmt.Errorf("cachesync: layer timeout must not be negative")
	}
	if opts.ScanWorkers < 0 {
		return nil, fmt.Errorf("cachesync: scan workers must not be negative")
	}
	c := &Coordinator{
		render:  opts.Render,
		kv:      opts.KV,
		qc:      opts.QueryCache,
		runtime: opts.Runtime,
	}
	c.timeout = coalesce[time.Duration](opts.LayerTimeout, defaultLayerTimeout)
	c.workers = coalesce[int](opts.ScanWorkers, defaultScanWorkers)
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	return c, nil
}

// Runtime reports the side Invalidate would run on for ctx.
func (c *Coordinator) Runtime(ctx context.Context) Runtime {
	if ctx != nil {
		if r, ok := runtimeFromContext(ctx); ok {
			return r
		}
	}
	if c.runtime != RuntimeAuto {
		return c.runtime
	}
	if c.render != nil || c.kv != nil {
		return RuntimeServer
	}
	return RuntimeClient
}

// Invalidate removes stale derived data for req from every layer applicable
// to the current runtime, in the order render, key/value, query. It never
// returns or panics on layer failure.
func (c *Coordinator) Invalidate(ctx context.Context, req Request) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := req.fields()
	if err := req.validate(); err != nil {
		c.log.Error("invalidate: rejected request", f.With("err", err))
		return
	}

	rt := c.Runtime(ctx)
	f["runtime"] = rt.String()

	if rt == RuntimeServer {
		if c.render != nil {
			c.runLayer(ctx, LayerRender, req, f, c.invalidateRender)
		} else {
			c.skip(LayerRender, req, f, "not_configured")
		}
		if c.kv != nil {
			c.runLayer(ctx, LayerKV, req, f, c.invalidateKV)
		} else {
			c.skip(LayerKV, req, f, "not_configured")
		}
		c.skip(LayerQuery, req, f, "runtime")
		return
	}

	c.skip(LayerRender, req, f, "runtime")
	c.skip(LayerKV, req, f, "runtime")

	qc := queryCacheFromContext(ctx)
	if qc == nil {
		qc = c.qc
	}
	if qc == nil {
		c.log.Warn("invalidate: no query cache handle in client runtime", f)
		c.hooks.LayerSkipped(LayerQuery, req.EntityType, "no_query_cache")
		return
	}
	c.runLayer(ctx, LayerQuery, req, f, func(ctx context.Context, req Request) (int, error) {
		return c.invalidateQuery(ctx, qc, req)
	})
}

func (c *Coordinator) skip(layer Layer, req Request, f Fields, reason string) {
	c.log.Debug("cache layer skipped", f.With("layer", string(layer), "reason", reason))
	c.hooks.LayerSkipped(layer, req.EntityType, reason)
}

func (c *Coordinator) runLayer(ctx context.Context, layer Layer, req Request, f Fields, step layerStep) {
	start := time.Now()
	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	touched, err := guard(lctx, req, step)
	cancel()
	d := time.Since(start)

	lf := f.With("layer", string(layer), "touched", touched, "duration", d)
	if err != nil {
		c.log.Error("cache layer invalidation failed", lf.With("err", err))
		c.hooks.LayerFailed(layer, req.EntityType, err, d)
		return
	}
	c.log.Debug("cache layer invalidated", lf)
	c.hooks.LayerInvalidated(layer, req.EntityType, touched, d)
}

// guard turns a panicking adapter into a regular layer failure.
func guard(ctx context.Context, req Request, step layerStep) (touched int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cachesync: layer panic: %v", r)
		}
	}()
	return step(ctx, req)
}

func (c *Coordinator) invalidateRender(ctx context.Context, req Request) (int, error) {
	le := &LayerError{Layer: LayerRender}
	touched := 0
	for _, tag := range RenderTags(req.EntityType) {
		if err := c.render.InvalidateTag(ctx, tag); err != nil {
			le.add("tag:"+tag, err)
			continue
		}
		touched++
	}
	for _, p := range RenderPaths(req) {
		if err := c.render.InvalidatePath(ctx, p); err != nil {
			le.add("path:"+p, err)
			continue
		}
		touched++
	}
	return touched, le.orNil()
}

func (c *Coordinator) invalidateKV(ctx context.Context, req Request) (int, error) {
	patterns := KVPatterns(req)
	le := &LayerError{Layer: LayerKV}

	var (
		mu    sync.Mutex
		found []string
		g     errgroup.Group
	)
	g.SetLimit(c.workers)
	for _, p := range patterns {
		p := p
		g.Go(func() error {
			keys, err := c.kv.ScanKeys(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				le.add(p, err)
				return nil
			}
			found = append(found, keys...)
			return nil
		})
	}
	_ = g.Wait()

	keys := util.Dedupe(found)
	if len(keys) == 0 {
		return 0, le.orNil()
	}
	sort.Strings(keys)
	n, err := c.kv.DeleteMany(ctx, keys)
	if err != nil {
		le.add(fmt.Sprintf("delete(%d keys)", len(keys)), err)
	}
	return int(n), le.orNil()
}

func (c *Coordinator) invalidateQuery(ctx context.Context, qc QueryCache, req Request) (int, error) {
	le := &LayerError{Layer: LayerQuery}
	touched := 0
	for _, k := range QueryKeys(req) {
		if err := qc.Invalidate(ctx, k); err != nil {
			le.add(fmt.Sprint([]string(k)), err)
			continue
		}
		touched++
	}
	for _, k := range RefetchKeys(req) {
		if err := qc.RefetchActive(ctx, k); err != nil {
			le.add("refetch:"+fmt.Sprint([]string(k)), err)
			continue
		}
		touched++
	}
	return touched, le.orNil()
}
