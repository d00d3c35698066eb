package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/changeset"
	"github.com/itellico/cachesync/changeset/pgrepo"
	"github.com/itellico/cachesync/codec"
	"github.com/itellico/cachesync/config"
	gen "github.com/itellico/cachesync/genstore"
	asynchook "github.com/itellico/cachesync/hooks/async"
	"github.com/itellico/cachesync/hooks/prom"
	"github.com/itellico/cachesync/kvstore/breaker"
	kvredis "github.com/itellico/cachesync/kvstore/redis"
	zaplog "github.com/itellico/cachesync/log/zap"
	pr "github.com/itellico/cachesync/provider"
	prbigcache "github.com/itellico/cachesync/provider/bigcache"
	prredis "github.com/itellico/cachesync/provider/redis"
	prristretto "github.com/itellico/cachesync/provider/ristretto"
	"github.com/itellico/cachesync/realtime"
	rtmemory "github.com/itellico/cachesync/realtime/memory"
	rtnats "github.com/itellico/cachesync/realtime/nats"
	rtredis "github.com/itellico/cachesync/realtime/redis"
	"github.com/itellico/cachesync/rendercache"
	"github.com/itellico/cachesync/store/postgres"
)

// app builds collaborators lazily from config and closes them in reverse.
type app struct {
	cfg *config.Config
	zl  *zap.Logger
	log cachesync.Logger

	rdb   goredis.UniversalClient
	pool  *pgxpool.Pool
	nc    *nats.Conn
	notif *realtime.Notifier
	coord *cachesync.Coordinator

	closers []func()
}

func newApp(cfg *config.Config) (*app, error) {
	zl, err := zaplog.New(zaplog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: cfg.Log.Service})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, zl: zl, log: zaplog.ZapLogger{L: zl}}
	a.closers = append(a.closers, func() { _ = zl.Sync() })
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) redis() goredis.UniversalClient {
	if a.rdb == nil {
		c := a.cfg.Redis
		a.rdb = goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    c.Addrs,
			DB:       c.DB,
			Username: c.Username,
			Password: c.Password,
		})
		a.closers = append(a.closers, func() { _ = a.rdb.Close() })
	}
	return a.rdb
}

func (a *app) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	if a.cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is not configured")
	}
	pool, err := postgres.Open(ctx, a.cfg.Postgres.DSN, a.cfg.Postgres.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	return pool, nil
}

func (a *app) provider(ctx context.Context) (pr.Provider, error) {
	rc := a.cfg.RenderCache
	switch rc.Provider {
	case "ristretto":
		maxCost := rc.MaxCostMB << 20
		return prristretto.New(prristretto.Config{
			NumCounters: maxCost / 1024 * 10,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
	case "bigcache":
		return prbigcache.New(ctx, prbigcache.Config{
			LifeWindow:         rc.DefaultTTL,
			CleanWindow:        time.Minute,
			HardMaxCacheSizeMB: int(rc.MaxCostMB),
		})
	default:
		return prredis.New(prredis.Config{Client: a.redis(), Prefix: rc.Namespace + ":render"})
	}
}

// coordinator wires the server layers: redis KV behind a breaker, and a
// render cache whose generations live in redis so every process sees bumps.
func (a *app) coordinator(ctx context.Context) (*cachesync.Coordinator, error) {
	if a.coord != nil {
		return a.coord, nil
	}
	cfg := a.cfg
	rt, err := cachesync.ParseRuntime(cfg.Coordinator.Runtime)
	if err != nil {
		return nil, err
	}

	var kv cachesync.KeyValueStore
	kv, err = kvredis.New(kvredis.Config{
		Client:      a.redis(),
		ScanCount:   cfg.Redis.ScanCount,
		DeleteChunk: cfg.Redis.DeleteChunk,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Enabled {
		bc := breaker.DefaultConfig("kv")
		bc.FailureThreshold = cfg.Breaker.FailureThreshold
		bc.MinRequests = cfg.Breaker.MinRequests
		bc.Timeout = cfg.Breaker.Timeout
		bc.Logger = a.log
		kv = breaker.New(kv, bc)
	}

	p, err := a.provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("render provider: %w", err)
	}
	render, err := rendercache.New(rendercache.Options{
		Namespace: cfg.RenderCache.Namespace,
		Provider:  p,
		GenStore: gen.NewRedisGenStore(a.redis(), gen.RedisOptions{
			Namespace: cfg.RenderCache.Namespace,
			TTL:       cfg.RenderCache.GenTTL,
		}),
		DefaultTTL: cfg.RenderCache.DefaultTTL,
		Logger:     a.log,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = render.Close(context.Background()) })

	metrics, err := prom.New(cfg.Metrics.Namespace, nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	hooks := asynchook.New(metrics, 1, 1024)
	a.closers = append(a.closers, hooks.Close)

	a.coord, err = cachesync.New(cachesync.Options{
		Render:       render,
		KV:           kv,
		Runtime:      rt,
		LayerTimeout: cfg.Coordinator.LayerTimeout,
		ScanWorkers:  cfg.Coordinator.ScanWorkers,
		Logger:       a.log,
		Hooks:        hooks,
	})
	return a.coord, err
}

func (a *app) transport() (realtime.Transport, error) {
	cfg := a.cfg
	switch cfg.Realtime.Transport {
	case "nats":
		if a.nc == nil {
			nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
			if err != nil {
				return nil, fmt.Errorf("nats: %w", err)
			}
			a.nc = nc
			a.closers = append(a.closers, nc.Close)
		}
		return rtnats.New(rtnats.Config{Conn: a.nc, Prefix: cfg.Realtime.Prefix})
	case "memory":
		bus := rtmemory.New()
		a.closers = append(a.closers, func() { _ = bus.Close() })
		return bus, nil
	default:
		return rtredis.New(rtredis.Config{Client: a.redis(), Prefix: cfg.Realtime.Prefix})
	}
}

func (a *app) notifier() (*realtime.Notifier, error) {
	if a.notif != nil {
		return a.notif, nil
	}
	t, err := a.transport()
	if err != nil {
		return nil, err
	}
	c, err := codec.ByName[realtime.Message](a.cfg.Realtime.Codec)
	if err != nil {
		return nil, err
	}
	n, err := realtime.NewNotifier(realtime.Options{
		Transport:      t,
		Codec:          c,
		HandlerTimeout: a.cfg.Realtime.HandlerTimeout,
		Logger:         a.log,
	})
	if err != nil {
		return nil, err
	}
	a.notif = n
	a.closers = append(a.closers, func() { _ = n.Close() })
	return n, nil
}

func (a *app) manager(ctx context.Context) (*changeset.Manager, error) {
	pool, err := a.postgres(ctx)
	if err != nil {
		return nil, err
	}
	coord, err := a.coordinator(ctx)
	if err != nil {
		return nil, err
	}
	n, err := a.notifier()
	if err != nil {
		return nil, err
	}
	return changeset.NewManager(changeset.Options{
		Store:        postgres.New(pool),
		Repository:   pgrepo.New(pool),
		Invalidator:  coord,
		Publisher:    n,
		StoreTimeout: a.cfg.Changes.StoreTimeout,
		Logger:       a.log,
	})
}
