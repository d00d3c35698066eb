// Package bigcache is an in-process key/value layer for large, GC-friendly
// working sets. bigcache has one global life window, so SetWithTTL ignores
// the per-call TTL.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/internal/util"
)

type Store struct {
	c *bc.BigCache
}

var _ cachesync.KeyValueStore = (*Store)(nil)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	Shards             int // power of two; 0 => bigcache default
	HardMaxCacheSizeMB int
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.LifeWindow <= 0 {
		return nil, errors.New("bigcache kvstore: LifeWindow must be positive")
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := s.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	return s.c.Set(key, value)
}

// ScanKeys walks every shard with the bigcache iterator.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	it := s.c.Iterator()
	for it.SetNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := it.Value()
		if err != nil {
			// entry evicted while iterating
			continue
		}
		if util.GlobMatch(pattern, e.Key()) {
			out = append(out, e.Key())
		}
	}
	return out, nil
}

func (s *Store) DeleteMany(_ context.Context, keys []string) (int64, error) {
	var n int64
	var errs []error
	for _, k := range keys {
		err := s.c.Delete(k)
		switch {
		case err == nil:
			n++
		case errors.Is(err, bc.ErrEntryNotFound):
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

func (s *Store) Close() error { return s.c.Close() }
