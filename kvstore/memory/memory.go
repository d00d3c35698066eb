// Package memory is an in-process key/value layer on patrickmn/go-cache, for
// single-instance deployments and tests.
package memory

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/internal/util"
)

type Store struct{ c *gocache.Cache }

var _ cachesync.KeyValueStore = (*Store)(nil)

// New uses defaultTTL for entries stored with ttl == 0 and sweeps expired
// entries every minute.
func New(defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	return &Store{c: gocache.New(defaultTTL, time.Minute)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	return b, true, nil
}

func (s *Store) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	s.c.Set(key, value, ttl)
	return nil
}

// ScanKeys matches live keys with Redis glob semantics.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	for k := range s.c.Items() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if util.GlobMatch(pattern, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) DeleteMany(_ context.Context, keys []string) (int64, error) {
	var n int64
	for _, k := range keys {
		if _, ok := s.c.Get(k); ok {
			n++
		}
		s.c.Delete(k)
	}
	return n, nil
}

func (s *Store) Len() int { return s.c.ItemCount() }
