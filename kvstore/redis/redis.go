// Package redis is the distributed key/value layer on Redis.
//
// ScanKeys walks the keyspace with SCAN (never KEYS), on every master when the
// client is a cluster client. DeleteMany pipelines DEL in chunks so a large
// invalidation costs a few round-trips and never one huge blocking command.
package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/itellico/cachesync"
)

var ErrNilClient = errors.New("redis kvstore: nil client")

const (
	defaultScanCount = 500
	defaultDelChunk  = 500
)

type Config struct {
	Client      goredis.UniversalClient
	ScanCount   int64 // SCAN COUNT hint; 0 => 500
	DeleteChunk int   // keys per pipeline; 0 => 500
	CloseClient bool  // set true only if this store exclusively owns the client
}

// Store implements cachesync.KeyValueStore.
type Store struct {
	rdb         goredis.UniversalClient
	scanCount   int64
	delChunk    int
	closeClient bool
}

var _ cachesync.KeyValueStore = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	s := &Store{rdb: cfg.Client, scanCount: cfg.ScanCount, delChunk: cfg.DeleteChunk, closeClient: cfg.CloseClient}
	if s.scanCount <= 0 {
		s.scanCount = defaultScanCount
	}
	if s.delChunk <= 0 {
		s.delChunk = defaultDelChunk
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// SetWithTTL treats non-positive TTLs as "no expiry".
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if cc, ok := s.rdb.(*goredis.ClusterClient); ok {
		var (
			mu  sync.Mutex
			out []string
		)
		err := cc.ForEachMaster(ctx, func(ctx context.Context, node *goredis.Client) error {
			keys, err := scan(ctx, node, pattern, s.scanCount)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, keys...)
			mu.Unlock()
			return nil
		})
		return out, err
	}
	return scan(ctx, s.rdb, pattern, s.scanCount)
}

func scan(ctx context.Context, c goredis.Cmdable, pattern string, count int64) ([]string, error) {
	var out []string
	it := c.Scan(ctx, 0, pattern, count).Iterator()
	for it.Next(ctx) {
		out = append(out, it.Val())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMany issues one DEL per key inside chunked pipelines; per-key commands
// keep cluster slots apart.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	var total int64
	for start := 0; start < len(keys); start += s.delChunk {
		end := start + s.delChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		cmds := make([]*goredis.IntCmd, len(chunk))
		_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
			for i, k := range chunk {
				cmds[i] = p.Del(ctx, k)
			}
			return nil
		})
		for _, c := range cmds {
			if c != nil {
				total += c.Val()
			}
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close releases the underlying redis client only when this store owns it.
func (s *Store) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
