package genstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGenStore shares generations across processes and survives restarts, so
// a tag bumped by one process (or the CLI) invalidates render entries everywhere.
// With a TTL, generation keys expire; an expired key reads as 0 and entries
// written under a higher generation self-heal as stale.
type RedisGenStore struct {
	rdb         redis.UniversalClient
	ns          string
	ttl         time.Duration
	closeClient bool
}

var _ GenStore = (*RedisGenStore)(nil)

type RedisOptions struct {
	Namespace   string        // key prefix, e.g. "app:prod:render"
	TTL         time.Duration // 0 disables expiry
	CloseClient bool          // set true only if this store exclusively owns the client
}

func NewRedisGenStore(client redis.UniversalClient, opts RedisOptions) *RedisGenStore {
	return &RedisGenStore{rdb: client, ns: opts.Namespace, ttl: opts.TTL, closeClient: opts.CloseClient}
}

func (s *RedisGenStore) key(k string) string { return "gen:" + s.ns + ":" + k }

func parseGen(k string, v any) (uint64, error) {
	var str string
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case string:
		str = vv
	case []byte:
		str = string(vv)
	default:
		str = fmt.Sprint(vv)
	}
	u, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse at %s: %w", k, err)
	}
	return u, nil
}

func (s *RedisGenStore) Snapshot(ctx context.Context, k string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(k)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(k, res)
}

func (s *RedisGenStore) SnapshotMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	rk := make([]string, len(ks))
	for i, k := range ks {
		rk[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, rk...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		g, err := parseGen(ks[i], v)
		if err != nil {
			return nil, err
		}
		out[ks[i]] = g
	}
	return out, nil
}

func (s *RedisGenStore) Bump(ctx context.Context, k string) (uint64, error) {
	m, err := s.BumpMany(ctx, []string{k})
	if err != nil {
		return 0, err
	}
	return m[k], nil
}

// BumpMany pipelines INCR (and EXPIRE when a TTL is set) for every key in one round-trip.
func (s *RedisGenStore) BumpMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	cmds := make([]*redis.IntCmd, len(ks))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range ks {
			rk := s.key(k)
			cmds[i] = p.Incr(ctx, rk)
			if s.ttl > 0 {
				p.Expire(ctx, rk, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, k := range ks {
		out[k] = uint64(cmds[i].Val())
	}
	return out, nil
}

// Cleanup is not applicable for RedisGenStore (Redis handles expiry if TTL is set).
func (s *RedisGenStore) Cleanup(time.Duration) {}

func (s *RedisGenStore) Close(context.Context) error {
	if s.closeClient {
		return s.rdb.Close()
	}
	return nil
}
