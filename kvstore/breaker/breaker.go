// Package breaker guards a KeyValueStore with a circuit breaker so an
// unreachable cache fails fast instead of eating the whole layer timeout on
// every invalidation.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/itellico/cachesync"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("kvstore breaker: open")

type Config struct {
	Name             string
	MaxRequests      uint32        // allowed in half-open; 0 => 1
	Interval         time.Duration // closed-state counter reset; 0 => never
	Timeout          time.Duration // open => half-open; 0 => 60s
	FailureThreshold float64       // trip ratio, 0 => 0.5
	MinRequests      uint32        // before the ratio is evaluated; 0 => 5
	Logger           cachesync.Logger
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      5,
	}
}

type Store struct {
	next cachesync.KeyValueStore
	cb   *gobreaker.CircuitBreaker
}

var _ cachesync.KeyValueStore = (*Store)(nil)

func New(next cachesync.KeyValueStore, cfg Config) *Store {
	log := cfg.Logger
	if log == nil {
		log = cachesync.NopLogger{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("kv breaker state changed", cachesync.Fields{"name": name, "from": from.String(), "to": to.String()})
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up is not a store failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Store{next: next, cb: cb}
}

func (s *Store) State() gobreaker.State { return s.cb.State() }

func (s *Store) exec(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Join(ErrOpen, err)
	}
	return v, err
}

type hit struct {
	b  []byte
	ok bool
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.exec(func() (any, error) {
		b, ok, err := s.next.Get(ctx, key)
		return hit{b, ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	h := v.(hit)
	return h.b, h.ok, nil
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.exec(func() (any, error) {
		return nil, s.next.SetWithTTL(ctx, key, value, ttl)
	})
	return err
}

func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	v, err := s.exec(func() (any, error) {
		return s.next.ScanKeys(ctx, pattern)
	})
	if err != nil {
		return nil, err
	}
	keys, _ := v.([]string)
	return keys, nil
}

func (s *Store) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	v, err := s.exec(func() (any, error) {
		return s.next.DeleteMany(ctx, keys)
	})
	n, _ := v.(int64)
	return n, err
}
