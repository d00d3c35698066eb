// Package redis is a realtime.Transport on Redis PUBLISH/SUBSCRIBE.
package redis

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/itellico/cachesync/realtime"
)

var ErrNilClient = errors.New("redis transport: nil client")

type Config struct {
	Client goredis.UniversalClient
	Prefix string // optional channel prefix, joined with ":"
}

type Transport struct {
	rdb    goredis.UniversalClient
	prefix string
}

var _ realtime.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Transport{rdb: cfg.Client, prefix: cfg.Prefix}, nil
}

func (t *Transport) channel(c string) string {
	if t.prefix == "" {
		return c
	}
	return t.prefix + ":" + c
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.rdb.Publish(ctx, t.channel(channel), payload).Err()
}

type subscription struct {
	ps     io.Closer
	closed atomic.Bool
	once   sync.Once
}

// Close stops delivery. It does not wait for the delivery goroutine, so a
// handler may close its own subscription.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.ps.Close()
	})
	return err
}

// deliverFrom hands payloads from ch to deliver until ch is closed. Messages
// still buffered once Close was called are dropped.
func (s *subscription) deliverFrom(ch <-chan *goredis.Message, deliver func([]byte)) {
	for m := range ch {
		if s.closed.Load() {
			continue
		}
		deliver([]byte(m.Payload))
	}
}

// Subscribe returns once Redis confirmed the subscription, so messages
// published after it returns are delivered.
func (t *Transport) Subscribe(ctx context.Context, channel string, deliver func([]byte)) (realtime.Subscription, error) {
	ps := t.rdb.Subscribe(ctx, t.channel(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &subscription{ps: ps}
	go s.deliverFrom(ps.Channel(), deliver)
	return s, nil
}
