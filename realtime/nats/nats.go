// Package nats is a realtime.Transport on core NATS subjects.
//
// Channels map to subjects by turning ':' into '.', so "entity:tenant:42"
// becomes "<prefix>.entity.tenant.42" and raw NATS consumers can use
// wildcards such as "cachesync.entity.tenant.*".
package nats

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/itellico/cachesync/realtime"
)

var ErrNilConn = errors.New("nats transport: nil connection")

const defaultPrefix = "cachesync"

type Config struct {
	Conn   *nats.Conn
	Prefix string // subject prefix; "" => "cachesync"
}

type Transport struct {
	nc     *nats.Conn
	prefix string
}

var _ realtime.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if cfg.Conn == nil {
		return nil, ErrNilConn
	}
	p := cfg.Prefix
	if p == "" {
		p = defaultPrefix
	}
	return &Transport{nc: cfg.Conn, prefix: p}, nil
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject returns the NATS subject for channel.
func (t *Transport) Subject(channel string) string {
	parts := strings.Split(channel, ":")
	for i, p := range parts {
		parts[i] = tokenReplacer.Replace(p)
	}
	return t.prefix + "." + strings.Join(parts, ".")
}

func (t *Transport) Publish(_ context.Context, channel string, payload []byte) error {
	return t.nc.Publish(t.Subject(channel), payload)
}

type subscription struct{ s *nats.Subscription }

func (s subscription) Close() error {
	err := s.s.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

func (t *Transport) Subscribe(_ context.Context, channel string, deliver func([]byte)) (realtime.Subscription, error) {
	sub, err := t.nc.Subscribe(t.Subject(channel), func(m *nats.Msg) {
		deliver(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return subscription{s: sub}, nil
}
