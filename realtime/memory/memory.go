// Package memory is an in-process realtime.Transport. Publish delivers
// synchronously to every current subscriber of the channel.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/itellico/cachesync/realtime"
)

var ErrClosed = errors.New("memory transport: closed")

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*sub]struct{}
	closed bool
}

var _ realtime.Transport = (*Bus)(nil)

func New() *Bus { return &Bus{subs: make(map[string]map[*sub]struct{})} }

type sub struct {
	bus     *Bus
	channel string
	deliver func([]byte)
	once    sync.Once
}

func (s *sub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if set, ok := s.bus.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
	})
	return nil
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*sub, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// subscribers must not share the publisher's buffer
		cp := append([]byte(nil), payload...)
		s.deliver(cp)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, channel string, deliver func([]byte)) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &sub{bus: b, channel: channel, deliver: deliver}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*sub]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Subscribers reports how many transport subscriptions channel has.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[*sub]struct{})
	return nil
}
