// Package realtime broadcasts change-lifecycle events over a pub/sub
// transport. It is a responsiveness aid, not a consistency mechanism:
// delivery is at-most-once and a late subscriber never sees earlier events.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/codec"
)

// Handler receives decoded messages for one channel.
type Handler func(ctx context.Context, msg Message)

// SubscriptionID identifies one handler registration.
type SubscriptionID uint64

var ErrClosed = errors.New("realtime: notifier closed")

type Options struct {
	Transport      Transport
	Codec          codec.Codec[Message] // nil => JSON
	HandlerTimeout time.Duration        // ctx bound for each handler call; 0 => 30s
	Logger         cachesync.Logger
}

type channelSubs struct {
	sub      Subscription
	handlers map[SubscriptionID]Handler
}

// Notifier multiplexes handlers onto one transport subscription per channel.
type Notifier struct {
	transport Transport
	codec     codec.Codec[Message]
	timeout   time.Duration
	log       cachesync.Logger

	nextID atomic.Uint64

	mu       sync.Mutex
	channels map[string]*channelSubs
	closed   bool
}

func NewNotifier(opts Options) (*Notifier, error) {
	if opts.Transport == nil {
		return nil, errors.New("realtime: transport is required")
	}
	n := &Notifier{
		transport: opts.Transport,
		codec:     opts.Codec,
		timeout:   opts.HandlerTimeout,
		log:       opts.Logger,
		channels:  make(map[string]*channelSubs),
	}
	if n.codec == nil {
		n.codec = codec.JSON[Message]{}
	}
	if n.timeout <= 0 {
		n.timeout = 30 * time.Second
	}
	if n.log == nil {
		n.log = cachesync.NopLogger{}
	}
	return n, nil
}

// Publish encodes msg and sends it on channel.
func (n *Notifier) Publish(ctx context.Context, channel string, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	b, err := n.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", msg.Type, err)
	}
	if err := n.transport.Publish(ctx, channel, b); err != nil {
		return fmt.Errorf("realtime: publish %s on %s: %w", msg.Type, channel, err)
	}
	return nil
}

// PublishChange sends msg on its entity channel and on ChangesChannel.
func (n *Notifier) PublishChange(ctx context.Context, msg Message) error {
	return errors.Join(
		n.Publish(ctx, EntityChannel(msg.Data.EntityType, msg.Data.EntityID), msg),
		n.Publish(ctx, ChangesChannel, msg),
	)
}

// Subscribe registers h on channel. The first handler of a channel opens the
// transport subscription.
func (n *Notifier) Subscribe(ctx context.Context, channel string, h Handler) (SubscriptionID, error) {
	if h == nil {
		return 0, errors.New("realtime: nil handler")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, ErrClosed
	}
	id := SubscriptionID(n.nextID.Add(1))
	cs, ok := n.channels[channel]
	if !ok {
		sub, err := n.transport.Subscribe(ctx, channel, func(payload []byte) {
			n.dispatch(channel, payload)
		})
		if err != nil {
			return 0, fmt.Errorf("realtime: subscribe %s: %w", channel, err)
		}
		cs = &channelSubs{sub: sub, handlers: make(map[SubscriptionID]Handler)}
		n.channels[channel] = cs
	}
	cs.handlers[id] = h
	return id, nil
}

// Unsubscribe removes one handler. Unknown ids are ignored. Removing the last
// handler of a channel closes its transport subscription.
func (n *Notifier) Unsubscribe(channel string, id SubscriptionID) {
	n.mu.Lock()
	cs, ok := n.channels[channel]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(cs.handlers, id)
	var sub Subscription
	if len(cs.handlers) == 0 {
		delete(n.channels, channel)
		sub = cs.sub
	}
	n.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			n.log.Warn("realtime unsubscribe failed", cachesync.Fields{"channel": channel, "err": err})
		}
	}
}

func (n *Notifier) dispatch(channel string, payload []byte) {
	msg, err := n.codec.Decode(payload)
	if err != nil {
		n.log.Warn("realtime message dropped", cachesync.Fields{"channel": channel, "err": err})
		return
	}
	if err := msg.validate(); err != nil {
		n.log.Warn("realtime message dropped", cachesync.Fields{"channel": channel, "err": err})
		return
	}

	n.mu.Lock()
	cs, ok := n.channels[channel]
	var hs []Handler
	if ok {
		hs = make([]Handler, 0, len(cs.handlers))
		for _, h := range cs.handlers {
			hs = append(hs, h)
		}
	}
	n.mu.Unlock()

	for _, h := range hs {
		n.call(channel, h, msg)
	}
}

func (n *Notifier) call(channel string, h Handler, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("realtime handler panic", cachesync.Fields{"channel": channel, "type": string(msg.Type), "panic": r})
		}
	}()
	h(ctx, msg)
}

// Close drops every handler and closes all transport subscriptions.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	chans := n.channels
	n.channels = make(map[string]*channelSubs)
	n.mu.Unlock()

	var errs []error
	for _, cs := range chans {
		errs = append(errs, cs.sub.Close())
	}
	return errors.Join(errs...)
}
