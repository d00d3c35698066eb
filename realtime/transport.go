package realtime

import "context"

// Subscription is one open transport subscription.
type Subscription interface {
	Close() error
}

// Transport is the raw pub/sub bus. Delivery is at-most-once with no replay.
// deliver may be called from a transport goroutine and must not block long.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, deliver func(payload []byte)) (Subscription, error)
}
