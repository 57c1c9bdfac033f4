package core

import "context"

// Topic is a pub/sub address. Room sessions use a room-scoped topic, 1:1
// calls a user-scoped one.
type Topic string

// Handler receives a raw envelope published on a subscribed topic.
// Handlers for one subscription are invoked sequentially, in delivery order.
type Handler func(data []byte)

// Subscription is an explicitly owned handle; the owner must Close() it
// exactly once when the session that created it goes away.
type Subscription interface {
	Close() error
}

// SignalBus abstracts a topic-scoped publish/subscribe transport.
// Delivery is best-effort, at-most-once, in-order per sender; nothing is
// persisted and nothing is acknowledged.
type SignalBus interface {
	Publish(ctx context.Context, topic Topic, data []byte) error
	Subscribe(ctx context.Context, topic Topic, h Handler) (Subscription, error)
}
