// Package redisbus implements SignalBus on Redis pub/sub, one Redis channel
// per topic. Used when participants are spread across signaling instances.
package redisbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
)

type Bus struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing Redis client. Prefix namespaces channels
// (defaults to "huddle").
func New(rdb *redis.Client, prefix string) *Bus {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "huddle"
	}
	return &Bus{rdb: rdb, prefix: p}
}

func (b *Bus) channel(topic core.Topic) string {
	return fmt.Sprintf("%s:%s", b.prefix, topic)
}

func (b *Bus) Publish(ctx context.Context, topic core.Topic, data []byte) error {
	if err := b.rdb.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic core.Topic, h core.Handler) (core.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(topic))
	// Force the subscription onto the wire before we report success.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	go func() {
		for msg := range ps.Channel() {
			h([]byte(msg.Payload))
		}
		log.Debug().Str("module", "redisbus").Str("topic", string(topic)).Msg("subscription drained")
	}()
	return &subscription{ps: ps}, nil
}

type subscription struct {
	ps *redis.PubSub
}

func (s *subscription) Close() error {
	return s.ps.Close()
}
