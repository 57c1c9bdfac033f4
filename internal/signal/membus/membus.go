// Package membus is an in-process SignalBus for single-node deployments and
// tests. Fan-out is per-subscriber: each subscription owns a buffered queue
// drained by one goroutine, which preserves publish order per sender and
// drops on backpressure instead of blocking the publisher.
package membus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
)

const subscriberBuffer = 64

var ErrClosed = errors.New("bus closed")

type Bus struct {
	mu     sync.RWMutex
	topics map[core.Topic]map[*subscription]struct{}
	closed bool
}

func New() *Bus {
	return &Bus{topics: make(map[core.Topic]map[*subscription]struct{})}
}

type subscription struct {
	bus     *Bus
	topic   core.Topic
	handler core.Handler
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

func (b *Bus) Subscribe(_ context.Context, topic core.Topic, h core.Handler) (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &subscription{
		bus:     b,
		topic:   topic,
		handler: h,
		queue:   make(chan []byte, subscriberBuffer),
		done:    make(chan struct{}),
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	go sub.pump()
	return sub, nil
}

func (b *Bus) Publish(_ context.Context, topic core.Topic, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	snapshot := make([]*subscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		select {
		case sub.queue <- data:
		default:
			log.Warn().Str("module", "membus").Str("topic", string(topic)).Msg("subscriber queue full, dropping")
		}
	}
	return nil
}

// Close tears down every subscription; further calls on the bus fail.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.topics {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.topics = make(map[core.Topic]map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
}

func (s *subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			s.handler(data)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	if subs, ok := s.bus.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}
