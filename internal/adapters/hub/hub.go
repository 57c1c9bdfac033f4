package hub

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Hub fans published frames out to every local subscriber of a topic.
// It never inspects envelope payloads; routing happens on the topic
// string alone. With a bridge attached, publishes also reach the other
// hub instances sharing the same Redis.
type Hub struct {
	log    zerolog.Logger
	bridge *RedisBridge

	mu      sync.RWMutex
	topics  map[string]map[*client]struct{}
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		log:     log.With().Str("module", "hub").Logger(),
		topics:  make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// SetBridge links this instance into a Redis-backed hub group. Call
// before serving connections.
func (h *Hub) SetBridge(b *RedisBridge) {
	h.bridge = b
	b.onRemote = h.deliver
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	for topic, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) subscribe(c *client, topic string) {
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("topic", topic).Str("sid", c.sid).Msg("subscribed")
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
}

// publish routes one frame: local subscribers first, then the bridge.
// The publisher receives its own frame too when subscribed; session
// layers filter on sender id.
func (h *Hub) publish(topic string, data []byte) {
	h.deliver(topic, data)
	if h.bridge != nil {
		h.bridge.forward(topic, data)
	}
}

func (h *Hub) deliver(topic string, data []byte) {
	h.mu.RLock()
	subs := make([]*client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if err := c.trySendMsg(topic, data); err != nil {
			h.log.Warn().Err(err).Str("topic", topic).Str("sid", c.sid).Msg("drop frame")
		}
	}
}

// Topics lists the topics that currently have subscribers.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}

// TopicCount reports how many topics currently have subscribers.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// ClientCount reports currently attached connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
