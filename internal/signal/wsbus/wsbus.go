// Package wsbus implements SignalBus over a websocket connection to the
// huddle signaling hub. All subscriptions share one socket; inbound
// envelopes are dispatched sequentially from the read loop, so per-sender
// order is whatever the hub delivered.
package wsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/signal"
)

const (
	writeTimeout = 5 * time.Second
	pingPeriod   = 40 * time.Second
)

var ErrClosed = errors.New("wsbus closed")

type Bus struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[core.Topic]map[*subscription]struct{}
	closed bool

	done     chan struct{}
	stopOnce sync.Once
}

// Dial connects to the hub's websocket endpoint, e.g.
// "ws://localhost:8080/api/ws/signal".
func Dial(ctx context.Context, rawURL string) (*Bus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbus dial %s: %w", rawURL, err)
	}
	b := &Bus{
		conn: conn,
		subs: make(map[core.Topic]map[*subscription]struct{}),
		done: make(chan struct{}),
	}
	go b.readLoop()
	go b.pingLoop()
	return b, nil
}

func (b *Bus) Publish(_ context.Context, topic core.Topic, data []byte) error {
	return b.write(signal.Frame{Op: signal.OpPub, Topic: string(topic), Data: data})
}

func (b *Bus) Subscribe(_ context.Context, topic core.Topic, h core.Handler) (core.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	subs, ok := b.subs[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.subs[topic] = subs
	}
	sub := &subscription{bus: b, topic: topic, handler: h}
	subs[sub] = struct{}{}
	first := len(subs) == 1
	b.mu.Unlock()

	if first {
		if err := b.write(signal.Frame{Op: signal.OpSub, Topic: string(topic)}); err != nil {
			_ = sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

// Close tears the socket down; every subscription dies with it.
func (b *Bus) Close() error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
		_ = b.conn.Close()
	})
	return nil
}

func (b *Bus) write(f signal.Frame) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bus) readLoop() {
	defer b.Close()
	for {
		var f signal.Frame
		if err := b.conn.ReadJSON(&f); err != nil {
			select {
			case <-b.done:
			default:
				log.Warn().Err(err).Str("module", "wsbus").Msg("read loop stopped")
			}
			return
		}
		if f.Op != signal.OpMsg {
			continue
		}
		topic := core.Topic(f.Topic)
		b.mu.RLock()
		snapshot := make([]*subscription, 0, len(b.subs[topic]))
		for sub := range b.subs[topic] {
			snapshot = append(snapshot, sub)
		}
		b.mu.RUnlock()
		for _, sub := range snapshot {
			sub.handler(f.Data)
		}
	}
}

func (b *Bus) pingLoop() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			if err := b.write(signal.Frame{Op: signal.OpPing}); err != nil {
				return
			}
		}
	}
}

type subscription struct {
	bus     *Bus
	topic   core.Topic
	handler core.Handler
	once    sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs, ok := s.bus.subs[s.topic]
		if ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		last := ok && len(subs) == 0
		closed := s.bus.closed
		s.bus.mu.Unlock()
		if last && !closed {
			err = s.bus.write(signal.Frame{Op: signal.OpUnsub, Topic: string(s.topic)})
		}
	})
	return err
}
