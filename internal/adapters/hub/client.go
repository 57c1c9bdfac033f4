package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/signal"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendQueueSize = 32
	writeDeadline = 5 * time.Second
)

// Controller upgrades signal-channel connections and runs their pumps.
type Controller struct {
	Hub     *Hub
	Limiter *RateLimiter
	// ReadLimit caps inbound frame size in bytes; zero means unlimited.
	ReadLimit int64
}

func NewController(h *Hub, limiter *RateLimiter, readLimit int64) *Controller {
	return &Controller{Hub: h, Limiter: limiter, ReadLimit: readLimit}
}

type client struct {
	sid  string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *client) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *client) trySendMsg(topic string, data []byte) error {
	b, err := json.Marshal(signal.Frame{Op: signal.OpMsg, Topic: topic, Data: data})
	if err != nil {
		return err
	}
	return c.trySend(b)
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "hub").Str("sid", sid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &client{
		sid:  sid,
		conn: ws,
		send: make(chan []byte, sendQueueSize),
	}
	ctl.Hub.register(conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "hub").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "hub").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "hub").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "hub").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *client) {
	defer func() {
		log.Info().Str("module", "hub").Str("sid", c.sid).Msg("readPump closing")
		ctl.Hub.unregister(c)
		cancel()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "hub").Str("sid", c.sid).Msg("readPump read error")
				return
			}
			ctl.handleFrame(c, data)
		}
	}
}

func (ctl *Controller) handleFrame(c *client, data []byte) {
	var f signal.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad json")
		return
	}

	switch f.Op {
	case signal.OpSub:
		ctl.Hub.subscribe(c, f.Topic)
	case signal.OpUnsub:
		ctl.Hub.unsubscribe(c, f.Topic)
	case signal.OpPub:
		if ctl.Limiter != nil && !ctl.Limiter.Allow(c.sid) {
			log.Warn().Str("module", "hub").Str("sid", c.sid).Msg("rate limited")
			return
		}
		ctl.Hub.publish(f.Topic, f.Data)
	case signal.OpPing:
		ctl.sendFrame(c, signal.Frame{Op: signal.OpPong})
	default:
		log.Warn().Str("module", "hub").Str("op", f.Op).Msg("unknown frame op")
	}
}

func (ctl *Controller) sendFrame(c *client, f signal.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("sendFrame marshal")
		return
	}
	_ = c.trySend(b)
}
