package hub

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/signal/wsbus"
)

func newTestServer(t *testing.T, ctl *Controller) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("client_token", uuid.NewString())
		c.Next()
	})
	r.GET("/api/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "http://", "ws://", 1) + "/api/ws/signal"
}

type sink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sink) handle(data []byte) {
	s.mu.Lock()
	s.msgs = append(s.msgs, string(data))
	s.mu.Unlock()
}

func (s *sink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func TestHubRoutesBetweenClients(t *testing.T) {
	h := NewHub()
	srv := newTestServer(t, NewController(h, nil, 0))

	ctx := context.Background()
	sender, err := wsbus.Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := wsbus.Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer receiver.Close()

	var got sink
	_, err = receiver.Subscribe(ctx, "room:standup", got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.TopicCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, sender.Publish(ctx, "room:standup", []byte(`{"n":1}`)))
	require.NoError(t, sender.Publish(ctx, "room:standup", []byte(`{"n":2}`)))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, got.snapshot())
}

func TestHubDeliversToPublisherSubscription(t *testing.T) {
	h := NewHub()
	srv := newTestServer(t, NewController(h, nil, 0))

	ctx := context.Background()
	bus, err := wsbus.Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer bus.Close()

	var got sink
	_, err = bus.Subscribe(ctx, "room:x", got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.TopicCount() == 1 }, time.Second, 10*time.Millisecond)

	// A publisher subscribed to its own topic hears itself; sessions
	// filter on sender id, not the hub.
	require.NoError(t, bus.Publish(ctx, "room:x", []byte("echo")))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub()
	srv := newTestServer(t, NewController(h, nil, 0))

	ctx := context.Background()
	bus, err := wsbus.Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer bus.Close()

	var got sink
	sub, err := bus.Subscribe(ctx, "t", got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.TopicCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return h.TopicCount() == 0 }, time.Second, 10*time.Millisecond)

	h.publish("t", []byte("late"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestHubDisconnectCleansSubscriptions(t *testing.T) {
	h := NewHub()
	srv := newTestServer(t, NewController(h, nil, 0))

	ctx := context.Background()
	bus, err := wsbus.Dial(ctx, wsURL(srv))
	require.NoError(t, err)

	_, err = bus.Subscribe(ctx, "t", func([]byte) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Close())
	require.Eventually(t, func() bool {
		return h.ClientCount() == 0 && h.TopicCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHubRateLimitsPublishes(t *testing.T) {
	h := NewHub()
	srv := newTestServer(t, NewController(h, NewRateLimiter(2, time.Minute), 0))

	ctx := context.Background()
	bus, err := wsbus.Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer bus.Close()

	var got sink
	_, err = bus.Subscribe(ctx, "t", got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.TopicCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "t", []byte("a")))
	require.NoError(t, bus.Publish(ctx, "t", []byte("b")))
	require.NoError(t, bus.Publish(ctx, "t", []byte("dropped")))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got.snapshot())
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)

	assert.True(t, rl.Allow("u"))
	assert.True(t, rl.Allow("u"))
	assert.False(t, rl.Allow("u"))

	// Other clients have their own window.
	assert.True(t, rl.Allow("v"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("u"))
}
