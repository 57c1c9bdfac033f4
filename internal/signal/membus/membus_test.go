package membus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(data []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(data))
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestBusFanOut(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx := context.Background()

	var a, b, other collector
	_, err := bus.Subscribe(ctx, "room:x", a.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "room:x", b.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "room:y", other.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "room:x", []byte("one")))
	require.NoError(t, bus.Publish(ctx, "room:x", []byte("two")))

	require.Eventually(t, func() bool {
		return len(a.snapshot()) == 2 && len(b.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	// Per-subscriber delivery preserves publish order.
	assert.Equal(t, []string{"one", "two"}, a.snapshot())
	assert.Equal(t, []string{"one", "two"}, b.snapshot())
	assert.Empty(t, other.snapshot())
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx := context.Background()

	var c collector
	sub, err := bus.Subscribe(ctx, "t", c.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "t", []byte("before")))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, bus.Publish(ctx, "t", []byte("after")))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"before"}, c.snapshot())
}

func TestBusClose(t *testing.T) {
	bus := New()
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "t", func([]byte) {})
	require.NoError(t, err)

	bus.Close()
	assert.ErrorIs(t, bus.Publish(ctx, "t", []byte("x")), ErrClosed)
	_, err = bus.Subscribe(ctx, "t", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)

	// Closing twice is safe.
	bus.Close()
}
