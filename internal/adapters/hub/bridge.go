package hub

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedisBridge mirrors published frames between hub instances through
// Redis pub/sub. Each message carries the origin instance id so a hub
// never re-delivers what it published itself.
type RedisBridge struct {
	rdb      *redis.Client
	prefix   string
	instance string
	log      zerolog.Logger
	onRemote func(topic string, data []byte)

	ps     *redis.PubSub
	cancel context.CancelFunc
}

type bridgeMsg struct {
	Origin string `json:"origin"`
	Data   []byte `json:"data"`
}

func NewRedisBridge(rdb *redis.Client, prefix string) *RedisBridge {
	if prefix == "" {
		prefix = "huddle"
	}
	instance := uuid.NewString()
	return &RedisBridge{
		rdb:      rdb,
		prefix:   prefix,
		instance: instance,
		log:      log.With().Str("module", "hub.bridge").Str("instance", instance).Logger(),
	}
}

// Start opens the pattern subscription covering every hub topic. Must
// run after SetBridge so remote frames have somewhere to go.
func (b *RedisBridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.ps = b.rdb.PSubscribe(ctx, b.prefix+":*")
	if _, err := b.ps.Receive(ctx); err != nil {
		cancel()
		return err
	}

	go func() {
		for msg := range b.ps.Channel() {
			b.handle(msg)
		}
	}()
	b.log.Info().Str("prefix", b.prefix).Msg("bridge started")
	return nil
}

func (b *RedisBridge) handle(msg *redis.Message) {
	var bm bridgeMsg
	if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
		b.log.Warn().Err(err).Msg("bad bridge payload")
		return
	}
	if bm.Origin == b.instance {
		return
	}
	topic := strings.TrimPrefix(msg.Channel, b.prefix+":")
	if b.onRemote != nil {
		b.onRemote(topic, bm.Data)
	}
}

func (b *RedisBridge) forward(topic string, data []byte) {
	payload, err := json.Marshal(bridgeMsg{Origin: b.instance, Data: data})
	if err != nil {
		b.log.Error().Err(err).Msg("bridge marshal")
		return
	}
	if err := b.rdb.Publish(context.Background(), b.prefix+":"+topic, payload).Err(); err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("bridge publish failed")
	}
}

func (b *RedisBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.ps != nil {
		return b.ps.Close()
	}
	return nil
}
