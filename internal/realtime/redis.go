package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisChannel = "studytrack:changes"

var errMissingRedisClient = errors.New("realtime: redis client is required")

type redisEnvelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RedisBridgeConfig describes the dependencies of a RedisBridge.
type RedisBridgeConfig struct {
	Client  *redis.Client
	Channel string
	Local   *Dispatcher
	Logger  *zap.Logger
}

// RedisBridge relays change notifications between server instances. Local publishes
// are delivered immediately and forwarded to redis; messages from other instances are
// replayed into the local dispatcher.
type RedisBridge struct {
	client  *redis.Client
	channel string
	local   *Dispatcher
	logger  *zap.Logger
	origin  string
}

// NewRedisBridge constructs a bridge with a random origin identifier.
func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	local := cfg.Local
	if local == nil {
		local = NewDispatcher()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultRedisChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  cfg.Client,
		channel: channel,
		local:   local,
		logger:  logger,
		origin:  uuid.NewString(),
	}, nil
}

// Local returns the dispatcher that feeds this instance's websocket clients.
func (b *RedisBridge) Local() *Dispatcher {
	return b.local
}

// Publish delivers message locally and forwards it to the other instances.
func (b *RedisBridge) Publish(message Message) {
	b.local.Publish(message)
	payload, err := json.Marshal(redisEnvelope{Origin: b.origin, Message: message})
	if err != nil {
		b.logger.Error("realtime redis encode failed", zap.Error(err))
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, payload).Err(); err != nil {
		b.logger.Warn("realtime redis publish failed", zap.String("channel", b.channel), zap.Error(err))
	}
}

// Run replays messages published by other instances until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info("realtime redis bridge subscribed", zap.String("channel", b.channel))
	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			var envelope redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logger.Warn("realtime redis decode failed", zap.Error(err))
				continue
			}
			if envelope.Origin == b.origin {
				continue
			}
			b.local.Publish(envelope.Message)
		}
	}
}
