package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const subscribeAttempts = 3

// RedisBusConfig describes a Redis pub/sub bus. The caller owns Client.
type RedisBusConfig struct {
	Client     redis.UniversalClient
	BufferSize int
	Logger     *zap.Logger
}

// RedisBus relays messages through Redis pub/sub so that sessions in
// different processes see each other's events.
type RedisBus struct {
	client     redis.UniversalClient
	bufferSize int
	logger     *zap.Logger
}

func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("fanout: redis client is required")
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: cfg.Client, bufferSize: bufferSize, logger: logger}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !validTopic(topic) {
		return ErrInvalidTopic
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so messages
// published afterwards are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if !validTopic(topic) {
		return nil, ErrInvalidTopic
	}
	pubsub := b.client.Subscribe(ctx, topic)
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), subscribeAttempts-1), ctx)
	err := backoff.Retry(func() error {
		_, err := pubsub.Receive(ctx)
		return err
	}, policy)
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("fanout: subscribe %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Message, b.bufferSize)
	incoming := pubsub.Channel(redis.WithChannelSize(b.bufferSize))
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-incoming:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: message.Channel, Payload: []byte(message.Payload)}:
				default:
					b.logger.Debug("fanout subscriber lagging, event dropped", zap.String("topic", topic))
				}
			}
		}
	}()
	return newSubscription(out, cancel), nil
}
