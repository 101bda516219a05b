package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/event"
)

const (
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
	redisPoolSize     = 10
)

// RedisConfig holds the connection settings of the event broker
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisPublisher publishes payloads with Redis PUBLISH
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to Redis and verifies the connection with PING
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = redisPoolSize
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisReadTimeout,
		WriteTimeout: redisWriteTimeout,
		PoolSize:     poolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisPublisher{client: client}, nil
}

// Publish implements port.EventPublisher
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Close releases the connection pool
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// BrokerNotifier fans every approval event out to a broker channel as JSON.
// Events go to "<prefix>.<event type>" so consumers can subscribe by pattern.
type BrokerNotifier struct {
	publisher port.EventPublisher
	prefix    string
	logger    *zap.Logger
}

// NewBrokerNotifier creates a notifier on top of an event publisher
func NewBrokerNotifier(publisher port.EventPublisher, prefix string, logger *zap.Logger) *BrokerNotifier {
	if prefix == "" {
		prefix = "approvals"
	}
	return &BrokerNotifier{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger,
	}
}

// Name implements port.Notifier
func (n *BrokerNotifier) Name() string {
	return "redis"
}

// Notify implements port.Notifier
func (n *BrokerNotifier) Notify(ctx context.Context, evt *event.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", evt.ID, err)
	}

	channel := n.Channel(evt.Type)
	if err := n.publisher.Publish(ctx, channel, payload); err != nil {
		return err
	}

	n.logger.Debug("Event published",
		zap.String("channel", channel),
		zap.String("event_id", evt.ID),
		zap.String("request_id", evt.RequestID))
	return nil
}

// Channel returns the broker channel for an event type
func (n *BrokerNotifier) Channel(t event.Type) string {
	return n.prefix + "." + string(t)
}

var (
	_ port.EventPublisher = (*RedisPublisher)(nil)
	_ port.Notifier       = (*BrokerNotifier)(nil)
)
