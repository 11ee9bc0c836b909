package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "sl:queue:"

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisTransport maps every queue onto a Redis list: LPUSH to send, RPOP to receive.
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger hclog.Logger
	mu     sync.RWMutex
	closed bool
}

func NewRedisTransport(ctx context.Context, config RedisConfig, logger hclog.Logger) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", config.Addr, err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	logger.Info(fmt.Sprintf("Connected to redis at %s", config.Addr))

	return &RedisTransport{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

func (t *RedisTransport) key(queue string) string {
	return t.prefix + queue
}

func (t *RedisTransport) Send(ctx context.Context, queue string, body []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}

	if err := t.client.LPush(ctx, t.key(queue), body).Err(); err != nil {
		return fmt.Errorf("sending to %s: %w", queue, err)
	}
	return nil
}

func (t *RedisTransport) TryReceive(ctx context.Context, queue string) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, false, ErrClosed
	}

	body, err := t.client.RPop(ctx, t.key(queue)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("receiving from %s: %w", queue, err)
	}
	return body, true, nil
}

func (t *RedisTransport) Purge(ctx context.Context, match func(queue string) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}

	iter := t.client.Scan(ctx, 0, t.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		queue := strings.TrimPrefix(key, t.prefix)
		if !match(queue) {
			continue
		}
		if err := t.client.Del(ctx, key).Err(); err != nil {
			t.logger.Warn(fmt.Sprintf("Failed to delete queue '%s': %s", queue, err.Error()))
			continue
		}
		t.logger.Debug(fmt.Sprintf("Queue '%s' deleted.", queue))
	}
	return iter.Err()
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}
