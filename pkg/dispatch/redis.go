package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// redisPollTimeout bounds a single BRPOP so that Close and context
// cancellation are observed promptly.
const redisPollTimeout = time.Second

// enqueueScript pushes ARGV[1] unless it is already in the list. LPOS
// needs Redis 6.0.6 or later.
var enqueueScript = redis.NewScript(`
if redis.call("LPOS", KEYS[1], ARGV[1]) then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[1])
return 1
`)

// Compile-time interface check.
var _ Queue = (*RedisQueue)(nil)

// RedisQueue is a queue backed by a Redis list, shared by every process
// pointing at the same key. A run id is held at most once in the list.
type RedisQueue struct {
	log    logrus.FieldLogger
	client *redis.Client
	key    string
	closed atomic.Bool
}

// NewRedisQueue creates a queue on the list named by cfg.Key.
func NewRedisQueue(log logrus.FieldLogger, cfg *config.RedisConfig) *RedisQueue {
	key := cfg.Key
	if key == "" {
		key = config.DefaultRedisKey
	}

	return &RedisQueue{
		log: log.WithField("component", "redis-queue"),
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key: key,
	}
}

// Ping checks connectivity to Redis.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, runID string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	if err := enqueueScript.Run(ctx, q.client, []string{q.key}, runID).Err(); err != nil {
		return fmt.Errorf("enqueueing run: %w", err)
	}

	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if q.closed.Load() {
			return "", ErrQueueClosed
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		result, err := q.client.BRPop(ctx, redisPollTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}

			if ctx.Err() != nil {
				return "", ctx.Err()
			}

			if q.closed.Load() {
				return "", ErrQueueClosed
			}

			return "", fmt.Errorf("brpop: %w", err)
		}

		// BRPOP returns [key, value].
		if len(result) != 2 {
			q.log.WithField("reply", result).Warn("Unexpected BRPOP reply")

			continue
		}

		return result[1], nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}

	return n, nil
}

func (q *RedisQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := q.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}

	return nil
}
