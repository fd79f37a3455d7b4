package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/models"
)

// RedisTracker records memory read accesses in Redis hashes, one
// count hash and one last-access hash per user. Tracking is a side
// channel: callers treat every failure as non-fatal.
type RedisTracker struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisTracker connects to Redis and verifies the connection
func NewRedisTracker(addr, password string, db int, log *zap.Logger) (*RedisTracker, error) {
	if log == nil {
		log = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("redis access tracker connected", zap.String("addr", addr))
	return &RedisTracker{client: client, log: log}, nil
}

func countsKey(userID string) string {
	return "memflow:access:counts:" + userID
}

func lastAccessKey(userID string) string {
	return "memflow:access:last:" + userID
}

// Track records one read of memoryID: the per-memory counter is
// incremented and the last-access timestamp overwritten
func (t *RedisTracker) Track(ctx context.Context, userID string, kind models.Kind, memoryID string, at time.Time) error {
	field := string(kind) + ":" + memoryID

	pipe := t.client.Pipeline()
	pipe.HIncrBy(ctx, countsKey(userID), field, 1)
	pipe.HSet(ctx, lastAccessKey(userID), field, at.UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to track access: %w", err)
	}
	return nil
}

// AccessCounts returns the per-memory read counters for a user, keyed
// by "kind:memory_id"
func (t *RedisTracker) AccessCounts(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := t.client.HGetAll(ctx, countsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read access counts: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for field, val := range raw {
		var n int64
		if _, err := fmt.Sscanf(val, "%d", &n); err == nil {
			out[field] = n
		}
	}
	return out, nil
}

// Close releases the Redis connection
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
