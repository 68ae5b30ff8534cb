package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker stores heartbeats in one sorted set:
//
//	Key:    presence:admins
//	Member: <adminID>
//	Score:  last heartbeat, unix milliseconds
//
// Online checks are range queries with an exclusive lower bound at
// now - StaleThreshold, so no cleanup job is needed.
type RedisTracker struct {
	client *redis.Client
	cfg    Config
}

// NewRedisTracker creates a tracker on the given Redis client. Zero fields
// in cfg take their DefaultConfig values.
func NewRedisTracker(client *redis.Client, cfg Config) *RedisTracker {
	return &RedisTracker{client: client, cfg: cfg.withDefaults()}
}

func (t *RedisTracker) Heartbeat(ctx context.Context, adminID string) error {
	if adminID == "" {
		return fmt.Errorf("presence: heartbeat: empty admin id")
	}
	score := float64(t.cfg.Now().UnixMilli())
	if err := t.client.ZAdd(ctx, t.cfg.Key, redis.Z{Score: score, Member: adminID}).Err(); err != nil {
		return fmt.Errorf("presence: heartbeat %s: %w", adminID, err)
	}
	return nil
}

func (t *RedisTracker) IsOnline(ctx context.Context, adminID string) (bool, error) {
	last, ok, err := t.LastSeen(ctx, adminID)
	if err != nil || !ok {
		return false, err
	}
	return fresh(last, t.cfg.cutoff()), nil
}

func (t *RedisTracker) IsAnyAdminOnline(ctx context.Context) (bool, error) {
	n, err := t.client.ZCount(ctx, t.cfg.Key, t.minScore(), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("presence: count online: %w", err)
	}
	return n > 0, nil
}

func (t *RedisTracker) Online(ctx context.Context) ([]string, error) {
	ids, err := t.client.ZRevRangeByScore(ctx, t.cfg.Key, &redis.ZRangeBy{
		Min: t.minScore(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list online: %w", err)
	}
	return ids, nil
}

func (t *RedisTracker) LastSeen(ctx context.Context, adminID string) (time.Time, bool, error) {
	score, err := t.client.ZScore(ctx, t.cfg.Key, adminID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("presence: last seen %s: %w", adminID, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

// minScore is the exclusive lower bound of fresh heartbeats.
func (t *RedisTracker) minScore() string {
	return "(" + strconv.FormatInt(t.cfg.cutoff().UnixMilli(), 10)
}
