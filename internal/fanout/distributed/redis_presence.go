package distributed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPresencePrefix = "chat:presence"
	DefaultPresenceTTL    = 90 * time.Second
)

// RedisPresence tracks live connections of each user in a sorted set scored
// by expiry time. A connection that stops refreshing (its process died)
// falls out of the count once its score passes.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisPresence(client *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = DefaultPresencePrefix
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (p *RedisPresence) key(userID string) string {
	return p.prefix + ":" + userID
}

func (p *RedisPresence) Join(ctx context.Context, userID, handleID string) error {
	return p.touch(ctx, userID, handleID)
}

func (p *RedisPresence) Refresh(ctx context.Context, userID, handleID string) error {
	return p.touch(ctx, userID, handleID)
}

func (p *RedisPresence) touch(ctx context.Context, userID, handleID string) error {
	key := p.key(userID)
	now := p.now()

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(p.ttl).UnixMilli()), Member: handleID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record presence for %s: %w", userID, err)
	}
	return nil
}

func (p *RedisPresence) Leave(ctx context.Context, userID, handleID string) error {
	if err := p.client.ZRem(ctx, p.key(userID), handleID).Err(); err != nil {
		return fmt.Errorf("failed to clear presence for %s: %w", userID, err)
	}
	return nil
}

func (p *RedisPresence) Online(ctx context.Context, userID string) (bool, error) {
	min := "(" + strconv.FormatInt(p.now().UnixMilli(), 10)
	n, err := p.client.ZCount(ctx, p.key(userID), min, "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence for %s: %w", userID, err)
	}
	return n > 0, nil
}
