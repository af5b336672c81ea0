package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

// RedisInsightCache keeps reports as JSON strings with a native TTL.
type RedisInsightCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisInsightCache(client redis.Cmdable, config RedisConfig) *RedisInsightCache {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "fbq:insights"
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &RedisInsightCache{client: client, prefix: config.KeyPrefix, ttl: config.TTL}
}

func (c *RedisInsightCache) Get(ctx context.Context, key string) (domain.InsightReport, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.InsightReport{}, false, nil
		}
		return domain.InsightReport{}, false, fmt.Errorf("read cached report: %w", err)
	}

	var report domain.InsightReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return domain.InsightReport{}, false, fmt.Errorf("decode cached report: %w", err)
	}
	return report, true, nil
}

func (c *RedisInsightCache) Set(ctx context.Context, key string, report domain.InsightReport) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), encoded, c.ttl).Err(); err != nil {
		return fmt.Errorf("write cached report: %w", err)
	}
	return nil
}

func (c *RedisInsightCache) key(key string) string {
	return c.prefix + ":" + key
}
