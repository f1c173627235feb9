package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmissionCache remembers accepted plan ids so a plan submitted to several API nodes is queued once.
type SubmissionCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewSubmissionCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *SubmissionCache {
	return &SubmissionCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

// MarkSubmitted records planID and reports whether it was seen for the first time.
func (c *SubmissionCache) MarkSubmitted(ctx context.Context, planID string) (bool, error) {
	return c.client.SetNX(ctx, c.keyPrefix+planID, time.Now().Unix(), c.expireDuration).Result()
}

// Forget drops planID, used when the plan could not be queued after all.
func (c *SubmissionCache) Forget(ctx context.Context, planID string) error {
	return c.client.Del(ctx, c.keyPrefix+planID).Err()
}
