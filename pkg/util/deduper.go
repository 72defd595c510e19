package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper guards against the same message being processed twice by
// concurrent consumers.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// FormatDedupKey formats the redis key for a handler + emailID.
func FormatDedupKey(handler, emailID string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, emailID)
}

// AcquireOnce tries to acquire a dedup lock for a given handler + emailID
// returns true if this is the FIRST time processing
// returns false if it's a duplicate
func (d *Deduper) AcquireOnce(ctx context.Context, handler string, emailID string) bool {
	key := FormatDedupKey(handler, emailID)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		// Redis 挂了？为了安全：当 redis 不可用时，不阻止处理，返回 true
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("email_id", emailID),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("email_id", emailID),
			zap.String("dedup_key", key),
		)
	}

	return ok
}

// Release drops the lock so that a requeued message can be picked up again.
func (d *Deduper) Release(ctx context.Context, handler string, emailID string) {
	if err := d.rdb.Del(ctx, FormatDedupKey(handler, emailID)).Err(); err != nil {
		d.logger.Warn("Redis dedup release failed",
			zap.String("handler", handler),
			zap.String("email_id", emailID),
			zap.Error(err),
		)
	}
}
