package call

import (
	"context"
	"log/slog"
	"time"

	"voicebridge/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const (
	concurrencyKey = "voicebridge:active_calls"

	// Slot TTL well past the longest plausible call; a crashed process
	// leaks its slots only until then.
	concurrencyTTL = 2 * time.Hour
)

// RedisLimiter enforces a cross-process active-call cap backed by an atomic
// Redis counter.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	log   *slog.Logger
}

func NewRedisLimiter(rdb *redis.Client, limit int, log *slog.Logger) *RedisLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLimiter{rdb: rdb, limit: limit, log: log}
}

func (l *RedisLimiter) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, concurrencyKey, l.limit, concurrencyTTL)
}

func (l *RedisLimiter) Release(ctx context.Context) {
	if err := utils.ReleaseConcurrencyCap(ctx, l.rdb, concurrencyKey); err != nil {
		l.log.Warn("concurrency slot release failed", "err", err)
	}
}
