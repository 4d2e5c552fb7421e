package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/lernova/credits/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keySpendUser = "credits:spend:user:%s"

// SpendLimiter throttles spend requests per user so a runaway client
// cannot hammer the ledger. A nil limiter allows everything, which is
// the shape when rate limiting is disabled.
type SpendLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewSpendLimiter(cfg config.Config) *SpendLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if limitCfg.SpendRate <= 0 || limitCfg.SpendBurst <= 0 {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &SpendLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.SpendRate,
		burst:  limitCfg.SpendBurst,
	}
}

// NewAdjustLocker builds the lock used to serialize concurrent
// administrative adjustments against one account. Nil without Redis;
// callers fall through to the store's own atomicity.
func NewAdjustLocker(cfg config.Config) *Locker {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	return NewLocker(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))
}

// AllowSpend consumes one spend slot for the user.
func (l *SpendLimiter) AllowSpend(ctx context.Context, userID string) (*RateLimitResult, error) {
	if l == nil {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keySpendUser, strings.TrimSpace(userID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
