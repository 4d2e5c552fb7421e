package cache

import (
	"context"
	"strings"
	"time"

	"github.com/lernova/credits/internal/clock"
	"github.com/lernova/credits/internal/config"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// BalanceCache is the process-local, time-bounded copy of account
// records. It bounds staleness to the TTL under read-only access and
// to zero immediately after a mutation committed by this process.
type BalanceCache struct {
	entries       *TTLCache[string, creditdomain.CreditAccount]
	idleHorizon   time.Duration
	sweepInterval time.Duration
	log           *zap.Logger
}

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
}

// NewBalanceCache returns a cache tuned from config.
func NewBalanceCache(p Params) *BalanceCache {
	return &BalanceCache{
		entries:       NewTTLCache[string, creditdomain.CreditAccount](p.Cfg.Credit.BalanceTTL, p.Clock),
		idleHorizon:   p.Cfg.Credit.CacheIdleHorizon,
		sweepInterval: p.Cfg.Credit.CacheSweepInterval,
		log:           p.Log.Named("credit.cache"),
	}
}

func (c *BalanceCache) Get(userID string) (creditdomain.CreditAccount, bool) {
	return c.entries.Get(cacheKey(userID))
}

func (c *BalanceCache) Put(account creditdomain.CreditAccount) {
	if strings.TrimSpace(account.UserID) == "" {
		return
	}
	c.entries.Set(cacheKey(account.UserID), account)
}

// Invalidate removes the entry so the next read is guaranteed fresh.
// Mutations committed by this process refresh the entry through Put
// instead; Invalidate covers callers that cannot produce the
// post-commit record.
func (c *BalanceCache) Invalidate(userID string) {
	c.entries.Delete(cacheKey(userID))
}

// StartSweeper runs the idle eviction loop until the lifecycle stops.
func (c *BalanceCache) StartSweeper(lc fx.Lifecycle) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(c.sweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if evicted := c.entries.Sweep(c.idleHorizon); evicted > 0 {
							c.log.Debug("evicted idle balance entries", zap.Int("count", evicted))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func cacheKey(userID string) string {
	return strings.TrimSpace(userID)
}
