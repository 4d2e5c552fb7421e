package credit

import (
	"context"

	"github.com/lernova/credits/internal/config"
	"github.com/lernova/credits/internal/credit/cache"
	"github.com/lernova/credits/internal/credit/repository"
	"github.com/lernova/credits/internal/credit/service"
	"github.com/lernova/credits/internal/credit/stream"
	"github.com/lernova/credits/internal/credit/watch"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the credit ledger: cache, stream hub, store, service
// and the reactive balance watcher.
var Module = fx.Module("credit",
	fx.Provide(
		cache.NewBalanceCache,
		stream.NewHub,
		repository.NewRepository,
		service.NewService,
		watch.NewWatcher,
	),
	fx.Invoke(startSweeper),
	fx.Invoke(startBridge),
)

func startSweeper(lc fx.Lifecycle, c *cache.BalanceCache) {
	c.StartSweeper(lc)
}

// startBridge links the in-process hub to the shared Redis channel so
// balance changes fan out across replicas. Without a Redis address the
// hub stays process-local.
func startBridge(lc fx.Lifecycle, cfg config.Config, hub *stream.Hub, log *zap.Logger) {
	if cfg.RedisAddr == "" {
		return
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	bridge := stream.NewRedisBridge(client, hub, log)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			bridge.Start()
			return nil
		},
		OnStop: func(_ context.Context) error {
			bridge.Stop()
			return client.Close()
		},
	})
}
