package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/lernova/credits/internal/authorization"
	"github.com/lernova/credits/internal/catalog"
	"github.com/lernova/credits/internal/clock"
	"github.com/lernova/credits/internal/config"
	"github.com/lernova/credits/internal/credit"
	"github.com/lernova/credits/internal/migration"
	"github.com/lernova/credits/internal/observability"
	"github.com/lernova/credits/internal/policy"
	"github.com/lernova/credits/internal/ratelimit"
	"github.com/lernova/credits/internal/server"
	"github.com/lernova/credits/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		migration.Module,

		policy.Module,
		catalog.Module,
		authorization.Module,
		ratelimit.Module,
		credit.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
