package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fanout/internal/audit"
	"github.com/smallbiznis/fanout/internal/cache"
	"github.com/smallbiznis/fanout/internal/clock"
	"github.com/smallbiznis/fanout/internal/config"
	distributionservice "github.com/smallbiznis/fanout/internal/distribution/service"
	"github.com/smallbiznis/fanout/internal/ledger"
	"github.com/smallbiznis/fanout/internal/observability"
	"github.com/smallbiznis/fanout/internal/performance"
	"github.com/smallbiznis/fanout/internal/referral"
	"github.com/smallbiznis/fanout/internal/scheduler"
	"github.com/smallbiznis/fanout/pkg/db"
	"go.uber.org/fx"
)

// Standalone recovery sweeper. Runs next to the API nodes and shares the
// sweep lease with them through redis.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,

		// Domain services required by scheduler
		referral.Module,
		ledger.Module,
		audit.Module,
		performance.Module,
		fx.Provide(distributionservice.ConfigFrom),
		fx.Provide(distributionservice.NewService),

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
