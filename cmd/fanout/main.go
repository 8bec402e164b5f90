package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fanout/internal/audit"
	"github.com/smallbiznis/fanout/internal/cache"
	"github.com/smallbiznis/fanout/internal/clock"
	"github.com/smallbiznis/fanout/internal/config"
	"github.com/smallbiznis/fanout/internal/distribution"
	"github.com/smallbiznis/fanout/internal/ledger"
	"github.com/smallbiznis/fanout/internal/migration"
	"github.com/smallbiznis/fanout/internal/observability"
	"github.com/smallbiznis/fanout/internal/performance"
	"github.com/smallbiznis/fanout/internal/referral"
	"github.com/smallbiznis/fanout/internal/scheduler"
	"github.com/smallbiznis/fanout/internal/server"
	"github.com/smallbiznis/fanout/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cache.Module,

		// Functional Domains
		referral.Module,
		ledger.Module,
		audit.Module,
		performance.Module,
		distribution.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
