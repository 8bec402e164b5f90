package distribution

import (
	"github.com/smallbiznis/fanout/internal/distribution/service"
	"github.com/smallbiznis/fanout/internal/distribution/worker"
	"go.uber.org/fx"
)

var Module = fx.Module("distribution.service",
	fx.Provide(service.ConfigFrom),
	fx.Provide(service.NewService),
	worker.Module,
)
