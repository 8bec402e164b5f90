package performance

import (
	"context"

	perfdomain "github.com/smallbiznis/fanout/internal/performance/domain"
	"github.com/smallbiznis/fanout/internal/performance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("performance.recorder",
	fx.Provide(service.DefaultConfig),
	fx.Provide(service.NewRecorder),
	fx.Provide(func(r *service.Recorder) perfdomain.Recorder { return r }),
	fx.Invoke(runRecorder),
)

func runRecorder(lc fx.Lifecycle, r *service.Recorder) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				r.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
