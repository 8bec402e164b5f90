package worker

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("distribution.worker",
	fx.Provide(ProvideConfig),
	fx.Provide(NewSource),
	fx.Provide(NewPool),
	fx.Provide(func(p *Pool) Submitter { return p }),
	fx.Invoke(runPool),
)

func runPool(lc fx.Lifecycle, pool *Pool) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				_ = pool.Run(ctx)
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
