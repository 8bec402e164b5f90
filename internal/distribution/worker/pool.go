package worker

import (
	"context"
	"errors"
	"time"

	distributiondomain "github.com/smallbiznis/fanout/internal/distribution/domain"
	obslogger "github.com/smallbiznis/fanout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fanout/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Submitter accepts reward events for asynchronous distribution.
type Submitter interface {
	Submit(ctx context.Context, event distributiondomain.RewardEvent) error
}

type Params struct {
	fx.In

	Log          *zap.Logger
	Config       Config
	Source       Source
	Distribution distributiondomain.Service
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

// Pool runs Config.Count goroutines that pull events and call Distribute.
// Events are independent; the pool holds no cross-event locks.
type Pool struct {
	log          *zap.Logger
	cfg          Config
	source       Source
	distribution distributiondomain.Service
	obsMetrics   *obsmetrics.Metrics
}

func NewPool(p Params) *Pool {
	return &Pool{
		log:          p.Log.Named("distribution.worker"),
		cfg:          p.Config.withDefaults(),
		source:       p.Source,
		distribution: p.Distribution,
		obsMetrics:   p.ObsMetrics,
	}
}

// Submit validates event and hands it to the source.
func (p *Pool) Submit(ctx context.Context, event distributiondomain.RewardEvent) error {
	event, err := event.Normalize()
	if err != nil {
		return err
	}
	if err := p.source.Submit(ctx, event); err != nil {
		return err
	}
	p.obsMetrics.RecordEventQueued(ctx, p.source.Name())
	return nil
}

// Run blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	log := p.log.With(zap.Int("worker", worker))
	for {
		event, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("reward source read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollTimeout):
			}
			continue
		}
		p.handle(ctx, event)
	}
}

func (p *Pool) handle(ctx context.Context, event distributiondomain.RewardEvent) {
	ctx = obslogger.WithBatchID(ctx, event.IdempotencyKey)
	log := obslogger.WithContext(ctx, p.log)

	result, err := p.distribution.Distribute(ctx, event)
	switch {
	case err == nil:
		log.Debug("reward event distributed",
			zap.String("status", string(result.Status)),
			zap.Bool("replayed", result.Replayed),
			zap.Int("inviter_count", result.InviterCount),
		)
	case distributiondomain.IsValidationError(err):
		p.deadLetter(ctx, event, err)
	case errors.Is(err, distributiondomain.ErrRetryLater) && result.BatchID != "":
		// the batch exists and stays pending; the recovery sweep owns it now
		log.Warn("reward event deferred to recovery", zap.Error(err))
	default:
		p.deadLetter(ctx, event, err)
	}
}

func (p *Pool) deadLetter(ctx context.Context, event distributiondomain.RewardEvent, cause error) {
	if err := p.source.DeadLetter(context.WithoutCancel(ctx), event, cause.Error()); err != nil {
		obslogger.WithContext(ctx, p.log).Error("dead-letter failed",
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}
