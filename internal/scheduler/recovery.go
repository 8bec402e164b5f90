package scheduler

import (
	"context"
	"errors"
	"fmt"

	obsmetrics "github.com/smallbiznis/fanout/internal/observability/metrics"
	"go.uber.org/zap"
)

const JobRecoverStaleBatches = "recover_stale_batches"

// RecoverStaleBatchesJob re-runs distribution batches left pending by a
// crashed or timed-out worker. Each batch is claimed with a conditional
// update, so concurrent sweeps never process the same batch twice.
func (s *Scheduler) RecoverStaleBatchesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverStaleBatches, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !ok {
			s.engineMetrics.IncBatchDeferred(JobRecoverStaleBatches, obsmetrics.BatchDeferredReasonLockHeld)
			s.logger(ctx).Debug("recovery sweep skipped, lease held elsewhere")
			return nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger(ctx).Warn("release sweep lease", zap.Error(err))
			}
		}()
	}

	staleBefore := s.clock.Now().Add(-s.cfg.RecoveryThreshold)
	batches, err := s.audit.ListStalePending(ctx, staleBefore, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			jobErr = errors.Join(jobErr, err)
			break
		}

		result, claimed, err := s.distribution.Recover(ctx, batch.BatchID, staleBefore)
		if err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("recover batch %s: %w", batch.BatchID, err))
			s.logSchedulerError(ctx, run, "scheduler.batch.recover_failed", err,
				zap.String("batch_id", batch.BatchID),
				zap.Int("attempts", batch.Attempts),
			)
			continue
		}
		if !claimed {
			continue
		}
		processed++
		s.logger(ctx).Info("scheduler.batch.recovered",
			zap.String("batch_id", result.BatchID),
			zap.String("status", string(result.Status)),
			zap.Int("inviter_count", result.InviterCount),
		)
	}

	run.AddProcessed(processed)
	s.engineMetrics.AddBatchProcessed(JobRecoverStaleBatches, obsmetrics.ResourceDistributionBatches, processed)
	return jobErr
}
