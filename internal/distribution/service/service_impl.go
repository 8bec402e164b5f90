package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/fanout/internal/audit/domain"
	"github.com/smallbiznis/fanout/internal/clock"
	"github.com/smallbiznis/fanout/internal/config"
	"github.com/smallbiznis/fanout/internal/distribution/calculator"
	distributiondomain "github.com/smallbiznis/fanout/internal/distribution/domain"
	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
	"github.com/smallbiznis/fanout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fanout/internal/observability/metrics"
	perfdomain "github.com/smallbiznis/fanout/internal/performance/domain"
	referraldomain "github.com/smallbiznis/fanout/internal/referral/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("fanout/distribution")

type Config struct {
	// Timeout bounds one Distribute call. Zero disables the deadline.
	Timeout time.Duration
	// ReclaimAfter is how long a pending batch must be idle before a replay
	// of its event may take it over.
	ReclaimAfter time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Timeout:      cfg.DistributionTimeout,
		ReclaimAfter: cfg.ReclaimAfter,
	}
}

type Params struct {
	fx.In

	Log           *zap.Logger
	Config        Config
	Clock         clock.Clock
	Policy        *config.DistributionPolicyHolder
	Resolver      referraldomain.Resolver
	Ledger        ledgerdomain.Service
	Audit         auditdomain.Service
	Recorder      perfdomain.Recorder
	ObsMetrics    *obsmetrics.Metrics       `optional:"true"`
	EngineMetrics *obsmetrics.EngineMetrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	policy        *config.DistributionPolicyHolder
	resolver      referraldomain.Resolver
	ledger        ledgerdomain.Service
	audit         auditdomain.Service
	recorder      perfdomain.Recorder
	obsMetrics    *obsmetrics.Metrics
	engineMetrics *obsmetrics.EngineMetrics
}

func NewService(p Params) distributiondomain.Service {
	return &Service{
		log:           p.Log.Named("distribution.service"),
		cfg:           p.Config,
		clock:         p.Clock,
		policy:        p.Policy,
		resolver:      p.Resolver,
		ledger:        p.Ledger,
		audit:         p.Audit,
		recorder:      p.Recorder,
		obsMetrics:    p.ObsMetrics,
		engineMetrics: p.EngineMetrics,
	}
}

func (s *Service) Distribute(ctx context.Context, event distributiondomain.RewardEvent) (distributiondomain.BatchResult, error) {
	start := time.Now()

	event, err := event.Normalize()
	if err != nil {
		return distributiondomain.BatchResult{}, err
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	ctx = logger.WithBatchID(ctx, event.IdempotencyKey)
	ctx, span := tracer.Start(ctx, "distribution.Distribute", trace.WithAttributes(
		attribute.String("event_type", string(event.EventType)),
		attribute.String("currency", string(event.Currency)),
	))
	defer span.End()

	policy := s.policy.Get()

	begun, err := retryPersistence(ctx, s, policy, "audit.begin", func() (beginResult, error) {
		batch, created, err := s.audit.Begin(ctx, auditdomain.BeginRequest{
			BatchID:      event.IdempotencyKey,
			SourceUserID: event.SourceUserID,
			EventType:    string(event.EventType),
			EarnedAmount: event.Amount,
			Currency:     event.Currency,
			BonusPercent: policy.BonusPercentFor(string(event.EventType)),
		})
		return beginResult{batch: batch, created: created}, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		return distributiondomain.BatchResult{}, fmt.Errorf("%w: %w", distributiondomain.ErrRetryLater, err)
	}

	batch, created := begun.batch, begun.created
	if !created {
		batch, created, err = s.reclaim(ctx, batch)
		if err != nil {
			return distributiondomain.BatchResult{}, fmt.Errorf("%w: %w", distributiondomain.ErrRetryLater, err)
		}
		if !created {
			span.SetAttributes(attribute.Bool("replayed", true))
			return distributiondomain.ResultFromBatch(batch, true), nil
		}
	}

	result, err := s.process(ctx, batch, policy)

	s.recorder.Record(ctx, perfdomain.OperationDistribute, batch.BatchID, time.Since(start), map[string]any{
		"status":           string(result.Status),
		"levels_processed": result.LevelsProcessed,
		"inviter_count":    result.InviterCount,
	})
	span.SetAttributes(attribute.String("status", string(result.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "distribution deferred")
	}
	return result, err
}

// reclaim decides what to do with an existing batch. It returns
// claimed=true when this call now owns a stale pending batch.
func (s *Service) reclaim(ctx context.Context, batch auditdomain.DistributionBatch) (auditdomain.DistributionBatch, bool, error) {
	if batch.Status.Terminal() || s.cfg.ReclaimAfter <= 0 {
		return batch, false, nil
	}
	staleBefore := s.clock.Now().Add(-s.cfg.ReclaimAfter)
	if batch.UpdatedAt.After(staleBefore) {
		return batch, false, nil
	}

	claimed, err := s.audit.Claim(ctx, batch.BatchID, staleBefore)
	if err != nil {
		return auditdomain.DistributionBatch{}, false, err
	}
	current, err := s.audit.Get(ctx, batch.BatchID)
	if err != nil {
		return auditdomain.DistributionBatch{}, false, err
	}
	if claimed {
		logger.WithContext(ctx, s.log).Info("reclaimed stale distribution batch",
			zap.Int("attempts", current.Attempts),
		)
	}
	return current, claimed, nil
}

func (s *Service) Recover(ctx context.Context, batchID string, staleBefore time.Time) (distributiondomain.BatchResult, bool, error) {
	start := time.Now()
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return distributiondomain.BatchResult{}, false, distributiondomain.ErrInvalidIdempotencyKey
	}

	ctx = logger.WithBatchID(ctx, batchID)
	ctx, span := tracer.Start(ctx, "distribution.Recover")
	defer span.End()

	claimed, err := s.audit.Claim(ctx, batchID, staleBefore)
	if err != nil {
		span.RecordError(err)
		return distributiondomain.BatchResult{}, false, err
	}
	batch, err := s.audit.Get(ctx, batchID)
	if err != nil {
		return distributiondomain.BatchResult{}, claimed, err
	}
	if !claimed {
		return distributiondomain.ResultFromBatch(batch, true), false, nil
	}

	result, err := s.process(ctx, batch, s.policy.Get())
	s.recorder.Record(ctx, perfdomain.OperationRecover, batchID, time.Since(start), map[string]any{
		"status":   string(result.Status),
		"attempts": batch.Attempts,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery deferred")
	}
	return result, true, err
}

// process runs a pending batch that this call owns. Levels already credited
// or already omitted by an earlier attempt are skipped, so re-running a batch
// never pays a level twice.
func (s *Service) process(ctx context.Context, batch auditdomain.DistributionBatch, policy config.DistributionPolicy) (distributiondomain.BatchResult, error) {
	log := logger.WithContext(ctx, s.log)

	if batch.Attempts > policy.MaxAttempts {
		return s.fail(ctx, batch, fmt.Sprintf("distribution abandoned after %d attempts", batch.Attempts-1))
	}

	resolveStart := time.Now()
	chain, err := retryPersistence(ctx, s, policy, "referral.resolve", func() ([]referraldomain.ChainLink, error) {
		return s.resolver.Resolve(ctx, batch.SourceUserID)
	})
	s.recorder.Record(ctx, perfdomain.OperationResolve, batch.BatchID, time.Since(resolveStart), map[string]any{
		"chain_length": len(chain),
	})
	if err != nil {
		if errors.Is(err, referraldomain.ErrChainCycle) {
			return s.fail(ctx, batch, err.Error())
		}
		return s.postpone(ctx, batch, policy, err)
	}

	skip := map[int]struct{}{}
	if batch.Attempts > 1 {
		omissions, err := s.audit.ListOmissions(ctx, batch.BatchID)
		if err != nil {
			return s.postpone(ctx, batch, policy, err)
		}
		for _, omission := range omissions {
			skip[omission.Level] = struct{}{}
		}
	}

	for _, link := range chain {
		if _, done := skip[link.Level]; done {
			continue
		}

		amount, err := calculator.Amount(batch.EarnedAmount, batch.BonusPercent, link.Level)
		if err != nil {
			return s.fail(ctx, batch, err.Error())
		}
		if !amount.IsPositive() {
			if err := s.omit(ctx, batch, link, auditdomain.OmissionReasonBelowMinimumUnit); err != nil {
				return s.postpone(ctx, batch, policy, err)
			}
			continue
		}

		_, err = retryPersistence(ctx, s, policy, "ledger.credit", func() (ledgerdomain.CreditResult, error) {
			return s.ledger.Credit(ctx, ledgerdomain.CreditRequest{
				BatchID:       batch.BatchID,
				BeneficiaryID: link.AncestorID,
				SourceUserID:  batch.SourceUserID,
				Level:         link.Level,
				Amount:        amount,
				Currency:      batch.Currency,
			})
		})
		switch {
		case err == nil:
		case errors.Is(err, ledgerdomain.ErrBeneficiaryNotFound):
			if err := s.omit(ctx, batch, link, auditdomain.OmissionReasonBeneficiaryUnavailable); err != nil {
				return s.postpone(ctx, batch, policy, err)
			}
		default:
			return s.postpone(ctx, batch, policy, err)
		}
	}

	totals, err := retryPersistence(ctx, s, policy, "ledger.sum_by_batch", func() (ledgerdomain.BatchTotals, error) {
		return s.ledger.SumByBatch(ctx, batch.BatchID)
	})
	if err != nil {
		return s.postpone(ctx, batch, policy, err)
	}

	completed, err := s.audit.Complete(ctx, auditdomain.CompleteRequest{
		BatchID:          batch.BatchID,
		LevelsProcessed:  len(chain),
		InviterCount:     totals.Entries,
		TotalDistributed: totals.Total,
	})
	if errors.Is(err, auditdomain.ErrBatchNotPending) {
		// a concurrent run of the same batch finished first
		current, getErr := s.audit.Get(ctx, batch.BatchID)
		if getErr != nil {
			return s.postpone(ctx, batch, policy, getErr)
		}
		log.Info("distribution batch settled by another run", zap.String("status", string(current.Status)))
		return distributiondomain.ResultFromBatch(current, true), nil
	}
	if err != nil {
		return s.postpone(ctx, batch, policy, err)
	}

	s.recordOutcome(ctx, completed)
	return distributiondomain.ResultFromBatch(completed, false), nil
}

func (s *Service) omit(ctx context.Context, batch auditdomain.DistributionBatch, link referraldomain.ChainLink, reason string) error {
	err := s.audit.RecordOmission(ctx, auditdomain.DistributionOmission{
		BatchID:           batch.BatchID,
		Level:             link.Level,
		BeneficiaryUserID: link.AncestorID,
		Reason:            reason,
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordOmission(ctx, reason)
	return nil
}

// fail ends the batch as failed. Levels credited by earlier steps stay paid,
// so the batch records the ledger totals it already holds.
func (s *Service) fail(ctx context.Context, batch auditdomain.DistributionBatch, reason string) (distributiondomain.BatchResult, error) {
	settleCtx := context.WithoutCancel(ctx)

	totals, err := s.ledger.SumByBatch(settleCtx, batch.BatchID)
	if err != nil {
		return pendingResult(batch, reason), fmt.Errorf("%w: %w", distributiondomain.ErrRetryLater, err)
	}
	omissions, err := s.audit.ListOmissions(settleCtx, batch.BatchID)
	if err != nil {
		return pendingResult(batch, reason), fmt.Errorf("%w: %w", distributiondomain.ErrRetryLater, err)
	}

	failed, err := s.audit.Fail(settleCtx, auditdomain.FailRequest{
		BatchID:          batch.BatchID,
		Reason:           reason,
		LevelsProcessed:  totals.Entries + len(omissions),
		InviterCount:     totals.Entries,
		TotalDistributed: totals.Total,
	})
	if errors.Is(err, auditdomain.ErrBatchNotPending) {
		current, getErr := s.audit.Get(ctx, batch.BatchID)
		if getErr != nil {
			return pendingResult(batch, reason), fmt.Errorf("%w: %w", distributiondomain.ErrRetryLater, getErr)
		}
		return distributiondomain.ResultFromBatch(current, true), nil
	}
	if err != nil {
		return pendingResult(batch, reason), fmt.Errorf("%w: %w", distributiondomain.ErrRetryLater, err)
	}
	s.recordOutcome(ctx, failed)
	return distributiondomain.ResultFromBatch(failed, false), nil
}

// postpone leaves the batch pending for a later replay or recovery run, or
// fails it once it has used up its attempts.
func (s *Service) postpone(ctx context.Context, batch auditdomain.DistributionBatch, policy config.DistributionPolicy, cause error) (distributiondomain.BatchResult, error) {
	log := logger.WithContext(ctx, s.log)

	if ctx.Err() == nil && batch.Attempts >= policy.MaxAttempts {
		return s.fail(ctx, batch, fmt.Sprintf("persistence failure after %d attempts: %v", batch.Attempts, cause))
	}

	log.Warn("distribution batch left pending",
		zap.Int("attempts", batch.Attempts),
		zap.Int("max_attempts", policy.MaxAttempts),
		zap.Error(cause),
	)
	s.engineMetrics.IncBatchOutcome(string(auditdomain.BatchStatusPending))
	s.obsMetrics.RecordDistribution(ctx, batch.EventType, string(auditdomain.BatchStatusPending))
	return pendingResult(batch, cause.Error()), fmt.Errorf("%w: %w", distributiondomain.ErrRetryLater, cause)
}

func (s *Service) recordOutcome(ctx context.Context, batch auditdomain.DistributionBatch) {
	s.engineMetrics.IncBatchOutcome(string(batch.Status))
	s.obsMetrics.RecordDistribution(ctx, batch.EventType, string(batch.Status))
}

func (s *Service) GetBatchStatus(ctx context.Context, batchID string) (distributiondomain.BatchStatusResponse, error) {
	batch, err := s.audit.Get(ctx, batchID)
	if err != nil {
		return distributiondomain.BatchStatusResponse{}, err
	}
	omissions, err := s.audit.ListOmissions(ctx, batch.BatchID)
	if err != nil {
		return distributiondomain.BatchStatusResponse{}, err
	}
	return distributiondomain.BatchStatusResponse{Batch: batch, Omissions: omissions}, nil
}

func (s *Service) GetCommissionHistory(ctx context.Context, req ledgerdomain.HistoryRequest) (ledgerdomain.HistoryResponse, error) {
	return s.ledger.ListByBeneficiary(ctx, req)
}

func pendingResult(batch auditdomain.DistributionBatch, message string) distributiondomain.BatchResult {
	result := distributiondomain.ResultFromBatch(batch, false)
	result.Status = auditdomain.BatchStatusPending
	result.ErrorMessage = message
	return result
}

type beginResult struct {
	batch   auditdomain.DistributionBatch
	created bool
}
