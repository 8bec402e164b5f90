package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/fanout/internal/audit/domain"
	"github.com/smallbiznis/fanout/internal/clock"
	"github.com/smallbiznis/fanout/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxLevels        = 20
	maxErrorMessage  = 1024
	defaultStaleList = 100
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Begin(ctx context.Context, req auditdomain.BeginRequest) (auditdomain.DistributionBatch, bool, error) {
	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		return auditdomain.DistributionBatch{}, false, auditdomain.ErrInvalidBatchID
	}

	now := s.clock.Now()
	batch := auditdomain.DistributionBatch{
		BatchID:      batchID,
		SourceUserID: req.SourceUserID,
		EventType:    req.EventType,
		EarnedAmount: req.EarnedAmount,
		Currency:     req.Currency,
		BonusPercent: req.BonusPercent,
		Status:       auditdomain.BatchStatusPending,
		Attempts:     1,
		ProcessedAt:  now,
		UpdatedAt:    now,
	}

	created, err := s.repo.InsertBatch(ctx, s.db, &batch)
	if err != nil {
		return auditdomain.DistributionBatch{}, false, db.WrapPersistence("audit.begin", err)
	}
	if created {
		s.log.Info("distribution batch opened",
			zap.String("batch_id", batchID),
			zap.Int64("source_user_id", req.SourceUserID),
			zap.String("event_type", req.EventType),
			zap.String("currency", string(req.Currency)),
		)
		return batch, true, nil
	}

	existing, err := s.Get(ctx, batchID)
	if err != nil {
		return auditdomain.DistributionBatch{}, false, err
	}
	return existing, false, nil
}

func (s *Service) Claim(ctx context.Context, batchID string, staleBefore time.Time) (bool, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return false, auditdomain.ErrInvalidBatchID
	}
	claimed, err := s.repo.ClaimPending(ctx, s.db, batchID, staleBefore.UTC(), s.clock.Now())
	if err != nil {
		return false, db.WrapPersistence("audit.claim", err)
	}
	return claimed, nil
}

func (s *Service) Complete(ctx context.Context, req auditdomain.CompleteRequest) (auditdomain.DistributionBatch, error) {
	req.BatchID = strings.TrimSpace(req.BatchID)
	if req.BatchID == "" {
		return auditdomain.DistributionBatch{}, auditdomain.ErrInvalidBatchID
	}
	if !countsInRange(req.LevelsProcessed, req.InviterCount, req.TotalDistributed) {
		return auditdomain.DistributionBatch{}, auditdomain.ErrCountsOutOfRange
	}

	updated, err := s.repo.MarkCompleted(ctx, s.db, req, s.clock.Now())
	if err != nil {
		return auditdomain.DistributionBatch{}, db.WrapPersistence("audit.complete", err)
	}
	if !updated {
		return auditdomain.DistributionBatch{}, auditdomain.ErrBatchNotPending
	}

	batch, err := s.Get(ctx, req.BatchID)
	if err != nil {
		return auditdomain.DistributionBatch{}, err
	}
	s.log.Info("distribution batch completed",
		zap.String("batch_id", batch.BatchID),
		zap.Int("levels_processed", batch.LevelsProcessed),
		zap.Int("inviter_count", batch.InviterCount),
		zap.String("total_distributed", batch.TotalDistributed.String()),
		zap.Int("attempts", batch.Attempts),
	)
	return batch, nil
}

func (s *Service) Fail(ctx context.Context, req auditdomain.FailRequest) (auditdomain.DistributionBatch, error) {
	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		return auditdomain.DistributionBatch{}, auditdomain.ErrInvalidBatchID
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return auditdomain.DistributionBatch{}, auditdomain.ErrInvalidReason
	}
	if !countsInRange(req.LevelsProcessed, req.InviterCount, req.TotalDistributed) {
		return auditdomain.DistributionBatch{}, auditdomain.ErrCountsOutOfRange
	}
	req.BatchID = batchID
	req.Reason = truncateUTF8(reason, maxErrorMessage)

	updated, err := s.repo.MarkFailed(ctx, s.db, req, s.clock.Now())
	if err != nil {
		return auditdomain.DistributionBatch{}, db.WrapPersistence("audit.fail", err)
	}
	if !updated {
		return auditdomain.DistributionBatch{}, auditdomain.ErrBatchNotPending
	}

	batch, err := s.Get(ctx, batchID)
	if err != nil {
		return auditdomain.DistributionBatch{}, err
	}
	s.log.Error("distribution batch failed",
		zap.String("batch_id", batchID),
		zap.String("reason", req.Reason),
		zap.Int("inviter_count", batch.InviterCount),
		zap.String("total_distributed", batch.TotalDistributed.String()),
		zap.Int("attempts", batch.Attempts),
	)
	return batch, nil
}

func (s *Service) RecordOmission(ctx context.Context, omission auditdomain.DistributionOmission) error {
	omission.BatchID = strings.TrimSpace(omission.BatchID)
	if omission.BatchID == "" {
		return auditdomain.ErrInvalidBatchID
	}
	omission.Reason = strings.TrimSpace(omission.Reason)
	if omission.Reason == "" {
		return auditdomain.ErrInvalidReason
	}
	if omission.ID == 0 {
		omission.ID = s.genID.Generate()
	}
	if omission.CreatedAt.IsZero() {
		omission.CreatedAt = s.clock.Now()
	}

	if err := s.repo.InsertOmission(ctx, s.db, &omission); err != nil {
		return db.WrapPersistence("audit.record_omission", err)
	}
	s.log.Warn("commission level omitted",
		zap.String("batch_id", omission.BatchID),
		zap.Int("level", omission.Level),
		zap.Int64("beneficiary_user_id", omission.BeneficiaryUserID),
		zap.String("reason", omission.Reason),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, batchID string) (auditdomain.DistributionBatch, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return auditdomain.DistributionBatch{}, auditdomain.ErrInvalidBatchID
	}
	batch, err := s.repo.FindBatch(ctx, s.db, batchID)
	if err != nil {
		return auditdomain.DistributionBatch{}, db.WrapPersistence("audit.get", err)
	}
	if batch == nil {
		return auditdomain.DistributionBatch{}, auditdomain.ErrBatchNotFound
	}
	return *batch, nil
}

func (s *Service) ListOmissions(ctx context.Context, batchID string) ([]auditdomain.DistributionOmission, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, auditdomain.ErrInvalidBatchID
	}
	items, err := s.repo.ListOmissions(ctx, s.db, batchID)
	if err != nil {
		return nil, db.WrapPersistence("audit.list_omissions", err)
	}
	if items == nil {
		items = []auditdomain.DistributionOmission{}
	}
	return items, nil
}

func (s *Service) ListStalePending(ctx context.Context, staleBefore time.Time, limit int) ([]auditdomain.DistributionBatch, error) {
	if limit <= 0 {
		limit = defaultStaleList
	}
	items, err := s.repo.ListStalePending(ctx, s.db, staleBefore.UTC(), limit)
	if err != nil {
		return nil, db.WrapPersistence("audit.list_stale_pending", err)
	}
	return items, nil
}

func countsInRange(levelsProcessed, inviterCount int, total decimal.Decimal) bool {
	return levelsProcessed >= 0 && levelsProcessed <= maxLevels &&
		inviterCount >= 0 && inviterCount <= levelsProcessed &&
		!total.IsNegative()
}

// truncateUTF8 cuts s to at most maxBytes without splitting a rune.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
