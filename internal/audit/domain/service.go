package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
	"gorm.io/gorm"
)

type BeginRequest struct {
	BatchID      string
	SourceUserID int64
	EventType    string
	EarnedAmount decimal.Decimal
	Currency     ledgerdomain.Currency
	BonusPercent decimal.Decimal
}

type CompleteRequest struct {
	BatchID          string
	LevelsProcessed  int
	InviterCount     int
	TotalDistributed decimal.Decimal
}

// FailRequest ends a batch as failed. The counts describe what was already
// paid before the failure and must match the batch's ledger rows.
type FailRequest struct {
	BatchID          string
	Reason           string
	LevelsProcessed  int
	InviterCount     int
	TotalDistributed decimal.Decimal
}

type Service interface {
	// Begin creates the pending batch. When a batch with the same id already
	// exists it is returned unchanged with created=false.
	Begin(ctx context.Context, req BeginRequest) (batch DistributionBatch, created bool, err error)
	// Claim takes over a pending batch last touched at or before staleBefore
	// and bumps its attempt count.
	Claim(ctx context.Context, batchID string, staleBefore time.Time) (bool, error)
	Complete(ctx context.Context, req CompleteRequest) (DistributionBatch, error)
	Fail(ctx context.Context, req FailRequest) (DistributionBatch, error)
	RecordOmission(ctx context.Context, omission DistributionOmission) error
	Get(ctx context.Context, batchID string) (DistributionBatch, error)
	ListOmissions(ctx context.Context, batchID string) ([]DistributionOmission, error)
	ListStalePending(ctx context.Context, staleBefore time.Time, limit int) ([]DistributionBatch, error)
}

type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, batch *DistributionBatch) (bool, error)
	FindBatch(ctx context.Context, db *gorm.DB, batchID string) (*DistributionBatch, error)
	ClaimPending(ctx context.Context, db *gorm.DB, batchID string, staleBefore, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, req CompleteRequest, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, req FailRequest, now time.Time) (bool, error)
	InsertOmission(ctx context.Context, db *gorm.DB, omission *DistributionOmission) error
	ListOmissions(ctx context.Context, db *gorm.DB, batchID string) ([]DistributionOmission, error)
	ListStalePending(ctx context.Context, db *gorm.DB, staleBefore time.Time, limit int) ([]DistributionBatch, error)
}

var (
	ErrInvalidBatchID  = errors.New("invalid_batch_id")
	ErrInvalidReason   = errors.New("invalid_reason")
	ErrBatchNotFound   = errors.New("batch_not_found")
	ErrBatchNotPending = errors.New("batch_not_pending")
	// ErrCountsOutOfRange guards inviter_count <= levels_processed <= 20.
	ErrCountsOutOfRange = errors.New("batch_counts_out_of_range")
)
