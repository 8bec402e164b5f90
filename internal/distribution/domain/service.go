package domain

import (
	"context"
	"errors"
	"time"

	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
)

type Service interface {
	// Distribute pays the referral chain of event.SourceUserID exactly once
	// per idempotency key.
	Distribute(ctx context.Context, event RewardEvent) (BatchResult, error)
	// Recover re-runs a pending batch idle since staleBefore. claimed is false
	// when another process got there first or the batch is no longer pending.
	Recover(ctx context.Context, batchID string, staleBefore time.Time) (result BatchResult, claimed bool, err error)
	GetBatchStatus(ctx context.Context, batchID string) (BatchStatusResponse, error)
	GetCommissionHistory(ctx context.Context, req ledgerdomain.HistoryRequest) (ledgerdomain.HistoryResponse, error)
}

var (
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrInvalidEventType      = errors.New("invalid_event_type")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidSourceUser     = errors.New("invalid_source_user")

	// ErrRetryLater is returned while a batch is left pending after a
	// storage failure. Retrying with the same idempotency key is safe.
	ErrRetryLater = errors.New("distribution_retry_later")
)

// IsValidationError reports whether err rejects the event itself; no batch
// exists for such events.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrInvalidEventType) ||
		errors.Is(err, ErrInvalidIdempotencyKey) ||
		errors.Is(err, ErrInvalidSourceUser)
}
