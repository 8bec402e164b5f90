package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fanout/pkg/db/pagination"
)

type CreditRequest struct {
	BatchID       string
	BeneficiaryID int64
	SourceUserID  int64
	Level         int
	Amount        decimal.Decimal
	Currency      Currency
}

type CreditResult struct {
	EntryID snowflake.ID
	// Inserted is false when the (batch, level) credit already existed.
	Inserted bool
}

type BatchTotals struct {
	Total   decimal.Decimal
	Entries int
}

type HistoryRequest struct {
	UserID int64
	pagination.Pagination
}

type HistoryResponse struct {
	pagination.PageInfo
	Entries []CommissionLedgerEntry `json:"entries"`
}

type Service interface {
	// Credit appends a ledger row and increments the beneficiary balance in
	// one transaction.
	Credit(ctx context.Context, req CreditRequest) (CreditResult, error)
	SumByBatch(ctx context.Context, batchID string) (BatchTotals, error)
	ListByBeneficiary(ctx context.Context, req HistoryRequest) (HistoryResponse, error)
}

var (
	ErrBeneficiaryNotFound = errors.New("beneficiary_not_found")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidLevel        = errors.New("invalid_level")
	ErrInvalidBatchID      = errors.New("invalid_batch_id")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)
