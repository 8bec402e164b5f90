package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/fanout/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
)

type EventType string

const (
	EventTypeFarmingReward EventType = "farming_reward"
	EventTypeBoostBonus    EventType = "boost_bonus"
	EventTypeDepositBonus  EventType = "deposit_bonus"
)

func ParseEventType(raw string) (EventType, error) {
	switch EventType(strings.ToLower(strings.TrimSpace(raw))) {
	case EventTypeFarmingReward:
		return EventTypeFarmingReward, nil
	case EventTypeBoostBonus:
		return EventTypeBoostBonus, nil
	case EventTypeDepositBonus:
		return EventTypeDepositBonus, nil
	default:
		return "", ErrInvalidEventType
	}
}

const MaxIdempotencyKeyLength = 255

// RewardEvent is a reward earned by SourceUserID that fans out to their
// inviters. IdempotencyKey identifies the event and becomes the batch id.
type RewardEvent struct {
	SourceUserID   int64                 `json:"source_user_id"`
	Amount         decimal.Decimal       `json:"amount"`
	Currency       ledgerdomain.Currency `json:"currency"`
	EventType      EventType             `json:"event_type"`
	IdempotencyKey string                `json:"idempotency_key"`
}

// numeric(38,6) upper bound
var maxEarnedAmount = decimal.New(1, 32).Sub(decimal.New(1, -6))

// Normalize validates the event and canonicalizes its enum fields.
func (e RewardEvent) Normalize() (RewardEvent, error) {
	if e.SourceUserID <= 0 {
		return e, ErrInvalidSourceUser
	}
	if !e.Amount.IsPositive() || !e.Amount.Equal(e.Amount.Truncate(ledgerdomain.AmountScale)) ||
		e.Amount.GreaterThan(maxEarnedAmount) {
		return e, ErrInvalidAmount
	}
	currency, err := ledgerdomain.ParseCurrency(string(e.Currency))
	if err != nil {
		return e, ErrInvalidCurrency
	}
	eventType, err := ParseEventType(string(e.EventType))
	if err != nil {
		return e, err
	}
	key := strings.TrimSpace(e.IdempotencyKey)
	if key == "" || len(key) > MaxIdempotencyKeyLength {
		return e, ErrInvalidIdempotencyKey
	}

	e.Currency = currency
	e.EventType = eventType
	e.IdempotencyKey = key
	return e, nil
}

// IdempotencyKeyFor derives a stable key for producers that have no natural
// event id.
func IdempotencyKeyFor(sourceUserID int64, eventType EventType, occurredAt time.Time) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(sourceUserID, 10) + "|" + string(eventType) + "|" + occurredAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

type BatchResult struct {
	BatchID          string                  `json:"batch_id"`
	Status           auditdomain.BatchStatus `json:"status"`
	LevelsProcessed  int                     `json:"levels_processed"`
	InviterCount     int                     `json:"inviter_count"`
	TotalDistributed decimal.Decimal         `json:"total_distributed"`
	ErrorMessage     string                  `json:"error_message,omitempty"`
	// Replayed is true when the result was read back from an earlier call
	// with the same idempotency key.
	Replayed bool `json:"replayed"`
}

func ResultFromBatch(batch auditdomain.DistributionBatch, replayed bool) BatchResult {
	result := BatchResult{
		BatchID:          batch.BatchID,
		Status:           batch.Status,
		LevelsProcessed:  batch.LevelsProcessed,
		InviterCount:     batch.InviterCount,
		TotalDistributed: batch.TotalDistributed,
		Replayed:         replayed,
	}
	if batch.ErrorMessage != nil {
		result.ErrorMessage = *batch.ErrorMessage
	}
	return result
}

type BatchStatusResponse struct {
	Batch     auditdomain.DistributionBatch      `json:"batch"`
	Omissions []auditdomain.DistributionOmission `json:"omissions"`
}
