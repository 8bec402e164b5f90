package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
)

type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// DistributionBatch is the audit record of one reward event's fan-out.
// BatchID is the event's idempotency key.
type DistributionBatch struct {
	BatchID          string                `gorm:"column:batch_id;primaryKey;type:varchar(255)" json:"batch_id"`
	SourceUserID     int64                 `gorm:"not null" json:"source_user_id"`
	EventType        string                `gorm:"type:varchar(64);not null" json:"event_type"`
	EarnedAmount     decimal.Decimal       `gorm:"type:numeric(38,6);not null" json:"earned_amount"`
	Currency         ledgerdomain.Currency `gorm:"type:varchar(8);not null" json:"currency"`
	BonusPercent     decimal.Decimal       `gorm:"type:numeric(9,4);not null" json:"bonus_percent"`
	Status           BatchStatus           `gorm:"type:varchar(16);not null;index:ix_distribution_batches_status_updated,priority:1" json:"status"`
	LevelsProcessed  int                   `gorm:"not null;default:0" json:"levels_processed"`
	InviterCount     int                   `gorm:"not null;default:0" json:"inviter_count"`
	TotalDistributed decimal.Decimal       `gorm:"type:numeric(38,6);not null;default:0" json:"total_distributed"`
	Attempts         int                   `gorm:"not null;default:0" json:"attempts"`
	ErrorMessage     *string               `gorm:"type:text" json:"error_message,omitempty"`
	ProcessedAt      time.Time             `gorm:"not null" json:"processed_at"`
	UpdatedAt        time.Time             `gorm:"not null;index:ix_distribution_batches_status_updated,priority:2" json:"updated_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

func (DistributionBatch) TableName() string { return "distribution_batches" }

const (
	OmissionReasonBeneficiaryUnavailable = "beneficiary_unavailable"
	OmissionReasonBelowMinimumUnit       = "below_minimum_unit"
)

// DistributionOmission records a chain level that received no credit.
type DistributionOmission struct {
	ID                snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	BatchID           string       `gorm:"type:varchar(255);not null;uniqueIndex:ux_distribution_omissions_batch_level,priority:1" json:"batch_id"`
	Level             int          `gorm:"not null;uniqueIndex:ux_distribution_omissions_batch_level,priority:2" json:"level"`
	BeneficiaryUserID int64        `gorm:"not null" json:"beneficiary_user_id"`
	Reason            string       `gorm:"type:varchar(64);not null" json:"reason"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
}

func (DistributionOmission) TableName() string { return "distribution_omissions" }
