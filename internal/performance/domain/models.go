package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	OperationDistribute = "distribution.distribute"
	OperationResolve    = "referral.resolve"
	OperationRecover    = "distribution.recover"
)

func KnownOperation(operation string) bool {
	switch operation {
	case OperationDistribute, OperationResolve, OperationRecover:
		return true
	default:
		return false
	}
}

// PerformanceMetric is one timing sample exported for offline analysis.
type PerformanceMetric struct {
	ID         snowflake.ID      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Operation  string            `gorm:"type:varchar(64);not null;index:ix_performance_metrics_operation_recorded,priority:1" json:"operation"`
	BatchID    string            `gorm:"type:varchar(255);index" json:"batch_id,omitempty"`
	DurationMs float64           `gorm:"not null" json:"duration_ms"`
	RecordedAt time.Time         `gorm:"not null;index:ix_performance_metrics_operation_recorded,priority:2" json:"timestamp"`
	Details    datatypes.JSONMap `json:"details,omitempty"`
}

func (PerformanceMetric) TableName() string { return "performance_metrics" }
