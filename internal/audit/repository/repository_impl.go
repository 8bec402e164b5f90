package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/fanout/internal/audit/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, batch *domain.DistributionBatch) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "batch_id"}}, DoNothing: true}).
		Create(batch)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindBatch(ctx context.Context, db *gorm.DB, batchID string) (*domain.DistributionBatch, error) {
	var batch domain.DistributionBatch
	err := db.WithContext(ctx).Where("batch_id = ?", batchID).Take(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *repo) ClaimPending(ctx context.Context, db *gorm.DB, batchID string, staleBefore, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE distribution_batches
		SET attempts = attempts + 1, updated_at = ?
		WHERE batch_id = ? AND status = ? AND updated_at <= ?`,
		now,
		batchID,
		domain.BatchStatusPending,
		staleBefore,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, req domain.CompleteRequest, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE distribution_batches
		SET status = ?, levels_processed = ?, inviter_count = ?, total_distributed = ?,
			error_message = NULL, completed_at = ?, updated_at = ?
		WHERE batch_id = ? AND status = ?`,
		domain.BatchStatusCompleted,
		req.LevelsProcessed,
		req.InviterCount,
		req.TotalDistributed,
		now,
		now,
		req.BatchID,
		domain.BatchStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, req domain.FailRequest, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE distribution_batches
		SET status = ?, error_message = ?, levels_processed = ?, inviter_count = ?, total_distributed = ?,
			completed_at = ?, updated_at = ?
		WHERE batch_id = ? AND status = ?`,
		domain.BatchStatusFailed,
		req.Reason,
		req.LevelsProcessed,
		req.InviterCount,
		req.TotalDistributed,
		now,
		now,
		req.BatchID,
		domain.BatchStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertOmission(ctx context.Context, db *gorm.DB, omission *domain.DistributionOmission) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "batch_id"}, {Name: "level"}}, DoNothing: true}).
		Create(omission).Error
}

func (r *repo) ListOmissions(ctx context.Context, db *gorm.DB, batchID string) ([]domain.DistributionOmission, error) {
	var items []domain.DistributionOmission
	err := db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("level asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListStalePending(ctx context.Context, db *gorm.DB, staleBefore time.Time, limit int) ([]domain.DistributionBatch, error) {
	var items []domain.DistributionBatch
	stmt := db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", domain.BatchStatusPending, staleBefore).
		Order("updated_at asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
