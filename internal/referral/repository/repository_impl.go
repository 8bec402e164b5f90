package repository

import (
	"context"

	"github.com/smallbiznis/fanout/internal/referral/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ParentOf(ctx context.Context, db *gorm.DB, childID int64) (int64, bool, error) {
	var parents []int64
	err := db.WithContext(ctx).Raw(
		`SELECT parent_id FROM referral_edges WHERE child_id = ? LIMIT 1`,
		childID,
	).Scan(&parents).Error
	if err != nil {
		return 0, false, err
	}
	if len(parents) == 0 {
		return 0, false, nil
	}
	return parents[0], true, nil
}
