package domain

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type Repository interface {
	// ParentOf returns the inviter of childID, or ok=false for a root user.
	ParentOf(ctx context.Context, db *gorm.DB, childID int64) (parentID int64, ok bool, err error)
}

type Resolver interface {
	// Resolve walks up to MaxChainDepth ancestors of userID, nearest first.
	Resolve(ctx context.Context, userID int64) ([]ChainLink, error)
}

var (
	ErrInvalidUser = errors.New("invalid_user")
	ErrChainCycle  = errors.New("referral_chain_cycle")
)

// ChainCycleError describes a corrupted referral graph: RepeatedID showed up
// twice while walking up from UserID.
type ChainCycleError struct {
	UserID     int64
	RepeatedID int64
	Level      int
}

func (e *ChainCycleError) Error() string {
	return fmt.Sprintf("referral chain cycle: user %d repeats at level %d while resolving user %d", e.RepeatedID, e.Level, e.UserID)
}

func (e *ChainCycleError) Is(target error) bool {
	return target == ErrChainCycle
}
