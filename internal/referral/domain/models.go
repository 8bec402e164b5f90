package domain

import "time"

// MaxChainDepth is the number of ancestor levels that can earn commission.
const MaxChainDepth = 20

// ReferralEdge links a user to the user who invited them. Each user has at
// most one parent; edges are written once at registration.
type ReferralEdge struct {
	ChildID   int64     `gorm:"primaryKey;autoIncrement:false" json:"child_id"`
	ParentID  int64     `gorm:"not null;index" json:"parent_id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (ReferralEdge) TableName() string { return "referral_edges" }

// ChainLink is one ancestor of a source user. Level 1 is the direct inviter.
type ChainLink struct {
	AncestorID int64 `json:"ancestor_id"`
	Level      int   `json:"level"`
}
