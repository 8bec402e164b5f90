package cache

import "time"

const (
	defaultParentTTL = 10 * time.Minute
	// roots may still be linked by a late registration
	defaultRootTTL = 30 * time.Second
)

// ParentCache memoizes child -> parent lookups for chain resolution.
type ParentCache interface {
	// GetParent returns (parentID, hasParent, cached).
	GetParent(childID int64) (int64, bool, bool)
	SetParent(childID, parentID int64)
	SetRoot(childID int64)
}

type parentCache struct {
	entries   Cache[int64, int64]
	parentTTL time.Duration
	rootTTL   time.Duration
}

func NewParentCache() ParentCache {
	return &parentCache{
		entries:   NewTTLCache[int64, int64](),
		parentTTL: defaultParentTTL,
		rootTTL:   defaultRootTTL,
	}
}

func (c *parentCache) GetParent(childID int64) (int64, bool, bool) {
	parentID, ok := c.entries.Get(childID)
	if !ok {
		return 0, false, false
	}
	return parentID, parentID != 0, true
}

func (c *parentCache) SetParent(childID, parentID int64) {
	if childID <= 0 || parentID <= 0 {
		return
	}
	c.entries.Set(childID, parentID, c.parentTTL)
}

func (c *parentCache) SetRoot(childID int64) {
	if childID <= 0 {
		return
	}
	c.entries.Set(childID, 0, c.rootTTL)
}
