package resolver

import (
	"context"

	"github.com/smallbiznis/fanout/internal/cache"
	referraldomain "github.com/smallbiznis/fanout/internal/referral/domain"
	"github.com/smallbiznis/fanout/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("fanout/referral")

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  referraldomain.Repository
	Cache cache.ParentCache `optional:"true"`
}

type Resolver struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  referraldomain.Repository
	cache cache.ParentCache
}

func NewResolver(p Params) referraldomain.Resolver {
	return &Resolver{
		db:    p.DB,
		log:   p.Log.Named("referral.resolver"),
		repo:  p.Repo,
		cache: p.Cache,
	}
}

// Resolve follows parent pointers from userID. It stops at a root user or
// after MaxChainDepth ancestors, whichever comes first. A repeated user
// aborts resolution with a ChainCycleError; no partial chain is returned.
func (r *Resolver) Resolve(ctx context.Context, userID int64) ([]referraldomain.ChainLink, error) {
	if userID <= 0 {
		return nil, referraldomain.ErrInvalidUser
	}

	ctx, span := tracer.Start(ctx, "referral.Resolve")
	defer span.End()

	visited := map[int64]struct{}{userID: {}}
	chain := make([]referraldomain.ChainLink, 0, 8)
	current := userID

	for level := 1; level <= referraldomain.MaxChainDepth; level++ {
		parentID, ok, err := r.parentOf(ctx, current)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "parent lookup failed")
			return nil, db.WrapPersistence("referral.resolve", err)
		}
		if !ok {
			break
		}
		if _, seen := visited[parentID]; seen {
			cycleErr := &referraldomain.ChainCycleError{UserID: userID, RepeatedID: parentID, Level: level}
			span.RecordError(cycleErr)
			span.SetStatus(codes.Error, "referral cycle")
			r.log.Error("referral chain cycle detected",
				zap.Int64("user_id", userID),
				zap.Int64("repeated_user_id", parentID),
				zap.Int("level", level),
			)
			return nil, cycleErr
		}
		visited[parentID] = struct{}{}
		chain = append(chain, referraldomain.ChainLink{AncestorID: parentID, Level: level})
		current = parentID
	}

	span.SetAttributes(attribute.Int("chain.length", len(chain)))
	return chain, nil
}

func (r *Resolver) parentOf(ctx context.Context, childID int64) (int64, bool, error) {
	if r.cache != nil {
		if parentID, hasParent, cached := r.cache.GetParent(childID); cached {
			return parentID, hasParent, nil
		}
	}

	parentID, ok, err := r.repo.ParentOf(ctx, r.db, childID)
	if err != nil {
		return 0, false, err
	}
	if r.cache != nil {
		if ok {
			r.cache.SetParent(childID, parentID)
		} else {
			r.cache.SetRoot(childID)
		}
	}
	return parentID, ok, nil
}
