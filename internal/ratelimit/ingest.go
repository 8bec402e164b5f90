package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fanout/internal/config"
	"go.uber.org/zap"
)

const keyRewardIngestSource = "fanout:ingest:source:%d"

var ErrRateLimited = errors.New("rate_limited")

// IngestLimiter caps how fast one source user can submit reward events.
// A nil limiter allows everything.
type IngestLimiter struct {
	bucket *TokenBucket
	log    *zap.Logger
	rate   float64
	burst  int
}

func NewIngestLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		log.Warn("rate limit enabled without redis, ingestion is not throttled")
		return nil, nil
	}
	if limitCfg.SourceRate <= 0 || limitCfg.SourceBurst <= 0 {
		return nil, errors.New("ingest rate limit must be positive")
	}
	return &IngestLimiter{
		bucket: NewTokenBucket(client),
		log:    log.Named("ratelimit"),
		rate:   limitCfg.SourceRate,
		burst:  limitCfg.SourceBurst,
	}, nil
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowSource takes one token for sourceUserID. Redis failures fail open.
func (l *IngestLimiter) AllowSource(ctx context.Context, sourceUserID int64) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyRewardIngestSource, sourceUserID), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed", zap.Int64("source_user_id", sourceUserID), zap.Error(err))
		return true, 0
	}
	return res.Allowed, res.RetryAfter
}
