package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/fanout/internal/config"
	"github.com/smallbiznis/fanout/internal/observability/logger"
	"github.com/smallbiznis/fanout/pkg/db"
	"go.uber.org/zap"
)

// retryPersistence re-runs op while it fails with a transient storage error.
// Any other error ends the retry immediately and is returned unchanged.
func retryPersistence[T any](ctx context.Context, s *Service, policy config.DistributionPolicy, op string, fn func() (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.RetryInitialInterval
	expo.MaxInterval = policy.RetryMaxInterval

	return backoff.Retry(ctx,
		func() (T, error) {
			value, err := fn()
			if err != nil && !db.IsTransient(err) {
				return value, backoff.Permanent(err)
			}
			return value, err
		},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(policy.RetryMaxTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.engineMetrics.IncPersistenceRetry()
			logger.WithContext(ctx, s.log).Warn("retrying after persistence failure",
				zap.String("operation", op),
				zap.Duration("next_retry_in", next),
				zap.Error(err),
			)
		}),
	)
}
