package domain

import (
	"context"
	"errors"
	"time"
)

type ListRequest struct {
	Operation string
	Since     time.Time
	Limit     int
}

// Recorder captures operation timings. Record never blocks the caller and
// never fails it; samples that cannot be buffered are dropped and counted.
type Recorder interface {
	Record(ctx context.Context, operation, batchID string, duration time.Duration, details map[string]any)
	Flush(ctx context.Context) error
	List(ctx context.Context, req ListRequest) ([]PerformanceMetric, error)
}

var ErrInvalidOperation = errors.New("invalid_operation")
