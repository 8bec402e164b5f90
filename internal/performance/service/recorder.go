package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fanout/internal/clock"
	obsmetrics "github.com/smallbiznis/fanout/internal/observability/metrics"
	perfdomain "github.com/smallbiznis/fanout/internal/performance/domain"
	"github.com/smallbiznis/fanout/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 500
	maxListLimit     = 5000
)

type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	FlushBatch    int
}

func DefaultConfig() Config {
	return Config{
		BufferSize:    4096,
		FlushInterval: 2 * time.Second,
		FlushBatch:    200,
	}
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        Config                    `optional:"true"`
	EngineMetrics *obsmetrics.EngineMetrics `optional:"true"`
}

// Recorder buffers samples in memory and writes them in batches. Latency
// histograms are updated synchronously so /metrics never lags the table.
type Recorder struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	cfg           Config
	engineMetrics *obsmetrics.EngineMetrics

	queue   chan perfdomain.PerformanceMetric
	flushMu sync.Mutex
}

func NewRecorder(p Params) *Recorder {
	cfg := p.Config
	defaults := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = defaults.FlushBatch
	}
	return &Recorder{
		db:            p.DB,
		log:           p.Log.Named("performance.recorder"),
		genID:         p.GenID,
		clock:         p.Clock,
		cfg:           cfg,
		engineMetrics: p.EngineMetrics,
		queue:         make(chan perfdomain.PerformanceMetric, cfg.BufferSize),
	}
}

func (r *Recorder) Record(_ context.Context, operation, batchID string, duration time.Duration, details map[string]any) {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return
	}
	if duration < 0 {
		duration = 0
	}
	r.engineMetrics.ObserveOperation(operation, duration)

	sample := perfdomain.PerformanceMetric{
		ID:         r.genID.Generate(),
		Operation:  operation,
		BatchID:    strings.TrimSpace(batchID),
		DurationMs: float64(duration.Microseconds()) / 1000,
		RecordedAt: r.clock.Now(),
	}
	if len(details) > 0 {
		sample.Details = datatypes.JSONMap(details)
	}

	select {
	case r.queue <- sample:
	default:
		r.engineMetrics.IncMetricDrop()
		r.log.Debug("performance sample dropped", zap.String("operation", operation))
	}
}

// Flush writes every buffered sample in one transaction. On failure the
// samples are queued again.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	pending := make([]perfdomain.PerformanceMetric, 0, len(r.queue))
drain:
	for {
		select {
		case sample := <-r.queue:
			pending = append(pending, sample)
		default:
			break drain
		}
	}
	if len(pending) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(pending, r.cfg.FlushBatch).Error
	})
	if err != nil {
		dropped := r.requeue(pending)
		r.log.Warn("performance flush failed",
			zap.Int("samples", len(pending)),
			zap.Int("dropped", dropped),
			zap.Error(err),
		)
		return db.WrapPersistence("performance.flush", err)
	}
	return nil
}

// requeue puts samples from a failed flush back for the next one. Samples
// that no longer fit are dropped and counted.
func (r *Recorder) requeue(samples []perfdomain.PerformanceMetric) int {
	dropped := 0
	for _, sample := range samples {
		select {
		case r.queue <- sample:
		default:
			dropped++
			r.engineMetrics.IncMetricDrop()
		}
	}
	return dropped
}

// Run flushes on an interval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = r.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			_ = r.Flush(ctx)
		}
	}
}

func (r *Recorder) List(ctx context.Context, req perfdomain.ListRequest) ([]perfdomain.PerformanceMetric, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	stmt := r.db.WithContext(ctx).Model(&perfdomain.PerformanceMetric{})
	if operation := strings.TrimSpace(req.Operation); operation != "" {
		if !perfdomain.KnownOperation(operation) {
			return nil, perfdomain.ErrInvalidOperation
		}
		stmt = stmt.Where("operation = ?", operation)
	}
	if !req.Since.IsZero() {
		stmt = stmt.Where("recorded_at >= ?", req.Since.UTC())
	}

	var items []perfdomain.PerformanceMetric
	if err := stmt.Order("id asc").Limit(limit).Find(&items).Error; err != nil {
		return nil, db.WrapPersistence("performance.list", err)
	}
	if items == nil {
		items = []perfdomain.PerformanceMetric{}
	}
	return items, nil
}
