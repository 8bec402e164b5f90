package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	auditdomain "github.com/smallbiznis/fanout/internal/audit/domain"
	"github.com/smallbiznis/fanout/internal/clock"
	distributiondomain "github.com/smallbiznis/fanout/internal/distribution/domain"
	obsmetrics "github.com/smallbiznis/fanout/internal/observability/metrics"
	"github.com/smallbiznis/fanout/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type auditMock struct {
	auditdomain.Service
	mock.Mock
}

func (m *auditMock) ListStalePending(ctx context.Context, staleBefore time.Time, limit int) ([]auditdomain.DistributionBatch, error) {
	args := m.Called(ctx, staleBefore, limit)
	batches, _ := args.Get(0).([]auditdomain.DistributionBatch)
	return batches, args.Error(1)
}

type distributionMock struct {
	distributiondomain.Service
	mock.Mock
}

func (m *distributionMock) Recover(ctx context.Context, batchID string, staleBefore time.Time) (distributiondomain.BatchResult, bool, error) {
	args := m.Called(ctx, batchID, staleBefore)
	return args.Get(0).(distributiondomain.BatchResult), args.Bool(1), args.Error(2)
}

type stubLease struct {
	held     bool
	acquired int
	released int
}

func (l *stubLease) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.acquired++
	return func(context.Context) error {
		l.released++
		return nil
	}, true, nil
}

var sweepNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, audit auditdomain.Service, dist distributiondomain.Service, lease Lease, engine *obsmetrics.EngineMetrics) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s, err := New(Params{
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clock.NewFakeClock(sweepNow),
		Config:        Config{BatchSize: 10, RecoveryThreshold: 5 * time.Minute},
		Audit:         audit,
		Distribution:  dist,
		Lease:         lease,
		EngineMetrics: engine,
	})
	require.NoError(t, err)
	return s
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	engine := obsmetrics.EngineWithConfig(obsmetrics.Config{
		ServiceName: "fanout",
		Environment: "test",
	})

	s := newTestScheduler(t, &auditMock{}, &distributionMock{}, nil, engine)
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "fanout",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "fanout_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "fanout",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.JobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "fanout_scheduler_job_errors_total", errorLabels))
}

func TestRunJobWrapsErrors(t *testing.T) {
	s := newTestScheduler(t, &auditMock{}, &distributionMock{}, nil, nil)
	boom := errors.New("boom")

	err := s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing_job")
}

func TestRecoverStaleBatchesJobRecoversEachBatch(t *testing.T) {
	audit := &auditMock{}
	dist := &distributionMock{}
	staleBefore := sweepNow.Add(-5 * time.Minute)

	audit.On("ListStalePending", mock.Anything, staleBefore, 10).Return([]auditdomain.DistributionBatch{
		{BatchID: "evt-a", Attempts: 1},
		{BatchID: "evt-b", Attempts: 2},
		{BatchID: "evt-c", Attempts: 1},
	}, nil)
	dist.On("Recover", mock.Anything, "evt-a", staleBefore).
		Return(distributiondomain.BatchResult{BatchID: "evt-a", Status: auditdomain.BatchStatusCompleted}, true, nil)
	dist.On("Recover", mock.Anything, "evt-b", staleBefore).
		Return(distributiondomain.BatchResult{}, false, nil)
	dist.On("Recover", mock.Anything, "evt-c", staleBefore).
		Return(distributiondomain.BatchResult{BatchID: "evt-c", Status: auditdomain.BatchStatusPending}, true,
			db.WrapPersistence("ledger.credit", errors.New("connection refused")))

	lease := &stubLease{}
	s := newTestScheduler(t, audit, dist, lease, nil)

	err := s.RecoverStaleBatchesJob(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrPersistence)
	assert.Contains(t, err.Error(), "evt-c")

	audit.AssertExpectations(t)
	dist.AssertExpectations(t)
	assert.Equal(t, 1, lease.acquired)
	assert.Equal(t, 1, lease.released)
}

func TestRecoverStaleBatchesJobSkipsWhenLeaseHeld(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	engine := obsmetrics.EngineWithConfig(obsmetrics.Config{ServiceName: "fanout", Environment: "test"})

	audit := &auditMock{}
	dist := &distributionMock{}
	s := newTestScheduler(t, audit, dist, &stubLease{held: true}, engine)

	require.NoError(t, s.RecoverStaleBatchesJob(context.Background()))
	audit.AssertNotCalled(t, "ListStalePending", mock.Anything, mock.Anything, mock.Anything)

	labels := map[string]string{
		"service": "fanout",
		"env":     "test",
		"job":     JobRecoverStaleBatches,
		"reason":  obsmetrics.BatchDeferredReasonLockHeld,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "fanout_scheduler_batch_deferred_total", labels))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetEngineMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetEngineMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
