package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/fanout/internal/audit/domain"
	auditrepository "github.com/smallbiznis/fanout/internal/audit/repository"
	auditservice "github.com/smallbiznis/fanout/internal/audit/service"
	"github.com/smallbiznis/fanout/internal/clock"
	"github.com/smallbiznis/fanout/internal/config"
	distributiondomain "github.com/smallbiznis/fanout/internal/distribution/domain"
	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/fanout/internal/ledger/service"
	perfdomain "github.com/smallbiznis/fanout/internal/performance/domain"
	referralrepository "github.com/smallbiznis/fanout/internal/referral/repository"
	"github.com/smallbiznis/fanout/internal/referral/resolver"
	"github.com/smallbiznis/fanout/internal/testutil"
	"github.com/smallbiznis/fanout/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordedSample struct {
	operation string
	batchID   string
}

type captureRecorder struct {
	mu      sync.Mutex
	samples []recordedSample
}

func (r *captureRecorder) Record(_ context.Context, operation, batchID string, _ time.Duration, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, recordedSample{operation: operation, batchID: batchID})
}

func (r *captureRecorder) Flush(context.Context) error { return nil }

func (r *captureRecorder) List(context.Context, perfdomain.ListRequest) ([]perfdomain.PerformanceMetric, error) {
	return nil, nil
}

func (r *captureRecorder) count(operation string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sample := range r.samples {
		if sample.operation == operation {
			n++
		}
	}
	return n
}

// flakyLedger fails credits while broken is set, or only the credits of
// failLevel when that is non-zero.
type flakyLedger struct {
	ledgerdomain.Service
	broken    atomic.Bool
	failLevel atomic.Int64
	calls     atomic.Int64
}

func (l *flakyLedger) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.CreditResult, error) {
	l.calls.Add(1)
	if l.broken.Load() || l.failLevel.Load() == int64(req.Level) {
		return ledgerdomain.CreditResult{}, db.WrapPersistence("ledger.credit", errors.New("connection reset by peer"))
	}
	return l.Service.Credit(ctx, req)
}

type harness struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	ledger   *flakyLedger
	audit    auditdomain.Service
	recorder *captureRecorder
	svc      distributiondomain.Service
}

func newHarness(t *testing.T, policy config.DistributionPolicy) *harness {
	t.Helper()

	conn := testutil.NewDB(t)
	node := testutil.NewNode(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledger := &flakyLedger{Service: ledgerservice.NewService(ledgerservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: fake,
	})}
	audit := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: fake,
		Repo:  auditrepository.Provide(),
	})
	res := resolver.NewResolver(resolver.Params{
		DB:   conn,
		Log:  log,
		Repo: referralrepository.Provide(),
	})
	recorder := &captureRecorder{}

	svc := NewService(Params{
		Log:      log,
		Config:   Config{Timeout: 5 * time.Second, ReclaimAfter: 30 * time.Second},
		Clock:    fake,
		Policy:   config.NewStaticPolicyHolder(policy),
		Resolver: res,
		Ledger:   ledger,
		Audit:    audit,
		Recorder: recorder,
	})

	return &harness{db: conn, clock: fake, ledger: ledger, audit: audit, recorder: recorder, svc: svc}
}

func fastPolicy() config.DistributionPolicy {
	return config.DistributionPolicy{
		DefaultBonusPercent:  10,
		MaxAttempts:          3,
		RetryMaxTries:        2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	}
}

func reward(sourceUserID int64, amount string, key string) distributiondomain.RewardEvent {
	return distributiondomain.RewardEvent{
		SourceUserID:   sourceUserID,
		Amount:         decimal.RequireFromString(amount),
		Currency:       ledgerdomain.CurrencyUNI,
		EventType:      distributiondomain.EventTypeFarmingReward,
		IdempotencyKey: key,
	}
}

func ledgerRows(t *testing.T, conn *gorm.DB, batchID string) []ledgerdomain.CommissionLedgerEntry {
	t.Helper()
	var rows []ledgerdomain.CommissionLedgerEntry
	require.NoError(t, conn.Where("batch_id = ?", batchID).Order("level ASC").Find(&rows).Error)
	return rows
}

func TestDistributeTwoLevelChain(t *testing.T) {
	h := newHarness(t, fastPolicy())
	// C was invited by B, B by A
	testutil.SeedAccounts(t, h.db, 1, 2, 3)
	testutil.SeedChain(t, h.db, 3, 2, 1)

	result, err := h.svc.Distribute(context.Background(), reward(3, "100", "evt-1"))
	require.NoError(t, err)

	assert.Equal(t, auditdomain.BatchStatusCompleted, result.Status)
	assert.Equal(t, 2, result.LevelsProcessed)
	assert.Equal(t, 2, result.InviterCount)
	assert.True(t, result.TotalDistributed.Equal(decimal.NewFromInt(19)), result.TotalDistributed.String())
	assert.False(t, result.Replayed)

	assert.True(t, testutil.Balance(t, h.db, 2, ledgerdomain.CurrencyUNI).Equal(decimal.NewFromInt(10)))
	assert.True(t, testutil.Balance(t, h.db, 1, ledgerdomain.CurrencyUNI).Equal(decimal.NewFromInt(9)))
	assert.True(t, testutil.Balance(t, h.db, 3, ledgerdomain.CurrencyUNI).IsZero())

	rows := ledgerRows(t, h.db, "evt-1")
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].BeneficiaryUserID)
	assert.Equal(t, int64(1), rows[1].BeneficiaryUserID)

	assert.Equal(t, 1, h.recorder.count(perfdomain.OperationDistribute))
	assert.Equal(t, 1, h.recorder.count(perfdomain.OperationResolve))
}

func TestDistributeRootUserCompletesEmpty(t *testing.T) {
	h := newHarness(t, fastPolicy())
	testutil.SeedAccounts(t, h.db, 1)

	result, err := h.svc.Distribute(context.Background(), reward(1, "50", "evt-root"))
	require.NoError(t, err)

	assert.Equal(t, auditdomain.BatchStatusCompleted, result.Status)
	assert.Equal(t, 0, result.LevelsProcessed)
	assert.Equal(t, 0, result.InviterCount)
	assert.True(t, result.TotalDistributed.IsZero())
	assert.Empty(t, ledgerRows(t, h.db, "evt-root"))
}

func TestDistributeSkipsFrozenAncestor(t *testing.T) {
	h := newHarness(t, fastPolicy())

	// user 100 earns; ancestors 1..12, level n is user n
	chain := []int64{100}
	accounts := []int64{100}
	for id := int64(1); id <= 12; id++ {
		chain = append(chain, id)
		accounts = append(accounts, id)
	}
	testutil.SeedAccounts(t, h.db, accounts...)
	testutil.SeedChain(t, h.db, chain...)
	testutil.FreezeAccount(t, h.db, 5)

	result, err := h.svc.Distribute(context.Background(), reward(100, "100", "evt-frozen"))
	require.NoError(t, err)

	assert.Equal(t, auditdomain.BatchStatusCompleted, result.Status)
	assert.Equal(t, 12, result.LevelsProcessed)
	assert.Equal(t, 11, result.InviterCount)
	assert.True(t, testutil.Balance(t, h.db, 5, ledgerdomain.CurrencyUNI).IsZero())

	rows := ledgerRows(t, h.db, "evt-frozen")
	require.Len(t, rows, 11)
	sum := decimal.Zero
	for _, row := range rows {
		assert.NotEqual(t, 5, row.Level)
		sum = sum.Add(row.Amount)
	}
	assert.True(t, sum.Round(6).Equal(result.TotalDistributed), "%s != %s", sum, result.TotalDistributed)

	status, err := h.svc.GetBatchStatus(context.Background(), "evt-frozen")
	require.NoError(t, err)
	require.Len(t, status.Omissions, 1)
	assert.Equal(t, 5, status.Omissions[0].Level)
	assert.Equal(t, int64(5), status.Omissions[0].BeneficiaryUserID)
	assert.Equal(t, auditdomain.OmissionReasonBeneficiaryUnavailable, status.Omissions[0].Reason)
}

func TestDistributeReplayDoesNotPayTwice(t *testing.T) {
	h := newHarness(t, fastPolicy())
	testutil.SeedAccounts(t, h.db, 1, 2, 3)
	testutil.SeedChain(t, h.db, 3, 2, 1)
	ctx := context.Background()

	first, err := h.svc.Distribute(ctx, reward(3, "100", "evt-dup"))
	require.NoError(t, err)
	second, err := h.svc.Distribute(ctx, reward(3, "100", "evt-dup"))
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.TotalDistributed.Equal(second.TotalDistributed))
	assert.Len(t, ledgerRows(t, h.db, "evt-dup"), 2)
	assert.True(t, testutil.Balance(t, h.db, 2, ledgerdomain.CurrencyUNI).Equal(decimal.NewFromInt(10)))
}

func TestDistributeConcurrentReplays(t *testing.T) {
	h := newHarness(t, fastPolicy())
	testutil.SeedAccounts(t, h.db, 1, 2, 3)
	testutil.SeedChain(t, h.db, 3, 2, 1)

	const callers = 8
	var (
		wg       sync.WaitGroup
		fresh    atomic.Int64
		failures atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.svc.Distribute(context.Background(), reward(3, "100", "evt-race"))
			if err != nil {
				failures.Add(1)
				return
			}
			if !result.Replayed {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, int64(1), fresh.Load())
	assert.Len(t, ledgerRows(t, h.db, "evt-race"), 2)
	assert.True(t, testutil.Balance(t, h.db, 1, ledgerdomain.CurrencyUNI).Equal(decimal.NewFromInt(9)))
}

func TestDistributeCycleFailsBatch(t *testing.T) {
	h := newHarness(t, fastPolicy())
	testutil.SeedAccounts(t, h.db, 1, 2, 3)
	testutil.SeedEdge(t, h.db, 3, 1)
	testutil.SeedEdge(t, h.db, 1, 2)
	testutil.SeedEdge(t, h.db, 2, 1)

	result, err := h.svc.Distribute(context.Background(), reward(3, "100", "evt-cycle"))
	require.NoError(t, err)

	assert.Equal(t, auditdomain.BatchStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "cycle")
	assert.Empty(t, ledgerRows(t, h.db, "evt-cycle"))
	assert.True(t, testutil.Balance(t, h.db, 1, ledgerdomain.CurrencyUNI).IsZero())
}

func TestDistributeCapsDepthAtTwentyLevels(t *testing.T) {
	h := newHarness(t, fastPolicy())

	chain := []int64{1000}
	for id := int64(1); id <= 30; id++ {
		chain = append(chain, id)
	}
	testutil.SeedAccounts(t, h.db, chain...)
	testutil.SeedChain(t, h.db, chain...)

	result, err := h.svc.Distribute(context.Background(), reward(1000, "100", "evt-deep"))
	require.NoError(t, err)

	assert.Equal(t, auditdomain.BatchStatusCompleted, result.Status)
	assert.Equal(t, 20, result.LevelsProcessed)
	assert.Equal(t, 20, result.InviterCount)
	assert.True(t, testutil.Balance(t, h.db, 20, ledgerdomain.CurrencyUNI).Equal(decimal.NewFromInt(1)))
	assert.True(t, testutil.Balance(t, h.db, 21, ledgerdomain.CurrencyUNI).IsZero())
}

func TestDistributeRejectsInvalidEvents(t *testing.T) {
	h := newHarness(t, fastPolicy())

	cases := []struct {
		name   string
		mutate func(*distributiondomain.RewardEvent)
		want   error
	}{
		{"zero amount", func(e *distributiondomain.RewardEvent) { e.Amount = decimal.Zero }, distributiondomain.ErrInvalidAmount},
		{"negative amount", func(e *distributiondomain.RewardEvent) { e.Amount = decimal.NewFromInt(-1) }, distributiondomain.ErrInvalidAmount},
		{"too precise", func(e *distributiondomain.RewardEvent) { e.Amount = decimal.RequireFromString("0.0000001") }, distributiondomain.ErrInvalidAmount},
		{"currency", func(e *distributiondomain.RewardEvent) { e.Currency = "BTC" }, distributiondomain.ErrInvalidCurrency},
		{"event type", func(e *distributiondomain.RewardEvent) { e.EventType = "airdrop" }, distributiondomain.ErrInvalidEventType},
		{"empty key", func(e *distributiondomain.RewardEvent) { e.IdempotencyKey = "  " }, distributiondomain.ErrInvalidIdempotencyKey},
		{"source user", func(e *distributiondomain.RewardEvent) { e.SourceUserID = 0 }, distributiondomain.ErrInvalidSourceUser},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := reward(3, "100", fmt.Sprintf("evt-invalid-%d", i))
			tc.mutate(&event)

			_, err := h.svc.Distribute(context.Background(), event)
			require.ErrorIs(t, err, tc.want)
			assert.True(t, distributiondomain.IsValidationError(err))

			var count int64
			require.NoError(t, h.db.Model(&auditdomain.DistributionBatch{}).Count(&count).Error)
			assert.Zero(t, count)
		})
	}
}

func TestDistributeLeavesBatchPendingOnPersistenceFailure(t *testing.T) {
	h := newHarness(t, fastPolicy())
	testutil.SeedAccounts(t, h.db, 1, 2, 3)
	testutil.SeedChain(t, h.db, 3, 2, 1)
	h.ledger.broken.Store(true)
	ctx := context.Background()

	result, err := h.svc.Distribute(ctx, reward(3, "100", "evt-flaky"))
	require.ErrorIs(t, err, distributiondomain.ErrRetryLater)
	require.ErrorIs(t, err, db.ErrPersistence)
	assert.Equal(t, auditdomain.BatchStatusPending, result.Status)
	assert.NotEmpty(t, result.ErrorMessage)
	// one attempt with RetryMaxTries tries
	assert.Equal(t, int64(2), h.ledger.calls.Load())

	// replay before the batch is stale reports it as pending
	replay, err := h.svc.Distribute(ctx, reward(3, "100", "evt-flaky"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, auditdomain.BatchStatusPending, replay.Status)

	h.ledger.broken.Store(false)
	h.clock.Advance(time.Minute)

	reclaimed, err := h.svc.Distribute(ctx, reward(3, "100", "evt-flaky"))
	require.NoError(t, err)
	assert.False(t, reclaimed.Replayed)
	assert.Equal(t, auditdomain.BatchStatusCompleted, reclaimed.Status)
	assert.True(t, reclaimed.TotalDistributed.Equal(decimal.NewFromInt(19)))

	batch, err := h.audit.Get(ctx, "evt-flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Attempts)
}

func TestDistributeFailsBatchAfterMaxAttempts(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 2
	h := newHarness(t, policy)
	testutil.SeedAccounts(t, h.db, 1, 2, 3)
	testutil.SeedChain(t, h.db, 3, 2, 1)
	h.ledger.broken.Store(true)
	ctx := context.Background()

	_, err := h.svc.Distribute(ctx, reward(3, "100", "evt-doomed"))
	require.ErrorIs(t, err, distributiondomain.ErrRetryLater)

	h.clock.Advance(time.Minute)
	result, err := h.svc.Distribute(ctx, reward(3, "100", "evt-doomed"))
	require.NoError(t, err)
	assert.Equal(t, auditdomain.BatchStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "persistence failure after 2 attempts")
	assert.Empty(t, ledgerRows(t, h.db, "evt-doomed"))

	// terminal state sticks even once storage is healthy again
	h.ledger.broken.Store(false)
	h.clock.Advance(time.Minute)
	again, err := h.svc.Distribute(ctx, reward(3, "100", "evt-doomed"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, auditdomain.BatchStatusFailed, again.Status)
}

func TestDistributeFailedBatchAccountsForPaidLevels(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1
	h := newHarness(t, policy)
	testutil.SeedAccounts(t, h.db, 1, 2, 3)
	testutil.SeedChain(t, h.db, 3, 2, 1)
	h.ledger.failLevel.Store(2)
	ctx := context.Background()

	result, err := h.svc.Distribute(ctx, reward(3, "100", "evt-half-paid"))
	require.NoError(t, err)
	assert.Equal(t, auditdomain.BatchStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "persistence failure after 1 attempts")

	rows := ledgerRows(t, h.db, "evt-half-paid")
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Level)
	assert.True(t, testutil.Balance(t, h.db, 2, ledgerdomain.CurrencyUNI).Equal(decimal.NewFromInt(10)))

	batch, err := h.audit.Get(ctx, "evt-half-paid")
	require.NoError(t, err)
	assert.Equal(t, auditdomain.BatchStatusFailed, batch.Status)
	assert.Equal(t, 1, batch.InviterCount)
	assert.Equal(t, 1, batch.LevelsProcessed)
	assert.True(t, batch.TotalDistributed.Equal(rows[0].Amount))
	assert.Equal(t, batch.InviterCount, result.InviterCount)
	assert.True(t, result.TotalDistributed.Equal(batch.TotalDistributed))
}

func TestDistributeFailedBatchCountsOmittedLevels(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1
	h := newHarness(t, policy)
	testutil.SeedAccounts(t, h.db, 1, 2, 3, 4)
	testutil.SeedChain(t, h.db, 4, 3, 2, 1)
	testutil.FreezeAccount(t, h.db, 2)
	h.ledger.failLevel.Store(3)
	ctx := context.Background()

	result, err := h.svc.Distribute(ctx, reward(4, "100", "evt-mixed"))
	require.NoError(t, err)
	assert.Equal(t, auditdomain.BatchStatusFailed, result.Status)
	assert.Equal(t, 1, result.InviterCount)
	assert.Equal(t, 2, result.LevelsProcessed)
	assert.True(t, result.TotalDistributed.Equal(decimal.NewFromInt(10)))
}

func TestRecoverResumesPartiallyPaidBatch(t *testing.T) {
	h := newHarness(t, fastPolicy())
	testutil.SeedAccounts(t, h.db, 1, 2, 3)
	testutil.SeedChain(t, h.db, 3, 2, 1)
	ctx := context.Background()

	// simulate a crash after level 1 was paid
	_, created, err := h.audit.Begin(ctx, auditdomain.BeginRequest{
		BatchID:      "evt-crash",
		SourceUserID: 3,
		EventType:    string(distributiondomain.EventTypeFarmingReward),
		EarnedAmount: decimal.NewFromInt(100),
		Currency:     ledgerdomain.CurrencyUNI,
		BonusPercent: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = h.ledger.Credit(ctx, ledgerdomain.CreditRequest{
		BatchID:       "evt-crash",
		BeneficiaryID: 2,
		SourceUserID:  3,
		Level:         1,
		Amount:        decimal.NewFromInt(10),
		Currency:      ledgerdomain.CurrencyUNI,
	})
	require.NoError(t, err)

	// not stale yet
	_, claimed, err := h.svc.Recover(ctx, "evt-crash", h.clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	h.clock.Advance(10 * time.Minute)
	result, claimed, err := h.svc.Recover(ctx, "evt-crash", h.clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, auditdomain.BatchStatusCompleted, result.Status)
	assert.Equal(t, 2, result.InviterCount)
	assert.True(t, result.TotalDistributed.Equal(decimal.NewFromInt(19)))
	assert.True(t, testutil.Balance(t, h.db, 2, ledgerdomain.CurrencyUNI).Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 1, h.recorder.count(perfdomain.OperationRecover))
}

func TestGetCommissionHistoryNewestFirst(t *testing.T) {
	h := newHarness(t, fastPolicy())
	testutil.SeedAccounts(t, h.db, 1, 2)
	testutil.SeedChain(t, h.db, 2, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Distribute(ctx, reward(2, "10", fmt.Sprintf("evt-hist-%d", i)))
		require.NoError(t, err)
	}

	page, err := h.svc.GetCommissionHistory(ctx, ledgerdomain.HistoryRequest{UserID: 1})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, "evt-hist-2", page.Entries[0].BatchID)
	assert.Equal(t, "evt-hist-0", page.Entries[2].BatchID)
	assert.False(t, page.HasMore)
}
