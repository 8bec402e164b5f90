package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fanout/internal/clock"
	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
	"github.com/smallbiznis/fanout/internal/testutil"
	"github.com/smallbiznis/fanout/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newTestLedger(t *testing.T) (ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	conn := testutil.NewDB(t)
	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	return svc, conn
}

func credit(batchID string, beneficiary int64, level int, amount string) ledgerdomain.CreditRequest {
	return ledgerdomain.CreditRequest{
		BatchID:       batchID,
		BeneficiaryID: beneficiary,
		SourceUserID:  1,
		Level:         level,
		Amount:        decimal.RequireFromString(amount),
		Currency:      ledgerdomain.CurrencyUNI,
	}
}

func TestCreditIncrementsBalanceOnce(t *testing.T) {
	svc, conn := newTestLedger(t)
	testutil.SeedAccounts(t, conn, 2)
	ctx := context.Background()

	first, err := svc.Credit(ctx, credit("evt-1", 2, 1, "10.5"))
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.NotZero(t, first.EntryID)

	again, err := svc.Credit(ctx, credit("evt-1", 2, 1, "10.5"))
	require.NoError(t, err)
	assert.False(t, again.Inserted)

	assert.True(t, testutil.Balance(t, conn, 2, ledgerdomain.CurrencyUNI).Equal(decimal.RequireFromString("10.5")))
	assert.True(t, testutil.Balance(t, conn, 2, ledgerdomain.CurrencyTON).IsZero())
}

func TestCreditUnavailableBeneficiaryLeavesNoEntry(t *testing.T) {
	svc, conn := newTestLedger(t)
	testutil.SeedAccounts(t, conn, 3)
	testutil.FreezeAccount(t, conn, 3)
	ctx := context.Background()

	_, err := svc.Credit(ctx, credit("evt-1", 3, 1, "1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrBeneficiaryNotFound)

	_, err = svc.Credit(ctx, credit("evt-1", 99, 2, "1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrBeneficiaryNotFound)

	totals, err := svc.SumByBatch(ctx, "evt-1")
	require.NoError(t, err)
	assert.Zero(t, totals.Entries)
	assert.True(t, totals.Total.IsZero())
}

func TestCreditValidation(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  ledgerdomain.CreditRequest
		want error
	}{
		{"blank batch", credit(" ", 2, 1, "1"), ledgerdomain.ErrInvalidBatchID},
		{"bad beneficiary", credit("evt", 0, 1, "1"), ledgerdomain.ErrInvalidUser},
		{"bad level", credit("evt", 2, 0, "1"), ledgerdomain.ErrInvalidLevel},
		{"negative amount", credit("evt", 2, 1, "-1"), ledgerdomain.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Credit(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	req := credit("evt", 2, 1, "1")
	req.Currency = "BTC"
	_, err := svc.Credit(ctx, req)
	assert.Error(t, err)
}

func TestSumByBatch(t *testing.T) {
	svc, conn := newTestLedger(t)
	testutil.SeedAccounts(t, conn, 2, 3, 4)
	ctx := context.Background()

	_, err := svc.Credit(ctx, credit("evt-1", 2, 1, "10"))
	require.NoError(t, err)
	_, err = svc.Credit(ctx, credit("evt-1", 3, 2, "9.000001"))
	require.NoError(t, err)
	_, err = svc.Credit(ctx, credit("evt-2", 4, 1, "5"))
	require.NoError(t, err)

	totals, err := svc.SumByBatch(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Entries)
	assert.Equal(t, "19.000001", totals.Total.String())
}

func TestCreditConcurrentBatchesSameBeneficiary(t *testing.T) {
	svc, conn := newTestLedger(t)
	testutil.SeedAccounts(t, conn, 2)
	ctx := context.Background()

	const batches = 16
	var g errgroup.Group
	for i := 0; i < batches; i++ {
		batchID := fmt.Sprintf("evt-%d", i)
		g.Go(func() error {
			res, err := svc.Credit(ctx, credit(batchID, 2, 1, "1.5"))
			if err != nil {
				return err
			}
			if !res.Inserted {
				return fmt.Errorf("%s: credit not inserted", batchID)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := decimal.RequireFromString("1.5").Mul(decimal.NewFromInt(batches))
	assert.True(t, testutil.Balance(t, conn, 2, ledgerdomain.CurrencyUNI).Equal(want))

	for i := 0; i < batches; i++ {
		totals, err := svc.SumByBatch(ctx, fmt.Sprintf("evt-%d", i))
		require.NoError(t, err)
		assert.Equal(t, 1, totals.Entries)
		assert.Equal(t, "1.5", totals.Total.String())
	}
}

func TestListByBeneficiaryPagesNewestFirst(t *testing.T) {
	svc, conn := newTestLedger(t)
	testutil.SeedAccounts(t, conn, 2)
	ctx := context.Background()

	for _, batch := range []string{"evt-1", "evt-2", "evt-3"} {
		_, err := svc.Credit(ctx, credit(batch, 2, 1, "1"))
		require.NoError(t, err)
	}

	page, err := svc.ListByBeneficiary(ctx, ledgerdomain.HistoryRequest{
		UserID:     2,
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "evt-3", page.Entries[0].BatchID)
	assert.Equal(t, "evt-2", page.Entries[1].BatchID)
	require.True(t, page.HasMore)

	next, err := svc.ListByBeneficiary(ctx, ledgerdomain.HistoryRequest{
		UserID:     2,
		Pagination: pagination.Pagination{PageSize: 2, PageToken: page.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, next.Entries, 1)
	assert.Equal(t, "evt-1", next.Entries[0].BatchID)
	assert.False(t, next.HasMore)

	empty, err := svc.ListByBeneficiary(ctx, ledgerdomain.HistoryRequest{UserID: 42})
	require.NoError(t, err)
	assert.NotNil(t, empty.Entries)
	assert.Empty(t, empty.Entries)

	_, err = svc.ListByBeneficiary(ctx, ledgerdomain.HistoryRequest{
		UserID:     2,
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)

	_, err = svc.ListByBeneficiary(ctx, ledgerdomain.HistoryRequest{})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidUser)
}
