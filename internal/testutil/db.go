// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
	"github.com/smallbiznis/fanout/internal/migration"
	referraldomain "github.com/smallbiznis/fanout/internal/referral/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory sqlite database with the engine schema.
// A single connection keeps every statement on the same in-memory database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:fanout_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = conn.Exec("PRAGMA busy_timeout = 5000").Error
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.AutoMigrate(conn))
	return conn
}

func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// SeedAccounts creates zero-balance accounts for userIDs.
func SeedAccounts(t *testing.T, conn *gorm.DB, userIDs ...int64) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range userIDs {
		require.NoError(t, conn.Create(&ledgerdomain.Account{
			UserID:     id,
			BalanceUNI: decimal.Zero,
			BalanceTON: decimal.Zero,
			CreatedAt:  now,
			UpdatedAt:  now,
		}).Error)
	}
}

// SeedChain links each user to the next one: chain[0] is invited by
// chain[1], chain[1] by chain[2], and so on.
func SeedChain(t *testing.T, conn *gorm.DB, chain ...int64) {
	t.Helper()
	for i := 0; i+1 < len(chain); i++ {
		SeedEdge(t, conn, chain[i], chain[i+1])
	}
}

func SeedEdge(t *testing.T, conn *gorm.DB, childID, parentID int64) {
	t.Helper()
	require.NoError(t, conn.Create(&referraldomain.ReferralEdge{
		ChildID:   childID,
		ParentID:  parentID,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}).Error)
}

func FreezeAccount(t *testing.T, conn *gorm.DB, userID int64) {
	t.Helper()
	require.NoError(t, conn.Exec(`UPDATE accounts SET frozen = ? WHERE user_id = ?`, true, userID).Error)
}

// Balance reads the stored balance of userID in currency.
func Balance(t *testing.T, conn *gorm.DB, userID int64, currency ledgerdomain.Currency) decimal.Decimal {
	t.Helper()
	var account ledgerdomain.Account
	require.NoError(t, conn.Where("user_id = ?", userID).Take(&account).Error)
	if currency == ledgerdomain.CurrencyTON {
		return account.BalanceTON
	}
	return account.BalanceUNI
}
