package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Currency is the asset a reward and its commissions are paid in.
type Currency string

const (
	CurrencyUNI Currency = "UNI"
	CurrencyTON Currency = "TON"
)

// AmountScale is the number of fractional digits stored for balances and
// ledger amounts.
const AmountScale = 6

func ParseCurrency(raw string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(raw))) {
	case CurrencyUNI:
		return CurrencyUNI, nil
	case CurrencyTON:
		return CurrencyTON, nil
	default:
		return "", ErrInvalidCurrency
	}
}

// BalanceColumn returns the accounts column that holds balances in c. Only
// values from the closed Currency set ever reach SQL.
func BalanceColumn(c Currency) (string, error) {
	switch c {
	case CurrencyUNI:
		return "balance_uni", nil
	case CurrencyTON:
		return "balance_ton", nil
	default:
		return "", ErrInvalidCurrency
	}
}

// Account is the per-user balance row credited by commissions.
type Account struct {
	UserID     int64           `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	BalanceUNI decimal.Decimal `gorm:"column:balance_uni;type:numeric(38,6);not null;default:0" json:"balance_uni"`
	BalanceTON decimal.Decimal `gorm:"column:balance_ton;type:numeric(38,6);not null;default:0" json:"balance_ton"`
	Frozen     bool            `gorm:"not null;default:false" json:"frozen"`
	CreatedAt  time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// CommissionLedgerEntry records one credited commission. Rows are
// append-only; at most one exists per (batch, level).
type CommissionLedgerEntry struct {
	ID                snowflake.ID    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	BatchID           string          `gorm:"type:text;not null;uniqueIndex:ux_commission_ledger_batch_level,priority:1" json:"batch_id"`
	BeneficiaryUserID int64           `gorm:"not null;index:ix_commission_ledger_beneficiary" json:"beneficiary_user_id"`
	SourceUserID      int64           `gorm:"not null" json:"source_user_id"`
	Level             int             `gorm:"not null;uniqueIndex:ux_commission_ledger_batch_level,priority:2" json:"level"`
	Amount            decimal.Decimal `gorm:"type:numeric(38,6);not null" json:"amount"`
	Currency          Currency        `gorm:"type:text;not null" json:"currency"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
}

func (CommissionLedgerEntry) TableName() string { return "commission_ledger" }
