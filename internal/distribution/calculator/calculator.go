// Package calculator computes per-level referral commissions.
//
// A level's commission is base * bonusPercent / 100 * multiplier(level),
// where the multiplier decays by 0.1 per level from 1.0 at level 1 and is
// floored at 0.1 from level 10 on. Results are truncated toward zero to six
// decimal places, so a credited amount never exceeds its exact value.
package calculator

import (
	"errors"

	"github.com/shopspring/decimal"
)

const (
	MaxLevel = 20
	Scale    = 6
)

var (
	decayStep = decimal.RequireFromString("0.1")
	floor     = decimal.RequireFromString("0.1")
	one       = decimal.NewFromInt(1)
	hundred   = decimal.NewFromInt(100)
)

var (
	ErrInvalidLevel   = errors.New("invalid_level")
	ErrInvalidBase    = errors.New("invalid_base_amount")
	ErrInvalidPercent = errors.New("invalid_bonus_percent")
)

// Multiplier returns the decay factor for level, assuming 1 <= level <= MaxLevel.
func Multiplier(level int) decimal.Decimal {
	m := one.Sub(decayStep.Mul(decimal.NewFromInt(int64(level - 1))))
	if m.LessThan(floor) {
		return floor
	}
	return m
}

// Exact returns the untruncated commission for level.
func Exact(base, bonusPercent decimal.Decimal, level int) (decimal.Decimal, error) {
	if level < 1 || level > MaxLevel {
		return decimal.Zero, ErrInvalidLevel
	}
	if base.IsNegative() {
		return decimal.Zero, ErrInvalidBase
	}
	if bonusPercent.IsNegative() || bonusPercent.GreaterThan(hundred) {
		return decimal.Zero, ErrInvalidPercent
	}
	// Shift(-2) divides by 100 without rounding
	return base.Mul(bonusPercent).Mul(Multiplier(level)).Shift(-2), nil
}

// Amount returns the commission credited at level.
func Amount(base, bonusPercent decimal.Decimal, level int) (decimal.Decimal, error) {
	exact, err := Exact(base, bonusPercent, level)
	if err != nil {
		return decimal.Zero, err
	}
	return exact.Truncate(Scale), nil
}
