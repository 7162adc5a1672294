// Package limits implements per-party notional exposure limits that account
// for correlation between markets.
//
// Markets of the same asset class (all FOREX pairs, all CRYPTO, ...) tend to
// move together. A party that is long on ten crypto markets carries one large
// correlated bet, so besides a per-market cap the limiter enforces a cap on
// the aggregate absolute exposure of each market type.
package limits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/model"
)

// Bucket identifies one market and the correlated group it belongs to.
type Bucket struct {
	MarketID uint64
	Group    model.MarketType
}

// ExposureLimiter enforces exposure limits with correlation awareness.
type ExposureLimiter struct {
	// MaxPerMarket is the maximum absolute net notional in any single market.
	// Zero disables the check.
	MaxPerMarket decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute notional across all
	// markets of the same type. Zero disables the check.
	MaxCorrelated decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given per-market and
// correlated limits.
func NewExposureLimiter(maxPerMarket, maxCorrelated decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerMarket:  maxPerMarket,
		MaxCorrelated: maxCorrelated,
	}
}

// Enabled reports whether any limit is configured.
func (l *ExposureLimiter) Enabled() bool {
	return l != nil && (l.MaxPerMarket.IsPositive() || l.MaxCorrelated.IsPositive())
}

// CheckLimit validates whether a trade respects exposure limits.
//
// Parameters:
//   - target: the market being traded
//   - delta: signed change in notional (+BUY / -SELL from the party's view)
//   - existing: current net notional per market for this party
//
// Returns nil if the trade is within limits, or an error wrapping
// model.ErrExposureLimit.
func (l *ExposureLimiter) CheckLimit(target Bucket, delta decimal.Decimal, existing map[Bucket]decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-market limit.
	next := existing[target].Add(delta)
	if l.MaxPerMarket.IsPositive() && next.Abs().GreaterThan(l.MaxPerMarket) {
		return fmt.Errorf("%w: market %d net notional %s exceeds %s",
			model.ErrExposureLimit, target.MarketID, next.Abs(), l.MaxPerMarket)
	}

	// 2. Correlated exposure: sum |exposure| across markets of the same type.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	total := next.Abs()
	for b, exposure := range existing {
		if b == target {
			continue // counted via next above
		}
		if b.Group == target.Group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return fmt.Errorf("%w: %s exposure %s exceeds %s",
			model.ErrExposureLimit, target.Group, total, l.MaxCorrelated)
	}
	return nil
}
