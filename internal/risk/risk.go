// Package risk holds the pure valuation functions: unrealized PnL, margin
// health and the solvency safeguard. Nothing here touches engine state.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/model"
)

// UnrealizedPnLIsolated values pos at the given bid/ask. A long partyA exits
// at the bid, a short one at the ask. pnlB is always exactly -pnlA.
func UnrealizedPnLIsolated(pos model.Position, bid, ask decimal.Decimal) (pnlA, pnlB decimal.Decimal, err error) {
	units, err := fixed.Div(pos.NotionalUSD, pos.EntryPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: position %d has no entry price", model.ErrInvalidArgument, pos.ID)
	}
	switch pos.Side {
	case model.Buy:
		pnlA = fixed.Mul(bid.Sub(pos.EntryPrice), units)
	case model.Sell:
		pnlA = fixed.Mul(pos.EntryPrice.Sub(ask), units)
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: side %s", model.ErrInvalidArgument, pos.Side)
	}
	return pnlA, pnlA.Neg(), nil
}

// PartyPnL returns party's side of pos valued at bid/ask.
func PartyPnL(party string, pos model.Position, bid, ask decimal.Decimal) (decimal.Decimal, error) {
	pnlA, pnlB, err := UnrealizedPnLIsolated(pos, bid, ask)
	if err != nil {
		return decimal.Zero, err
	}
	if party == pos.PartyA {
		return pnlA, nil
	}
	return pnlB, nil
}

// UnrealizedPnLCross sums party's PnL across positions, each valued at its
// own price pair. Every position must have a price.
func UnrealizedPnLCross(party string, positions []model.Position, prices model.Prices) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, pos := range positions {
		pp, ok := prices[pos.ID]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: price for position %d", model.ErrNotFound, pos.ID)
		}
		pnl, err := PartyPnL(party, pos, pp.Bid, pp.Ask)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(pnl)
	}
	return total, nil
}

// MarginHealth returns (locked + uPnL) / locked, saturating at zero. With
// nothing locked the health is 1.
func MarginHealth(locked, upnl decimal.Decimal) decimal.Decimal {
	if locked.Sign() <= 0 {
		return fixed.One
	}
	equity := locked.Add(upnl)
	if equity.Sign() <= 0 {
		return decimal.Zero
	}
	h, _ := fixed.Div(equity, locked)
	return h
}

// Role distinguishes the liquidity taker from an enlisted hedger.
type Role int

const (
	Taker Role = iota
	Maker
)

func (r Role) String() string {
	if r == Maker {
		return "MAKER"
	}
	return "TAKER"
}

// Action is what the safeguard is guarding.
type Action int

const (
	// Trade opens new risk.
	Trade Action = iota
	// Remove takes buffer out of locked margin.
	Remove
)

// Thresholds are the minimum health ratios required by the safeguard.
type Thresholds struct {
	TradeTaker  decimal.Decimal
	TradeMaker  decimal.Decimal
	RemoveTaker decimal.Decimal
	RemoveMaker decimal.Decimal
}

// DefaultThresholds opens trades at 30% (taker) / 0% (maker) health and
// allows margin removal only at 100% / 50%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TradeTaker:  decimal.New(3, -1),
		TradeMaker:  decimal.Zero,
		RemoveTaker: fixed.One,
		RemoveMaker: decimal.New(5, -1),
	}
}

// Threshold returns the ratio that applies to role performing action.
func (t Thresholds) Threshold(role Role, action Action) decimal.Decimal {
	switch {
	case action == Trade && role == Taker:
		return t.TradeTaker
	case action == Trade:
		return t.TradeMaker
	case role == Taker:
		return t.RemoveTaker
	default:
		return t.RemoveMaker
	}
}

// PassesSolvencySafeguard reports whether MarginHealth(locked, upnl) meets
// the threshold for role and action.
func (t Thresholds) PassesSolvencySafeguard(locked, upnl decimal.Decimal, role Role, action Action) bool {
	return MarginHealth(locked, upnl).GreaterThanOrEqual(t.Threshold(role, action))
}

// Validate checks that every threshold is non-negative.
func (t Thresholds) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"trade taker":  t.TradeTaker,
		"trade maker":  t.TradeMaker,
		"remove taker": t.RemoveTaker,
		"remove maker": t.RemoveMaker,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s threshold %s is negative", model.ErrInvalidArgument, name, v)
		}
	}
	return nil
}
