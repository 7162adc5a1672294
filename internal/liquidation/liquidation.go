// Package liquidation closes positions whose margin health has reached zero
// and redistributes the collateral behind them.
//
// Isolated liquidation closes one position: the loser forfeits its principal
// and CVA to the counterparty and its liquidation fee to the liquidator.
// Cross liquidation closes every cross position of one party at once out of
// the party's shared cross pool. Neither path applies solvency safeguards.
package liquidation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/ledger"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/position"
	"github.com/atmx/rfq-engine/internal/risk"
	"github.com/atmx/rfq-engine/internal/txn"
)

// Payout kinds.
const (
	KindPrincipal      = "principal"
	KindCVA            = "cva"
	KindLiquidationFee = "liquidation_fee"
	KindPnL            = "pnl"
)

// Payout is one transfer made during a liquidation.
type Payout struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	PositionID uint64          `json:"position_id"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
}

// Result describes a completed liquidation.
type Result struct {
	Party      string           `json:"party"`
	Liquidator string           `json:"liquidator"`
	Mode       model.MarginMode `json:"mode"`
	Positions  []model.Position `json:"positions"`
	PnL        decimal.Decimal  `json:"pnl"`
	Payouts    []Payout         `json:"payouts"`
}

// Engine executes liquidations against the ledger and position manager.
type Engine struct {
	ledger    *ledger.Ledger
	positions *position.Manager
}

// NewEngine wires a liquidation engine.
func NewEngine(l *ledger.Ledger, positions *position.Manager) *Engine {
	return &Engine{ledger: l, positions: positions}
}

// IsIsolatedLiquidatable reports whether either party's principal is wiped
// out at bid/ask.
func IsIsolatedLiquidatable(pos model.Position, bid, ask decimal.Decimal) (bool, decimal.Decimal, decimal.Decimal, error) {
	pnlA, pnlB, err := risk.UnrealizedPnLIsolated(pos, bid, ask)
	if err != nil {
		return false, decimal.Zero, decimal.Zero, err
	}
	liquidatable := risk.MarginHealth(pos.LockedMarginA, pnlA).IsZero() ||
		risk.MarginHealth(pos.LockedMarginB, pnlB).IsZero()
	return liquidatable, pnlA, pnlB, nil
}

// IsCrossLiquidatable reports whether party's cross pool is wiped out by
// upnl.
func (e *Engine) IsCrossLiquidatable(party string, upnl decimal.Decimal) bool {
	return risk.MarginHealth(e.CrossLocked(party), upnl).IsZero()
}

// CrossLocked is party's locked margin not backing isolated positions.
func (e *Engine) CrossLocked(party string) decimal.Decimal {
	locked := e.ledger.Balance(party).LockedMargin.Sub(e.positions.IsolatedLocked(party))
	if locked.IsNegative() {
		return decimal.Zero
	}
	return locked
}

// CrossPnL values all of party's cross positions. Every one needs a price.
func (e *Engine) CrossPnL(party string, prices model.Prices) (decimal.Decimal, error) {
	return risk.UnrealizedPnLCross(party, e.positions.ByMode(party, model.Cross), prices)
}

// LiquidateIsolated closes position id at bid/ask. liquidator receives the
// loser's liquidation fee; when empty the surviving party does. The loser
// cannot be the liquidator.
func (e *Engine) LiquidateIsolated(tx *txn.Tx, liquidator string, id uint64, bid, ask decimal.Decimal) (Result, error) {
	pos, err := e.positions.Get(id)
	if err != nil {
		return Result{}, err
	}
	if pos.MarginMode != model.Isolated {
		return Result{}, fmt.Errorf("%w: position %d is %s", model.ErrInvalidState, id, pos.MarginMode)
	}
	ok, pnlA, _, err := IsIsolatedLiquidatable(pos, bid, ask)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: position %d is not liquidatable", model.ErrInvalidState, id)
	}

	loser, pnl := pos.PartyA, pnlA
	if !risk.MarginHealth(pos.LockedMarginA, pnlA).IsZero() {
		loser, pnl = pos.PartyB, pnlA.Neg()
	}
	if liquidator == loser {
		return Result{}, fmt.Errorf("%w: %s cannot liquidate its own position %d", model.ErrInvalidParty, loser, id)
	}
	winner := pos.Counterparty(loser)
	if liquidator == "" {
		liquidator = winner
	}

	for _, p := range []string{pos.PartyA, pos.PartyB} {
		if err := e.ledger.Release(tx, p, pos.LockedTotal(p)); err != nil {
			return Result{}, err
		}
	}

	res := Result{
		Party:      loser,
		Liquidator: liquidator,
		Mode:       model.Isolated,
		Positions:  []model.Position{pos},
		PnL:        pnl,
	}
	res.pay(e.ledger, tx, loser, winner, id, KindPrincipal, pos.Principal(loser))
	res.pay(e.ledger, tx, loser, winner, id, KindCVA, pos.CVA)
	res.pay(e.ledger, tx, loser, liquidator, id, KindLiquidationFee, pos.LiquidationFee)

	e.positions.Remove(tx, id)
	return res, nil
}

// LiquidateCross closes every cross position of party at prices. Liquidation
// fees go to liquidator, or to each position's counterparty when it is
// empty. party cannot be its own liquidator. It fails without effect if any
// position lacks a price, if the party is not liquidatable, or if a
// counterparty cannot settle what it owes.
func (e *Engine) LiquidateCross(tx *txn.Tx, liquidator, party string, prices model.Prices) (Result, error) {
	if liquidator == party {
		return Result{}, fmt.Errorf("%w: %s cannot liquidate itself", model.ErrInvalidParty, party)
	}
	positions := e.positions.ByMode(party, model.Cross)
	if len(positions) == 0 {
		return Result{}, fmt.Errorf("%w: %s has no cross positions", model.ErrInvalidState, party)
	}
	upnl, err := risk.UnrealizedPnLCross(party, positions, prices)
	if err != nil {
		return Result{}, err
	}
	pool := e.CrossLocked(party)
	if !risk.MarginHealth(pool, upnl).IsZero() {
		return Result{}, fmt.Errorf("%w: %s cross health is %s", model.ErrInvalidState,
			party, risk.MarginHealth(pool, upnl).StringFixed(4))
	}
	res := Result{
		Party:      party,
		Liquidator: liquidator,
		Mode:       model.Cross,
		Positions:  positions,
		PnL:        upnl,
	}

	// Counterparties settle their side first; what they owe grows the pool.
	owed := make([]decimal.Decimal, len(positions))
	totalOwed := decimal.Zero
	for i, pos := range positions {
		cp := pos.Counterparty(party)
		if err := e.ledger.Release(tx, cp, pos.LockedTotal(cp)); err != nil {
			return Result{}, err
		}
		pp := prices[pos.ID]
		pnl, err := risk.PartyPnL(party, pos, pp.Bid, pp.Ask)
		if err != nil {
			return Result{}, err
		}
		if pnl.IsPositive() {
			res.pay(e.ledger, tx, cp, party, pos.ID, KindPnL, pnl)
			pool = pool.Add(pnl)
		} else {
			owed[i] = pnl.Neg()
			totalOwed = totalOwed.Add(owed[i])
		}
	}

	if err := e.ledger.Release(tx, party, e.CrossLocked(party)); err != nil {
		return Result{}, err
	}

	for _, pos := range positions {
		to := liquidator
		if to == "" {
			to = pos.Counterparty(party)
		}
		fee := fixed.Min(pos.LiquidationFee, pool)
		res.pay(e.ledger, tx, party, to, pos.ID, KindLiquidationFee, fee)
		pool = pool.Sub(fee)
	}
	for _, pos := range positions {
		cva := fixed.Min(pos.CVA, pool)
		res.pay(e.ledger, tx, party, pos.Counterparty(party), pos.ID, KindCVA, cva)
		pool = pool.Sub(cva)
	}

	short := pool.LessThan(totalOwed)
	for i, pos := range positions {
		amount := owed[i]
		if amount.IsZero() {
			continue
		}
		if short {
			amount, err = fixed.MulDiv(owed[i], pool, totalOwed)
			if err != nil {
				return Result{}, err
			}
		}
		res.pay(e.ledger, tx, party, pos.Counterparty(party), pos.ID, KindPnL, amount)
	}

	for _, pos := range positions {
		e.positions.Remove(tx, pos.ID)
	}
	return res, nil
}

// pay moves amount between allocated margins and records it. Zero amounts
// and self-payments are skipped.
func (r *Result) pay(l *ledger.Ledger, tx *txn.Tx, from, to string, positionID uint64, kind string, amount decimal.Decimal) {
	if !amount.IsPositive() || from == to {
		return
	}
	l.ApplyPnL(tx, from, amount.Neg())
	l.ApplyPnL(tx, to, amount)
	r.Payouts = append(r.Payouts, Payout{From: from, To: to, PositionID: positionID, Kind: kind, Amount: amount})
}

// Paid sums the payouts of kind received by party.
func (r Result) Paid(party, kind string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.Payouts {
		if p.To == party && p.Kind == kind {
			total = total.Add(p.Amount)
		}
	}
	return total
}
