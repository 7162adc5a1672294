package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/risk"
	"github.com/atmx/rfq-engine/internal/txn"
)

type ledgerFn func(tx *txn.Tx, party string, amount decimal.Decimal) error

func (e *Engine) move(ctx context.Context, op, party string, amount decimal.Decimal, fn ledgerFn) (model.Account, error) {
	amount = fixed.Normalize(amount)
	var acc model.Account
	err := e.exec(ctx, op, party, func(tx *txn.Tx, j *journal) error {
		if err := fn(tx, party, amount); err != nil {
			return err
		}
		j.add(model.Entry{Party: party, Amount: amount})
		acc = e.ledger.Balance(party)
		return nil
	})
	return acc, err
}

// Deposit credits party's free balance.
func (e *Engine) Deposit(ctx context.Context, party string, amount decimal.Decimal) (model.Account, error) {
	return e.move(ctx, OpDeposit, party, amount, e.ledger.Deposit)
}

// Withdraw debits party's free balance.
func (e *Engine) Withdraw(ctx context.Context, party string, amount decimal.Decimal) (model.Account, error) {
	return e.move(ctx, OpWithdraw, party, amount, e.ledger.Withdraw)
}

// Allocate moves free balance into allocated margin.
func (e *Engine) Allocate(ctx context.Context, party string, amount decimal.Decimal) (model.Account, error) {
	return e.move(ctx, OpAllocate, party, amount, e.ledger.Allocate)
}

// Deallocate moves allocated margin back to free balance.
func (e *Engine) Deallocate(ctx context.Context, party string, amount decimal.Decimal) (model.Account, error) {
	return e.move(ctx, OpDeallocate, party, amount, e.ledger.Deallocate)
}

// DepositAndAllocate deposits amount and allocates all of it.
func (e *Engine) DepositAndAllocate(ctx context.Context, party string, amount decimal.Decimal) (model.Account, error) {
	return e.move(ctx, OpDepositAndAllocate, party, amount, func(tx *txn.Tx, party string, amount decimal.Decimal) error {
		if err := e.ledger.Deposit(tx, party, amount); err != nil {
			return err
		}
		return e.ledger.Allocate(tx, party, amount)
	})
}

// AddFreeMargin locks allocated margin as a cross buffer.
func (e *Engine) AddFreeMargin(ctx context.Context, party string, amount decimal.Decimal) (model.Account, error) {
	return e.move(ctx, OpAddFreeMargin, party, amount, func(tx *txn.Tx, party string, amount decimal.Decimal) error {
		if !amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidArgument, amount)
		}
		return e.ledger.Lock(tx, party, amount)
	})
}

// AddFreeMarginIsolated locks amount of caller's allocated margin onto one
// of caller's isolated positions.
func (e *Engine) AddFreeMarginIsolated(ctx context.Context, caller string, positionID uint64, amount decimal.Decimal) (model.Position, error) {
	amount = fixed.Normalize(amount)
	var pos model.Position
	err := e.exec(ctx, OpAddFreeMarginIsolated, caller, func(tx *txn.Tx, j *journal) error {
		var err error
		if pos, err = e.positions.AddMargin(tx, caller, positionID, amount); err != nil {
			return err
		}
		j.add(model.Entry{Party: caller, MarketID: pos.MarketID, PositionID: pos.ID, Amount: amount})
		return nil
	})
	return pos, err
}

// RemoveFreeMargin unlocks part of party's cross buffer. Only margin not
// backing a position can be removed, and party must still pass the removal
// safeguard valued at prices.
func (e *Engine) RemoveFreeMargin(ctx context.Context, party string, amount decimal.Decimal, prices model.Prices) (model.Account, error) {
	return e.move(ctx, OpRemoveFreeMargin, party, amount, func(tx *txn.Tx, party string, amount decimal.Decimal) error {
		if !amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidArgument, amount)
		}
		if buffer := e.crossBuffer(party); amount.GreaterThan(buffer) {
			return fmt.Errorf("%w: %s can remove at most %s of free margin", model.ErrInsufficientMargin, party, buffer)
		}
		if err := e.ledger.Release(tx, party, amount); err != nil {
			return err
		}
		locked := e.ledger.Balance(party).LockedMargin
		upnl, err := e.positions.ValuedPnL(party, prices)
		if err != nil {
			return err
		}
		role := e.role(party)
		if !e.cfg.Thresholds.PassesSolvencySafeguard(locked, upnl, role, risk.Remove) {
			return fmt.Errorf("%w: %s health %s below %s removal threshold",
				model.ErrSolvencyBreach, party, risk.MarginHealth(locked, upnl).StringFixed(4), role)
		}
		return nil
	})
}

// crossBuffer is the locked margin that backs no position.
func (e *Engine) crossBuffer(party string) decimal.Decimal {
	buffer := e.liquidations.CrossLocked(party)
	for _, p := range e.positions.ByMode(party, model.Cross) {
		buffer = buffer.Sub(p.LockedTotal(party))
	}
	if buffer.IsNegative() {
		return decimal.Zero
	}
	return buffer
}

func (e *Engine) role(party string) risk.Role {
	if e.hedgers.IsHedger(party) {
		return risk.Maker
	}
	return risk.Taker
}
