package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/liquidation"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/risk"
)

// Account returns party's balances; unknown parties have zero balances.
func (e *Engine) Account(party string) model.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(party)
}

// Accounts returns every account ordered by party.
func (e *Engine) Accounts() []model.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Accounts()
}

func (e *Engine) Market(id uint64) (model.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets.Get(id)
}

func (e *Engine) Markets() []model.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets.List()
}

func (e *Engine) Hedger(address string) (model.Hedger, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hedgers.Get(address)
}

func (e *Engine) Hedgers() []model.Hedger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hedgers.List()
}

func (e *Engine) Quote(id uint64) (model.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quotes.Get(id)
}

// QuotesOf returns every quote party is on, as partyA or partyB.
func (e *Engine) QuotesOf(party string) []model.Quote {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quotes.QuotesOf(party)
}

func (e *Engine) Position(id uint64) (model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Get(id)
}

// OpenPositions returns party's open positions ordered by id.
func (e *Engine) OpenPositions(party string) []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.OpenPositions(party)
}

// HealthReport is a party's cross margin health at a set of prices.
type HealthReport struct {
	Party          string          `json:"party"`
	LockedMargin   decimal.Decimal `json:"locked_margin"`
	IsolatedLocked decimal.Decimal `json:"isolated_locked"`
	CrossLocked    decimal.Decimal `json:"cross_locked"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Health         decimal.Decimal `json:"health"`
	Liquidatable   bool            `json:"liquidatable"`
}

// Health values party's cross positions at prices, which must cover each
// of them.
func (e *Engine) Health(party string, prices model.Prices) (HealthReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	upnl, err := e.liquidations.CrossPnL(party, prices)
	if err != nil {
		return HealthReport{}, err
	}
	cross := e.liquidations.CrossLocked(party)
	hasCross := len(e.positions.ByMode(party, model.Cross)) > 0
	return HealthReport{
		Party:          party,
		LockedMargin:   e.ledger.Balance(party).LockedMargin,
		IsolatedLocked: e.positions.IsolatedLocked(party),
		CrossLocked:    cross,
		UnrealizedPnL:  upnl,
		Health:         risk.MarginHealth(cross, upnl),
		Liquidatable:   hasCross && e.liquidations.IsCrossLiquidatable(party, upnl),
	}, nil
}

// IsIsolatedLiquidatable reports whether position id can be liquidated at
// bid/ask.
func (e *Engine) IsIsolatedLiquidatable(id uint64, bid, ask decimal.Decimal) (bool, error) {
	e.mu.Lock()
	pos, err := e.positions.Get(id)
	e.mu.Unlock()
	if err != nil {
		return false, err
	}
	if pos.MarginMode != model.Isolated {
		return false, nil
	}
	ok, _, _, err := liquidation.IsIsolatedLiquidatable(pos, fixed.Normalize(bid), fixed.Normalize(ask))
	return ok, err
}

// Journal returns every committed entry involving party, oldest first.
func (e *Engine) Journal(ctx context.Context, party string) ([]model.Entry, error) {
	return e.store.EntriesByParty(ctx, party)
}

// PositionJournal returns every committed entry for a position.
func (e *Engine) PositionJournal(ctx context.Context, id uint64) ([]model.Entry, error) {
	return e.store.EntriesByPosition(ctx, id)
}

// Snapshot returns party's account as last saved to the store. It lags the
// live Account when a store write has failed.
func (e *Engine) Snapshot(ctx context.Context, party string) (*model.Account, error) {
	return e.store.GetAccount(ctx, party)
}
