package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/position"
	"github.com/atmx/rfq-engine/internal/quote"
	"github.com/atmx/rfq-engine/internal/txn"
)

// Journal kinds for trading entries.
const (
	KindReserve    = "reserve"
	KindUnreserve  = "unreserve"
	KindCommit     = "commit"
	KindFee        = "fee"
	KindSettlement = "settlement"
)

// CreateQuote opens an RFQ from req.PartyA to hedger req.PartyB and reserves
// partyA's collateral.
func (e *Engine) CreateQuote(ctx context.Context, req quote.Request) (model.Quote, error) {
	req.NotionalUSD = fixed.Normalize(req.NotionalUSD)
	req.Leverage = fixed.Normalize(req.Leverage)

	var q model.Quote
	err := e.exec(ctx, OpCreateQuote, req.PartyA, func(tx *txn.Tx, j *journal) error {
		var err error
		if q, err = e.quotes.Create(tx, req, e.clock()); err != nil {
			return err
		}
		j.add(model.Entry{
			Kind:         KindReserve,
			Party:        q.PartyA,
			Counterparty: q.PartyB,
			MarketID:     q.MarketID,
			QuoteID:      q.ID,
			Amount:       q.Reserved(),
		})
		return nil
	})
	return q, err
}

// CancelQuote asks to cancel an OPEN quote. The hedger may still fill it
// until partyA force cancels.
func (e *Engine) CancelQuote(ctx context.Context, caller string, id uint64) (model.Quote, error) {
	var q model.Quote
	err := e.exec(ctx, OpCancelQuote, caller, func(tx *txn.Tx, j *journal) error {
		var err error
		if q, err = e.quotes.Cancel(tx, caller, id, e.clock()); err != nil {
			return err
		}
		j.add(model.Entry{Party: q.PartyA, Counterparty: q.PartyB, MarketID: q.MarketID, QuoteID: q.ID})
		return nil
	})
	return q, err
}

// ForceCancelQuote releases partyA's reservation once the request timeout
// has elapsed since CancelQuote.
func (e *Engine) ForceCancelQuote(ctx context.Context, caller string, id uint64) (model.Quote, error) {
	var q model.Quote
	err := e.exec(ctx, OpForceCancelQuote, caller, func(tx *txn.Tx, j *journal) error {
		var err error
		if q, err = e.quotes.ForceCancel(tx, caller, id, e.clock()); err != nil {
			return err
		}
		j.add(model.Entry{
			Kind:         KindUnreserve,
			Party:        q.PartyA,
			Counterparty: q.PartyB,
			MarketID:     q.MarketID,
			QuoteID:      q.ID,
			Amount:       q.Reserved(),
		})
		return nil
	})
	return q, err
}

// FillQuote lets the hedger accept a pending quote at req.FillPrice and opens
// the position.
func (e *Engine) FillQuote(ctx context.Context, req quote.FillRequest) (model.Position, error) {
	var pos model.Position
	err := e.exec(ctx, OpFillQuote, req.Caller, func(tx *txn.Tx, j *journal) error {
		q, err := e.quotes.Get(req.QuoteID)
		if err != nil {
			return err
		}
		if pos, err = e.quotes.Fill(tx, req, e.clock()); err != nil {
			return err
		}
		base := model.Entry{MarketID: q.MarketID, QuoteID: q.ID, PositionID: pos.ID}

		commitA := base
		commitA.Kind, commitA.Party, commitA.Counterparty, commitA.Amount = KindCommit, q.PartyA, q.PartyB, q.CollateralPerParty()
		j.add(commitA)

		if q.ProtocolFee.IsPositive() {
			fee := base
			fee.Kind, fee.Party, fee.Counterparty, fee.Amount = KindFee, q.PartyA, e.ledger.Treasury(), q.ProtocolFee
			j.add(fee)
		}

		commitB := base
		commitB.Kind, commitB.Party, commitB.Counterparty, commitB.Amount = KindCommit, q.PartyB, q.PartyA, q.CollateralPerParty()
		j.add(commitB)
		return nil
	})
	return pos, err
}

// RequestClose asks to close a position at the counterparty's next fill.
func (e *Engine) RequestClose(ctx context.Context, caller string, id uint64) (model.Position, error) {
	var pos model.Position
	err := e.exec(ctx, OpRequestClose, caller, func(tx *txn.Tx, j *journal) error {
		var err error
		if pos, err = e.positions.RequestClose(tx, caller, id, e.clock()); err != nil {
			return err
		}
		j.add(model.Entry{Party: caller, Counterparty: pos.Counterparty(caller), MarketID: pos.MarketID, PositionID: pos.ID})
		return nil
	})
	return pos, err
}

// CancelCloseRequest withdraws caller's pending close request.
func (e *Engine) CancelCloseRequest(ctx context.Context, caller string, id uint64) (model.Position, error) {
	var pos model.Position
	err := e.exec(ctx, OpCancelCloseRequest, caller, func(tx *txn.Tx, j *journal) error {
		var err error
		if pos, err = e.positions.CancelCloseRequest(tx, caller, id); err != nil {
			return err
		}
		j.add(model.Entry{Party: caller, Counterparty: pos.Counterparty(caller), MarketID: pos.MarketID, PositionID: pos.ID})
		return nil
	})
	return pos, err
}

// FillClose settles a position with a pending close request at fillPrice.
func (e *Engine) FillClose(ctx context.Context, caller string, id uint64, fillPrice decimal.Decimal) (position.Settlement, error) {
	fillPrice = fixed.Normalize(fillPrice)

	var s position.Settlement
	err := e.exec(ctx, OpFillClose, caller, func(tx *txn.Tx, j *journal) error {
		var err error
		if s, err = e.positions.FillClose(tx, caller, id, fillPrice); err != nil {
			return err
		}
		p := s.Position
		j.add(model.Entry{
			Kind: KindSettlement, Party: p.PartyA, Counterparty: p.PartyB,
			MarketID: p.MarketID, PositionID: p.ID,
			Amount: p.LockedTotal(p.PartyA), PnL: s.PnLA,
		})
		j.add(model.Entry{
			Kind: KindSettlement, Party: p.PartyB, Counterparty: p.PartyA,
			MarketID: p.MarketID, PositionID: p.ID,
			Amount: p.LockedTotal(p.PartyB), PnL: s.PnLB,
		})
		return nil
	})
	return s, err
}
