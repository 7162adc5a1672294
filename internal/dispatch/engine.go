package dispatch

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/engine"
	"github.com/atmx/rfq-engine/internal/liquidation"
	"github.com/atmx/rfq-engine/internal/market"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/position"
)

// AmountRequest moves collateral for one party.
type AmountRequest struct {
	Party  string          `json:"party"`
	Amount decimal.Decimal `json:"amount"`
	// Prices values open positions for the removal safeguard.
	Prices model.Prices `json:"prices,omitempty"`
}

// UpdateMarketRequest changes a market's mutable parameters.
type UpdateMarketRequest struct {
	MarketID uint64 `json:"market_id"`
	market.Update
}

// SetMarketActiveRequest opens or halts a market.
type SetMarketActiveRequest struct {
	MarketID uint64 `json:"market_id"`
	Active   bool   `json:"active"`
}

// EnlistHedgerRequest registers a hedger.
type EnlistHedgerRequest struct {
	Address          string   `json:"address"`
	PricingWssURLs   []string `json:"pricing_wss_urls"`
	MarketsHTTPSURLs []string `json:"markets_https_urls"`
}

// HedgerURLsRequest replaces one list of hedger endpoints.
type HedgerURLsRequest struct {
	Address string   `json:"address"`
	URLs    []string `json:"urls"`
}

// QuoteActionRequest is a party acting on a quote.
type QuoteActionRequest struct {
	Caller  string `json:"caller"`
	QuoteID uint64 `json:"quote_id"`
}

// PositionActionRequest is a party acting on a position.
type PositionActionRequest struct {
	Caller     string          `json:"caller"`
	PositionID uint64          `json:"position_id"`
	FillPrice  decimal.Decimal `json:"fill_price"`
}

// IsolatedMarginRequest tops up the margin behind one isolated position.
type IsolatedMarginRequest struct {
	Caller     string          `json:"caller"`
	PositionID uint64          `json:"position_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// LiquidateIsolatedRequest liquidates one isolated position.
type LiquidateIsolatedRequest struct {
	Liquidator string          `json:"liquidator"`
	PositionID uint64          `json:"position_id"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
}

// LiquidateCrossRequest liquidates a party's cross positions.
type LiquidateCrossRequest struct {
	Liquidator string       `json:"liquidator"`
	Party      string       `json:"party"`
	Prices     model.Prices `json:"prices"`
}

// AdminOps are the operations restricted to operators.
var AdminOps = map[string]bool{
	engine.OpCreateMarket:    true,
	engine.OpUpdateMarket:    true,
	engine.OpSetMarketActive: true,
}

// EngineTable registers every engine operation.
func EngineTable(e *engine.Engine) *Table {
	t := NewTable()
	must := func(op string, h Handler) {
		if err := t.Register(op, h); err != nil {
			panic(err)
		}
	}
	amount := func(fn func(context.Context, string, decimal.Decimal) (model.Account, error)) Handler {
		return Typed(func(ctx context.Context, r AmountRequest) (model.Account, error) {
			return fn(ctx, r.Party, r.Amount)
		})
	}

	must(engine.OpDeposit, amount(e.Deposit))
	must(engine.OpWithdraw, amount(e.Withdraw))
	must(engine.OpAllocate, amount(e.Allocate))
	must(engine.OpDeallocate, amount(e.Deallocate))
	must(engine.OpDepositAndAllocate, amount(e.DepositAndAllocate))
	must(engine.OpAddFreeMargin, amount(e.AddFreeMargin))
	must(engine.OpRemoveFreeMargin, Typed(func(ctx context.Context, r AmountRequest) (model.Account, error) {
		return e.RemoveFreeMargin(ctx, r.Party, r.Amount, r.Prices)
	}))
	must(engine.OpAddFreeMarginIsolated, Typed(func(ctx context.Context, r IsolatedMarginRequest) (model.Position, error) {
		return e.AddFreeMarginIsolated(ctx, r.Caller, r.PositionID, r.Amount)
	}))

	must(engine.OpCreateMarket, Typed(e.CreateMarket))
	must(engine.OpUpdateMarket, Typed(func(ctx context.Context, r UpdateMarketRequest) (model.Market, error) {
		return e.UpdateMarket(ctx, r.MarketID, r.Update)
	}))
	must(engine.OpSetMarketActive, Typed(func(ctx context.Context, r SetMarketActiveRequest) (model.Market, error) {
		return e.SetMarketActive(ctx, r.MarketID, r.Active)
	}))

	must(engine.OpEnlistHedger, Typed(func(ctx context.Context, r EnlistHedgerRequest) (model.Hedger, error) {
		return e.EnlistHedger(ctx, r.Address, r.PricingWssURLs, r.MarketsHTTPSURLs)
	}))
	must(engine.OpUpdatePricingURLs, Typed(func(ctx context.Context, r HedgerURLsRequest) (model.Hedger, error) {
		return e.UpdatePricingURLs(ctx, r.Address, r.URLs)
	}))
	must(engine.OpUpdateMarketsURLs, Typed(func(ctx context.Context, r HedgerURLsRequest) (model.Hedger, error) {
		return e.UpdateMarketsURLs(ctx, r.Address, r.URLs)
	}))

	must(engine.OpCreateQuote, Typed(e.CreateQuote))
	must(engine.OpCancelQuote, Typed(func(ctx context.Context, r QuoteActionRequest) (model.Quote, error) {
		return e.CancelQuote(ctx, r.Caller, r.QuoteID)
	}))
	must(engine.OpForceCancelQuote, Typed(func(ctx context.Context, r QuoteActionRequest) (model.Quote, error) {
		return e.ForceCancelQuote(ctx, r.Caller, r.QuoteID)
	}))
	must(engine.OpFillQuote, Typed(e.FillQuote))

	must(engine.OpRequestClose, Typed(func(ctx context.Context, r PositionActionRequest) (model.Position, error) {
		return e.RequestClose(ctx, r.Caller, r.PositionID)
	}))
	must(engine.OpCancelCloseRequest, Typed(func(ctx context.Context, r PositionActionRequest) (model.Position, error) {
		return e.CancelCloseRequest(ctx, r.Caller, r.PositionID)
	}))
	must(engine.OpFillClose, Typed(func(ctx context.Context, r PositionActionRequest) (position.Settlement, error) {
		return e.FillClose(ctx, r.Caller, r.PositionID, r.FillPrice)
	}))

	must(engine.OpLiquidateIsolated, Typed(func(ctx context.Context, r LiquidateIsolatedRequest) (liquidation.Result, error) {
		return e.LiquidateIsolated(ctx, r.Liquidator, r.PositionID, r.Bid, r.Ask)
	}))
	must(engine.OpLiquidateCross, Typed(func(ctx context.Context, r LiquidateCrossRequest) (liquidation.Result, error) {
		return e.LiquidateCross(ctx, r.Liquidator, r.Party, r.Prices)
	}))
	return t
}
