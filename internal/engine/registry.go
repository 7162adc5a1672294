package engine

import (
	"context"

	"github.com/atmx/rfq-engine/internal/market"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/txn"
)

// CreateMarket registers a market.
func (e *Engine) CreateMarket(ctx context.Context, p market.Params) (model.Market, error) {
	var m model.Market
	err := e.exec(ctx, OpCreateMarket, "", func(tx *txn.Tx, j *journal) error {
		var err error
		if m, err = e.markets.Create(tx, p, e.clock()); err != nil {
			return err
		}
		j.add(model.Entry{MarketID: m.ID})
		return nil
	})
	return m, err
}

// UpdateMarket changes a market's mutable parameters.
func (e *Engine) UpdateMarket(ctx context.Context, id uint64, u market.Update) (model.Market, error) {
	var m model.Market
	err := e.exec(ctx, OpUpdateMarket, "", func(tx *txn.Tx, j *journal) error {
		var err error
		if m, err = e.markets.Update(tx, id, u); err != nil {
			return err
		}
		j.add(model.Entry{MarketID: m.ID})
		return nil
	})
	return m, err
}

// SetMarketActive opens or halts trading on a market. Open positions are
// unaffected.
func (e *Engine) SetMarketActive(ctx context.Context, id uint64, active bool) (model.Market, error) {
	var m model.Market
	err := e.exec(ctx, OpSetMarketActive, "", func(tx *txn.Tx, j *journal) error {
		var err error
		if m, err = e.markets.SetActive(tx, id, active); err != nil {
			return err
		}
		kind := "inactive"
		if active {
			kind = "active"
		}
		j.add(model.Entry{Kind: kind, MarketID: m.ID})
		return nil
	})
	return m, err
}

// EnlistHedger registers address as a hedger.
func (e *Engine) EnlistHedger(ctx context.Context, address string, pricingWssURLs, marketsHTTPSURLs []string) (model.Hedger, error) {
	var h model.Hedger
	err := e.exec(ctx, OpEnlistHedger, address, func(tx *txn.Tx, j *journal) error {
		var err error
		if h, err = e.hedgers.Enlist(tx, address, pricingWssURLs, marketsHTTPSURLs, e.clock()); err != nil {
			return err
		}
		j.add(model.Entry{Party: address})
		return nil
	})
	return h, err
}

// UpdatePricingURLs replaces a hedger's pricing WebSocket endpoints.
func (e *Engine) UpdatePricingURLs(ctx context.Context, address string, urls []string) (model.Hedger, error) {
	var h model.Hedger
	err := e.exec(ctx, OpUpdatePricingURLs, address, func(tx *txn.Tx, j *journal) error {
		var err error
		if h, err = e.hedgers.UpdatePricingWssURLs(tx, address, urls); err != nil {
			return err
		}
		j.add(model.Entry{Party: address})
		return nil
	})
	return h, err
}

// UpdateMarketsURLs replaces a hedger's market listing endpoints.
func (e *Engine) UpdateMarketsURLs(ctx context.Context, address string, urls []string) (model.Hedger, error) {
	var h model.Hedger
	err := e.exec(ctx, OpUpdateMarketsURLs, address, func(tx *txn.Tx, j *journal) error {
		var err error
		if h, err = e.hedgers.UpdateMarketsHTTPSURLs(tx, address, urls); err != nil {
			return err
		}
		j.add(model.Entry{Party: address})
		return nil
	})
	return h, err
}
