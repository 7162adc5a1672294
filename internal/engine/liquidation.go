package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/liquidation"
	"github.com/atmx/rfq-engine/internal/metrics"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/txn"
)

// LiquidateIsolated closes an isolated position whose loser's principal is
// exhausted at bid/ask. An empty liquidator defaults to the survivor.
func (e *Engine) LiquidateIsolated(ctx context.Context, liquidator string, id uint64, bid, ask decimal.Decimal) (liquidation.Result, error) {
	bid, ask = fixed.Normalize(bid), fixed.Normalize(ask)

	var res liquidation.Result
	err := e.exec(ctx, OpLiquidateIsolated, liquidator, func(tx *txn.Tx, j *journal) error {
		var err error
		if res, err = e.liquidations.LiquidateIsolated(tx, liquidator, id, bid, ask); err != nil {
			return err
		}
		journalPayouts(j, res)
		return nil
	})
	if err == nil {
		metrics.LiquidationsTotal.WithLabelValues(model.Isolated.String()).Inc()
		e.logLiquidation(res)
	}
	return res, err
}

// LiquidateCross closes every cross position of party. prices must cover
// each of them.
func (e *Engine) LiquidateCross(ctx context.Context, liquidator, party string, prices model.Prices) (liquidation.Result, error) {
	var res liquidation.Result
	err := e.exec(ctx, OpLiquidateCross, party, func(tx *txn.Tx, j *journal) error {
		var err error
		if res, err = e.liquidations.LiquidateCross(tx, liquidator, party, prices); err != nil {
			return err
		}
		journalPayouts(j, res)
		return nil
	})
	if err == nil {
		metrics.LiquidationsTotal.WithLabelValues(model.Cross.String()).Inc()
		e.logLiquidation(res)
	}
	return res, err
}

func (e *Engine) logLiquidation(res liquidation.Result) {
	e.log.Info("position liquidated",
		"mode", res.Mode,
		"party", res.Party,
		"liquidator", res.Liquidator,
		"positions", len(res.Positions),
		"liquidator_fee", res.Paid(res.Liquidator, liquidation.KindLiquidationFee),
	)
}

func journalPayouts(j *journal, res liquidation.Result) {
	markets := make(map[uint64]uint64, len(res.Positions))
	for _, p := range res.Positions {
		markets[p.ID] = p.MarketID
	}
	for _, p := range res.Payouts {
		j.add(model.Entry{
			Kind:         p.Kind,
			Party:        p.From,
			Counterparty: p.To,
			MarketID:     markets[p.PositionID],
			PositionID:   p.PositionID,
			Amount:       p.Amount,
		})
	}
}
