// Package quote implements the RFQ state machine.
//
// A quote is created by partyA against one enlisted hedger (partyB). While
// it is OPEN or CANCELATION_REQUESTED the hedger may fill it; partyA's cancel
// only starts a cooldown, and the reservation is returned by a force cancel
// once RequestTimeout has elapsed. Filled quotes are deleted and become
// positions.
package quote

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/hedger"
	"github.com/atmx/rfq-engine/internal/ledger"
	"github.com/atmx/rfq-engine/internal/limits"
	"github.com/atmx/rfq-engine/internal/market"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/position"
	"github.com/atmx/rfq-engine/internal/risk"
	"github.com/atmx/rfq-engine/internal/txn"
)

// Config is the fee and timing schedule.
type Config struct {
	LiquidationFeeRate decimal.Decimal // fraction of required margin
	CVARate            decimal.Decimal // fraction of required margin
	RequestTimeout     time.Duration
	MaxLeverage        decimal.Decimal // zero means unlimited
}

// DefaultConfig charges 5% of required margin as liquidation fee, 20% as
// CVA, and lets partyA force a cancel 60s after requesting it.
func DefaultConfig() Config {
	return Config{
		LiquidationFeeRate: decimal.New(5, -2),
		CVARate:            decimal.New(2, -1),
		RequestTimeout:     60 * time.Second,
		MaxLeverage:        decimal.NewFromInt(1000),
	}
}

// Request is partyA's quote request.
type Request struct {
	PartyA      string           `json:"party_a"`
	PartyB      string           `json:"party_b"`
	MarketID    uint64           `json:"market_id"`
	Side        model.Side       `json:"side"`
	MarginMode  model.MarginMode `json:"margin_mode"`
	NotionalUSD decimal.Decimal  `json:"notional_usd"`
	Leverage    decimal.Decimal  `json:"leverage"`
	// Prices values partyA's existing positions for the solvency check.
	Prices model.Prices `json:"prices,omitempty"`
}

// Fees is the collateral breakdown of a quote.
type Fees struct {
	RequiredMargin decimal.Decimal `json:"required_margin"`
	ProtocolFee    decimal.Decimal `json:"protocol_fee"`
	LiquidationFee decimal.Decimal `json:"liquidation_fee"`
	CVA            decimal.Decimal `json:"cva"`
}

// ComputeFees derives the collateral breakdown for notional at leverage on
// a market charging feeRate.
func (c Config) ComputeFees(notional, leverage, feeRate decimal.Decimal) (Fees, error) {
	required, err := fixed.Div(notional, leverage)
	if err != nil {
		return Fees{}, fmt.Errorf("%w: leverage must be positive", model.ErrInvalidArgument)
	}
	return Fees{
		RequiredMargin: required,
		ProtocolFee:    fixed.Mul(notional, feeRate),
		LiquidationFee: fixed.Mul(required, c.LiquidationFeeRate),
		CVA:            fixed.Mul(required, c.CVARate),
	}, nil
}

// Engine owns every Quote.
type Engine struct {
	cfg        Config
	thresholds risk.Thresholds
	ledger     *ledger.Ledger
	markets    *market.Registry
	hedgers    *hedger.Registry
	positions  *position.Manager
	limiter    *limits.ExposureLimiter

	quotes map[uint64]*model.Quote
	nextID uint64
}

// NewEngine wires a quote engine. limiter may be nil.
func NewEngine(
	cfg Config,
	thresholds risk.Thresholds,
	l *ledger.Ledger,
	markets *market.Registry,
	hedgers *hedger.Registry,
	positions *position.Manager,
	limiter *limits.ExposureLimiter,
) *Engine {
	return &Engine{
		cfg:        cfg,
		thresholds: thresholds,
		ledger:     l,
		markets:    markets,
		hedgers:    hedgers,
		positions:  positions,
		limiter:    limiter,
		quotes:     make(map[uint64]*model.Quote),
		nextID:     1,
	}
}

// Config returns the fee and timing schedule in use.
func (e *Engine) Config() Config {
	return e.cfg
}

// Create validates req, reserves partyA's collateral and records an OPEN
// quote.
func (e *Engine) Create(tx *txn.Tx, req Request, now time.Time) (model.Quote, error) {
	mkt, err := e.markets.RequireActive(req.MarketID)
	if err != nil {
		return model.Quote{}, err
	}
	if err := e.validateParties(req.PartyA, req.PartyB); err != nil {
		return model.Quote{}, err
	}
	if err := e.validateSize(req); err != nil {
		return model.Quote{}, err
	}
	fees, err := e.cfg.ComputeFees(fixed.Normalize(req.NotionalUSD), fixed.Normalize(req.Leverage), mkt.ProtocolFeeRate)
	if err != nil {
		return model.Quote{}, err
	}
	if err := e.checkExposure(req.PartyA, mkt, req.Side, req.NotionalUSD); err != nil {
		return model.Quote{}, err
	}

	q := &model.Quote{
		ID:             e.nextID,
		PartyA:         req.PartyA,
		PartyB:         req.PartyB,
		MarketID:       mkt.ID,
		Side:           req.Side,
		MarginMode:     req.MarginMode,
		NotionalUSD:    fixed.Normalize(req.NotionalUSD),
		Leverage:       fixed.Normalize(req.Leverage),
		RequiredMargin: fees.RequiredMargin,
		ProtocolFee:    fees.ProtocolFee,
		LiquidationFee: fees.LiquidationFee,
		CVA:            fees.CVA,
		State:          model.QuoteOpen,
		CreatedAt:      now.UTC(),
	}
	if err := e.ledger.Reserve(tx, q.PartyA, q.Reserved()); err != nil {
		return model.Quote{}, err
	}
	if err := e.checkSolvency(q.PartyA, req.Prices); err != nil {
		return model.Quote{}, err
	}

	id := q.ID
	e.quotes[id] = q
	e.nextID++
	tx.OnRollback(func() {
		delete(e.quotes, id)
		e.nextID = id
	})
	return *q, nil
}

// Cancel moves an OPEN quote to CANCELATION_REQUESTED. The reservation stays
// in place: the hedger may still fill until partyA force cancels.
func (e *Engine) Cancel(tx *txn.Tx, caller string, id uint64, now time.Time) (model.Quote, error) {
	q, err := e.get(id)
	if err != nil {
		return model.Quote{}, err
	}
	if caller != q.PartyA {
		return model.Quote{}, fmt.Errorf("%w: only partyA may cancel quote %d", model.ErrInvalidParty, id)
	}
	if q.State != model.QuoteOpen {
		return model.Quote{}, fmt.Errorf("%w: quote %d is %s", model.ErrInvalidState, id, q.State)
	}
	e.snapshot(tx, q)
	q.State = model.QuoteCancelationRequested
	q.CancelRequestedAt = now.UTC()
	return *q, nil
}

// ForceCancel returns partyA's reservation once the cooldown started by
// Cancel has elapsed.
func (e *Engine) ForceCancel(tx *txn.Tx, caller string, id uint64, now time.Time) (model.Quote, error) {
	q, err := e.get(id)
	if err != nil {
		return model.Quote{}, err
	}
	if caller != q.PartyA {
		return model.Quote{}, fmt.Errorf("%w: only partyA may force cancel quote %d", model.ErrInvalidParty, id)
	}
	if q.State != model.QuoteCancelationRequested {
		return model.Quote{}, fmt.Errorf("%w: quote %d is %s", model.ErrInvalidState, id, q.State)
	}
	deadline := q.CancelRequestedAt.Add(e.cfg.RequestTimeout)
	if now.Before(deadline) {
		return model.Quote{}, fmt.Errorf("%w: quote %d can be force canceled at %s",
			model.ErrRequestTimeout, id, deadline.Format(time.RFC3339))
	}
	if err := e.ledger.Unreserve(tx, q.PartyA, q.Reserved()); err != nil {
		return model.Quote{}, err
	}
	e.snapshot(tx, q)
	q.State = model.QuoteCanceled
	return *q, nil
}

// FillRequest is the hedger's acceptance of a quote.
type FillRequest struct {
	Caller    string          `json:"caller"`
	QuoteID   uint64          `json:"quote_id"`
	FillPrice decimal.Decimal `json:"fill_price"`
	// Prices values partyB's existing positions for the solvency check.
	Prices model.Prices `json:"prices,omitempty"`
}

// Fill converts a pending quote into a position. partyA's reservation is
// committed and its protocol fee collected; partyB reserves and commits the
// same collateral. A quote with a pending cancellation may still be filled.
func (e *Engine) Fill(tx *txn.Tx, req FillRequest, now time.Time) (model.Position, error) {
	q, err := e.get(req.QuoteID)
	if err != nil {
		return model.Position{}, err
	}
	if req.Caller != q.PartyB {
		return model.Position{}, fmt.Errorf("%w: only partyB may fill quote %d", model.ErrInvalidParty, q.ID)
	}
	if q.State != model.QuoteOpen && q.State != model.QuoteCancelationRequested {
		return model.Position{}, fmt.Errorf("%w: quote %d is %s", model.ErrInvalidState, q.ID, q.State)
	}
	if _, err := e.markets.RequireActive(q.MarketID); err != nil {
		return model.Position{}, err
	}
	if err := e.checkSolvency(q.PartyB, req.Prices); err != nil {
		return model.Position{}, err
	}

	collateral := q.CollateralPerParty()
	if err := e.ledger.Commit(tx, q.PartyA, collateral); err != nil {
		return model.Position{}, err
	}
	if err := e.ledger.CollectFee(tx, q.PartyA, q.ProtocolFee); err != nil {
		return model.Position{}, err
	}
	if err := e.ledger.Reserve(tx, q.PartyB, collateral); err != nil {
		return model.Position{}, err
	}
	if err := e.ledger.Commit(tx, q.PartyB, collateral); err != nil {
		return model.Position{}, err
	}

	filled := *q
	e.remove(tx, q.ID)
	return e.positions.Open(tx, filled, fixed.Normalize(req.FillPrice), now)
}

// =====================================================
// Queries
// =====================================================

// Get returns a copy of quote id.
func (e *Engine) Get(id uint64) (model.Quote, error) {
	q, err := e.get(id)
	if err != nil {
		return model.Quote{}, err
	}
	return *q, nil
}

// QuotesOf returns every quote where party is partyA or partyB, ordered by
// id. Canceled quotes are included.
func (e *Engine) QuotesOf(party string) []model.Quote {
	var out []model.Quote
	for _, q := range e.quotes {
		if q.PartyA == party || q.PartyB == party {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns the number of quotes that can still be filled.
func (e *Engine) Pending() int {
	n := 0
	for _, q := range e.quotes {
		if q.State != model.QuoteCanceled {
			n++
		}
	}
	return n
}

// =====================================================
// support methods
// =====================================================

func (e *Engine) get(id uint64) (*model.Quote, error) {
	q, ok := e.quotes[id]
	if !ok {
		return nil, fmt.Errorf("%w: quote %d", model.ErrNotFound, id)
	}
	return q, nil
}

func (e *Engine) snapshot(tx *txn.Tx, q *model.Quote) {
	prev := *q
	tx.Snapshot("quote:"+strconv.FormatUint(q.ID, 10), func() { *q = prev })
}

func (e *Engine) remove(tx *txn.Tx, id uint64) {
	q := e.quotes[id]
	delete(e.quotes, id)
	tx.OnRollback(func() { e.quotes[id] = q })
}

func (e *Engine) validateParties(partyA, partyB string) error {
	if partyA == "" {
		return fmt.Errorf("%w: empty partyA", model.ErrInvalidArgument)
	}
	if partyA == partyB {
		return fmt.Errorf("%w: partyA and partyB are both %s", model.ErrInvalidParty, partyA)
	}
	if !e.hedgers.IsHedger(partyB) {
		return fmt.Errorf("%w: hedger %s", model.ErrNotFound, partyB)
	}
	return nil
}

func (e *Engine) validateSize(req Request) error {
	if !req.Side.Valid() {
		return fmt.Errorf("%w: side is missing or unknown", model.ErrInvalidArgument)
	}
	if !req.MarginMode.Valid() {
		return fmt.Errorf("%w: margin mode is missing or unknown", model.ErrInvalidArgument)
	}
	if !req.NotionalUSD.IsPositive() {
		return fmt.Errorf("%w: notional must be positive, got %s", model.ErrInvalidArgument, req.NotionalUSD)
	}
	if !req.Leverage.IsPositive() {
		return fmt.Errorf("%w: leverage must be positive, got %s", model.ErrInvalidArgument, req.Leverage)
	}
	if e.cfg.MaxLeverage.IsPositive() && req.Leverage.GreaterThan(e.cfg.MaxLeverage) {
		return fmt.Errorf("%w: leverage %s above maximum %s", model.ErrInvalidArgument, req.Leverage, e.cfg.MaxLeverage)
	}
	return nil
}

// checkSolvency applies the trade safeguard to party's current locked margin
// and the PnL of its priced positions.
func (e *Engine) checkSolvency(party string, prices model.Prices) error {
	locked := e.ledger.Balance(party).LockedMargin
	upnl, err := e.positions.ValuedPnL(party, prices)
	if err != nil {
		return err
	}
	role := risk.Taker
	if e.hedgers.IsHedger(party) {
		role = risk.Maker
	}
	if !e.thresholds.PassesSolvencySafeguard(locked, upnl, role, risk.Trade) {
		return fmt.Errorf("%w: %s health %s below %s trade threshold",
			model.ErrSolvencyBreach, party, risk.MarginHealth(locked, upnl).StringFixed(4), role)
	}
	return nil
}

// checkExposure counts open positions and pending quotes of party.
func (e *Engine) checkExposure(party string, mkt model.Market, side model.Side, notional decimal.Decimal) error {
	if !e.limiter.Enabled() {
		return nil
	}
	existing := make(map[limits.Bucket]decimal.Decimal)
	add := func(marketID uint64, v decimal.Decimal) {
		m, err := e.markets.Get(marketID)
		if err != nil {
			return
		}
		b := limits.Bucket{MarketID: m.ID, Group: m.Type}
		existing[b] = existing[b].Add(v)
	}
	for marketID, v := range e.positions.NetExposure(party) {
		add(marketID, v)
	}
	for _, q := range e.quotes {
		if q.PartyA == party && q.State != model.QuoteCanceled {
			add(q.MarketID, position.SignedNotional(party, q.PartyA, q.Side, q.NotionalUSD))
		}
	}
	target := limits.Bucket{MarketID: mkt.ID, Group: mkt.Type}
	return e.limiter.CheckLimit(target, position.SignedNotional(party, party, side, notional), existing)
}
