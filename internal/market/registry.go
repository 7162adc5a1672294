// Package market is the catalog of tradable instruments.
package market

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/txn"
)

// Update holds the mutable fields of a market. Nil fields are left alone.
type Update struct {
	Identifier      *string          `json:"identifier,omitempty"`
	PriceFeedID     *string          `json:"price_feed_id,omitempty"`
	FundingRateID   *string          `json:"funding_rate_id,omitempty"`
	ProtocolFeeRate *decimal.Decimal `json:"protocol_fee_rate,omitempty"`
}

// Registry owns every Market. Ids start at 1 and are never reused.
type Registry struct {
	markets map[uint64]*model.Market
	nextID  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{markets: make(map[uint64]*model.Market), nextID: 1}
}

// Create validates p and adds a market.
func (r *Registry) Create(tx *txn.Tx, p Params, now time.Time) (model.Market, error) {
	if err := p.Validate(); err != nil {
		return model.Market{}, err
	}
	id := r.nextID
	m := &model.Market{
		ID:              id,
		Identifier:      p.Identifier,
		Type:            p.Type,
		TradingSession:  p.TradingSession,
		Active:          p.Active,
		BaseCurrency:    p.BaseCurrency,
		QuoteCurrency:   p.QuoteCurrency,
		Symbol:          p.Symbol,
		PriceFeedID:     p.PriceFeedID,
		FundingRateID:   p.FundingRateID,
		ProtocolFeeRate: p.ProtocolFeeRate,
		CreatedAt:       now.UTC(),
	}
	r.markets[id] = m
	r.nextID++
	tx.OnRollback(func() {
		delete(r.markets, id)
		r.nextID = id
	})
	return *m, nil
}

// Update changes the mutable fields of market id.
func (r *Registry) Update(tx *txn.Tx, id uint64, u Update) (model.Market, error) {
	m, err := r.get(id)
	if err != nil {
		return model.Market{}, err
	}
	next := *m
	if u.Identifier != nil {
		next.Identifier = *u.Identifier
	}
	if u.PriceFeedID != nil {
		next.PriceFeedID = *u.PriceFeedID
	}
	if u.FundingRateID != nil {
		next.FundingRateID = *u.FundingRateID
	}
	if u.ProtocolFeeRate != nil {
		next.ProtocolFeeRate = *u.ProtocolFeeRate
	}
	p := paramsOf(next)
	if err := p.Validate(); err != nil {
		return model.Market{}, err
	}
	next.ProtocolFeeRate = p.ProtocolFeeRate

	r.snapshot(tx, m)
	*m = next
	return next, nil
}

// SetActive enables or disables trading on market id.
func (r *Registry) SetActive(tx *txn.Tx, id uint64, active bool) (model.Market, error) {
	m, err := r.get(id)
	if err != nil {
		return model.Market{}, err
	}
	r.snapshot(tx, m)
	m.Active = active
	return *m, nil
}

// Get returns a copy of market id.
func (r *Registry) Get(id uint64) (model.Market, error) {
	m, err := r.get(id)
	if err != nil {
		return model.Market{}, err
	}
	return *m, nil
}

// RequireActive returns market id, failing if it is unknown or disabled.
func (r *Registry) RequireActive(id uint64) (model.Market, error) {
	m, err := r.Get(id)
	if err != nil {
		return model.Market{}, err
	}
	if !m.Active {
		return model.Market{}, fmt.Errorf("%w: market %d", model.ErrMarketInactive, id)
	}
	return m, nil
}

// List returns every market in creation order.
func (r *Registry) List() []model.Market {
	out := make([]model.Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of markets.
func (r *Registry) Len() int {
	return len(r.markets)
}

func (r *Registry) get(id uint64) (*model.Market, error) {
	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %d", model.ErrNotFound, id)
	}
	return m, nil
}

func (r *Registry) snapshot(tx *txn.Tx, m *model.Market) {
	prev := *m
	tx.Snapshot("market:"+strconv.FormatUint(m.ID, 10), func() { *m = prev })
}

func paramsOf(m model.Market) Params {
	return Params{
		Identifier:      m.Identifier,
		Type:            m.Type,
		TradingSession:  m.TradingSession,
		Active:          m.Active,
		BaseCurrency:    m.BaseCurrency,
		QuoteCurrency:   m.QuoteCurrency,
		Symbol:          m.Symbol,
		PriceFeedID:     m.PriceFeedID,
		FundingRateID:   m.FundingRateID,
		ProtocolFeeRate: m.ProtocolFeeRate,
	}
}
