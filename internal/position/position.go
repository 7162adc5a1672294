// Package position manages live positions: opening them from filled quotes,
// tracking each party's open set, and settling closes into the ledger.
package position

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/ledger"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/risk"
	"github.com/atmx/rfq-engine/internal/txn"
)

// Manager owns every Position and the per-party open-position index.
type Manager struct {
	ledger    *ledger.Ledger
	positions map[uint64]*model.Position
	open      map[string]map[uint64]struct{}
	nextID    uint64
}

// NewManager creates a manager that settles through l.
func NewManager(l *ledger.Ledger) *Manager {
	return &Manager{
		ledger:    l,
		positions: make(map[uint64]*model.Position),
		open:      make(map[string]map[uint64]struct{}),
		nextID:    1,
	}
}

// Open materializes a position from a filled quote. The caller has already
// committed both parties' collateral.
func (m *Manager) Open(tx *txn.Tx, q model.Quote, fillPrice decimal.Decimal, now time.Time) (model.Position, error) {
	if !fillPrice.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: fill price must be positive, got %s", model.ErrInvalidArgument, fillPrice)
	}
	id := m.nextID
	p := &model.Position{
		ID:             id,
		QuoteID:        q.ID,
		PartyA:         q.PartyA,
		PartyB:         q.PartyB,
		MarketID:       q.MarketID,
		Side:           q.Side,
		MarginMode:     q.MarginMode,
		NotionalUSD:    q.NotionalUSD,
		LockedMarginA:  q.RequiredMargin,
		LockedMarginB:  q.RequiredMargin,
		LiquidationFee: q.LiquidationFee,
		CVA:            q.CVA,
		EntryPrice:     fillPrice,
		OpenedAt:       now.UTC(),
	}
	m.positions[id] = p
	m.nextID++
	m.index(p.PartyA, id)
	m.index(p.PartyB, id)
	tx.OnRollback(func() {
		m.unindex(p.PartyA, id)
		m.unindex(p.PartyB, id)
		delete(m.positions, id)
		m.nextID = id
	})
	return *p, nil
}

// RequestClose flags position id for closing on behalf of caller.
func (m *Manager) RequestClose(tx *txn.Tx, caller string, id uint64, now time.Time) (model.Position, error) {
	p, err := m.forParty(caller, id)
	if err != nil {
		return model.Position{}, err
	}
	if p.CloseRequestedBy != "" {
		return model.Position{}, fmt.Errorf("%w: position %d already has a close request", model.ErrInvalidState, id)
	}
	m.snapshot(tx, p)
	p.CloseRequestedBy = caller
	p.CloseRequestedAt = now.UTC()
	return *p, nil
}

// CancelCloseRequest withdraws caller's pending close request.
func (m *Manager) CancelCloseRequest(tx *txn.Tx, caller string, id uint64) (model.Position, error) {
	p, err := m.forParty(caller, id)
	if err != nil {
		return model.Position{}, err
	}
	if p.CloseRequestedBy == "" {
		return model.Position{}, fmt.Errorf("%w: position %d has no close request", model.ErrInvalidState, id)
	}
	if p.CloseRequestedBy != caller {
		return model.Position{}, fmt.Errorf("%w: close request on position %d belongs to %s", model.ErrInvalidParty, id, p.CloseRequestedBy)
	}
	m.snapshot(tx, p)
	p.CloseRequestedBy = ""
	p.CloseRequestedAt = time.Time{}
	return *p, nil
}

// AddMargin locks amount of caller's allocated margin onto isolated
// position id, raising caller's principal and so its liquidation distance.
func (m *Manager) AddMargin(tx *txn.Tx, caller string, id uint64, amount decimal.Decimal) (model.Position, error) {
	p, err := m.forParty(caller, id)
	if err != nil {
		return model.Position{}, err
	}
	if p.MarginMode != model.Isolated {
		return model.Position{}, fmt.Errorf("%w: position %d is %s", model.ErrInvalidState, id, p.MarginMode)
	}
	if !amount.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidArgument, amount)
	}
	if err := m.ledger.Lock(tx, caller, amount); err != nil {
		return model.Position{}, err
	}
	m.snapshot(tx, p)
	if caller == p.PartyA {
		p.LockedMarginA = p.LockedMarginA.Add(amount)
	} else {
		p.LockedMarginB = p.LockedMarginB.Add(amount)
	}
	return *p, nil
}

// Settlement is the outcome of closing a position.
type Settlement struct {
	Position model.Position  `json:"position"`
	PnLA     decimal.Decimal `json:"pnl_a"`
	PnLB     decimal.Decimal `json:"pnl_b"`
}

// FillClose settles a requested close at fillPrice: both locked totals go
// back to allocated margin, PnL moves from loser to winner, and the position
// is deleted. Fails without effect if either party ends up negative.
func (m *Manager) FillClose(tx *txn.Tx, caller string, id uint64, fillPrice decimal.Decimal) (Settlement, error) {
	p, err := m.forParty(caller, id)
	if err != nil {
		return Settlement{}, err
	}
	if p.CloseRequestedBy == "" {
		return Settlement{}, fmt.Errorf("%w: position %d has no close request", model.ErrInvalidState, id)
	}
	if !fillPrice.IsPositive() {
		return Settlement{}, fmt.Errorf("%w: fill price must be positive, got %s", model.ErrInvalidArgument, fillPrice)
	}
	pnlA, pnlB, err := risk.UnrealizedPnLIsolated(*p, fillPrice, fillPrice)
	if err != nil {
		return Settlement{}, err
	}
	pos := *p

	if err := m.ledger.Release(tx, pos.PartyA, pos.LockedTotal(pos.PartyA)); err != nil {
		return Settlement{}, err
	}
	if err := m.ledger.Release(tx, pos.PartyB, pos.LockedTotal(pos.PartyB)); err != nil {
		return Settlement{}, err
	}
	m.ledger.ApplyPnL(tx, pos.PartyA, pnlA)
	m.ledger.ApplyPnL(tx, pos.PartyB, pnlB)
	if err := m.ledger.Verify(tx, pos.PartyA, pos.PartyB); err != nil {
		return Settlement{}, fmt.Errorf("settling position %d: %w", id, err)
	}
	m.Remove(tx, id)
	return Settlement{Position: pos, PnLA: pnlA, PnLB: pnlB}, nil
}

// Remove deletes position id and drops it from both parties' open sets.
func (m *Manager) Remove(tx *txn.Tx, id uint64) {
	p, ok := m.positions[id]
	if !ok {
		return
	}
	delete(m.positions, id)
	m.unindex(p.PartyA, id)
	m.unindex(p.PartyB, id)
	tx.OnRollback(func() {
		m.positions[id] = p
		m.index(p.PartyA, id)
		m.index(p.PartyB, id)
	})
}

// =====================================================
// Queries
// =====================================================

// Get returns a copy of position id.
func (m *Manager) Get(id uint64) (model.Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: position %d", model.ErrNotFound, id)
	}
	return *p, nil
}

// OpenPositions returns party's open positions ordered by id.
func (m *Manager) OpenPositions(party string) []model.Position {
	ids := make([]uint64, 0, len(m.open[party]))
	for id := range m.open[party] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]model.Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.positions[id])
	}
	return out
}

// ByMode returns party's open positions in the given margin mode.
func (m *Manager) ByMode(party string, mode model.MarginMode) []model.Position {
	var out []model.Position
	for _, p := range m.OpenPositions(party) {
		if p.MarginMode == mode {
			out = append(out, p)
		}
	}
	return out
}

// IsolatedLocked is the sum of party's locked totals on isolated positions.
func (m *Manager) IsolatedLocked(party string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range m.ByMode(party, model.Isolated) {
		total = total.Add(p.LockedTotal(party))
	}
	return total
}

// NetExposure returns party's signed notional per market: positive when the
// party is long.
func (m *Manager) NetExposure(party string) map[uint64]decimal.Decimal {
	out := make(map[uint64]decimal.Decimal)
	for _, p := range m.OpenPositions(party) {
		out[p.MarketID] = out[p.MarketID].Add(SignedNotional(party, p.PartyA, p.Side, p.NotionalUSD))
	}
	return out
}

// ValuedPnL sums party's unrealized PnL over the open positions that have a
// price in prices. Positions without a price contribute nothing.
func (m *Manager) ValuedPnL(party string, prices model.Prices) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range m.OpenPositions(party) {
		pp, ok := prices[p.ID]
		if !ok {
			continue
		}
		pnl, err := risk.PartyPnL(party, p, pp.Bid, pp.Ask)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(pnl)
	}
	return total, nil
}

// Len returns the number of open positions.
func (m *Manager) Len() int {
	return len(m.positions)
}

// SignedNotional is notional from party's point of view: partyA is long on a
// BUY, partyB is short on it.
func SignedNotional(party, partyA string, side model.Side, notional decimal.Decimal) decimal.Decimal {
	long := side == model.Buy
	if party != partyA {
		long = !long
	}
	if long {
		return notional
	}
	return notional.Neg()
}

// =====================================================
// support methods
// =====================================================

func (m *Manager) forParty(caller string, id uint64) (*model.Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %d", model.ErrNotFound, id)
	}
	if !p.HasParty(caller) {
		return nil, fmt.Errorf("%w: %s is not a party to position %d", model.ErrInvalidParty, caller, id)
	}
	return p, nil
}

func (m *Manager) snapshot(tx *txn.Tx, p *model.Position) {
	prev := *p
	tx.Snapshot("position:"+strconv.FormatUint(p.ID, 10), func() { *p = prev })
}

func (m *Manager) index(party string, id uint64) {
	set, ok := m.open[party]
	if !ok {
		set = make(map[uint64]struct{})
		m.open[party] = set
	}
	set[id] = struct{}{}
}

func (m *Manager) unindex(party string, id uint64) {
	set := m.open[party]
	delete(set, id)
	if len(set) == 0 {
		delete(m.open, party)
	}
}
