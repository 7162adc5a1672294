package position_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/rfq-engine/internal/ledger"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/position"
	"github.com/atmx/rfq-engine/internal/txn"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// quote returns a filled quote for 1000 notional at 10x: principal 100,
// liquidation fee 5 and CVA 20 per side.
func quote(side model.Side) model.Quote {
	return model.Quote{
		ID:             7,
		PartyA:         "alice",
		PartyB:         "hedger",
		MarketID:       1,
		Side:           side,
		MarginMode:     model.Isolated,
		NotionalUSD:    d(1000),
		Leverage:       d(10),
		RequiredMargin: d(100),
		LiquidationFee: d(5),
		CVA:            d(20),
	}
}

type fixture struct {
	ledger *ledger.Ledger
	pm     *position.Manager
}

// setup funds both parties with allocated margin and locks one position's
// collateral for each.
func setup(t *testing.T, allocated float64, side model.Side) (fixture, model.Position) {
	t.Helper()
	l := ledger.New("treasury", func() time.Time { return now })
	pm := position.NewManager(l)
	q := quote(side)

	tx := txn.Begin()
	for _, p := range []string{"alice", "hedger"} {
		require.NoError(t, l.Deposit(tx, p, d(allocated)))
		require.NoError(t, l.Allocate(tx, p, d(allocated)))
		require.NoError(t, l.Reserve(tx, p, q.CollateralPerParty()))
		require.NoError(t, l.Commit(tx, p, q.CollateralPerParty()))
	}
	pos, err := pm.Open(tx, q, d(100), now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return fixture{ledger: l, pm: pm}, pos
}

func TestOpen(t *testing.T) {
	f, pos := setup(t, 500, model.Buy)

	assert.Equal(t, uint64(1), pos.ID)
	assert.Equal(t, uint64(7), pos.QuoteID)
	assert.True(t, pos.LockedMarginA.Equal(d(100)))
	assert.True(t, pos.LockedMarginB.Equal(d(100)))
	assert.True(t, pos.EntryPrice.Equal(d(100)))

	assert.Len(t, f.pm.OpenPositions("alice"), 1)
	assert.Len(t, f.pm.OpenPositions("hedger"), 1)
	assert.True(t, f.pm.IsolatedLocked("alice").Equal(d(125)))

	exp := f.pm.NetExposure("alice")
	assert.True(t, exp[1].Equal(d(1000)))
	assert.True(t, f.pm.NetExposure("hedger")[1].Equal(d(-1000)))

	_, err := f.pm.Open(txn.Begin(), quote(model.Buy), decimal.Zero, now)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestOpen_Rollback(t *testing.T) {
	f, _ := setup(t, 500, model.Buy)
	tx := txn.Begin()
	_, err := f.pm.Open(tx, quote(model.Sell), d(100), now)
	require.NoError(t, err)
	tx.Rollback()

	assert.Equal(t, 1, f.pm.Len())
	pos, err := f.pm.Open(txn.Begin(), quote(model.Sell), d(100), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos.ID)
}

func TestAddMargin(t *testing.T) {
	f, pos := setup(t, 500, model.Buy)

	tx := txn.Begin()
	got, err := f.pm.AddMargin(tx, "hedger", pos.ID, d(50))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.True(t, got.LockedMarginB.Equal(d(150)))
	assert.True(t, got.LockedMarginA.Equal(d(100)))
	assert.True(t, f.pm.IsolatedLocked("hedger").Equal(d(175)))
	hedger := f.ledger.Balance("hedger")
	assert.True(t, hedger.LockedMargin.Equal(d(175)))
	assert.True(t, hedger.AllocatedMargin.Equal(d(325)))

	// A rolled back top up leaves position and balances untouched.
	tx = txn.Begin()
	_, err = f.pm.AddMargin(tx, "alice", pos.ID, d(10))
	require.NoError(t, err)
	tx.Rollback()
	after, err := f.pm.Get(pos.ID)
	require.NoError(t, err)
	assert.True(t, after.LockedMarginA.Equal(d(100)))
	assert.True(t, f.ledger.Balance("alice").AllocatedMargin.Equal(d(375)))
}

func TestAddMargin_Rejections(t *testing.T) {
	f, pos := setup(t, 500, model.Buy)

	tests := []struct {
		name   string
		caller string
		id     uint64
		amount decimal.Decimal
		want   error
	}{
		{"unknown position", "alice", 9, d(10), model.ErrNotFound},
		{"outsider", "mallory", pos.ID, d(10), model.ErrInvalidParty},
		{"zero amount", "alice", pos.ID, decimal.Zero, model.ErrInvalidArgument},
		{"more than allocated", "alice", pos.ID, d(376), model.ErrInsufficientMargin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pm.AddMargin(txn.Begin(), tt.caller, tt.id, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	cross := quote(model.Buy)
	cross.MarginMode = model.Cross
	cp, err := f.pm.Open(txn.Begin(), cross, d(100), now)
	require.NoError(t, err)
	_, err = f.pm.AddMargin(txn.Begin(), "alice", cp.ID, d(10))
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRequestClose(t *testing.T) {
	f, pos := setup(t, 500, model.Buy)

	_, err := f.pm.RequestClose(txn.Begin(), "mallory", pos.ID, now)
	assert.ErrorIs(t, err, model.ErrInvalidParty)

	_, err = f.pm.RequestClose(txn.Begin(), "alice", 99, now)
	assert.ErrorIs(t, err, model.ErrNotFound)

	tx := txn.Begin()
	got, err := f.pm.RequestClose(tx, "alice", pos.ID, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, "alice", got.CloseRequestedBy)

	_, err = f.pm.RequestClose(txn.Begin(), "hedger", pos.ID, now)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = f.pm.CancelCloseRequest(txn.Begin(), "hedger", pos.ID)
	assert.ErrorIs(t, err, model.ErrInvalidParty)

	tx = txn.Begin()
	got, err = f.pm.CancelCloseRequest(tx, "alice", pos.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Empty(t, got.CloseRequestedBy)
	assert.True(t, got.CloseRequestedAt.IsZero())
}

func TestFillClose_SettlesPnL(t *testing.T) {
	f, pos := setup(t, 500, model.Buy)

	tx := txn.Begin()
	_, err := f.pm.FillClose(tx, "hedger", pos.ID, d(110))
	assert.ErrorIs(t, err, model.ErrInvalidState, "close without a request")
	tx.Rollback()

	tx = txn.Begin()
	_, err = f.pm.RequestClose(tx, "alice", pos.ID, now)
	require.NoError(t, err)
	s, err := f.pm.FillClose(tx, "hedger", pos.ID, d(110))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// 10 units gain 10 each.
	assert.True(t, s.PnLA.Equal(d(100)), "pnlA %s", s.PnLA)
	assert.True(t, s.PnLB.Equal(d(-100)))

	alice := f.ledger.Balance("alice")
	hedger := f.ledger.Balance("hedger")
	assert.True(t, alice.AllocatedMargin.Equal(d(600)), "alice allocated %s", alice.AllocatedMargin)
	assert.True(t, hedger.AllocatedMargin.Equal(d(400)), "hedger allocated %s", hedger.AllocatedMargin)
	assert.True(t, alice.LockedMargin.IsZero())
	assert.True(t, hedger.LockedMargin.IsZero())

	assert.Empty(t, f.pm.OpenPositions("alice"))
	assert.Empty(t, f.pm.OpenPositions("hedger"))
	_, err = f.pm.Get(pos.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFillClose_AbortsWhenLoserCannotPay(t *testing.T) {
	// Each side has exactly its locked total, so a loss beyond 125 cannot
	// be covered.
	f, pos := setup(t, 125, model.Sell)

	tx := txn.Begin()
	_, err := f.pm.RequestClose(tx, "hedger", pos.ID, now)
	require.NoError(t, err)
	_, err = f.pm.FillClose(tx, "alice", pos.ID, d(113))
	assert.ErrorIs(t, err, model.ErrInsufficientMargin)
	tx.Rollback()

	alice := f.ledger.Balance("alice")
	assert.True(t, alice.LockedMargin.Equal(d(125)))
	assert.True(t, alice.AllocatedMargin.IsZero())
	assert.Len(t, f.pm.OpenPositions("alice"), 1)

	p, err := f.pm.Get(pos.ID)
	require.NoError(t, err)
	assert.Empty(t, p.CloseRequestedBy)
}

func TestValuedPnL(t *testing.T) {
	f, pos := setup(t, 500, model.Buy)

	pnl, err := f.pm.ValuedPnL("alice", model.Prices{pos.ID: {Bid: d(95), Ask: d(96)}})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d(-50)))

	pnl, err = f.pm.ValuedPnL("hedger", model.Prices{pos.ID: {Bid: d(95), Ask: d(96)}})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d(50)))

	pnl, err = f.pm.ValuedPnL("alice", nil)
	require.NoError(t, err)
	assert.True(t, pnl.IsZero())
}
