package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/rfq-engine/internal/engine"
	"github.com/atmx/rfq-engine/internal/liquidation"
	"github.com/atmx/rfq-engine/internal/market"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/quote"
	"github.com/atmx/rfq-engine/internal/store"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type recorder struct {
	mu      sync.Mutex
	entries []model.Entry
	err     error
}

func (r *recorder) Publish(_ context.Context, entries []model.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
	return r.err
}

type env struct {
	eng   *engine.Engine
	clock *clock
	store *store.MemoryStore
	pub   *recorder
	ctx   context.Context
}

func newEnv(t *testing.T, mutate ...func(*engine.Config)) *env {
	t.Helper()
	cfg := engine.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	c := &clock{now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	ms := store.NewMemoryStore()
	pub := &recorder{}
	eng, err := engine.New(cfg,
		engine.WithClock(c.Now),
		engine.WithStore(ms),
		engine.WithPublisher(pub),
	)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	e := &env{eng: eng, clock: c, store: ms, pub: pub, ctx: context.Background()}
	_, err = eng.CreateMarket(e.ctx, market.Params{
		Identifier:      "BTC/USD",
		Type:            model.Crypto,
		TradingSession:  model.Session24x7,
		Active:          true,
		BaseCurrency:    "BTC",
		QuoteCurrency:   "USD",
		Symbol:          "BTCUSD",
		ProtocolFeeRate: d("0.0005"),
	})
	require.NoError(t, err)
	_, err = eng.EnlistHedger(e.ctx, "hedger", []string{"wss://pricing.hedger.test/ws"}, []string{"https://markets.hedger.test"})
	require.NoError(t, err)
	return e
}

func (e *env) fund(t *testing.T, party, deposit, allocate string) {
	t.Helper()
	_, err := e.eng.Deposit(e.ctx, party, d(deposit))
	require.NoError(t, err)
	_, err = e.eng.Allocate(e.ctx, party, d(allocate))
	require.NoError(t, err)
}

func (e *env) quote(t *testing.T, mode model.MarginMode) model.Quote {
	t.Helper()
	q, err := e.eng.CreateQuote(e.ctx, quote.Request{
		PartyA:      "alice",
		PartyB:      "hedger",
		MarketID:    1,
		Side:        model.Buy,
		MarginMode:  mode,
		NotionalUSD: d("1000"),
		Leverage:    d("10"),
	})
	require.NoError(t, err)
	return q
}

func (e *env) open(t *testing.T, mode model.MarginMode) model.Position {
	t.Helper()
	q := e.quote(t, mode)
	pos, err := e.eng.FillQuote(e.ctx, quote.FillRequest{Caller: "hedger", QuoteID: q.ID, FillPrice: d("100")})
	require.NoError(t, err)
	return pos
}

func (e *env) total() decimal.Decimal {
	sum := decimal.Zero
	for _, acc := range e.eng.Accounts() {
		sum = sum.Add(acc.Total())
	}
	return sum
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "500", "450")
	e.fund(t, "hedger", "500", "450")

	q := e.quote(t, model.Isolated)
	alice := e.eng.Account("alice")
	assert.True(t, alice.ReservedMargin.Equal(d("125.5")), "reserved %s", alice.ReservedMargin)
	assert.True(t, alice.AllocatedMargin.Equal(d("324.5")))

	pos, err := e.eng.FillQuote(e.ctx, quote.FillRequest{Caller: "hedger", QuoteID: q.ID, FillPrice: d("100")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos.ID)
	assert.True(t, e.eng.Account("alice").LockedMargin.Equal(d("125")))
	assert.True(t, e.eng.Account("alice").ReservedMargin.IsZero())
	assert.True(t, e.eng.Account("hedger").LockedMargin.Equal(d("125")))
	assert.True(t, e.eng.Account("treasury").FreeBalance.Equal(d("0.5")))

	_, err = e.eng.Quote(q.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = e.eng.FillClose(e.ctx, "hedger", pos.ID, d("110"))
	assert.ErrorIs(t, err, model.ErrInvalidState, "close needs a pending request")

	_, err = e.eng.RequestClose(e.ctx, "alice", pos.ID)
	require.NoError(t, err)
	s, err := e.eng.FillClose(e.ctx, "hedger", pos.ID, d("110"))
	require.NoError(t, err)
	assert.True(t, s.PnLA.Equal(d("100")))

	assert.True(t, e.eng.Account("alice").AllocatedMargin.Equal(d("549.5")), "alice %s", e.eng.Account("alice").AllocatedMargin)
	assert.True(t, e.eng.Account("hedger").AllocatedMargin.Equal(d("350")), "hedger %s", e.eng.Account("hedger").AllocatedMargin)
	assert.True(t, e.eng.Account("alice").LockedMargin.IsZero())
	assert.Empty(t, e.eng.OpenPositions("alice"))
	assert.True(t, e.total().Equal(d("1000")))
}

func TestJournalAndPublisher(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "500", "450")
	e.fund(t, "hedger", "500", "450")
	pos := e.open(t, model.Isolated)

	entries, err := e.eng.Journal(e.ctx, "alice")
	require.NoError(t, err)

	var ops []string
	var fee *model.Entry
	for i, entry := range entries {
		ops = append(ops, entry.Op)
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())
		if entry.Kind == engine.KindFee {
			fee = &entries[i]
		}
	}
	assert.Equal(t, []string{
		engine.OpDeposit, engine.OpAllocate, engine.OpCreateQuote,
		engine.OpFillQuote, engine.OpFillQuote, engine.OpFillQuote,
	}, ops)
	require.NotNil(t, fee)
	assert.Equal(t, "treasury", fee.Counterparty)
	assert.True(t, fee.Amount.Equal(d("0.5")))
	assert.Equal(t, pos.ID, fee.PositionID)

	byPos, err := e.eng.PositionJournal(e.ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, byPos, 3)

	snap, err := e.store.GetAccount(e.ctx, "treasury")
	require.NoError(t, err)
	assert.True(t, snap.FreeBalance.Equal(d("0.5")))

	// Close drains the outbox so every committed entry has been published.
	e.eng.Close()
	e.pub.mu.Lock()
	defer e.pub.mu.Unlock()
	assert.Equal(t, e.store.Len(), len(e.pub.entries))
	for i := 1; i < len(e.pub.entries); i++ {
		assert.False(t, e.pub.entries[i].Timestamp.Before(e.pub.entries[i-1].Timestamp))
	}
}

func TestMarketEntriesCarryNoParty(t *testing.T) {
	e := newEnv(t)

	bySymbol, err := e.eng.Journal(e.ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Empty(t, bySymbol)

	hedger, err := e.eng.Journal(e.ctx, "hedger")
	require.NoError(t, err)
	require.Len(t, hedger, 1)
	assert.Equal(t, engine.OpEnlistHedger, hedger[0].Op)
	assert.Equal(t, 2, e.store.Len())
}

func TestAddFreeMarginIsolated(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "500", "450")
	e.fund(t, "hedger", "500", "450")
	pos := e.open(t, model.Isolated)

	ok, err := e.eng.IsIsolatedLiquidatable(pos.ID, d("90"), d("90"))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := e.eng.AddFreeMarginIsolated(e.ctx, "alice", pos.ID, d("50"))
	require.NoError(t, err)
	assert.True(t, got.LockedMarginA.Equal(d("150")))
	alice := e.eng.Account("alice")
	assert.True(t, alice.LockedMargin.Equal(d("175")))
	assert.True(t, alice.AllocatedMargin.Equal(d("274.5")))

	// At 90 alice is down 100 against a principal of 150.
	ok, err = e.eng.IsIsolatedLiquidatable(pos.ID, d("90"), d("90"))
	require.NoError(t, err)
	assert.False(t, ok)

	byPos, err := e.eng.PositionJournal(e.ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, byPos, 4)
	last := byPos[3]
	assert.Equal(t, engine.OpAddFreeMarginIsolated, last.Op)
	assert.Equal(t, "alice", last.Party)
	assert.True(t, last.Amount.Equal(d("50")))

	_, err = e.eng.AddFreeMarginIsolated(e.ctx, "keeper", pos.ID, d("1"))
	assert.ErrorIs(t, err, model.ErrInvalidParty)
	_, err = e.eng.AddFreeMarginIsolated(e.ctx, "alice", pos.ID, d("1000"))
	assert.ErrorIs(t, err, model.ErrInsufficientMargin)

	cross := e.open(t, model.Cross)
	_, err = e.eng.AddFreeMarginIsolated(e.ctx, "alice", cross.ID, d("1"))
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.True(t, e.total().Equal(d("1000")))
}

func TestSnapshotFollowsCommits(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "500", "450")

	snap, err := e.eng.Snapshot(e.ctx, "alice")
	require.NoError(t, err)
	live := e.eng.Account("alice")
	assert.True(t, snap.FreeBalance.Equal(live.FreeBalance))
	assert.True(t, snap.AllocatedMargin.Equal(d("450")))

	_, err = e.eng.Snapshot(e.ctx, "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// gate holds every publish until released.
type gate struct {
	release chan struct{}
	calls   atomic.Int32
}

func (g *gate) Publish(ctx context.Context, _ []model.Entry) error {
	g.calls.Add(1)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowPublisherDoesNotBlockEngine(t *testing.T) {
	g := &gate{release: make(chan struct{})}
	eng, err := engine.New(engine.DefaultConfig(), engine.WithPublisher(g))
	require.NoError(t, err)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, _ = eng.Deposit(ctx, "alice", d("1"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deposits stalled behind the publisher")
	}

	queried := make(chan model.Account, 1)
	go func() { queried <- eng.Account("alice") }()
	select {
	case acc := <-queried:
		assert.True(t, acc.FreeBalance.Equal(d("10")))
	case <-time.After(time.Second):
		t.Fatal("query stalled behind the publisher")
	}

	close(g.release)
	eng.Close()
	assert.Equal(t, int32(10), g.calls.Load())
}

func TestRejectedOperationLeavesNoTrace(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "500", "450")
	before := e.store.Len()

	_, err := e.eng.CreateQuote(e.ctx, quote.Request{
		PartyA: "alice", PartyB: "hedger", MarketID: 1,
		Side: model.Buy, MarginMode: model.Isolated,
		NotionalUSD: d("100000"), Leverage: d("10"),
	})
	assert.ErrorIs(t, err, model.ErrInsufficientMargin)
	assert.Empty(t, e.eng.QuotesOf("alice"))
	assert.True(t, e.eng.Account("alice").AllocatedMargin.Equal(d("450")))
	assert.Equal(t, before, e.store.Len())

	// The failed quote did not consume an id.
	assert.Equal(t, uint64(1), e.quote(t, model.Isolated).ID)

	_, err = e.eng.Withdraw(e.ctx, "alice", d("51"))
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	_, err = e.eng.Deposit(e.ctx, "alice", d("-1"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.True(t, e.eng.Account("alice").FreeBalance.Equal(d("50")))
}

func TestCanceledContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.eng.Deposit(ctx, "alice", d("10"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, e.eng.Account("alice").Total().IsZero())
}

func TestCancelRace(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "500", "450")
	e.fund(t, "hedger", "500", "450")
	q := e.quote(t, model.Isolated)

	_, err := e.eng.CancelQuote(e.ctx, "hedger", q.ID)
	assert.ErrorIs(t, err, model.ErrInvalidParty)
	c, err := e.eng.CancelQuote(e.ctx, "alice", q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteCancelationRequested, c.State)

	e.clock.Advance(59 * time.Second)
	_, err = e.eng.ForceCancelQuote(e.ctx, "alice", q.ID)
	assert.ErrorIs(t, err, model.ErrRequestTimeout)

	// The hedger wins the race before the timeout.
	_, err = e.eng.FillQuote(e.ctx, quote.FillRequest{Caller: "hedger", QuoteID: q.ID, FillPrice: d("100")})
	require.NoError(t, err)
	assert.Len(t, e.eng.OpenPositions("alice"), 1)

	q2 := e.quote(t, model.Isolated)
	_, err = e.eng.CancelQuote(e.ctx, "alice", q2.ID)
	require.NoError(t, err)
	e.clock.Advance(60 * time.Second)
	canceled, err := e.eng.ForceCancelQuote(e.ctx, "alice", q2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteCanceled, canceled.State)
	assert.True(t, e.eng.Account("alice").ReservedMargin.IsZero())

	_, err = e.eng.FillQuote(e.ctx, quote.FillRequest{Caller: "hedger", QuoteID: q2.ID, FillPrice: d("100")})
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRemoveFreeMargin(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "1000", "1000")
	e.fund(t, "hedger", "500", "450")

	_, err := e.eng.AddFreeMargin(e.ctx, "alice", d("100"))
	require.NoError(t, err)
	pos := e.open(t, model.Cross)
	assert.True(t, e.eng.Account("alice").LockedMargin.Equal(d("225")))

	_, err = e.eng.RemoveFreeMargin(e.ctx, "alice", d("150"), nil)
	assert.ErrorIs(t, err, model.ErrInsufficientMargin)

	// At 99 alice is down 10 and health after removal is 165/175.
	losing := model.Prices{pos.ID: {Bid: d("99"), Ask: d("99")}}
	_, err = e.eng.RemoveFreeMargin(e.ctx, "alice", d("50"), losing)
	assert.ErrorIs(t, err, model.ErrSolvencyBreach)
	assert.True(t, e.eng.Account("alice").LockedMargin.Equal(d("225")))

	acc, err := e.eng.RemoveFreeMargin(e.ctx, "alice", d("50"), nil)
	require.NoError(t, err)
	assert.True(t, acc.LockedMargin.Equal(d("175")))
	assert.True(t, acc.AllocatedMargin.Equal(d("824.5")))

	report, err := e.eng.Health("alice", losing)
	require.NoError(t, err)
	assert.True(t, report.CrossLocked.Equal(d("175")))
	assert.True(t, report.UnrealizedPnL.Equal(d("-10")))
	assert.False(t, report.Liquidatable)

	_, err = e.eng.Health("alice", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestExposureLimit(t *testing.T) {
	e := newEnv(t, func(c *engine.Config) { c.MaxNotionalPerMarket = d("1500") })
	e.fund(t, "alice", "1000", "1000")

	e.quote(t, model.Isolated)
	_, err := e.eng.CreateQuote(e.ctx, quote.Request{
		PartyA: "alice", PartyB: "hedger", MarketID: 1,
		Side: model.Buy, MarginMode: model.Isolated,
		NotionalUSD: d("1000"), Leverage: d("10"),
	})
	assert.ErrorIs(t, err, model.ErrExposureLimit)
	assert.Len(t, e.eng.QuotesOf("alice"), 1)
}

func TestLiquidateIsolatedJournalsPayouts(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "500", "450")
	e.fund(t, "hedger", "500", "450")
	pos := e.open(t, model.Isolated)

	ok, err := e.eng.IsIsolatedLiquidatable(pos.ID, d("95"), d("95"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = e.eng.LiquidateIsolated(e.ctx, "keeper", pos.ID, d("95"), d("95"))
	assert.ErrorIs(t, err, model.ErrInvalidState)

	res, err := e.eng.LiquidateIsolated(e.ctx, "keeper", pos.ID, d("90"), d("90"))
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Party)

	entries, err := e.eng.Journal(e.ctx, "keeper")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, engine.OpLiquidateIsolated, entries[0].Op)
	assert.Equal(t, liquidation.KindLiquidationFee, entries[0].Kind)
	assert.True(t, entries[0].Amount.Equal(d("5")))

	assert.True(t, e.eng.Account("keeper").AllocatedMargin.Equal(d("5")))
	assert.True(t, e.total().Equal(d("1000")))
}

func TestLiquidateCross(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "500", "450")
	e.fund(t, "hedger", "500", "450")
	pos := e.open(t, model.Cross)

	crash := model.Prices{pos.ID: {Bid: d("80"), Ask: d("80")}}
	report, err := e.eng.Health("alice", crash)
	require.NoError(t, err)
	assert.True(t, report.Health.IsZero())
	assert.True(t, report.Liquidatable)

	res, err := e.eng.LiquidateCross(e.ctx, "keeper", "alice", crash)
	require.NoError(t, err)
	assert.Len(t, res.Positions, 1)
	assert.Empty(t, e.eng.OpenPositions("hedger"))
	assert.True(t, e.eng.Account("alice").LockedMargin.IsZero())
	assert.True(t, e.total().Equal(d("1000")))
}

func TestPublisherFailureKeepsState(t *testing.T) {
	e := newEnv(t)
	e.pub.err = errors.New("broker down")

	acc, err := e.eng.Deposit(e.ctx, "alice", d("10"))
	require.NoError(t, err)
	assert.True(t, acc.FreeBalance.Equal(d("10")))
	assert.True(t, e.eng.Account("alice").FreeBalance.Equal(d("10")))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Thresholds.TradeTaker = d("-0.1")
	_, err := engine.New(cfg)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	cfg = engine.DefaultConfig()
	cfg.Treasury = ""
	_, err = engine.New(cfg)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestConcurrentDepositsConserve(t *testing.T) {
	e := newEnv(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			party := []string{"alice", "bob", "carol", "dave"}[i%4]
			_, _ = e.eng.DepositAndAllocate(e.ctx, party, d("10"))
			_, _ = e.eng.Deallocate(e.ctx, party, d("5"))
		}(i)
	}
	wg.Wait()
	assert.True(t, e.total().Equal(d("200")))
	assert.True(t, e.eng.Account("alice").FreeBalance.Equal(d("25")))
}
