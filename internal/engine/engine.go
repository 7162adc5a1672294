// Package engine is the single entry point to the RFQ margin engine. It
// serialises every operation behind one mutex, runs it inside a txn undo log,
// verifies the ledger and then either commits everything or rolls everything
// back. Committed operations are journaled to the store and queued for the
// event publisher, which runs outside the lock; failures there are logged
// and never undo committed state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/events"
	"github.com/atmx/rfq-engine/internal/hedger"
	"github.com/atmx/rfq-engine/internal/ledger"
	"github.com/atmx/rfq-engine/internal/limits"
	"github.com/atmx/rfq-engine/internal/liquidation"
	"github.com/atmx/rfq-engine/internal/market"
	"github.com/atmx/rfq-engine/internal/metrics"
	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/position"
	"github.com/atmx/rfq-engine/internal/quote"
	"github.com/atmx/rfq-engine/internal/risk"
	"github.com/atmx/rfq-engine/internal/store"
	"github.com/atmx/rfq-engine/internal/txn"
)

// Config is the engine's economic configuration.
type Config struct {
	// Treasury receives protocol fees.
	Treasury   string
	Quote      quote.Config
	Thresholds risk.Thresholds
	// Zero disables the corresponding exposure limit.
	MaxNotionalPerMarket  decimal.Decimal
	MaxNotionalCorrelated decimal.Decimal
}

// DefaultConfig returns the default fee schedule and safeguards with
// exposure limits disabled.
func DefaultConfig() Config {
	return Config{
		Treasury:   "treasury",
		Quote:      quote.DefaultConfig(),
		Thresholds: risk.DefaultThresholds(),
	}
}

const (
	publishQueueSize = 4096
	publishTimeout   = 5 * time.Second
)

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStore journals committed operations to st.
func WithStore(st store.Store) Option {
	return func(e *Engine) { e.store = st }
}

// WithPublisher fans committed journal entries out to p. Publishing happens
// on a background goroutine in commit order.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine wires every component together.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	now    func() time.Time
	log    *slog.Logger
	store  store.Store
	pub    events.Publisher
	outbox *events.Async

	ledger       *ledger.Ledger
	markets      *market.Registry
	hedgers      *hedger.Registry
	positions    *position.Manager
	quotes       *quote.Engine
	liquidations *liquidation.Engine
	limiter      *limits.ExposureLimiter
}

// New builds an engine. Without WithStore the journal is kept in memory.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Treasury == "" {
		return nil, fmt.Errorf("%w: empty treasury", model.ErrInvalidArgument)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.Quote.LiquidationFeeRate.IsNegative() || cfg.Quote.CVARate.IsNegative() || cfg.Quote.RequestTimeout < 0 {
		return nil, fmt.Errorf("%w: negative fee rate or timeout", model.ErrInvalidArgument)
	}

	e := &Engine{
		cfg:   cfg,
		now:   time.Now,
		log:   slog.Default(),
		store: store.NewMemoryStore(),
		pub:   events.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.outbox = events.NewAsync(e.pub, publishQueueSize, publishTimeout, e.log)

	e.ledger = ledger.New(cfg.Treasury, e.clock)
	e.markets = market.NewRegistry()
	e.hedgers = hedger.NewRegistry()
	e.positions = position.NewManager(e.ledger)
	e.limiter = limits.NewExposureLimiter(cfg.MaxNotionalPerMarket, cfg.MaxNotionalCorrelated)
	e.quotes = quote.NewEngine(cfg.Quote, cfg.Thresholds, e.ledger, e.markets, e.hedgers, e.positions, e.limiter)
	e.liquidations = liquidation.NewEngine(e.ledger, e.positions)
	return e, nil
}

// Close waits for queued journal entries to reach the publisher. Operations
// committed afterwards are still stored but no longer published.
func (e *Engine) Close() {
	e.outbox.Close()
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// journal collects the entries one operation produces.
type journal struct {
	entries []model.Entry
}

func (j *journal) add(e model.Entry) {
	j.entries = append(j.entries, e)
}

// exec runs fn as one atomic operation.
func (e *Engine) exec(ctx context.Context, op, party string, fn func(tx *txn.Tx, j *journal) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	tx := txn.Begin()
	j := &journal{}
	err := fn(tx, j)
	if err == nil {
		err = e.ledger.Verify(tx)
	}
	if err != nil {
		tx.Rollback()
		metrics.OperationsTotal.WithLabelValues(op, model.Kind(err)).Inc()
		if errors.Is(err, model.ErrExposureLimit) {
			metrics.ExposureLimitRejections.Inc()
		}
		e.log.Debug("operation rejected", "op", op, "party", party, "kind", model.Kind(err), "err", err)
		return err
	}

	touched := e.ledger.TouchedAccounts(tx)
	if err := tx.Commit(); err != nil {
		return err
	}

	ts := e.clock()
	for i := range j.entries {
		entry := &j.entries[i]
		entry.ID = uuid.New().String()
		if entry.Op == "" {
			entry.Op = op
		}
		entry.Timestamp = ts
	}
	e.record(context.WithoutCancel(ctx), op, j.entries, touched)

	metrics.OperationsTotal.WithLabelValues(op, "OK").Inc()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.OpenQuotes.Set(float64(e.quotes.Pending()))
	metrics.OpenPositions.Set(float64(e.positions.Len()))

	e.log.Info("operation committed", "op", op, "party", party, "entries", len(j.entries))
	return nil
}

// record persists committed entries and queues them for publishing.
// Committed state stands even when both fail.
func (e *Engine) record(ctx context.Context, op string, entries []model.Entry, touched []model.Account) {
	if err := e.store.AppendEntries(ctx, entries); err != nil {
		metrics.JournalFailures.WithLabelValues("store").Inc()
		e.log.Error("journal append failed", "op", op, "entries", len(entries), "err", err)
	}
	if err := e.store.SaveAccounts(ctx, touched); err != nil {
		metrics.JournalFailures.WithLabelValues("store").Inc()
		e.log.Error("account snapshot failed", "op", op, "accounts", len(touched), "err", err)
	}
	if len(entries) == 0 {
		return
	}
	if err := e.outbox.Publish(ctx, entries); err != nil {
		metrics.JournalFailures.WithLabelValues("publisher").Inc()
		e.log.Error("publish dropped", "op", op, "entries", len(entries), "err", err)
	}
}
