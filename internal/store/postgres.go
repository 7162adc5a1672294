package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/model"
)

// Schema creates the journal and account snapshot tables.
const Schema = `
CREATE TABLE IF NOT EXISTS journal_entries (
	seq           BIGSERIAL PRIMARY KEY,
	id            UUID        NOT NULL UNIQUE,
	op            TEXT        NOT NULL,
	kind          TEXT        NOT NULL DEFAULT '',
	party         TEXT        NOT NULL,
	counterparty  TEXT        NOT NULL DEFAULT '',
	market_id     BIGINT      NOT NULL DEFAULT 0,
	quote_id      BIGINT      NOT NULL DEFAULT 0,
	position_id   BIGINT      NOT NULL DEFAULT 0,
	amount        NUMERIC(78, 18) NOT NULL DEFAULT 0,
	pnl           NUMERIC(78, 18) NOT NULL DEFAULT 0,
	timestamp     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_entries_party_idx ON journal_entries (party);
CREATE INDEX IF NOT EXISTS journal_entries_counterparty_idx ON journal_entries (counterparty);
CREATE INDEX IF NOT EXISTS journal_entries_position_idx ON journal_entries (position_id);

CREATE TABLE IF NOT EXISTS accounts (
	party            TEXT PRIMARY KEY,
	free_balance     NUMERIC(78, 18) NOT NULL,
	allocated_margin NUMERIC(78, 18) NOT NULL,
	locked_margin    NUMERIC(78, 18) NOT NULL,
	reserved_margin  NUMERIC(78, 18) NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store on PostgreSQL. It keeps the append-only
// journal and the last committed snapshot of every account.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) AppendEntries(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO journal_entries (id, op, kind, party, counterparty, market_id, quote_id, position_id, amount, pnl, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11)`,
			e.ID, e.Op, e.Kind, e.Party, e.Counterparty,
			int64(e.MarketID), int64(e.QuoteID), int64(e.PositionID),
			e.Amount.String(), e.PnL.String(),
			e.Timestamp,
		)
	}
	// One implicit transaction: either the whole operation is journaled or
	// none of it is.
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) EntriesByParty(ctx context.Context, party string) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, op, kind, party, counterparty, market_id, quote_id, position_id,
		        amount::TEXT, pnl::TEXT, timestamp
		 FROM journal_entries WHERE party = $1 OR counterparty = $1 ORDER BY seq`, party)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *PostgresStore) EntriesByPosition(ctx context.Context, positionID uint64) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, op, kind, party, counterparty, market_id, quote_id, position_id,
		        amount::TEXT, pnl::TEXT, timestamp
		 FROM journal_entries WHERE position_id = $1 ORDER BY seq`, int64(positionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *PostgresStore) SaveAccounts(ctx context.Context, accounts []model.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range accounts {
		batch.Queue(
			`INSERT INTO accounts (party, free_balance, allocated_margin, locked_margin, reserved_margin, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (party) DO UPDATE
			 SET free_balance = EXCLUDED.free_balance,
			     allocated_margin = EXCLUDED.allocated_margin,
			     locked_margin = EXCLUDED.locked_margin,
			     reserved_margin = EXCLUDED.reserved_margin,
			     updated_at = EXCLUDED.updated_at`,
			a.Party,
			a.FreeBalance.String(), a.AllocatedMargin.String(),
			a.LockedMargin.String(), a.ReservedMargin.String(),
			a.UpdatedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) GetAccount(ctx context.Context, party string) (*model.Account, error) {
	var a model.Account
	var free, allocated, locked, reserved string

	err := s.pool.QueryRow(ctx,
		`SELECT party, free_balance::TEXT, allocated_margin::TEXT,
		        locked_margin::TEXT, reserved_margin::TEXT, updated_at
		 FROM accounts WHERE party = $1`, party).
		Scan(&a.Party, &free, &allocated, &locked, &reserved, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", party, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", party, err)
	}

	a.FreeBalance, _ = decimal.NewFromString(free)
	a.AllocatedMargin, _ = decimal.NewFromString(allocated)
	a.LockedMargin, _ = decimal.NewFromString(locked)
	a.ReservedMargin, _ = decimal.NewFromString(reserved)

	return &a, nil
}

// scanEntries reads pgx rows into Entry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEntries(rows pgxRows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		var marketID, quoteID, positionID int64
		var amountS, pnlS string

		if err := rows.Scan(&e.ID, &e.Op, &e.Kind, &e.Party, &e.Counterparty,
			&marketID, &quoteID, &positionID,
			&amountS, &pnlS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.MarketID = uint64(marketID)
		e.QuoteID = uint64(quoteID)
		e.PositionID = uint64(positionID)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.PnL, _ = decimal.NewFromString(pnlS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
