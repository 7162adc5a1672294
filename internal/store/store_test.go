package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/store"
)

var ts = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func entries() []model.Entry {
	return []model.Entry{
		{ID: uuid.NewString(), Op: "fillQuote", Kind: "fee", Party: "alice", Counterparty: "treasury", QuoteID: 1, PositionID: 1, Amount: d("0.5"), PnL: decimal.Zero, Timestamp: ts},
		{ID: uuid.NewString(), Op: "fillQuote", Party: "hedger", Counterparty: "alice", QuoteID: 1, PositionID: 1, Amount: d("125"), PnL: decimal.Zero, Timestamp: ts},
		{ID: uuid.NewString(), Op: "deposit", Party: "bob", Amount: d("10"), PnL: decimal.Zero, Timestamp: ts},
	}
}

func account(party, free string) model.Account {
	return model.Account{
		Party:           party,
		FreeBalance:     d(free),
		AllocatedMargin: d("450"),
		LockedMargin:    decimal.Zero,
		ReservedMargin:  d("125.5"),
		UpdatedAt:       ts,
	}
}

// exercise runs the shared contract against any Store implementation.
func exercise(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.AppendEntries(ctx, entries()))
	require.NoError(t, s.AppendEntries(ctx, nil))

	got, err := s.EntriesByParty(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "fee", got[0].Kind)
	assert.True(t, got[0].Amount.Equal(d("0.5")))
	assert.Equal(t, "hedger", got[1].Party)

	got, err = s.EntriesByPosition(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.EntriesByParty(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.GetAccount(ctx, "alice")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.SaveAccounts(ctx, []model.Account{account("alice", "50")}))
	require.NoError(t, s.SaveAccounts(ctx, []model.Account{account("alice", "49.999999999999999999")}))

	acc, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acc.FreeBalance.Equal(d("49.999999999999999999")), "free %s", acc.FreeBalance)
	assert.True(t, acc.ReservedMargin.Equal(d("125.5")))
}

func TestMemoryStore(t *testing.T) {
	s := store.NewMemoryStore()
	exercise(t, s)
	assert.Equal(t, 3, s.Len())
}

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := store.NewMemoryStore()
	return store.NewCachedStore(primary, rdb, 30*time.Second), primary, mr
}

func TestCachedStore(t *testing.T) {
	s, _, _ := newCached(t)
	exercise(t, s)
}

func TestCachedStore_AccountWriteThrough(t *testing.T) {
	s, _, mr := newCached(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccounts(ctx, []model.Account{account("alice", "50")}))
	assert.True(t, mr.Exists("account:alice"))

	acc, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acc.FreeBalance.Equal(d("50")))
}

func TestCachedStore_JournalInvalidation(t *testing.T) {
	s, _, mr := newCached(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEntries(ctx, entries()[:1]))
	got, err := s.EntriesByParty(ctx, "treasury")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, mr.Exists("journal:treasury"))

	// A new entry naming treasury as counterparty drops the cached list.
	require.NoError(t, s.AppendEntries(ctx, []model.Entry{{
		ID: uuid.NewString(), Op: "fillQuote", Kind: "fee", Party: "carol", Counterparty: "treasury",
		Amount: d("1"), Timestamp: ts,
	}}))
	assert.False(t, mr.Exists("journal:treasury"))

	got, err = s.EntriesByParty(ctx, "treasury")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	s, primary, _ := newCached(t)
	ctx := context.Background()

	require.NoError(t, primary.SaveAccounts(ctx, []model.Account{account("bob", "1")}))
	_, err := s.GetAccount(ctx, "bob")
	require.NoError(t, err)

	// Written behind the cache's back: the cached copy still wins until TTL.
	require.NoError(t, primary.SaveAccounts(ctx, []model.Account{account("bob", "2")}))
	acc, err := s.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, acc.FreeBalance.Equal(d("1")))
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	s := store.NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, "TRUNCATE journal_entries, accounts")
	require.NoError(t, err)

	exercise(t, s)
}
