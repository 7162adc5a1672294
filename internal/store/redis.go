package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/rfq-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then touch cache) ---

func (s *CachedStore) AppendEntries(ctx context.Context, entries []model.Entry) error {
	if err := s.primary.AppendEntries(ctx, entries); err != nil {
		return err
	}
	// Invalidate journal caches of everyone involved.
	keys := make([]string, 0, 2*len(entries))
	for _, e := range entries {
		if e.Party != "" {
			keys = append(keys, journalKey(e.Party))
		}
		if e.Counterparty != "" {
			keys = append(keys, journalKey(e.Counterparty))
		}
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) SaveAccounts(ctx context.Context, accounts []model.Account) error {
	if err := s.primary.SaveAccounts(ctx, accounts); err != nil {
		return err
	}
	for i := range accounts {
		s.cacheAccount(ctx, &accounts[i])
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, party string) (*model.Account, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, accountKey(party)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, party)
	if err != nil {
		return nil, err
	}

	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) EntriesByParty(ctx context.Context, party string) ([]model.Entry, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, journalKey(party)).Bytes()
	if err == nil {
		var entries []model.Entry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	// Cache miss.
	entries, err := s.primary.EntriesByParty(ctx, party)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, journalKey(party), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) EntriesByPosition(ctx context.Context, positionID uint64) ([]model.Entry, error) {
	return s.primary.EntriesByPosition(ctx, positionID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.Party), data, s.ttl)
	}
}

func accountKey(party string) string { return fmt.Sprintf("account:%s", party) }
func journalKey(party string) string { return fmt.Sprintf("journal:%s", party) }
