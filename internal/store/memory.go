package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/rfq-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
	journal  []model.Entry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]model.Account),
	}
}

func (s *MemoryStore) AppendEntries(_ context.Context, entries []model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, entries...)
	return nil
}

func (s *MemoryStore) EntriesByParty(_ context.Context, party string) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.journal {
		if e.Party == party || e.Counterparty == party {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) EntriesByPosition(_ context.Context, positionID uint64) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.journal {
		if e.PositionID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveAccounts(_ context.Context, accounts []model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range accounts {
		s.accounts[a.Party] = a
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, party string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[party]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", party, model.ErrNotFound)
	}
	return &a, nil
}

// Len returns the number of journal entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.journal)
}
