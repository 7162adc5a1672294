// Package store defines the persistence interface for the engine's journal.
// Implementations include PostgreSQL (durable journal), Redis (read-through
// cache), and in-memory (for testing).
//
// The engine's live state is in memory and is authoritative. The store
// receives every committed journal entry and the post-operation snapshot of
// each touched account; it is an audit trail and a last-committed view, not
// a source the engine reloads from.
package store

import (
	"context"

	"github.com/atmx/rfq-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL holds the durable journal
// and account snapshots; Redis provides a read-through cache layer.
type Store interface {
	// --- Immutable journal ---

	// AppendEntries appends the entries of one committed operation.
	AppendEntries(ctx context.Context, entries []model.Entry) error

	// EntriesByParty returns every entry where party is the party or the
	// counterparty, oldest first.
	EntriesByParty(ctx context.Context, party string) ([]model.Entry, error)

	// EntriesByPosition returns every entry for a position, oldest first.
	EntriesByPosition(ctx context.Context, positionID uint64) ([]model.Entry, error)

	// --- Account snapshots ---

	// SaveAccounts upserts the latest state of each account.
	SaveAccounts(ctx context.Context, accounts []model.Account) error

	// GetAccount returns the last saved state of party's account.
	GetAccount(ctx context.Context, party string) (*model.Account, error)
}
