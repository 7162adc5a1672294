// Package txn provides the undo log that makes every engine operation
// all-or-nothing.
//
// Components record how to restore each record before they first mutate it
// inside a Tx. Commit forgets the log; Rollback replays it in reverse order.
package txn

import "errors"

// ErrClosed is returned when a committed or rolled back Tx is reused.
var ErrClosed = errors.New("txn: transaction already closed")

// Tx is a single-writer undo log. It is not safe for concurrent use; the
// engine serialises operations before opening one.
type Tx struct {
	undo   []func()
	seen   map[string]struct{}
	keys   []string
	closed bool
}

// Begin opens a new transaction.
func Begin() *Tx {
	return &Tx{seen: make(map[string]struct{})}
}

// Snapshot registers restore for key the first time key is touched.
// Later calls for the same key are ignored because the first snapshot
// already captured the pre-transaction state.
func (tx *Tx) Snapshot(key string, restore func()) {
	if _, ok := tx.seen[key]; ok {
		return
	}
	tx.seen[key] = struct{}{}
	tx.keys = append(tx.keys, key)
	tx.undo = append(tx.undo, restore)
}

// OnRollback registers fn unconditionally.
func (tx *Tx) OnRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// Keys returns the snapshotted keys in first-touch order.
func (tx *Tx) Keys() []string {
	out := make([]string, len(tx.keys))
	copy(out, tx.keys)
	return out
}

// Commit keeps every change.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrClosed
	}
	tx.closed = true
	tx.undo = nil
	return nil
}

// Rollback undoes every change in reverse order. Rolling back a closed
// transaction is a no-op so it can be deferred.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	tx.closed = true
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}
