// Package ledger keeps per-party collateral accounting.
//
// Each party has four buckets: free balance (withdrawable), allocated margin
// (usable for trading), reserved margin (held for pending quotes) and locked
// margin (backing live positions). Every primitive moves value between
// buckets or, for settlement, between parties; none creates or destroys it
// except Deposit and Withdraw.
//
// The Ledger is not safe for concurrent use. The engine serialises callers
// and passes the operation's txn.Tx to every mutating method.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/model"
	"github.com/atmx/rfq-engine/internal/txn"
)

const keyPrefix = "account:"

// Ledger owns every Account record.
type Ledger struct {
	accounts map[string]*model.Account
	treasury string
	now      func() time.Time
}

// New creates an empty ledger. Protocol fees are credited to the free
// balance of treasury.
func New(treasury string, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		accounts: make(map[string]*model.Account),
		treasury: treasury,
		now:      now,
	}
}

// Treasury returns the party that collects protocol fees.
func (l *Ledger) Treasury() string {
	return l.treasury
}

// Account returns a copy of party's account.
func (l *Ledger) Account(party string) (model.Account, error) {
	acc, ok := l.accounts[party]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: account %s", model.ErrNotFound, party)
	}
	return *acc, nil
}

// Balance returns party's account, or a zero account if none exists yet.
func (l *Ledger) Balance(party string) model.Account {
	if acc, ok := l.accounts[party]; ok {
		return *acc
	}
	return model.Account{Party: party}
}

// Accounts returns copies of all accounts ordered by party.
func (l *Ledger) Accounts() []model.Account {
	out := make([]model.Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Party < out[j].Party })
	return out
}

// TouchedAccounts returns the current state of every account tx modified.
func (l *Ledger) TouchedAccounts(tx *txn.Tx) []model.Account {
	var out []model.Account
	for _, key := range tx.Keys() {
		party, ok := strings.CutPrefix(key, keyPrefix)
		if !ok {
			continue
		}
		if acc, ok := l.accounts[party]; ok {
			out = append(out, *acc)
		}
	}
	return out
}

// =====================================================
// Collateral in / out
// =====================================================

// Deposit credits amount to party's free balance, creating the account on
// first use.
func (l *Ledger) Deposit(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	acc := l.touch(tx, party)
	acc.FreeBalance = acc.FreeBalance.Add(amount)
	return nil
}

// Withdraw debits amount from party's free balance.
func (l *Ledger) Withdraw(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).FreeBalance) {
		return insufficientBalance(party, amount)
	}
	acc := l.touch(tx, party)
	acc.FreeBalance = acc.FreeBalance.Sub(amount)
	return nil
}

// =====================================================
// Bucket moves
// =====================================================

// Allocate moves amount from free balance to allocated margin.
func (l *Ledger) Allocate(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).FreeBalance) {
		return insufficientBalance(party, amount)
	}
	acc := l.touch(tx, party)
	acc.FreeBalance = acc.FreeBalance.Sub(amount)
	acc.AllocatedMargin = acc.AllocatedMargin.Add(amount)
	return nil
}

// Deallocate moves amount from allocated margin back to free balance.
func (l *Ledger) Deallocate(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).AllocatedMargin) {
		return insufficientMargin(party, "allocated", amount)
	}
	acc := l.touch(tx, party)
	acc.AllocatedMargin = acc.AllocatedMargin.Sub(amount)
	acc.FreeBalance = acc.FreeBalance.Add(amount)
	return nil
}

// Reserve moves amount from allocated to reserved margin for a pending quote.
func (l *Ledger) Reserve(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := nonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).AllocatedMargin) {
		return insufficientMargin(party, "allocated", amount)
	}
	acc := l.touch(tx, party)
	acc.AllocatedMargin = acc.AllocatedMargin.Sub(amount)
	acc.ReservedMargin = acc.ReservedMargin.Add(amount)
	return nil
}

// Unreserve returns reserved margin to allocated margin.
func (l *Ledger) Unreserve(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := nonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).ReservedMargin) {
		return insufficientMargin(party, "reserved", amount)
	}
	acc := l.touch(tx, party)
	acc.ReservedMargin = acc.ReservedMargin.Sub(amount)
	acc.AllocatedMargin = acc.AllocatedMargin.Add(amount)
	return nil
}

// Commit turns reserved margin into locked margin when a quote fills.
func (l *Ledger) Commit(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := nonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).ReservedMargin) {
		return insufficientMargin(party, "reserved", amount)
	}
	acc := l.touch(tx, party)
	acc.ReservedMargin = acc.ReservedMargin.Sub(amount)
	acc.LockedMargin = acc.LockedMargin.Add(amount)
	return nil
}

// Release returns locked margin to allocated margin on close or liquidation.
func (l *Ledger) Release(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := nonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).LockedMargin) {
		return insufficientMargin(party, "locked", amount)
	}
	acc := l.touch(tx, party)
	acc.LockedMargin = acc.LockedMargin.Sub(amount)
	acc.AllocatedMargin = acc.AllocatedMargin.Add(amount)
	return nil
}

// Lock moves allocated margin straight into locked margin, adding to the
// party's cross margin buffer.
func (l *Ledger) Lock(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := nonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).AllocatedMargin) {
		return insufficientMargin(party, "allocated", amount)
	}
	acc := l.touch(tx, party)
	acc.AllocatedMargin = acc.AllocatedMargin.Sub(amount)
	acc.LockedMargin = acc.LockedMargin.Add(amount)
	return nil
}

// CollectFee consumes amount of party's reserved margin and credits it to
// the treasury's free balance.
func (l *Ledger) CollectFee(tx *txn.Tx, party string, amount decimal.Decimal) error {
	if err := nonNegative(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.Balance(party).ReservedMargin) {
		return insufficientMargin(party, "reserved", amount)
	}
	acc := l.touch(tx, party)
	acc.ReservedMargin = acc.ReservedMargin.Sub(amount)
	treasury := l.touch(tx, l.treasury)
	treasury.FreeBalance = treasury.FreeBalance.Add(amount)
	return nil
}

// ApplyPnL adds a signed amount to party's allocated margin. The result may
// be negative until the enclosing settlement calls Verify.
func (l *Ledger) ApplyPnL(tx *txn.Tx, party string, amount decimal.Decimal) {
	acc := l.touch(tx, party)
	acc.AllocatedMargin = acc.AllocatedMargin.Add(amount)
}

// =====================================================
// Invariants
// =====================================================

// Verify fails if any account touched by tx has a negative bucket. With
// parties given, only those accounts are checked.
func (l *Ledger) Verify(tx *txn.Tx, parties ...string) error {
	if len(parties) == 0 {
		for _, key := range tx.Keys() {
			if party, ok := strings.CutPrefix(key, keyPrefix); ok {
				parties = append(parties, party)
			}
		}
	}
	for _, party := range parties {
		acc, ok := l.accounts[party]
		if !ok {
			continue
		}
		for _, b := range []struct {
			name  string
			value decimal.Decimal
		}{
			{"free balance", acc.FreeBalance},
			{"allocated margin", acc.AllocatedMargin},
			{"locked margin", acc.LockedMargin},
			{"reserved margin", acc.ReservedMargin},
		} {
			if b.value.IsNegative() {
				return fmt.Errorf("%w: %s %s would be %s", model.ErrInsufficientMargin, party, b.name, b.value)
			}
		}
	}
	return nil
}

// =====================================================
// support methods
// =====================================================

// touch returns the live account for party, snapshotting it into tx before
// its first change and creating it if needed.
func (l *Ledger) touch(tx *txn.Tx, party string) *model.Account {
	key := keyPrefix + party
	acc, ok := l.accounts[party]
	if !ok {
		acc = &model.Account{Party: party}
		l.accounts[party] = acc
		tx.Snapshot(key, func() { delete(l.accounts, party) })
	} else {
		prev := *acc
		tx.Snapshot(key, func() { *acc = prev })
	}
	acc.UpdatedAt = l.now().UTC()
	return acc
}

func positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidArgument, amount)
	}
	return nil
}

func nonNegative(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative, got %s", model.ErrInvalidArgument, amount)
	}
	return nil
}

func insufficientBalance(party string, amount decimal.Decimal) error {
	return fmt.Errorf("%w: %s cannot debit %s from free balance", model.ErrInsufficientBalance, party, amount)
}

func insufficientMargin(party, bucket string, amount decimal.Decimal) error {
	return fmt.Errorf("%w: %s cannot debit %s from %s margin", model.ErrInsufficientMargin, party, amount, bucket)
}
