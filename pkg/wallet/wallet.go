// Package wallet tracks each user's quote-asset balance: available versus
// locked as order margin. Every Wallet is a single-owner unit of work
// guarded by its own mutex, mirroring the account package's per-user
// locking in the teacher.
package wallet

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Wallet holds one user's balance. Total is always Available+Locked.
type Wallet struct {
	mu        sync.Mutex
	UserID    string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

func New(userID string) *Wallet {
	return &Wallet{UserID: userID}
}

// Total returns available+locked.
func (w *Wallet) Total() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Available.Add(w.Locked)
}

// Snapshot returns a consistent read of available/locked.
func (w *Wallet) Snapshot() (available, locked decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Available, w.Locked
}

// Credit adds funds to Available (deposits, fill proceeds, PnL realization).
func (w *Wallet) Credit(amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Available = w.Available.Add(amount)
}

// Debit removes funds from Available (withdrawals, fees, realized losses).
// Returns an error if Available would go negative.
func (w *Wallet) Debit(amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Available.LessThan(amount) {
		return fmt.Errorf("insufficient available balance: have %s, need %s", w.Available, amount)
	}
	w.Available = w.Available.Sub(amount)
	return nil
}

// Lock moves funds from Available to Locked (order margin reservation).
func (w *Wallet) Lock(amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Available.LessThan(amount) {
		return fmt.Errorf("insufficient available balance: have %s, need %s", w.Available, amount)
	}
	w.Available = w.Available.Sub(amount)
	w.Locked = w.Locked.Add(amount)
	return nil
}

// Unlock moves funds from Locked back to Available (order cancelled/reduced).
func (w *Wallet) Unlock(amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Locked.LessThan(amount) {
		return fmt.Errorf("insufficient locked balance: have %s, need %s", w.Locked, amount)
	}
	w.Locked = w.Locked.Sub(amount)
	w.Available = w.Available.Add(amount)
	return nil
}

// SettleLocked consumes locked margin directly (e.g. liquidation fee paid
// out of the margin that was already reserved for the position).
func (w *Wallet) SettleLocked(amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Locked.LessThan(amount) {
		return fmt.Errorf("insufficient locked balance: have %s, need %s", w.Locked, amount)
	}
	w.Locked = w.Locked.Sub(amount)
	return nil
}

// Ledger is the process-wide registry of per-user wallets.
type Ledger struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

func NewLedger() *Ledger {
	return &Ledger{wallets: make(map[string]*Wallet)}
}

// Get returns the wallet for userID, creating it with a zero balance if absent.
func (l *Ledger) Get(userID string) *Wallet {
	l.mu.RLock()
	w, ok := l.wallets[userID]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.wallets[userID]; ok {
		return w
	}
	w = New(userID)
	l.wallets[userID] = w
	return w
}

// All returns every wallet currently tracked (admin/reporting use).
func (l *Ledger) All() []*Wallet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Wallet, 0, len(l.wallets))
	for _, w := range l.wallets {
		out = append(out, w)
	}
	return out
}
