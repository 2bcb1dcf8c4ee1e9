package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreditIncreasesAvailable(t *testing.T) {
	w := New("alice")
	w.Credit(d("100"))

	available, locked := w.Snapshot()
	if !available.Equal(d("100")) || !locked.IsZero() {
		t.Fatalf("got available=%s locked=%s", available, locked)
	}
}

func TestDebitFailsWhenInsufficient(t *testing.T) {
	w := New("alice")
	w.Credit(d("10"))

	if err := w.Debit(d("20")); err == nil {
		t.Fatalf("expected error debiting more than available")
	}
	available, _ := w.Snapshot()
	if !available.Equal(d("10")) {
		t.Fatalf("expected balance unchanged after failed debit, got %s", available)
	}
}

func TestLockMovesAvailableToLocked(t *testing.T) {
	w := New("alice")
	w.Credit(d("100"))

	if err := w.Lock(d("30")); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	available, locked := w.Snapshot()
	if !available.Equal(d("70")) || !locked.Equal(d("30")) {
		t.Fatalf("got available=%s locked=%s", available, locked)
	}
	if !w.Total().Equal(d("100")) {
		t.Fatalf("Total changed across Lock, got %s", w.Total())
	}
}

func TestLockFailsWhenInsufficientAvailable(t *testing.T) {
	w := New("alice")
	w.Credit(d("10"))

	if err := w.Lock(d("20")); err == nil {
		t.Fatalf("expected error locking more than available")
	}
}

func TestUnlockMovesLockedBackToAvailable(t *testing.T) {
	w := New("alice")
	w.Credit(d("100"))
	w.Lock(d("40"))

	if err := w.Unlock(d("15")); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	available, locked := w.Snapshot()
	if !available.Equal(d("75")) || !locked.Equal(d("25")) {
		t.Fatalf("got available=%s locked=%s", available, locked)
	}
}

func TestUnlockFailsWhenExceedsLocked(t *testing.T) {
	w := New("alice")
	w.Credit(d("100"))
	w.Lock(d("10"))

	if err := w.Unlock(d("20")); err == nil {
		t.Fatalf("expected error unlocking more than locked")
	}
}

func TestSettleLockedConsumesMarginDirectly(t *testing.T) {
	w := New("alice")
	w.Credit(d("100"))
	w.Lock(d("50"))

	if err := w.SettleLocked(d("20")); err != nil {
		t.Fatalf("SettleLocked: %v", err)
	}
	_, locked := w.Snapshot()
	if !locked.Equal(d("30")) {
		t.Fatalf("expected locked=30 after settling 20 of 50, got %s", locked)
	}
	if !w.Total().Equal(d("80")) {
		t.Fatalf("expected total to drop by the settled amount, got %s", w.Total())
	}
}

func TestLedgerGetCreatesZeroBalanceWalletOnFirstAccess(t *testing.T) {
	l := NewLedger()
	w := l.Get("bob")

	if w.UserID != "bob" || !w.Total().IsZero() {
		t.Fatalf("expected fresh zero-balance wallet, got %+v", w)
	}
	if l.Get("bob") != w {
		t.Fatalf("expected repeated Get to return the same wallet instance")
	}
}

func TestLedgerAllReturnsEveryTrackedWallet(t *testing.T) {
	l := NewLedger()
	l.Get("alice")
	l.Get("bob")

	if len(l.All()) != 2 {
		t.Fatalf("expected 2 wallets, got %d", len(l.All()))
	}
}
