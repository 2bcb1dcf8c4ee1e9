package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestAddRestsWhenNoCross(t *testing.T) {
	ob := New()
	fills, _ := ob.Add(&Order{ID: "b1", Side: Buy, Price: d("100"), Qty: d("1")}, true)
	if len(fills) != 0 {
		t.Fatalf("expected no fills, got %d", len(fills))
	}
	bb, ok := ob.BestBid()
	if !ok || !bb.Equal(d("100")) {
		t.Fatalf("BestBid = %v, %v want 100", bb, ok)
	}
}

func TestAddCrossesAndFills(t *testing.T) {
	ob := New()
	ob.Add(&Order{ID: "s1", Side: Sell, Price: d("100"), Qty: d("2")}, true)

	fills, _ := ob.Add(&Order{ID: "b1", Side: Buy, Price: d("100"), Qty: d("1")}, true)
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if !fills[0].Price.Equal(d("100")) || !fills[0].Qty.Equal(d("1")) {
		t.Fatalf("unexpected fill: %+v", fills[0])
	}

	asks := ob.GetAskLevels()
	if len(asks) != 1 || !asks[0].Qty.Equal(d("1")) {
		t.Fatalf("expected 1 remaining ask qty=1, got %+v", asks)
	}
}

func TestPriceTimePriorityFIFO(t *testing.T) {
	ob := New()
	ob.Add(&Order{ID: "s1", Side: Sell, Price: d("100"), Qty: d("1")}, true)
	ob.Add(&Order{ID: "s2", Side: Sell, Price: d("100"), Qty: d("1")}, true)

	fills, _ := ob.Add(&Order{ID: "b1", Side: Buy, Price: d("100"), Qty: d("1")}, true)
	if len(fills) != 1 || fills[0].MakerID != "s1" {
		t.Fatalf("expected first-in-first-matched s1, got %+v", fills)
	}
}

func TestRemoveCancelsRestingOrder(t *testing.T) {
	ob := New()
	ob.Add(&Order{ID: "b1", Side: Buy, Price: d("100"), Qty: d("1")}, true)
	if !ob.Remove("b1") {
		t.Fatalf("expected Remove to succeed")
	}
	if _, ok := ob.BestBid(); ok {
		t.Fatalf("expected empty book after cancel")
	}
	if ob.Remove("b1") {
		t.Fatalf("expected second Remove to fail")
	}
}

func TestHiddenOrderExcludedFromDepth(t *testing.T) {
	ob := New()
	ob.Add(&Order{ID: "b1", Side: Buy, Price: d("100"), Qty: d("5"), Hidden: true}, true)
	ob.Add(&Order{ID: "b2", Side: Buy, Price: d("100"), Qty: d("2")}, true)

	bids, _ := ob.Depth(10)
	if len(bids) != 1 || !bids[0].Qty.Equal(d("2")) {
		t.Fatalf("expected hidden qty excluded, got %+v", bids)
	}
}

func TestSimulateMarketImpactPartialFill(t *testing.T) {
	ob := New()
	ob.Add(&Order{ID: "s1", Side: Sell, Price: d("100"), Qty: d("1")}, true)
	ob.Add(&Order{ID: "s2", Side: Sell, Price: d("101"), Qty: d("1")}, true)

	avg, worst, unfilled, levels := ob.SimulateMarketImpact(Buy, d("3"))
	if !unfilled.Equal(d("1")) {
		t.Fatalf("unfilled = %s, want 1", unfilled)
	}
	// (100*1 + 101*1) / 2 = 100.5
	if !avg.Equal(d("100.5")) {
		t.Fatalf("avg = %s, want 100.5", avg)
	}
	if !worst.Equal(d("101")) {
		t.Fatalf("worst = %s, want 101", worst)
	}
	if levels != 2 {
		t.Fatalf("consumedLevels = %d, want 2", levels)
	}
}

func TestSelfTradePreventionCancelsResting(t *testing.T) {
	ob := New()
	ob.Add(&Order{ID: "s1", UserID: "alice", Side: Sell, Price: d("100"), Qty: d("1")}, true)
	ob.Add(&Order{ID: "s2", UserID: "bob", Side: Sell, Price: d("100"), Qty: d("1")}, true)

	fills, cancelled := ob.Add(&Order{ID: "b1", UserID: "alice", Side: Buy, Price: d("100"), Qty: d("1")}, true)
	if len(cancelled) != 1 || cancelled[0] != "s1" {
		t.Fatalf("expected s1 cancelled for self-trade, got %+v", cancelled)
	}
	if len(fills) != 1 || fills[0].MakerID != "s2" {
		t.Fatalf("expected match against bob's order, got %+v", fills)
	}
}

func TestModifyLosesTimePriority(t *testing.T) {
	ob := New()
	ob.Add(&Order{ID: "b1", Side: Buy, Price: d("100"), Qty: d("1")}, true)
	ob.Add(&Order{ID: "b2", Side: Buy, Price: d("100"), Qty: d("1")}, true)

	if _, ok := ob.Modify("b1", d("100"), d("1")); !ok {
		t.Fatalf("Modify should succeed")
	}

	fills, _ := ob.Add(&Order{ID: "s1", Side: Sell, Price: d("100"), Qty: d("1")}, true)
	if len(fills) != 1 || fills[0].MakerID != "b2" {
		t.Fatalf("expected b2 to retain priority after b1 modify, got %+v", fills)
	}
}
