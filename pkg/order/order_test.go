package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/orderbook"
	"github.com/vertexbook/engine/pkg/position"
	"github.com/vertexbook/engine/pkg/symbol"
	"github.com/vertexbook/engine/pkg/trigger"
	"github.com/vertexbook/engine/pkg/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*Controller, *matching.Engine, *wallet.Ledger) {
	t.Helper()
	reg := symbol.NewRegistry()
	sym := &symbol.Symbol{
		Symbol: "BTC-USD", Base: "BTC", Quote: "USD",
		TickSize: d("0.5"), StepSize: d("0.001"), MinNotional: d("1"),
		MaxLeverage: 50, MinOrderQty: d("0.001"), MaxOrderQty: d("100"),
		MakerFeeBps: 2, TakerFeeBps: 5, Enabled: true,
	}
	if err := reg.Register(sym); err != nil {
		t.Fatalf("Register: %v", err)
	}

	me := matching.NewEngine()
	me.Register(sym)
	t.Cleanup(me.Shutdown)

	positions := position.NewManager()
	wallets := wallet.NewLedger()
	wallets.Get("alice").Credit(d("100000"))
	wallets.Get("bob").Credit(d("100000"))

	c := NewController(reg, me, positions, wallets, nil, nil)
	return c, me, wallets
}

func TestPlaceLimitOrderRestsAndLocksMargin(t *testing.T) {
	c, _, wallets := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	o, err := c.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Buy,
		Type: matching.Limit, TIF: matching.GTC,
		Price: d("100"), Qty: d("1"), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if o.Status != StatusOpen {
		t.Fatalf("Status = %s, want open", o.Status)
	}

	_, locked := wallets.Get("alice").Snapshot()
	// notional 100, leverage 10 -> margin 10
	if !locked.Equal(d("10")) {
		t.Fatalf("locked = %s, want 10", locked)
	}
}

func TestPlaceMatchingOrdersFillAndUpdatePositions(t *testing.T) {
	c, _, wallets := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Place(ctx, PlaceRequest{
		UserID: "bob", Symbol: "BTC-USD", Side: orderbook.Sell,
		Type: matching.Limit, TIF: matching.GTC, Price: d("100"), Qty: d("1"), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("Place bob: %v", err)
	}

	o, err := c.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Buy,
		Type: matching.Limit, TIF: matching.GTC, Price: d("100"), Qty: d("1"), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("Place alice: %v", err)
	}
	if o.Status != StatusFilled {
		t.Fatalf("Status = %s, want filled", o.Status)
	}

	aliceAvail, aliceLocked := wallets.Get("alice").Snapshot()
	// The filled order's margin (notional 100 / leverage 10) stays locked
	// behind alice's new position.
	if !aliceLocked.Equal(d("10")) {
		t.Fatalf("expected locked margin 10 held for the open position after full fill, got %s", aliceLocked)
	}
	_ = aliceAvail
}

func TestCancelReleasesMargin(t *testing.T) {
	c, _, wallets := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	o, err := c.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Buy,
		Type: matching.Limit, TIF: matching.GTC, Price: d("100"), Qty: d("1"), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if err := c.Cancel(ctx, o.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, locked := wallets.Get("alice").Snapshot()
	if !locked.IsZero() {
		t.Fatalf("expected margin released, got locked=%s", locked)
	}

	got, _ := c.Get(o.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", got.Status)
	}
}

func TestRejectedOrderReleasesMargin(t *testing.T) {
	c, _, wallets := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Resting sell so a post-only buy at the same price would cross.
	c.Place(ctx, PlaceRequest{
		UserID: "bob", Symbol: "BTC-USD", Side: orderbook.Sell,
		Type: matching.Limit, TIF: matching.GTC, Price: d("100"), Qty: d("1"), Leverage: 10,
	})

	_, err := c.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Buy,
		Type: matching.Limit, TIF: matching.GTC, PostOnly: true,
		Price: d("100"), Qty: d("1"), Leverage: 10,
	})
	if err == nil {
		t.Fatalf("expected rejection error for crossing post-only order")
	}

	_, locked := wallets.Get("alice").Snapshot()
	if !locked.IsZero() {
		t.Fatalf("expected margin released after rejection, got locked=%s", locked)
	}
}

func TestOCOCancelCascades(t *testing.T) {
	c, _, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	o1, err := c.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Buy,
		Type: matching.Limit, TIF: matching.GTC, Price: d("90"), Qty: d("1"),
		Leverage: 10, OCOGroupID: "group1",
	})
	if err != nil {
		t.Fatalf("Place o1: %v", err)
	}
	o2, err := c.Place(ctx, PlaceRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Buy,
		Type: matching.Limit, TIF: matching.GTC, Price: d("80"), Qty: d("1"),
		Leverage: 10, OCOGroupID: "group1",
	})
	if err != nil {
		t.Fatalf("Place o2: %v", err)
	}

	if err := c.Cancel(ctx, o1.ID); err != nil {
		t.Fatalf("Cancel o1: %v", err)
	}

	got, _ := c.Get(o2.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected o2 cancelled via OCO cascade, got %s", got.Status)
	}
}

func TestArmLocksMarginAndTagsOrderWithTriggerSpec(t *testing.T) {
	c, me, wallets := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mon := trigger.NewMonitor(me, time.Minute, func(trigger.FireResult) {})
	c.SetTriggerMonitor(mon)

	o, err := c.Arm(ctx, ArmRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Sell,
		Kind: trigger.StopLoss, TriggerPrice: d("90"), OrderType: matching.Market,
		Qty: d("1"), Leverage: 10, ReferencePrice: d("100"),
	})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if o.TriggerSpecID != o.ID {
		t.Fatalf("TriggerSpecID = %q, want %q", o.TriggerSpecID, o.ID)
	}

	_, locked := wallets.Get("alice").Snapshot()
	if !locked.Equal(d("10")) {
		t.Fatalf("locked = %s, want 10", locked)
	}
}

func TestArmWithoutTriggerMonitorFails(t *testing.T) {
	c, _, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Arm(ctx, ArmRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Sell,
		Kind: trigger.StopLoss, TriggerPrice: d("90"), OrderType: matching.Market,
		Qty: d("1"), Leverage: 10, ReferencePrice: d("100"),
	})
	if err == nil {
		t.Fatalf("expected error arming without a trigger monitor")
	}
}

func TestCancelArmedOrderReleasesMarginViaMonitor(t *testing.T) {
	c, me, wallets := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mon := trigger.NewMonitor(me, time.Minute, func(trigger.FireResult) {})
	c.SetTriggerMonitor(mon)

	o, err := c.Arm(ctx, ArmRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Sell,
		Kind: trigger.StopLoss, TriggerPrice: d("90"), OrderType: matching.Market,
		Qty: d("1"), Leverage: 10, ReferencePrice: d("100"),
	})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}

	if err := c.Cancel(ctx, o.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if mon.Cancel(o.ID) {
		t.Fatalf("expected monitor spec already cancelled")
	}

	_, locked := wallets.Get("alice").Snapshot()
	if !locked.IsZero() {
		t.Fatalf("expected margin released, got locked=%s", locked)
	}
}

func TestHandleTriggerFireAppliesFillsAndReleasesUnfilledMargin(t *testing.T) {
	c, me, wallets := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mon := trigger.NewMonitor(me, time.Minute, func(trigger.FireResult) {})
	c.SetTriggerMonitor(mon)

	// Only half a unit of resting liquidity: the fired trigger partially fills.
	if _, err := c.Place(ctx, PlaceRequest{
		UserID: "bob", Symbol: "BTC-USD", Side: orderbook.Buy,
		Type: matching.Limit, TIF: matching.GTC, Price: d("90"), Qty: d("0.5"), Leverage: 10,
	}); err != nil {
		t.Fatalf("Place bob resting bid: %v", err)
	}

	armed, err := c.Arm(ctx, ArmRequest{
		UserID: "alice", Symbol: "BTC-USD", Side: orderbook.Sell,
		Kind: trigger.StopLoss, TriggerPrice: d("90"), OrderType: matching.Market,
		Qty: d("1"), Leverage: 10, ReferencePrice: d("100"),
	})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}

	res, err := me.Place(ctx, "BTC-USD", matching.PlaceInput{
		OrderID: "trig-" + armed.ID, UserID: "alice", Side: orderbook.Sell,
		Type: matching.Market, TIF: matching.IOC, Qty: d("1"),
	})
	if err != nil {
		t.Fatalf("simulated fire Place: %v", err)
	}

	c.HandleTriggerFire(ctx, trigger.FireResult{
		Spec:        trigger.Spec{ID: armed.ID, UserID: "alice", Symbol: "BTC-USD"},
		PlaceResult: res,
	})

	got, _ := c.Get(armed.ID)
	if got.Status != StatusPartial && got.Status != StatusCancelled {
		t.Fatalf("Status = %s, want partial or cancelled after half-fill", got.Status)
	}
	if !got.FilledQty.Equal(d("0.5")) {
		t.Fatalf("FilledQty = %s, want 0.5", got.FilledQty)
	}

	_, locked := wallets.Get("alice").Snapshot()
	if locked.GreaterThanOrEqual(d("10")) {
		t.Fatalf("expected unfilled-half margin released, got locked=%s", locked)
	}
}
