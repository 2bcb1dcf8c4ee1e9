package trigger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/orderbook"
)

type fakePlacer struct {
	placed []matching.PlaceInput
}

func (f *fakePlacer) Place(ctx context.Context, sym string, in matching.PlaceInput) (matching.PlaceResult, error) {
	f.placed = append(f.placed, in)
	return matching.PlaceResult{OrderID: in.OrderID}, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func priceFn(price decimal.Decimal) func(string) (decimal.Decimal, bool) {
	return func(string) (decimal.Decimal, bool) { return price, true }
}

func TestStopLossFiresOnDrop(t *testing.T) {
	fp := &fakePlacer{}
	var fired []FireResult
	m := NewMonitor(fp, 0, func(fr FireResult) { fired = append(fired, fr) })
	m.Add(Spec{ID: "t1", Symbol: "BTC-USD", Side: orderbook.Sell, Kind: StopLoss, TriggerPrice: d("90"), Qty: d("1")})

	m.tick(context.Background(), priceFn(d("95")))
	if len(fired) != 0 {
		t.Fatalf("should not fire above trigger price")
	}

	m.tick(context.Background(), priceFn(d("89")))
	if len(fired) != 1 {
		t.Fatalf("expected stop loss to fire, got %d", len(fired))
	}
	if len(fp.placed) != 1 {
		t.Fatalf("expected one order placed")
	}
}

func TestTakeProfitFiresOnRise(t *testing.T) {
	fp := &fakePlacer{}
	var fired []FireResult
	m := NewMonitor(fp, 0, func(fr FireResult) { fired = append(fired, fr) })
	m.Add(Spec{ID: "t1", Symbol: "BTC-USD", Side: orderbook.Sell, Kind: TakeProfit, TriggerPrice: d("110"), Qty: d("1")})

	m.tick(context.Background(), priceFn(d("105")))
	if len(fired) != 0 {
		t.Fatalf("should not fire below trigger price")
	}
	m.tick(context.Background(), priceFn(d("111")))
	if len(fired) != 1 {
		t.Fatalf("expected take profit to fire")
	}
}

func TestOCOCancelsSibling(t *testing.T) {
	fp := &fakePlacer{}
	var fired []FireResult
	m := NewMonitor(fp, 0, func(fr FireResult) { fired = append(fired, fr) })
	m.Add(Spec{ID: "sl", Symbol: "BTC-USD", Side: orderbook.Sell, Kind: StopLoss, TriggerPrice: d("90"), Qty: d("1"), OCOGroupID: "g1"})
	m.Add(Spec{ID: "tp", Symbol: "BTC-USD", Side: orderbook.Sell, Kind: TakeProfit, TriggerPrice: d("110"), Qty: d("1"), OCOGroupID: "g1"})

	m.tick(context.Background(), priceFn(d("89")))
	if len(fired) != 1 || fired[0].Spec.ID != "sl" {
		t.Fatalf("expected stop loss to fire, got %+v", fired)
	}
	if len(fired[0].CancelledOCO) != 1 || fired[0].CancelledOCO[0] != "tp" {
		t.Fatalf("expected tp cancelled via OCO, got %+v", fired[0].CancelledOCO)
	}

	// tp already cancelled: even a price that would have triggered it must not fire again.
	m.tick(context.Background(), priceFn(d("200")))
	if len(fired) != 1 {
		t.Fatalf("expected no further fires after OCO cancellation, got %d", len(fired))
	}
}

func TestTrailingStopTracksExtremeAndFires(t *testing.T) {
	fp := &fakePlacer{}
	var fired []FireResult
	m := NewMonitor(fp, 0, func(fr FireResult) { fired = append(fired, fr) })
	m.Add(Spec{ID: "tr", Symbol: "BTC-USD", Side: orderbook.Sell, Kind: TrailingStop, TrailDelta: d("5"), Qty: d("1")})

	m.tick(context.Background(), priceFn(d("100"))) // seed extreme
	m.tick(context.Background(), priceFn(d("110"))) // extreme now 110
	if len(fired) != 0 {
		t.Fatalf("should not fire while price rises")
	}
	m.tick(context.Background(), priceFn(d("104"))) // 110-5=105, 104<=105 fires
	if len(fired) != 1 {
		t.Fatalf("expected trailing stop to fire once price falls below trail, got %d", len(fired))
	}
}

func TestCancelDeactivatesTrigger(t *testing.T) {
	fp := &fakePlacer{}
	m := NewMonitor(fp, 0, nil)
	m.Add(Spec{ID: "t1", Symbol: "BTC-USD", Side: orderbook.Sell, Kind: StopLoss, TriggerPrice: d("90"), Qty: d("1")})
	if !m.Cancel("t1") {
		t.Fatalf("expected cancel to succeed")
	}
	if m.Cancel("t1") {
		t.Fatalf("expected second cancel to fail")
	}
}
