package liquidation

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/margin"
	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/orderbook"
	"github.com/vertexbook/engine/pkg/position"
	"github.com/vertexbook/engine/pkg/wallet"
)

type fakeMatching struct {
	cancelled []string
	lastPlace matching.PlaceInput
	fillPrice decimal.Decimal
}

func (f *fakeMatching) CancelAll(ctx context.Context, sym, userID string) ([]string, error) {
	f.cancelled = append(f.cancelled, userID)
	return nil, nil
}

func (f *fakeMatching) Place(ctx context.Context, sym string, in matching.PlaceInput) (matching.PlaceResult, error) {
	f.lastPlace = in
	return matching.PlaceResult{
		OrderID: in.OrderID,
		Fills:   []orderbook.Fill{{TakerID: in.OrderID, MakerID: "counterparty", Price: f.fillPrice, Qty: in.Qty}},
	}, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestProcessOneReduces100PercentAtTopBand(t *testing.T) {
	positions := position.NewManager()
	wallets := wallet.NewLedger()
	fm := &fakeMatching{fillPrice: d("50")}
	fund := NewFund()

	p := positions.Get("alice", "BTC-USD")
	p.ApplyFill(true, d("10"), d("100"), 1) // long 10 @ 100
	p.SetMark(d("50"))                      // heavy unrealized loss
	positions.AddMargin("alice", "BTC-USD", d("100"))
	positions.SwitchMode("alice", "BTC-USD", position.Isolated)
	wallets.Get("alice").Credit(d("1000"))

	e := NewEngine(Config{
		MarginCallRatio: 0.70, LiquidationRatio: 0.95,
		LiquidationFeeRate: d("0.005"), MaxConcurrentLiquidations: 10,
	}, positions, wallets, fm, margin.DefaultTiers, fund)

	e.processOne(context.Background(), key("alice", "BTC-USD"))

	if len(fm.cancelled) != 1 {
		t.Fatalf("expected CancelAll called once, got %d", len(fm.cancelled))
	}
	if fm.lastPlace.Qty.IsZero() {
		t.Fatalf("expected a reduce order to be placed")
	}

	events := e.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 recorded event, got %d", len(events))
	}
}

func TestRatioReturnsZeroForFlatPosition(t *testing.T) {
	positions := position.NewManager()
	wallets := wallet.NewLedger()
	fm := &fakeMatching{}
	fund := NewFund()
	e := NewEngine(Config{MaxConcurrentLiquidations: 10}, positions, wallets, fm, margin.DefaultTiers, fund)

	p := positions.Get("bob", "ETH-USD")
	ratio, _, _ := e.Ratio(p)
	if ratio != 0 {
		t.Fatalf("ratio = %v, want 0 for flat position", ratio)
	}
}
