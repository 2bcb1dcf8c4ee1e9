package feed

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/symbol"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestRegistry(t *testing.T) *symbol.Registry {
	t.Helper()
	reg := symbol.NewRegistry()
	sym := &symbol.Symbol{
		Symbol: "BTC-USD", Base: "BTC", Quote: "USD",
		TickSize: d("0.5"), StepSize: d("0.001"), MinNotional: d("1"),
		MaxLeverage: 50, MinOrderQty: d("0.001"),
		EnabledSources: []symbol.Source{"binance", "coinbase"},
	}
	if err := reg.Register(sym); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

// tick builds a valid Tick around a last price, quoting a tight bid/ask
// spread so Validate() always passes.
func tick(sym string, src symbol.Source, last string, ts int64) Tick {
	lp := d(last)
	return Tick{
		Symbol: sym, Source: src, Last: lp,
		Bid: lp.Sub(d("0.01")), Ask: lp.Add(d("0.01")),
		Timestamp: ts,
	}
}

func TestIngestAcceptsFirstTickAndSetsMark(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 0.5, 5*time.Second, RuleLast, nil)

	now := time.Now().UnixMilli()
	if !a.Ingest(tick("BTC-USD", "binance", "100", now)) {
		t.Fatalf("expected first tick accepted")
	}
	mark, ok := a.MarkPrice("BTC-USD")
	if !ok || !mark.Equal(d("100")) {
		t.Fatalf("MarkPrice = %v, %v want 100", mark, ok)
	}
}

func TestIngestRejectsInvalidTick(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleLast, nil)

	now := time.Now().UnixMilli()
	bad := Tick{Symbol: "BTC-USD", Source: "binance", Last: d("100"), Bid: d("101"), Ask: d("99"), Timestamp: now}
	if a.Ingest(bad) {
		t.Fatalf("expected crossed bid/ask tick to be rejected")
	}
	if _, ok := a.MarkPrice("BTC-USD"); ok {
		t.Fatalf("expected no mark price from an all-invalid symbol")
	}
}

func TestIngestRejectsOutlier(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 0.10, 5*time.Second, RuleLast, nil)

	now := time.Now().UnixMilli()
	a.Ingest(tick("BTC-USD", "binance", "100", now))

	if a.Ingest(tick("BTC-USD", "binance", "200", now+1)) {
		t.Fatalf("expected 100%% jump to be rejected as outlier")
	}

	mark, _ := a.MarkPrice("BTC-USD")
	if !mark.Equal(d("100")) {
		t.Fatalf("mark price should be unchanged by rejected outlier, got %s", mark)
	}
}

func TestPrimarySourcePrefersHigherRankedFreshSource(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleLast, nil)

	now := time.Now().UnixMilli()
	a.Ingest(tick("BTC-USD", "coinbase", "100", now))
	a.Ingest(tick("BTC-USD", "binance", "101", now+1))

	src, ok := a.PrimarySource("BTC-USD")
	if !ok || src != "binance" {
		t.Fatalf("PrimarySource = %s, %v want binance", src, ok)
	}
}

func TestPrimaryKeepsPreviousWhenNoRankedSourceIsFresh(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleLast, nil)

	now := time.Now().UnixMilli()
	a.Ingest(tick("BTC-USD", "binance", "100", now))

	// Ten seconds later binance's only observation is past the 5s staleness
	// window, so no ranked source is fresh; reevaluating must keep "binance"
	// as primary rather than falling back to whatever looks freshest overall.
	s := a.stateFor("BTC-USD")
	s.mu.Lock()
	a.selectPrimaryLocked("BTC-USD", s, now+int64((10*time.Second).Milliseconds()))
	s.mu.Unlock()

	src, ok := a.PrimarySource("BTC-USD")
	if !ok || src != "binance" {
		t.Fatalf("PrimarySource = %s, %v want binance retained", src, ok)
	}
}

func TestFailoverHookFiresOnPrimaryChange(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleLast, nil)

	var from, to symbol.Source
	calls := 0
	a.SetFailoverHook(func(sym string, f, tt symbol.Source) {
		calls++
		from, to = f, tt
	})

	now := time.Now().UnixMilli()
	a.Ingest(tick("BTC-USD", "coinbase", "100", now))
	if calls != 0 {
		t.Fatalf("expected no failover on first-ever primary selection, got %d calls", calls)
	}

	a.Ingest(tick("BTC-USD", "binance", "101", now+1))
	if calls != 1 {
		t.Fatalf("expected exactly one failover event, got %d", calls)
	}
	if from != "coinbase" || to != "binance" {
		t.Fatalf("failover = %s->%s, want coinbase->binance", from, to)
	}
}

func TestQualityDecaysWithAge(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleLast, nil)

	now := time.Now().UnixMilli()
	a.Ingest(tick("BTC-USD", "binance", "100", now))

	q, ok := a.Quality("BTC-USD")
	if !ok || q <= 0 {
		t.Fatalf("Quality = %v, %v want a positive fresh score", q, ok)
	}
}

func TestMidRuleUsesBookMidFn(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleMid, func(sym string) (decimal.Decimal, bool) {
		return d("105"), true
	})

	now := time.Now().UnixMilli()
	a.Ingest(tick("BTC-USD", "binance", "100", now))

	mark, ok := a.MarkPrice("BTC-USD")
	if !ok || !mark.Equal(d("105")) {
		t.Fatalf("MarkPrice = %v, %v want 105 (book mid)", mark, ok)
	}
}

func TestVWAPRuleAveragesRing(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleVWAP, nil)

	now := time.Now().UnixMilli()
	a.Ingest(tick("BTC-USD", "binance", "100", now))
	a.Ingest(tick("BTC-USD", "binance", "200", now+1))

	mark, ok := a.MarkPrice("BTC-USD")
	if !ok || !mark.Equal(d("150")) {
		t.Fatalf("MarkPrice = %v, %v want 150 (vwap of 100,200)", mark, ok)
	}
}

func TestMarkPriceUnknownSymbol(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleLast, nil)
	if _, ok := a.MarkPrice("NOPE-USD"); ok {
		t.Fatalf("expected unknown symbol to report not-ok")
	}
}

func TestRunPublishLoopFlushesDirtySymbolsOnce(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAggregator(reg, 1.0, 5*time.Second, RuleLast, nil)

	now := time.Now().UnixMilli()
	a.Ingest(tick("BTC-USD", "binance", "100", now))

	published := make(chan decimal.Decimal, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	go a.RunPublishLoop(ctx, 20*time.Millisecond, func(sym string, mark decimal.Decimal) {
		published <- mark
	})

	select {
	case mark := <-published:
		if !mark.Equal(d("100")) {
			t.Fatalf("published mark = %s, want 100", mark)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected a publish within the throttle interval")
	}
}
