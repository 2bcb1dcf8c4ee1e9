package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/margin"
	"github.com/vertexbook/engine/pkg/position"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGradeThresholds(t *testing.T) {
	cfg := Config{MarginCallRatio: 0.70, LiquidationRatio: 0.95, ADLRatio: 0.98}
	m := NewMonitor(cfg, position.NewManager(), nil)

	cases := []struct {
		ratio float64
		want  Severity
		ok    bool
	}{
		{0.50, "", false},
		{0.60, SeverityLow, true},
		{0.75, SeverityMedium, true},
		{0.96, SeverityHigh, true},
		{0.99, SeverityCritical, true},
	}
	for _, c := range cases {
		sev, ok := m.grade(c.ratio)
		if ok != c.ok || sev != c.want {
			t.Fatalf("grade(%v) = %v, %v want %v, %v", c.ratio, sev, ok, c.want, c.ok)
		}
	}
}

func TestScanRecordsAlertsForFlaggedPositions(t *testing.T) {
	positions := position.NewManager()
	p := positions.Get("alice", "BTC-USD")
	p.ApplyFill(true, d("1"), d("100"), 1)

	cfg := Config{MarginCallRatio: 0.70, LiquidationRatio: 0.95, ADLRatio: 0.98}
	ratioFn := func(p *position.Position) (float64, decimal.Decimal, decimal.Decimal) {
		return 0.80, decimal.Zero, decimal.Zero
	}
	m := NewMonitor(cfg, positions, ratioFn)
	m.scan()

	alerts := m.Alerts()
	if len(alerts) != 1 || alerts[0].Severity != SeverityMedium {
		t.Fatalf("expected 1 medium alert, got %+v", alerts)
	}
}

func TestStressTestCountsLiquidations(t *testing.T) {
	positions := position.NewManager()
	p := positions.Get("alice", "BTC-USD")
	p.ApplyFill(true, d("10"), d("100"), 1)
	p.SetMark(d("100"))
	positions.AddMargin("alice", "BTC-USD", d("50"))
	positions.SwitchMode("alice", "BTC-USD", position.Isolated)

	cfg := Config{MarginCallRatio: 0.70, LiquidationRatio: 0.95, ADLRatio: 0.98}
	result := StressTest(positions.AllOpen(), margin.DefaultTiers, cfg, -0.30)

	if result.PositionsLiquidated == 0 {
		t.Fatalf("expected at least one projected liquidation under a 30%% drop, got %+v", result)
	}
}
