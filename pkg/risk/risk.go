// Package risk implements C11: periodic aggregation of margin health
// across all open positions, surfaced as graded alerts, plus a pure
// stress-test function for hypothetical price shocks.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/margin"
	"github.com/vertexbook/engine/pkg/position"
)

// Severity grades how urgently an alert needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one graded margin-health observation.
type Alert struct {
	UserID    string
	Symbol    string
	Severity  Severity
	Ratio     float64
	Timestamp int64
}

// RatioFn computes a position's current margin ratio; injected so the
// risk monitor shares exactly the liquidation engine's equity/maintenance
// calculus instead of duplicating it.
type RatioFn func(p *position.Position) (ratio float64, equity, maintenance decimal.Decimal)

// Config carries the monitor's grading thresholds and cadence.
type Config struct {
	MarginCallRatio  float64
	LiquidationRatio float64
	ADLRatio         float64
	MonitorInterval  time.Duration
}

// Monitor periodically grades every open position's margin health.
type Monitor struct {
	cfg       Config
	positions *position.Manager
	ratioFn   RatioFn

	mu     sync.Mutex
	alerts []Alert
}

func NewMonitor(cfg Config, positions *position.Manager, ratioFn RatioFn) *Monitor {
	return &Monitor{cfg: cfg, positions: positions, ratioFn: ratioFn}
}

// Run grades every open position on cfg.MonitorInterval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

func (m *Monitor) scan() {
	now := time.Now().UnixMilli()
	for _, p := range m.positions.AllOpen() {
		ratio, _, _ := m.ratioFn(p)
		sev, ok := m.grade(ratio)
		if !ok {
			continue
		}
		snap := p.Snapshot()
		m.record(Alert{UserID: snap.UserID, Symbol: snap.Symbol, Severity: sev, Ratio: ratio, Timestamp: now})
	}
}

func (m *Monitor) grade(ratio float64) (Severity, bool) {
	switch {
	case ratio >= m.cfg.ADLRatio:
		return SeverityCritical, true
	case ratio >= m.cfg.LiquidationRatio:
		return SeverityHigh, true
	case ratio >= m.cfg.MarginCallRatio:
		return SeverityMedium, true
	case ratio >= m.cfg.MarginCallRatio*0.8:
		return SeverityLow, true
	default:
		return "", false
	}
}

func (m *Monitor) record(a Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > 10000 {
		m.alerts = m.alerts[len(m.alerts)-10000:]
	}
}

// Alerts returns every alert recorded so far (admin/reporting use).
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// StressResult summarizes the projected fallout of a hypothetical
// across-the-board price shock.
type StressResult struct {
	ShockPct             float64
	PositionsAtRisk      int
	PositionsLiquidated  int
	ProjectedDeficit     decimal.Decimal
}

// StressTest re-prices every open position by shockPct (e.g. -0.20 for a
// 20% drop) and reports how many would cross into margin call or
// liquidation territory, without mutating any state.
func StressTest(positions []*position.Position, tiers []margin.Tier, cfg Config, shockPct float64) StressResult {
	shock := decimal.NewFromFloat(1 + shockPct)
	result := StressResult{ShockPct: shockPct}

	for _, p := range positions {
		snap := p.Snapshot()
		if snap.Size.IsZero() {
			continue
		}
		shockedMark := snap.MarkPrice.Mul(shock)
		upnl := margin.UnrealizedPnl(snap.EntryPrice, shockedMark, snap.Size, snap.Long)
		notional := snap.Size.Mul(shockedMark)
		maintenance := margin.MaintenanceMargin(tiers, notional)

		var equity decimal.Decimal
		if snap.Mode == position.Isolated {
			equity = margin.Equity(snap.Margin, upnl)
		} else {
			equity = upnl // cross-mode wallet balance isn't visible here; approximate with PnL delta
		}

		ratioDec := margin.MarginRatio(maintenance, equity)
		ratio, _ := ratioDec.Float64()

		if ratio >= cfg.MarginCallRatio {
			result.PositionsAtRisk++
		}
		if ratio >= cfg.LiquidationRatio {
			result.PositionsLiquidated++
			if equity.LessThan(decimal.Zero) {
				result.ProjectedDeficit = result.ProjectedDeficit.Add(equity.Neg())
			}
		}
	}

	return result
}
