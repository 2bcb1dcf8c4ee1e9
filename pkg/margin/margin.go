// Package margin implements C8: pure-function margin and liquidation
// price calculus. Formulas generalize the flat maintenance-margin-bps
// check in the teacher's AccountManager.CheckMarginRequirement/
// CheckLiquidation into a tiered leverage schedule over decimal math.
package margin

import "github.com/shopspring/decimal"

// RiskLevel buckets an account/position's margin health.
type RiskLevel int

const (
	Safe RiskLevel = iota
	Warning
	Danger
	Critical
	LiquidationLevel
)

func (l RiskLevel) String() string {
	switch l {
	case Safe:
		return "SAFE"
	case Warning:
		return "WARNING"
	case Danger:
		return "DANGER"
	case Critical:
		return "CRITICAL"
	case LiquidationLevel:
		return "LIQUIDATION"
	default:
		return "UNKNOWN"
	}
}

// Tier is one band of a leverage-tiered maintenance margin schedule
// (higher notional -> lower max leverage, higher maintenance rate).
type Tier struct {
	MaxNotional        decimal.Decimal // upper bound of notional covered by this tier (0 = unbounded)
	MaxLeverage        int64
	MaintenanceRate    decimal.Decimal // fraction of notional
	MaintenanceDeduction decimal.Decimal // flat subtraction in the maintenance margin formula
}

// DefaultTiers is a representative BTC/ETH-class leverage-tier schedule.
var DefaultTiers = []Tier{
	{MaxNotional: decimal.RequireFromString("50000"), MaxLeverage: 100, MaintenanceRate: decimal.RequireFromString("0.004"), MaintenanceDeduction: decimal.Zero},
	{MaxNotional: decimal.RequireFromString("250000"), MaxLeverage: 75, MaintenanceRate: decimal.RequireFromString("0.005"), MaintenanceDeduction: decimal.RequireFromString("50")},
	{MaxNotional: decimal.RequireFromString("1000000"), MaxLeverage: 50, MaintenanceRate: decimal.RequireFromString("0.01"), MaintenanceDeduction: decimal.RequireFromString("1300")},
	{MaxNotional: decimal.RequireFromString("5000000"), MaxLeverage: 20, MaintenanceRate: decimal.RequireFromString("0.025"), MaintenanceDeduction: decimal.RequireFromString("16300")},
	{MaxNotional: decimal.Zero, MaxLeverage: 10, MaintenanceRate: decimal.RequireFromString("0.05"), MaintenanceDeduction: decimal.RequireFromString("141300")},
}

// TierFor returns the tier that applies to the given notional.
func TierFor(tiers []Tier, notional decimal.Decimal) Tier {
	for _, t := range tiers {
		if t.MaxNotional.IsZero() || notional.LessThanOrEqual(t.MaxNotional) {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// InitialMargin is notional/leverage.
func InitialMargin(notional decimal.Decimal, leverage int64) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	return notional.Div(decimal.NewFromInt(leverage))
}

// MaintenanceMargin applies the tiered schedule: notional*rate - deduction,
// floored at zero.
func MaintenanceMargin(tiers []Tier, notional decimal.Decimal) decimal.Decimal {
	t := TierFor(tiers, notional)
	mm := notional.Mul(t.MaintenanceRate).Sub(t.MaintenanceDeduction)
	if mm.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return mm
}

// UnrealizedPnl for a long position is (markPrice-entryPrice)*size; for a
// short it is the negation. isLong selects the sign.
func UnrealizedPnl(entryPrice, markPrice, size decimal.Decimal, isLong bool) decimal.Decimal {
	delta := markPrice.Sub(entryPrice)
	if !isLong {
		delta = delta.Neg()
	}
	return delta.Mul(size)
}

// Equity is wallet balance plus unrealized PnL across a user's positions.
func Equity(balance, unrealizedPnl decimal.Decimal) decimal.Decimal {
	return balance.Add(unrealizedPnl)
}

// MarginRatio is maintenanceMargin/equity. A ratio >= 1 means insolvent.
// Equity <= 0 is treated as a ratio of positive infinity (immediate
// liquidation), represented here as a very large decimal.
func MarginRatio(maintenanceMargin, equity decimal.Decimal) decimal.Decimal {
	if equity.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1 << 30)
	}
	return maintenanceMargin.Div(equity)
}

// dangerRatio and criticalRatio are fixed absolute margin-ratio bands,
// independent of the configured marginCallRatio/liquidationRatio: Danger
// starts at 0.75, Critical at 0.85, regardless of where margin call and
// liquidation are configured.
const (
	dangerRatio   = 0.75
	criticalRatio = 0.85
)

// Level buckets a margin ratio against the configured thresholds. Safe and
// Warning's boundary tracks the configurable marginCallRatio, and
// Liquidation's boundary tracks liquidationRatio; Danger and Critical sit
// at fixed absolute bands in between.
func Level(ratio, marginCallRatio, liquidationRatio float64) RiskLevel {
	switch {
	case ratio >= liquidationRatio:
		return LiquidationLevel
	case ratio >= criticalRatio:
		return Critical
	case ratio >= dangerRatio:
		return Danger
	case ratio >= marginCallRatio:
		return Warning
	default:
		return Safe
	}
}

// LiquidationPrice solves for the mark price at which equity equals
// maintenance margin, holding size and a fixed maintenance rate constant,
// plus the liquidation fee buffer charged on the closing trade.
// For a long: liqPrice = entryPrice - (margin - maintenanceMargin)/size + entryPrice*liquidationFeeRate
// For a short: liqPrice = entryPrice + (margin - maintenanceMargin)/size - entryPrice*liquidationFeeRate
func LiquidationPrice(entryPrice, margin, maintenanceMargin, size decimal.Decimal, isLong bool, liquidationFeeRate decimal.Decimal) decimal.Decimal {
	if size.IsZero() {
		return decimal.Zero
	}
	cushion := margin.Sub(maintenanceMargin).Div(size)
	feeBuffer := entryPrice.Mul(liquidationFeeRate)
	if isLong {
		return entryPrice.Sub(cushion).Add(feeBuffer)
	}
	return entryPrice.Add(cushion).Sub(feeBuffer)
}

// BankruptcyPrice is the mark price at which equity hits exactly zero
// (margin fully exhausted, no cushion left for maintenance margin).
func BankruptcyPrice(entryPrice, margin, size decimal.Decimal, isLong bool) decimal.Decimal {
	if size.IsZero() {
		return decimal.Zero
	}
	cushion := margin.Div(size)
	if isLong {
		return entryPrice.Sub(cushion)
	}
	return entryPrice.Add(cushion)
}
