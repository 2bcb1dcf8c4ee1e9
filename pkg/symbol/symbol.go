// Package symbol implements C1, the canonical set of tradable pairs.
package symbol

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Source identifies an upstream price source by name (e.g. "binance").
type Source string

// Symbol is the canonical, mostly-immutable definition of a tradable pair.
// Only Enabled and Rank may change after registration.
type Symbol struct {
	Symbol          string
	Base            string
	Quote           string
	TickSize        decimal.Decimal
	StepSize        decimal.Decimal
	MinNotional     decimal.Decimal
	EnabledSources  []Source
	Rank            int
	Enabled         bool

	// Perp-specific trading limits, validated by the order controller (C6).
	MaxLeverage int64
	MinOrderQty decimal.Decimal
	MaxOrderQty decimal.Decimal
	MaxPosition decimal.Decimal

	// Fee table, §9 Open Question 4: flat per-market maker/taker, per-user
	// discounts are an external decorator (see pkg/order.FeeDecorator).
	MakerFeeBps int64
	TakerFeeBps int64
}

// Validate checks the static invariants of a Symbol definition.
func (s *Symbol) Validate() error {
	if s.Symbol == "" || s.Base == "" || s.Quote == "" {
		return fmt.Errorf("symbol/base/quote must be non-empty")
	}
	if s.TickSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("symbol %s: tick size must be positive", s.Symbol)
	}
	if s.StepSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("symbol %s: step size must be positive", s.Symbol)
	}
	if s.MinNotional.LessThan(decimal.Zero) {
		return fmt.Errorf("symbol %s: min notional cannot be negative", s.Symbol)
	}
	if s.MaxLeverage <= 0 {
		return fmt.Errorf("symbol %s: max leverage must be positive", s.Symbol)
	}
	return nil
}

// RoundPrice snaps a price down to the nearest tick.
func (s *Symbol) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Div(s.TickSize).Floor().Mul(s.TickSize)
}

// RoundQty snaps a quantity down to the nearest step.
func (s *Symbol) RoundQty(qty decimal.Decimal) decimal.Decimal {
	return qty.Div(s.StepSize).Floor().Mul(s.StepSize)
}

// ValidateOrder checks price/qty against tick/step/notional/order-size
// constraints. Mirrors market.ValidateOrder in the teacher.
func (s *Symbol) ValidateOrder(price, qty decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be positive")
	}
	if !price.IsZero() {
		if !price.Mod(s.TickSize).IsZero() {
			return fmt.Errorf("price %s is not a multiple of tick size %s", price, s.TickSize)
		}
	}
	if !qty.Mod(s.StepSize).IsZero() {
		return fmt.Errorf("quantity %s is not a multiple of step size %s", qty, s.StepSize)
	}
	if qty.LessThan(s.MinOrderQty) {
		return fmt.Errorf("quantity %s below minimum order size %s", qty, s.MinOrderQty)
	}
	if !s.MaxOrderQty.IsZero() && qty.GreaterThan(s.MaxOrderQty) {
		return fmt.Errorf("quantity %s exceeds maximum order size %s", qty, s.MaxOrderQty)
	}
	if !price.IsZero() {
		notional := price.Mul(qty)
		if notional.LessThan(s.MinNotional) {
			return fmt.Errorf("notional %s below minimum notional %s", notional, s.MinNotional)
		}
	}
	return nil
}

// RequiredInitialMargin returns notional/leverage for the given leverage.
func (s *Symbol) RequiredInitialMargin(price, qty decimal.Decimal, leverage int64) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	notional := price.Mul(qty)
	return notional.Div(decimal.NewFromInt(leverage))
}
