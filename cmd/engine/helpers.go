package main

import (
	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/symbol"
)

// bookMidFn adapts the matching engine's per-symbol order book mid price
// into the aggregator's MarkRule-MID lookup function.
func bookMidFn(me *matching.Engine) func(sym string) (decimal.Decimal, bool) {
	return func(sym string) (decimal.Decimal, bool) {
		book, err := me.Book(sym)
		if err != nil {
			return decimal.Zero, false
		}
		mid := book.MidPrice()
		if mid.IsZero() {
			return decimal.Zero, false
		}
		return mid, true
	}
}

// distinctSources collects every upstream source referenced by any enabled
// symbol's EnabledSources ranking, without duplicates.
func distinctSources(symbols []*symbol.Symbol) []symbol.Source {
	seen := make(map[symbol.Source]bool)
	var out []symbol.Source
	for _, sym := range symbols {
		for _, src := range sym.EnabledSources {
			if !seen[src] {
				seen[src] = true
				out = append(out, src)
			}
		}
	}
	return out
}

// sourceSymbolMap builds the engine-symbol -> upstream-symbol map a feed
// adapter needs for one source, covering every enabled symbol that lists it.
func sourceSymbolMap(reg *symbol.Registry, symbols []*symbol.Symbol, src symbol.Source) map[string]string {
	out := make(map[string]string)
	for _, sym := range symbols {
		if upstream, ok := reg.Map(sym.Symbol, src); ok {
			out[sym.Symbol] = upstream
		}
	}
	return out
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
