package orderbook

import "github.com/shopspring/decimal"

// MaxPriceHeap tracks bid prices with the highest price on top.
type MaxPriceHeap []decimal.Decimal

func (h MaxPriceHeap) Len() int            { return len(h) }
func (h MaxPriceHeap) Less(i, j int) bool  { return h[i].GreaterThan(h[j]) }
func (h MaxPriceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }

func (h *MaxPriceHeap) Push(x any) {
	*h = append(*h, x.(decimal.Decimal))
}

func (h *MaxPriceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it.
func (h MaxPriceHeap) Peek() (decimal.Decimal, bool) {
	if len(h) == 0 {
		return decimal.Zero, false
	}
	return h[0], true
}

// MinPriceHeap tracks ask prices with the lowest price on top.
type MinPriceHeap []decimal.Decimal

func (h MinPriceHeap) Len() int            { return len(h) }
func (h MinPriceHeap) Less(i, j int) bool  { return h[i].LessThan(h[j]) }
func (h MinPriceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }

func (h *MinPriceHeap) Push(x any) {
	*h = append(*h, x.(decimal.Decimal))
}

func (h *MinPriceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it.
func (h MinPriceHeap) Peek() (decimal.Decimal, bool) {
	if len(h) == 0 {
		return decimal.Zero, false
	}
	return h[0], true
}
