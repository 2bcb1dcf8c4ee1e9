// Package orderbook implements C4, a per-symbol price-time priority book.
package orderbook

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Side identifies which side of the book an order rests on.
type Side int

const (
	Buy Side = iota
	Sell
)

// Order is a resting book entry. Qty is mutated in place as it is matched.
type Order struct {
	ID        string
	UserID    string
	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Hidden    bool // excluded from public Depth() snapshots
	AddedAt   int64
}

// Fill describes one match produced by Add.
type Fill struct {
	TakerID string
	MakerID string
	Price   decimal.Decimal
	Qty     decimal.Decimal
}

// PriceLevel is an aggregated view of resting qty at one price.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Statistics is a point-in-time snapshot of book shape.
type Statistics struct {
	BidLevels   int
	AskLevels   int
	BidDepth    decimal.Decimal
	AskDepth    decimal.Decimal
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	Spread      decimal.Decimal
	LastPrice   decimal.Decimal
}

type level struct {
	price  decimal.Decimal
	orders []*Order
}

// OrderBook is a single symbol's two-sided resting order book. It owns no
// goroutine itself: the matching engine (pkg/matching) serializes access
// to a book through a per-symbol worker.
type OrderBook struct {
	mu sync.RWMutex

	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	bids map[string]*level // price key -> level
	asks map[string]*level

	orderSide  map[string]Side
	orderPrice map[string]string // order id -> price key

	lastPrice decimal.Decimal
}

func New() *OrderBook {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &OrderBook{
		bidHeap:    bidHeap,
		askHeap:    askHeap,
		bids:       make(map[string]*level),
		asks:       make(map[string]*level),
		orderSide:  make(map[string]Side),
		orderPrice: make(map[string]string),
		lastPrice:  decimal.Zero,
	}
}

func priceKey(p decimal.Decimal) string {
	return p.String()
}

func minQty(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// BestBid returns the highest resting bid price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bidHeap.Peek()
}

// BestAsk returns the lowest resting ask price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.askHeap.Peek()
}

// LastPrice returns the most recent fill price, or zero if none yet.
func (ob *OrderBook) LastPrice() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}

func (ob *OrderBook) addBid(o *Order) {
	key := priceKey(o.Price)
	lvl, ok := ob.bids[key]
	if !ok {
		lvl = &level{price: o.Price}
		ob.bids[key] = lvl
		heap.Push(ob.bidHeap, o.Price)
	}
	lvl.orders = append(lvl.orders, o)
	ob.orderSide[o.ID] = Buy
	ob.orderPrice[o.ID] = key
}

func (ob *OrderBook) addAsk(o *Order) {
	key := priceKey(o.Price)
	lvl, ok := ob.asks[key]
	if !ok {
		lvl = &level{price: o.Price}
		ob.asks[key] = lvl
		heap.Push(ob.askHeap, o.Price)
	}
	lvl.orders = append(lvl.orders, o)
	ob.orderSide[o.ID] = Sell
	ob.orderPrice[o.ID] = key
}

func (ob *OrderBook) removeBidHeapEntry(p decimal.Decimal) {
	for i := 0; i < ob.bidHeap.Len(); i++ {
		if (*ob.bidHeap)[i].Equal(p) {
			heap.Remove(ob.bidHeap, i)
			return
		}
	}
}

func (ob *OrderBook) removeAskHeapEntry(p decimal.Decimal) {
	for i := 0; i < ob.askHeap.Len(); i++ {
		if (*ob.askHeap)[i].Equal(p) {
			heap.Remove(ob.askHeap, i)
			return
		}
	}
}

// Add inserts a resting order and performs matching against the opposite
// side. Only an unmatched remainder is added to the book, and only when
// rest is true (callers resolve MARKET/IOC/FOK semantics before deciding
// whether to rest the remainder). When the incoming order and a resting
// maker share a UserID, self-trade prevention cancels the resting maker
// (cancel-resting policy) instead of matching against it, and its id is
// returned in selfTradeCancelled for the caller to notify/record.
func (ob *OrderBook) Add(o *Order, rest bool) (fills []Fill, selfTradeCancelled []string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if o.Side == Buy {
		for o.Qty.GreaterThan(decimal.Zero) {
			askP, ok := ob.askHeap.Peek()
			if !ok || askP.GreaterThan(o.Price) {
				break
			}
			lvl := ob.asks[priceKey(askP)]
			if lvl == nil || len(lvl.orders) == 0 {
				delete(ob.asks, priceKey(askP))
				ob.removeAskHeapEntry(askP)
				continue
			}
			maker := lvl.orders[0]

			if maker.UserID != "" && maker.UserID == o.UserID {
				lvl.orders = lvl.orders[1:]
				delete(ob.orderSide, maker.ID)
				delete(ob.orderPrice, maker.ID)
				if len(lvl.orders) == 0 {
					delete(ob.asks, priceKey(askP))
					ob.removeAskHeapEntry(askP)
				}
				selfTradeCancelled = append(selfTradeCancelled, maker.ID)
				continue
			}

			match := minQty(o.Qty, maker.Qty)
			o.Qty = o.Qty.Sub(match)
			maker.Qty = maker.Qty.Sub(match)
			fills = append(fills, Fill{TakerID: o.ID, MakerID: maker.ID, Price: askP, Qty: match})
			ob.lastPrice = askP
			if maker.Qty.IsZero() {
				lvl.orders = lvl.orders[1:]
				delete(ob.orderSide, maker.ID)
				delete(ob.orderPrice, maker.ID)
				if len(lvl.orders) == 0 {
					delete(ob.asks, priceKey(askP))
					ob.removeAskHeapEntry(askP)
				}
			}
		}
		if o.Qty.GreaterThan(decimal.Zero) && rest {
			cp := *o
			ob.addBid(&cp)
		}
	} else {
		for o.Qty.GreaterThan(decimal.Zero) {
			bidP, ok := ob.bidHeap.Peek()
			if !ok || bidP.LessThan(o.Price) {
				break
			}
			lvl := ob.bids[priceKey(bidP)]
			if lvl == nil || len(lvl.orders) == 0 {
				delete(ob.bids, priceKey(bidP))
				ob.removeBidHeapEntry(bidP)
				continue
			}
			maker := lvl.orders[0]

			if maker.UserID != "" && maker.UserID == o.UserID {
				lvl.orders = lvl.orders[1:]
				delete(ob.orderSide, maker.ID)
				delete(ob.orderPrice, maker.ID)
				if len(lvl.orders) == 0 {
					delete(ob.bids, priceKey(bidP))
					ob.removeBidHeapEntry(bidP)
				}
				selfTradeCancelled = append(selfTradeCancelled, maker.ID)
				continue
			}

			match := minQty(o.Qty, maker.Qty)
			o.Qty = o.Qty.Sub(match)
			maker.Qty = maker.Qty.Sub(match)
			fills = append(fills, Fill{TakerID: o.ID, MakerID: maker.ID, Price: bidP, Qty: match})
			ob.lastPrice = bidP
			if maker.Qty.IsZero() {
				lvl.orders = lvl.orders[1:]
				delete(ob.orderSide, maker.ID)
				delete(ob.orderPrice, maker.ID)
				if len(lvl.orders) == 0 {
					delete(ob.bids, priceKey(bidP))
					ob.removeBidHeapEntry(bidP)
				}
			}
		}
		if o.Qty.GreaterThan(decimal.Zero) && rest {
			cp := *o
			ob.addAsk(&cp)
		}
	}

	return fills, selfTradeCancelled
}

// Remove cancels a resting order by id. Returns false if not found.
func (ob *OrderBook) Remove(id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.removeLocked(id)
}

func (ob *OrderBook) removeLocked(id string) bool {
	side, ok := ob.orderSide[id]
	if !ok {
		return false
	}
	key := ob.orderPrice[id]

	book := ob.bids
	if side == Sell {
		book = ob.asks
	}

	lvl, ok := book[key]
	if !ok {
		return false
	}
	for i, o := range lvl.orders {
		if o.ID == id {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			delete(ob.orderSide, id)
			delete(ob.orderPrice, id)
			if len(lvl.orders) == 0 {
				delete(book, key)
				if side == Buy {
					ob.removeBidHeapEntry(lvl.price)
				} else {
					ob.removeAskHeapEntry(lvl.price)
				}
			}
			return true
		}
	}
	return false
}

// Modify cancels and re-inserts an order at a new price/qty, losing
// time priority (equivalent to cancel + place, as venues require).
func (ob *OrderBook) Modify(id string, newPrice, newQty decimal.Decimal) ([]Fill, bool) {
	ob.mu.Lock()
	side, ok := ob.orderSide[id]
	if !ok {
		ob.mu.Unlock()
		return nil, false
	}
	var userID string
	key := ob.orderPrice[id]
	book := ob.bids
	if side == Sell {
		book = ob.asks
	}
	if lvl, ok := book[key]; ok {
		for _, o := range lvl.orders {
			if o.ID == id {
				userID = o.UserID
			}
		}
	}
	ob.removeLocked(id)
	ob.mu.Unlock()

	fills, _ := ob.Add(&Order{ID: id, UserID: userID, Side: side, Price: newPrice, Qty: newQty}, true)
	return fills, true
}

// Clear empties the book entirely (used when a symbol is halted/delisted).
func (ob *OrderBook) Clear() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.bidHeap = &MaxPriceHeap{}
	ob.askHeap = &MinPriceHeap{}
	ob.bids = make(map[string]*level)
	ob.asks = make(map[string]*level)
	ob.orderSide = make(map[string]Side)
	ob.orderPrice = make(map[string]string)
}

// Depth returns the top N levels per side, excluding hidden orders'
// quantity from the aggregated totals: a hidden order contributes nothing
// to this view, and a level holding only hidden orders is omitted.
func (ob *OrderBook) Depth(levels int) (bids, asks []PriceLevel) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids = aggregate(ob.bids, true)
	asks = aggregate(ob.asks, false)

	if levels > 0 {
		if len(bids) > levels {
			bids = bids[:levels]
		}
		if len(asks) > levels {
			asks = asks[:levels]
		}
	}
	return bids, asks
}

func aggregate(book map[string]*level, descending bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(book))
	for _, lvl := range book {
		total := decimal.Zero
		for _, o := range lvl.orders {
			if o.Hidden {
				continue
			}
			total = total.Add(o.Qty)
		}
		if total.IsZero() {
			continue
		}
		out = append(out, PriceLevel{Price: lvl.price, Qty: total})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// CanFill reports whether a hypothetical order of side/price/qty could be
// fully matched against the current book (price-bounded), without
// mutating state. Used by fill-or-kill evaluation.
func (ob *OrderBook) CanFill(side Side, price, qty decimal.Decimal) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	remaining := qty
	if side == Buy {
		for _, lvl := range aggregate(ob.asks, false) {
			if remaining.LessThanOrEqual(decimal.Zero) {
				break
			}
			if lvl.Price.GreaterThan(price) {
				break
			}
			remaining = remaining.Sub(minQty(remaining, lvl.Qty))
		}
	} else {
		for _, lvl := range aggregate(ob.bids, true) {
			if remaining.LessThanOrEqual(decimal.Zero) {
				break
			}
			if lvl.Price.LessThan(price) {
				break
			}
			remaining = remaining.Sub(minQty(remaining, lvl.Qty))
		}
	}
	return remaining.LessThanOrEqual(decimal.Zero)
}

// WouldCross reports whether a limit order at price/side would immediately
// match the opposite side's best price. Used to reject post-only orders.
func (ob *OrderBook) WouldCross(side Side, price decimal.Decimal) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if side == Buy {
		askP, ok := ob.askHeap.Peek()
		return ok && askP.LessThanOrEqual(price)
	}
	bidP, ok := ob.bidHeap.Peek()
	return ok && bidP.GreaterThanOrEqual(price)
}

// CancelAllForUser removes every resting order belonging to userID and
// returns their ids.
func (ob *OrderBook) CancelAllForUser(userID string) []string {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var cancelled []string
	collect := func(book map[string]*level, side Side) {
		for key, lvl := range book {
			remaining := lvl.orders[:0]
			for _, o := range lvl.orders {
				if o.UserID == userID {
					cancelled = append(cancelled, o.ID)
					delete(ob.orderSide, o.ID)
					delete(ob.orderPrice, o.ID)
					continue
				}
				remaining = append(remaining, o)
			}
			lvl.orders = remaining
			if len(lvl.orders) == 0 {
				delete(book, key)
				if side == Buy {
					ob.removeBidHeapEntry(lvl.price)
				} else {
					ob.removeAskHeapEntry(lvl.price)
				}
			}
		}
	}
	collect(ob.bids, Buy)
	collect(ob.asks, Sell)
	return cancelled
}

// GetBidLevels returns all bid levels best-first.
func (ob *OrderBook) GetBidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return aggregate(ob.bids, true)
}

// GetAskLevels returns all ask levels best-first.
func (ob *OrderBook) GetAskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return aggregate(ob.asks, false)
}

// MidPrice returns (bestBid+bestAsk)/2, or zero if the book is one-sided.
func (ob *OrderBook) MidPrice() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bidP, okB := ob.bidHeap.Peek()
	askP, okA := ob.askHeap.Peek()
	if !okB || !okA {
		return decimal.Zero
	}
	return bidP.Add(askP).Div(decimal.NewFromInt(2))
}

// Statistics summarizes current book shape for admin/monitoring surfaces.
func (ob *OrderBook) Statistics() Statistics {
	bids, asks := ob.Depth(0)
	st := Statistics{BidLevels: len(bids), AskLevels: len(asks), LastPrice: ob.LastPrice()}
	for _, l := range bids {
		st.BidDepth = st.BidDepth.Add(l.Qty)
	}
	for _, l := range asks {
		st.AskDepth = st.AskDepth.Add(l.Qty)
	}
	if bp, ok := ob.BestBid(); ok {
		st.BestBid = bp
	}
	if ap, ok := ob.BestAsk(); ok {
		st.BestAsk = ap
	}
	if !st.BestBid.IsZero() && !st.BestAsk.IsZero() {
		st.Spread = st.BestAsk.Sub(st.BestBid)
	}
	return st
}

// SimulateMarketImpact walks the book as a market order of qty would,
// without mutating state, returning the volume-weighted average fill
// price, the worst (last-touched) price level, the number of price levels
// consumed, and the quantity left unfilled (venue had insufficient depth).
func (ob *OrderBook) SimulateMarketImpact(side Side, qty decimal.Decimal) (avgPrice, worstPrice, unfilled decimal.Decimal, consumedLevels int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	remaining := qty
	notional := decimal.Zero

	var levels []PriceLevel
	if side == Buy {
		levels = aggregate(ob.asks, false)
	} else {
		levels = aggregate(ob.bids, true)
	}

	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := minQty(remaining, lvl.Qty)
		notional = notional.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		worstPrice = lvl.Price
		consumedLevels++
	}

	filled := qty.Sub(remaining)
	if filled.IsZero() {
		return decimal.Zero, decimal.Zero, remaining, consumedLevels
	}
	return notional.Div(filled), worstPrice, remaining, consumedLevels
}
