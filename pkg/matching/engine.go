// Package matching implements C5. Each symbol is owned by exactly one
// worker goroutine; every book mutation for that symbol is serialized
// through its request channel, generalizing the per-bucket FIFO worker
// pattern the teacher uses for mempool admission.
package matching

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/orderbook"
	"github.com/vertexbook/engine/pkg/symbol"
)

// OrderType distinguishes market from limit orders.
type OrderType int

const (
	Limit OrderType = iota
	Market
)

// TimeInForce governs what happens to an unfilled remainder.
type TimeInForce int

const (
	GTC TimeInForce = iota
	IOC
	FOK
)

// PlaceInput is the caller-supplied description of an order to match.
type PlaceInput struct {
	OrderID  string
	UserID   string
	Side     orderbook.Side
	Type     OrderType
	TIF      TimeInForce
	PostOnly bool
	Price    decimal.Decimal // ignored for Market
	Qty      decimal.Decimal
	Hidden   bool
}

// PlaceResult is returned once a symbol's worker has processed the order.
type PlaceResult struct {
	OrderID            string
	Fills              []orderbook.Fill
	RestedQty          decimal.Decimal
	Rejected           bool
	RejectReason       string
	SelfTradeCancelled []string
}

type placeRequest struct {
	input PlaceInput
	reply chan PlaceResult
}

type cancelRequest struct {
	orderID string
	reply   chan bool
}

type cancelAllRequest struct {
	userID string
	reply  chan []string
}

type modifyRequest struct {
	orderID  string
	newPrice decimal.Decimal
	newQty   decimal.Decimal
	reply    chan PlaceResult
}

type pauseRequest struct {
	paused bool
	reply  chan struct{}
}

type depthRequest struct {
	levels int
	reply  chan depthReply
}

type depthReply struct {
	bids []orderbook.PriceLevel
	asks []orderbook.PriceLevel
}

// worker owns one symbol's book and processes requests one at a time.
type worker struct {
	sym    *symbol.Symbol
	book   *orderbook.OrderBook
	reqCh  chan any
	paused bool
}

func newWorker(sym *symbol.Symbol) *worker {
	return &worker{
		sym:   sym,
		book:  orderbook.New(),
		reqCh: make(chan any, 1024),
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.reqCh:
			w.handle(req)
		}
	}
}

func (w *worker) handle(req any) {
	switch r := req.(type) {
	case placeRequest:
		r.reply <- w.place(r.input)
	case cancelRequest:
		r.reply <- w.book.Remove(r.orderID)
	case cancelAllRequest:
		r.reply <- w.book.CancelAllForUser(r.userID)
	case modifyRequest:
		fills, ok := w.book.Modify(r.orderID, r.newPrice, r.newQty)
		if !ok {
			r.reply <- PlaceResult{OrderID: r.orderID, Rejected: true, RejectReason: "order not found"}
			return
		}
		r.reply <- PlaceResult{OrderID: r.orderID, Fills: fills}
	case pauseRequest:
		w.paused = r.paused
		r.reply <- struct{}{}
	case depthRequest:
		bids, asks := w.book.Depth(r.levels)
		r.reply <- depthReply{bids: bids, asks: asks}
	}
}

func (w *worker) place(in PlaceInput) PlaceResult {
	if w.paused {
		return PlaceResult{OrderID: in.OrderID, Rejected: true, RejectReason: "symbol halted"}
	}

	price := in.Price
	rest := in.TIF == GTC

	if in.Type == Market {
		rest = false
		if in.Side == orderbook.Buy {
			price = decimal.NewFromInt(1 << 62)
		} else {
			price = decimal.Zero
		}
	} else {
		if err := w.sym.ValidateOrder(price, in.Qty); err != nil {
			return PlaceResult{OrderID: in.OrderID, Rejected: true, RejectReason: err.Error()}
		}
		if in.PostOnly && w.book.WouldCross(in.Side, price) {
			return PlaceResult{OrderID: in.OrderID, Rejected: true, RejectReason: "post-only order would cross the book"}
		}
		if in.TIF == FOK && !w.book.CanFill(in.Side, price, in.Qty) {
			return PlaceResult{OrderID: in.OrderID, Rejected: true, RejectReason: "fill-or-kill: insufficient liquidity"}
		}
	}

	o := &orderbook.Order{
		ID:     in.OrderID,
		UserID: in.UserID,
		Side:   in.Side,
		Price:  price,
		Qty:    in.Qty,
		Hidden: in.Hidden,
	}

	fills, stp := w.book.Add(o, rest)

	if in.Type == Market && o.Qty.Equal(in.Qty) {
		// Nothing matched: a market order never rests, so zero fill means
		// the book had no liquidity at all for this side.
		return PlaceResult{OrderID: in.OrderID, Rejected: true, RejectReason: "rejected_no_liquidity", SelfTradeCancelled: stp}
	}

	return PlaceResult{
		OrderID:            in.OrderID,
		Fills:              fills,
		RestedQty:          o.Qty,
		SelfTradeCancelled: stp,
	}
}

// Engine owns one worker per registered symbol.
type Engine struct {
	mu      sync.RWMutex
	workers map[string]*worker
	cancel  context.CancelFunc
	ctx     context.Context
}

func NewEngine() *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register starts a worker goroutine for sym. Safe to call once per symbol.
func (e *Engine) Register(sym *symbol.Symbol) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workers[sym.Symbol]; ok {
		return
	}
	w := newWorker(sym)
	e.workers[sym.Symbol] = w
	go w.run(e.ctx)
}

// Shutdown stops all worker goroutines.
func (e *Engine) Shutdown() {
	e.cancel()
}

func (e *Engine) workerFor(sym string) (*worker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[sym]
	if !ok {
		return nil, fmt.Errorf("symbol %s not registered with matching engine", sym)
	}
	return w, nil
}

// Book exposes the raw order book for read-only admin/monitoring access.
func (e *Engine) Book(sym string) (*orderbook.OrderBook, error) {
	w, err := e.workerFor(sym)
	if err != nil {
		return nil, err
	}
	return w.book, nil
}

// Place enqueues an order for matching and blocks until the owning worker
// has processed it or ctx is cancelled.
func (e *Engine) Place(ctx context.Context, sym string, in PlaceInput) (PlaceResult, error) {
	w, err := e.workerFor(sym)
	if err != nil {
		return PlaceResult{}, err
	}

	reply := make(chan PlaceResult, 1)
	select {
	case w.reqCh <- placeRequest{input: in, reply: reply}:
	case <-ctx.Done():
		return PlaceResult{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return PlaceResult{}, ctx.Err()
	}
}

// Cancel removes a resting order by id.
func (e *Engine) Cancel(ctx context.Context, sym, orderID string) (bool, error) {
	w, err := e.workerFor(sym)
	if err != nil {
		return false, err
	}
	reply := make(chan bool, 1)
	select {
	case w.reqCh <- cancelRequest{orderID: orderID, reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// CancelAll removes every resting order for userID on sym.
func (e *Engine) CancelAll(ctx context.Context, sym, userID string) ([]string, error) {
	w, err := e.workerFor(sym)
	if err != nil {
		return nil, err
	}
	reply := make(chan []string, 1)
	select {
	case w.reqCh <- cancelAllRequest{userID: userID, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Modify cancels and re-inserts an order at a new price/qty.
func (e *Engine) Modify(ctx context.Context, sym, orderID string, newPrice, newQty decimal.Decimal) (PlaceResult, error) {
	w, err := e.workerFor(sym)
	if err != nil {
		return PlaceResult{}, err
	}
	reply := make(chan PlaceResult, 1)
	select {
	case w.reqCh <- modifyRequest{orderID: orderID, newPrice: newPrice, newQty: newQty, reply: reply}:
	case <-ctx.Done():
		return PlaceResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return PlaceResult{}, ctx.Err()
	}
}

// Pause halts/resumes matching on a symbol (admin action, e.g. on circuit
// breaker or delisting).
func (e *Engine) Pause(ctx context.Context, sym string, paused bool) error {
	w, err := e.workerFor(sym)
	if err != nil {
		return err
	}
	reply := make(chan struct{}, 1)
	select {
	case w.reqCh <- pauseRequest{paused: paused, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the top N book levels for a symbol.
func (e *Engine) Depth(ctx context.Context, sym string, levels int) ([]orderbook.PriceLevel, []orderbook.PriceLevel, error) {
	w, err := e.workerFor(sym)
	if err != nil {
		return nil, nil, err
	}
	reply := make(chan depthReply, 1)
	select {
	case w.reqCh <- depthRequest{levels: levels, reply: reply}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.bids, res.asks, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
