// Package liquidation implements C10. The Monitor loop watches every open
// position's margin ratio; the Processor loop, bounded by an errgroup
// semaphore the way the teacher bounds concurrent validator work, drives
// the actual ladder of order cancellation and forced reduction.
package liquidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vertexbook/engine/pkg/margin"
	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/orderbook"
	"github.com/vertexbook/engine/pkg/position"
	"github.com/vertexbook/engine/pkg/wallet"
)

// Ladder bands, independent of the configurable monitor/ADL thresholds:
// they govern how aggressively the processor reduces a flagged position.
const (
	bandCancelOnly = 0.80
	bandReduce25   = 0.80
	bandReduce50   = 0.85
	bandReduce100  = 0.90
)

// Event records one liquidation action for audit/history (C10, §6 schema).
type Event struct {
	UserID     string
	Symbol     string
	Ratio      float64
	Action     string // "cancel_orders", "reduce_25", "reduce_50", "reduce_100"
	ReducedQty decimal.Decimal
	Fee        decimal.Decimal
	Timestamp  int64
}

// Fund is the insurance fund that absorbs liquidation deficits and
// collects liquidation fees.
type Fund struct {
	mu      sync.Mutex
	Balance decimal.Decimal
}

func NewFund() *Fund { return &Fund{} }

func (f *Fund) Credit(amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balance = f.Balance.Add(amount)
}

// Debit withdraws from the fund, going negative (a deficit) if the fund
// can't cover the full amount.
func (f *Fund) Debit(amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balance = f.Balance.Sub(amount)
}

func (f *Fund) Snapshot() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Balance
}

// CancelAller cancels a user's resting orders for a symbol, returning the
// cancelled order ids. Implemented by *matching.Engine.
type CancelAller interface {
	CancelAll(ctx context.Context, sym, userID string) ([]string, error)
	Place(ctx context.Context, sym string, in matching.PlaceInput) (matching.PlaceResult, error)
}

// Config carries the thresholds and cadences Engine runs under.
type Config struct {
	MarginCallRatio           float64
	LiquidationRatio          float64
	LiquidationFeeRate        decimal.Decimal
	MonitorInterval           time.Duration
	ProcessorInterval         time.Duration
	MaxConcurrentLiquidations int
}

// Engine drives the liquidation ladder over every open position.
type Engine struct {
	cfg       Config
	positions *position.Manager
	wallets   *wallet.Ledger
	matching  CancelAller
	tiers     []margin.Tier
	fund      *Fund

	mu     sync.Mutex
	events []Event
	queued map[string]bool // userID|symbol dedup key, cleared after processing
}

func NewEngine(cfg Config, positions *position.Manager, wallets *wallet.Ledger, m CancelAller, tiers []margin.Tier, fund *Fund) *Engine {
	return &Engine{
		cfg: cfg, positions: positions, wallets: wallets, matching: m, tiers: tiers, fund: fund,
		queued: make(map[string]bool),
	}
}

func key(userID, symbol string) string { return userID + "|" + symbol }

// Ratio returns a position's current margin ratio using its own isolated
// margin (or the user's wallet balance in cross mode) as equity.
func (e *Engine) Ratio(p *position.Position) (ratio float64, equity, maintenance decimal.Decimal) {
	snap := p.Snapshot()
	if snap.Size.IsZero() {
		return 0, decimal.Zero, decimal.Zero
	}

	upnl := p.UnrealizedPnl()
	notional := p.Notional()
	maintenance = margin.MaintenanceMargin(e.tiers, notional)

	if snap.Mode == position.Isolated {
		equity = margin.Equity(snap.Margin, upnl)
	} else {
		w := e.wallets.Get(snap.UserID)
		equity = margin.Equity(w.Total(), upnl)
	}

	r := margin.MarginRatio(maintenance, equity)
	f, _ := r.Float64()
	return f, equity, maintenance
}

// RunMonitor watches every open position each tick and enqueues those at
// or above the liquidation band for the processor.
func (e *Engine) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scan()
		}
	}
}

func (e *Engine) scan() {
	for _, p := range e.positions.AllOpen() {
		ratio, _, _ := e.Ratio(p)
		if ratio >= bandCancelOnly {
			e.mu.Lock()
			e.queued[key(p.UserID, p.Symbol)] = true
			e.mu.Unlock()
		}
	}
}

// RunProcessor drains the queue each tick, processing up to
// MaxConcurrentLiquidations positions concurrently.
func (e *Engine) RunProcessor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ProcessorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	e.mu.Lock()
	keys := make([]string, 0, len(e.queued))
	for k := range e.queued {
		keys = append(keys, k)
	}
	e.queued = make(map[string]bool)
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentLiquidations)

	for _, k := range keys {
		k := k
		g.Go(func() error {
			e.processOne(gctx, k)
			return nil
		})
	}
	_ = g.Wait()
}

func splitKey(k string) (userID, symbol string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

func (e *Engine) processOne(ctx context.Context, k string) {
	userID, symbol := splitKey(k)
	p := e.positions.Get(userID, symbol)
	snap := p.Snapshot()
	if snap.Size.IsZero() {
		return
	}

	ratio, _, _ := e.Ratio(p)
	if ratio < bandCancelOnly {
		return
	}

	e.matching.CancelAll(ctx, symbol, userID)

	var fraction decimal.Decimal
	var action string
	switch {
	case ratio >= bandReduce100:
		fraction, action = decimal.NewFromInt(1), "reduce_100"
	case ratio >= bandReduce50:
		fraction, action = decimal.RequireFromString("0.5"), "reduce_50"
	case ratio >= bandReduce25:
		fraction, action = decimal.RequireFromString("0.25"), "reduce_25"
	default:
		e.record(Event{UserID: userID, Symbol: symbol, Ratio: ratio, Action: "cancel_orders"})
		return
	}

	reduceQty := snap.Size.Mul(fraction)
	side := orderbook.Sell
	if !snap.Long {
		side = orderbook.Buy
	}

	res, err := e.matching.Place(ctx, symbol, matching.PlaceInput{
		OrderID: fmt.Sprintf("liq-%s-%s-%d", userID, symbol, snap.UpdatedAt),
		UserID:  userID,
		Side:    side,
		Type:    matching.Market,
		TIF:     matching.IOC,
		Qty:     reduceQty,
	})
	if err != nil || res.Rejected {
		return
	}

	fee := decimal.Zero
	for _, fill := range res.Fills {
		outcome := p.ApplyFill(side == orderbook.Buy, fill.Qty, fill.Price, snap.UpdatedAt)
		w := e.wallets.Get(userID)
		if outcome.RealizedPnl.GreaterThan(decimal.Zero) {
			w.Credit(outcome.RealizedPnl)
		} else if outcome.RealizedPnl.LessThan(decimal.Zero) {
			loss := outcome.RealizedPnl.Neg()
			if err := w.Debit(loss); err != nil {
				// Wallet couldn't absorb the full loss: take what is available
				// and let the insurance fund cover the remaining deficit.
				available, _ := w.Snapshot()
				if available.GreaterThan(decimal.Zero) && w.Debit(available) == nil {
					loss = loss.Sub(available)
				}
				e.fund.Debit(loss)
			}
		}
		notionalFee := fill.Price.Mul(fill.Qty).Mul(e.cfg.LiquidationFeeRate)
		fee = fee.Add(notionalFee)
	}
	if fee.GreaterThan(decimal.Zero) {
		w := e.wallets.Get(userID)
		if err := w.Debit(fee); err == nil {
			e.fund.Credit(fee)
		}
	}

	if snap.Mode == position.Isolated && snap.Margin.GreaterThan(decimal.Zero) {
		releaseMargin := snap.Margin.Mul(fraction)
		if e.positions.RemoveMargin(userID, symbol, releaseMargin) {
			e.wallets.Get(userID).Unlock(releaseMargin)
		}
	}

	e.record(Event{UserID: userID, Symbol: symbol, Ratio: ratio, Action: action, ReducedQty: reduceQty, Fee: fee, Timestamp: snap.UpdatedAt})
}

func (e *Engine) record(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// Events returns the liquidation history recorded so far.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// InsuranceFund exposes the backing fund for reporting.
func (e *Engine) InsuranceFund() *Fund { return e.fund }
