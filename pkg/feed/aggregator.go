package feed

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/symbol"
)

// MarkRule selects how the aggregator derives its published mark price.
type MarkRule string

const (
	RuleLast MarkRule = "LAST"
	RuleMid  MarkRule = "MID"
	RuleVWAP MarkRule = "VWAP"
)

const ringCapacity = 64

type sourceObservation struct {
	price     decimal.Decimal
	timestamp int64
}

// symbolState tracks every source's latest tick for one symbol plus a
// rolling window of accepted prices for VWAP.
type symbolState struct {
	mu        sync.RWMutex
	bySource  map[symbol.Source]sourceObservation
	primary   symbol.Source
	lastPrice decimal.Decimal
	ring      []decimal.Decimal
	ringHead  int
	markPrice decimal.Decimal
	updatedAt int64
}

func newSymbolState() *symbolState {
	return &symbolState{bySource: make(map[symbol.Source]sourceObservation)}
}

func (s *symbolState) pushRing(price decimal.Decimal) {
	if len(s.ring) < ringCapacity {
		s.ring = append(s.ring, price)
		return
	}
	s.ring[s.ringHead] = price
	s.ringHead = (s.ringHead + 1) % ringCapacity
}

// vwap returns the plain mean of the ring's prices (up to the last 64
// accepted ticks). Tick volumes are not recorded, so every price carries
// equal weight.
func (s *symbolState) vwap() decimal.Decimal {
	if len(s.ring) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, p := range s.ring {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(s.ring))))
}

// Aggregator reconciles ticks from every registered Adapter into a single
// mark price per symbol, per spec.md's primary-source-with-failover design.
type Aggregator struct {
	registry         *symbol.Registry
	outlierThreshold decimal.Decimal
	staleAfter       time.Duration
	markRule         MarkRule
	bookMidFn        func(sym string) (decimal.Decimal, bool)

	onFailover func(sym string, from, to symbol.Source)

	mu     sync.RWMutex
	states map[string]*symbolState

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

func NewAggregator(reg *symbol.Registry, outlierThreshold float64, staleAfter time.Duration, rule MarkRule, bookMidFn func(sym string) (decimal.Decimal, bool)) *Aggregator {
	return &Aggregator{
		registry:         reg,
		outlierThreshold: decimal.NewFromFloat(outlierThreshold),
		staleAfter:       staleAfter,
		markRule:         rule,
		bookMidFn:        bookMidFn,
		states:           make(map[string]*symbolState),
		dirty:            make(map[string]bool),
	}
}

// SetFailoverHook registers a callback invoked whenever a symbol's primary
// source changes away from a previously-valid primary (not on initial
// selection, when there was no primary to fail over from).
func (a *Aggregator) SetFailoverHook(fn func(sym string, from, to symbol.Source)) {
	a.onFailover = fn
}

func (a *Aggregator) stateFor(sym string) *symbolState {
	a.mu.RLock()
	s, ok := a.states[sym]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[sym]; ok {
		return s
	}
	s = newSymbolState()
	a.states[sym] = s
	return s
}

func (a *Aggregator) markDirty(sym string) {
	a.dirtyMu.Lock()
	a.dirty[sym] = true
	a.dirtyMu.Unlock()
}

// Ingest processes one raw tick: validates it, filters price outliers
// relative to the last accepted price, records the observation, and
// recomputes both the primary source and published mark price for that
// symbol. Accepted ticks are marked dirty for the next throttled publish.
func (a *Aggregator) Ingest(t Tick) (accepted bool) {
	if err := t.Validate(); err != nil {
		return false
	}

	s := a.stateFor(t.Symbol)

	s.mu.Lock()
	if !s.lastPrice.IsZero() {
		delta := t.Last.Sub(s.lastPrice).Abs()
		ratio := delta.Div(s.lastPrice)
		if ratio.GreaterThan(a.outlierThreshold) {
			s.mu.Unlock()
			return false
		}
	}

	s.bySource[t.Source] = sourceObservation{price: t.Last, timestamp: t.Timestamp}
	s.pushRing(t.Last)

	prevPrimary := s.primary
	a.selectPrimaryLocked(t.Symbol, s, t.Timestamp)
	a.recomputeMarkLocked(t.Symbol, s)
	newPrimary := s.primary
	s.mu.Unlock()

	a.markDirty(t.Symbol)
	a.notifyFailover(t.Symbol, prevPrimary, newPrimary)
	return true
}

func (a *Aggregator) notifyFailover(sym string, prev, next symbol.Source) {
	if prev != "" && next != "" && prev != next && a.onFailover != nil {
		a.onFailover(sym, prev, next)
	}
}

// selectPrimaryLocked picks the highest-ranked source whose last
// observation is still fresh. If no ranked source is fresh, the previous
// primary (if any) is kept rather than falling back to whichever source
// happens to have the globally freshest timestamp. Callers hold s.mu.
func (a *Aggregator) selectPrimaryLocked(sym string, s *symbolState, now int64) {
	def, err := a.registry.Get(sym)
	var ranked []symbol.Source
	if err == nil {
		ranked = def.EnabledSources
	}

	for _, src := range ranked {
		obs, ok := s.bySource[src]
		if !ok {
			continue
		}
		if now-obs.timestamp > a.staleAfter.Milliseconds() {
			continue
		}
		s.primary = src
		s.lastPrice = obs.price
		s.updatedAt = now
		return
	}
}

// Quality reports how fresh the current primary's last observation is, as
// a 0..1 score that decays linearly over staleAfter. Exposed for
// admin/monitoring visibility into the failover decision.
func (a *Aggregator) Quality(sym string) (float64, bool) {
	a.mu.RLock()
	s, ok := a.states[sym]
	a.mu.RUnlock()
	if !ok {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.primary == "" {
		return 0, false
	}
	obs, ok := s.bySource[s.primary]
	if !ok {
		return 0, false
	}
	age := time.Now().UnixMilli() - obs.timestamp
	q := 1 - float64(age)/float64(a.staleAfter.Milliseconds())
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return q, true
}

func (a *Aggregator) recomputeMarkLocked(sym string, s *symbolState) {
	switch a.markRule {
	case RuleMid:
		if a.bookMidFn != nil {
			if mid, ok := a.bookMidFn(sym); ok && !mid.IsZero() {
				s.markPrice = mid
				return
			}
		}
		s.markPrice = s.lastPrice
	case RuleVWAP:
		s.markPrice = s.vwap()
	default: // RuleLast
		s.markPrice = s.lastPrice
	}
}

// MarkPrice returns the currently published mark price for a symbol.
func (a *Aggregator) MarkPrice(sym string) (decimal.Decimal, bool) {
	a.mu.RLock()
	s, ok := a.states[sym]
	a.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.markPrice.IsZero() {
		return decimal.Zero, false
	}
	return s.markPrice, true
}

// PrimarySource reports which upstream source currently backs a symbol's
// price, for admin/monitoring visibility into failover state.
func (a *Aggregator) PrimarySource(sym string) (symbol.Source, bool) {
	a.mu.RLock()
	s, ok := a.states[sym]
	a.mu.RUnlock()
	if !ok {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary, s.primary != ""
}

// RunHealthLoop periodically re-evaluates primary source selection for
// every tracked symbol, so a source going stale triggers failover even
// without a fresh competing tick arriving. This is also where step 6's
// quality-threshold failover happens in practice: a stale primary simply
// loses to the next fresh ranked source on the next re-evaluation.
func (a *Aggregator) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reevaluateAll()
		}
	}
}

func (a *Aggregator) reevaluateAll() {
	a.mu.RLock()
	syms := make([]string, 0, len(a.states))
	for sym := range a.states {
		syms = append(syms, sym)
	}
	a.mu.RUnlock()

	now := time.Now().UnixMilli()
	for _, sym := range syms {
		s := a.stateFor(sym)
		s.mu.Lock()
		prevPrimary := s.primary
		a.selectPrimaryLocked(sym, s, now)
		a.recomputeMarkLocked(sym, s)
		newPrimary := s.primary
		s.mu.Unlock()
		a.notifyFailover(sym, prevPrimary, newPrimary)
	}
}

// RunPublishLoop flushes symbols touched since the last tick at most once
// per interval, per spec step 5's "accumulate and flush on a throttled
// tick" batching — replacing a synchronous publish on every raw tick.
func (a *Aggregator) RunPublishLoop(ctx context.Context, interval time.Duration, publish func(sym string, mark decimal.Decimal)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.dirtyMu.Lock()
			batch := a.dirty
			a.dirty = make(map[string]bool)
			a.dirtyMu.Unlock()

			for sym := range batch {
				if mark, ok := a.MarkPrice(sym); ok {
					publish(sym, mark)
				}
			}
		}
	}
}
