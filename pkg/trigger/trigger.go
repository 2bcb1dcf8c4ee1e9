// Package trigger implements C7. A polling loop evaluates every resting
// trigger against the latest mark price each tick; triggers that share an
// OCO group cancel their siblings the moment one of them fires, and are
// evaluated in a fixed per-tick order so an earlier fire's cascade is
// visible to later specs in the same tick.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/orderbook"
)

// Kind classifies what condition a trigger watches for.
type Kind int

const (
	StopLoss Kind = iota
	TakeProfit
	TrailingStop
)

// Spec describes one resting conditional order.
type Spec struct {
	ID           string
	UserID       string
	Symbol       string
	Side         orderbook.Side // side of the order placed once triggered
	Kind         Kind
	TriggerPrice decimal.Decimal // StopLoss/TakeProfit activation price
	TrailDelta   decimal.Decimal // TrailingStop: distance kept from the favorable extreme
	Qty          decimal.Decimal
	OrderType    matching.OrderType
	LimitPrice   decimal.Decimal // used when OrderType == Limit
	OCOGroupID   string          // empty = not part of an OCO group
	Active       bool
}

type trailState struct {
	extreme decimal.Decimal
	seeded  bool
}

// FireResult is emitted once per trigger that fires, for notification/logging.
type FireResult struct {
	Spec          Spec
	PlaceResult   matching.PlaceResult
	CancelledOCO  []string
}

// Placer is the subset of *matching.Engine the monitor needs.
type Placer interface {
	Place(ctx context.Context, sym string, in matching.PlaceInput) (matching.PlaceResult, error)
}

// Monitor holds all resting trigger specs and evaluates them on a cadence.
type Monitor struct {
	mu       sync.Mutex
	specs    map[string]*Spec
	order    []string // insertion order, defines per-tick evaluation order
	trailing map[string]*trailState
	engine   Placer
	interval time.Duration

	onFire func(FireResult)
}

func NewMonitor(engine Placer, interval time.Duration, onFire func(FireResult)) *Monitor {
	return &Monitor{
		specs:    make(map[string]*Spec),
		trailing: make(map[string]*trailState),
		engine:   engine,
		interval: interval,
		onFire:   onFire,
	}
}

// Add registers a new trigger spec.
func (m *Monitor) Add(s Spec) {
	s.Active = true
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[s.ID] = &s
	m.order = append(m.order, s.ID)
	if s.Kind == TrailingStop {
		m.trailing[s.ID] = &trailState{}
	}
}

// Cancel deactivates a trigger spec. Returns false if unknown or inactive.
func (m *Monitor) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(id)
}

func (m *Monitor) cancelLocked(id string) bool {
	s, ok := m.specs[id]
	if !ok || !s.Active {
		return false
	}
	s.Active = false
	return true
}

// Run polls on interval until ctx is cancelled, firing orders against priceFn.
func (m *Monitor) Run(ctx context.Context, priceFn func(symbol string) (decimal.Decimal, bool)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, priceFn)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, priceFn func(symbol string) (decimal.Decimal, bool)) {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		m.evaluate(ctx, id, priceFn)
	}
}

func (m *Monitor) evaluate(ctx context.Context, id string, priceFn func(symbol string) (decimal.Decimal, bool)) {
	m.mu.Lock()
	spec, ok := m.specs[id]
	if !ok || !spec.Active {
		m.mu.Unlock()
		return
	}
	s := *spec
	m.mu.Unlock()

	price, ok := priceFn(s.Symbol)
	if !ok {
		return
	}

	fired := false
	switch s.Kind {
	case StopLoss:
		fired = stopLossFires(s, price)
	case TakeProfit:
		fired = takeProfitFires(s, price)
	case TrailingStop:
		fired = m.trailingFires(s, price)
	}
	if !fired {
		return
	}

	m.mu.Lock()
	if !m.cancelLocked(id) {
		m.mu.Unlock()
		return
	}
	var cascaded []string
	if s.OCOGroupID != "" {
		for _, otherID := range m.order {
			if otherID == id {
				continue
			}
			if other, ok := m.specs[otherID]; ok && other.Active && other.OCOGroupID == s.OCOGroupID {
				if m.cancelLocked(otherID) {
					cascaded = append(cascaded, otherID)
				}
			}
		}
	}
	m.mu.Unlock()

	orderType := s.OrderType
	limitPrice := s.LimitPrice
	res, err := m.engine.Place(ctx, s.Symbol, matching.PlaceInput{
		OrderID: fmt.Sprintf("trig-%s", s.ID),
		UserID:  s.UserID,
		Side:    s.Side,
		Type:    orderType,
		TIF:     matching.IOC,
		Price:   limitPrice,
		Qty:     s.Qty,
	})
	if err != nil {
		return
	}
	if m.onFire != nil {
		m.onFire(FireResult{Spec: s, PlaceResult: res, CancelledOCO: cascaded})
	}
}

func stopLossFires(s Spec, price decimal.Decimal) bool {
	if s.Side == orderbook.Sell {
		return price.LessThanOrEqual(s.TriggerPrice)
	}
	return price.GreaterThanOrEqual(s.TriggerPrice)
}

func takeProfitFires(s Spec, price decimal.Decimal) bool {
	if s.Side == orderbook.Sell {
		return price.GreaterThanOrEqual(s.TriggerPrice)
	}
	return price.LessThanOrEqual(s.TriggerPrice)
}

func (m *Monitor) trailingFires(s Spec, price decimal.Decimal) bool {
	m.mu.Lock()
	st, ok := m.trailing[s.ID]
	if !ok {
		st = &trailState{}
		m.trailing[s.ID] = st
	}
	if !st.seeded {
		st.extreme = price
		st.seeded = true
		m.mu.Unlock()
		return false
	}

	if s.Side == orderbook.Sell {
		// Protects a long: track the highest price seen, fire if price
		// drops TrailDelta below it.
		if price.GreaterThan(st.extreme) {
			st.extreme = price
		}
		trigger := st.extreme.Sub(s.TrailDelta)
		m.mu.Unlock()
		return price.LessThanOrEqual(trigger)
	}

	// Protects a short: track the lowest price seen, fire if price rises
	// TrailDelta above it.
	if price.LessThan(st.extreme) {
		st.extreme = price
	}
	trigger := st.extreme.Add(s.TrailDelta)
	m.mu.Unlock()
	return price.GreaterThanOrEqual(trigger)
}
