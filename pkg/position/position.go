// Package position implements C9. Position state follows the VWAP
// entry-price recompute and realize-on-reduce pattern the teacher's
// AccountManager.UpdatePosition applies over int64 ticks, generalized to
// decimal math and to explicit partial-close/flip handling.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects how margin is attributed to a position.
type Mode int

const (
	Cross Mode = iota
	Isolated
)

// Position is one user's open exposure to one symbol.
type Position struct {
	mu sync.Mutex

	UserID      string
	Symbol      string
	Long        bool
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	Margin      decimal.Decimal // isolated-mode reserved margin; unused in cross
	Leverage    int64
	Mode        Mode
	MarkPrice   decimal.Decimal
	RealizedPnl decimal.Decimal
	UpdatedAt   int64
}

// FillOutcome is returned by ApplyFill describing what happened to the
// position's size/direction and any PnL that was realized.
type FillOutcome struct {
	RealizedPnl decimal.Decimal
	Closed      bool
	Flipped     bool
}

func unrealized(entry, mark, size decimal.Decimal, long bool) decimal.Decimal {
	delta := mark.Sub(entry)
	if !long {
		delta = delta.Neg()
	}
	return delta.Mul(size)
}

// ApplyFill folds one matched fill into the position: same-direction fills
// VWAP-average the entry price; opposite-direction fills reduce, close, or
// flip the position, realizing PnL on the portion that nets out.
func (p *Position) ApplyFill(isBuy bool, qty, price decimal.Decimal, now int64) FillOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UpdatedAt = now

	if p.Size.IsZero() {
		p.Long = isBuy
		p.Size = qty
		p.EntryPrice = price
		return FillOutcome{}
	}

	if isBuy == p.Long {
		// Same direction: VWAP-average the entry price.
		totalNotional := p.EntryPrice.Mul(p.Size).Add(price.Mul(qty))
		p.Size = p.Size.Add(qty)
		p.EntryPrice = totalNotional.Div(p.Size)
		return FillOutcome{}
	}

	switch {
	case qty.LessThan(p.Size):
		realized := unrealized(p.EntryPrice, price, qty, p.Long)
		p.Size = p.Size.Sub(qty)
		p.RealizedPnl = p.RealizedPnl.Add(realized)
		return FillOutcome{RealizedPnl: realized}

	case qty.Equal(p.Size):
		realized := unrealized(p.EntryPrice, price, qty, p.Long)
		p.RealizedPnl = p.RealizedPnl.Add(realized)
		p.Size = decimal.Zero
		p.EntryPrice = decimal.Zero
		return FillOutcome{RealizedPnl: realized, Closed: true}

	default: // qty > p.Size: flips direction
		realized := unrealized(p.EntryPrice, price, p.Size, p.Long)
		p.RealizedPnl = p.RealizedPnl.Add(realized)
		remainder := qty.Sub(p.Size)
		p.Long = isBuy
		p.Size = remainder
		p.EntryPrice = price
		return FillOutcome{RealizedPnl: realized, Flipped: true}
	}
}

// SetMark updates the cached mark price used for unrealized PnL.
func (p *Position) SetMark(mark decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MarkPrice = mark
}

// UnrealizedPnl computes PnL at the currently cached mark price.
func (p *Position) UnrealizedPnl() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Size.IsZero() {
		return decimal.Zero
	}
	return unrealized(p.EntryPrice, p.MarkPrice, p.Size, p.Long)
}

// Notional is size*markPrice.
func (p *Position) Notional() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Size.Mul(p.MarkPrice)
}

// Snapshot copies the position's fields for safe external reads.
func (p *Position) Snapshot() Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Position{
		UserID: p.UserID, Symbol: p.Symbol, Long: p.Long, Size: p.Size,
		EntryPrice: p.EntryPrice, Margin: p.Margin, Leverage: p.Leverage,
		Mode: p.Mode, MarkPrice: p.MarkPrice, RealizedPnl: p.RealizedPnl,
		UpdatedAt: p.UpdatedAt,
	}
}

func (p *Position) addMargin(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Margin = p.Margin.Add(amount)
}

func (p *Position) removeMargin(amount decimal.Decimal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Margin.LessThan(amount) {
		return false
	}
	p.Margin = p.Margin.Sub(amount)
	return true
}

func (p *Position) setLeverage(lev int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Leverage = lev
}

func (p *Position) setMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Mode = m
}

func (p *Position) isFlat() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Size.IsZero()
}

// Manager owns every user's positions and refreshes mark prices on a
// background loop, mirroring the 1s mark-to-market cadence spec.md
// requires for unrealized PnL and liquidation checks.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]map[string]*Position // userID -> symbol -> position
}

func NewManager() *Manager {
	return &Manager{positions: make(map[string]map[string]*Position)}
}

// Get returns the existing position, or a freshly created flat one.
func (m *Manager) Get(userID, symbol string) *Position {
	m.mu.RLock()
	if byUser, ok := m.positions[userID]; ok {
		if p, ok := byUser[symbol]; ok {
			m.mu.RUnlock()
			return p
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.positions[userID]
	if !ok {
		byUser = make(map[string]*Position)
		m.positions[userID] = byUser
	}
	if p, ok := byUser[symbol]; ok {
		return p
	}
	p := &Position{UserID: userID, Symbol: symbol, Size: decimal.Zero, Leverage: 1}
	byUser[symbol] = p
	return p
}

// List returns all positions for a user.
func (m *Manager) List(userID string) []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byUser := m.positions[userID]
	out := make([]*Position, 0, len(byUser))
	for _, p := range byUser {
		out = append(out, p)
	}
	return out
}

// AllOpen returns every non-flat position across all users (used by the
// liquidation and risk monitors).
func (m *Manager) AllOpen() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Position
	for _, byUser := range m.positions {
		for _, p := range byUser {
			if !p.isFlat() {
				out = append(out, p)
			}
		}
	}
	return out
}

// AddMargin adds isolated margin to a position.
func (m *Manager) AddMargin(userID, symbol string, amount decimal.Decimal) {
	m.Get(userID, symbol).addMargin(amount)
}

// RemoveMargin withdraws isolated margin; fails if insufficient.
func (m *Manager) RemoveMargin(userID, symbol string, amount decimal.Decimal) bool {
	return m.Get(userID, symbol).removeMargin(amount)
}

// AdjustLeverage changes a position's configured leverage.
func (m *Manager) AdjustLeverage(userID, symbol string, leverage int64) {
	m.Get(userID, symbol).setLeverage(leverage)
}

// SwitchMode toggles cross/isolated margin attribution.
func (m *Manager) SwitchMode(userID, symbol string, mode Mode) {
	m.Get(userID, symbol).setMode(mode)
}

// RefreshMarks applies the latest mark price per symbol to every open
// position. priceFn returns (price, ok).
func (m *Manager) RefreshMarks(priceFn func(symbol string) (decimal.Decimal, bool)) {
	for _, p := range m.AllOpen() {
		if mark, ok := priceFn(p.Symbol); ok {
			p.SetMark(mark)
		}
	}
}

// RunMarkRefreshLoop refreshes marks on interval until ctx is cancelled.
func (m *Manager) RunMarkRefreshLoop(ctx context.Context, interval time.Duration, priceFn func(symbol string) (decimal.Decimal, bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshMarks(priceFn)
		}
	}
}
