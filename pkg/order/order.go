// Package order implements C6, the order controller: validates incoming
// orders, reserves wallet margin, routes to the matching engine, applies
// fills to positions and wallets, and persists everything it touches.
// The validate -> reserve -> route -> apply pipeline, including
// compensating-undo of the margin reservation on downstream failure,
// generalizes the applyTx/processFill pipeline in the teacher's ABCI
// application layer to a non-consensus, directly-called controller.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/errs"
	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/orderbook"
	"github.com/vertexbook/engine/pkg/position"
	"github.com/vertexbook/engine/pkg/symbol"
	"github.com/vertexbook/engine/pkg/trigger"
	"github.com/vertexbook/engine/pkg/wallet"
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Order is the controller's durable record of a placed order.
type Order struct {
	ID           string
	UserID       string
	Symbol       string
	Side         orderbook.Side
	Type         matching.OrderType
	TIF          matching.TimeInForce
	PostOnly     bool
	Price        decimal.Decimal
	Qty          decimal.Decimal
	FilledQty    decimal.Decimal
	Status       Status
	LockedMargin decimal.Decimal
	Leverage     int64
	OCOGroupID   string
	RejectReason string
	CreatedAt    int64
	UpdatedAt    int64

	// TriggerSpecID is non-empty while this order is an armed-but-not-fired
	// stop/take-profit/trailing-stop conditional, equal to this order's own
	// ID. It is cleared once the underlying trigger.Spec fires.
	TriggerSpecID string
}

// Fill is one matched trade resulting from an order.
type Fill struct {
	ID        string
	OrderID   string
	UserID    string
	Symbol    string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Fee       decimal.Decimal
	IsMaker   bool
	Timestamp int64
}

// FeeDecorator computes the fee owed on a fill. The default implementation
// reads the symbol's flat maker/taker bps; §9 Open Question 4 leaves
// per-user discount schedules as an external decorator over this
// interface rather than a field on Symbol.
type FeeDecorator interface {
	Fee(sym *symbol.Symbol, notional decimal.Decimal, isMaker bool) decimal.Decimal
}

type flatFeeDecorator struct{}

func (flatFeeDecorator) Fee(sym *symbol.Symbol, notional decimal.Decimal, isMaker bool) decimal.Decimal {
	bps := sym.TakerFeeBps
	if isMaker {
		bps = sym.MakerFeeBps
	}
	return notional.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000))
}

// DefaultFeeDecorator returns the flat-bps fee schedule.
func DefaultFeeDecorator() FeeDecorator { return flatFeeDecorator{} }

// Store persists orders and fills. Implemented by pkg/storage.
type Store interface {
	SaveOrder(*Order) error
	SaveFill(*Fill) error
}

type noopStore struct{}

func (noopStore) SaveOrder(*Order) error { return nil }
func (noopStore) SaveFill(*Fill) error   { return nil }

// PlaceRequest is the caller-supplied order intent.
type PlaceRequest struct {
	UserID         string
	Symbol         string
	Side           orderbook.Side
	Type           matching.OrderType
	TIF            matching.TimeInForce
	PostOnly       bool
	Price          decimal.Decimal // ignored for Market
	Qty            decimal.Decimal
	Leverage       int64
	Hidden         bool
	OCOGroupID     string
	ReferencePrice decimal.Decimal // mark price, used to size margin for Market orders
}

// Controller is the composition point between symbols, the matching
// engine, positions, wallets, and persistence.
type Controller struct {
	registry  *symbol.Registry
	matching  *matching.Engine
	positions *position.Manager
	wallets   *wallet.Ledger
	fees      FeeDecorator
	store     Store
	triggers  *trigger.Monitor

	mu     sync.RWMutex
	orders map[string]*Order
	groups map[string][]string // OCO group id -> order ids
}

func NewController(reg *symbol.Registry, m *matching.Engine, positions *position.Manager, wallets *wallet.Ledger, fees FeeDecorator, store Store) *Controller {
	if fees == nil {
		fees = DefaultFeeDecorator()
	}
	if store == nil {
		store = noopStore{}
	}
	return &Controller{
		registry: reg, matching: m, positions: positions, wallets: wallets, fees: fees, store: store,
		orders: make(map[string]*Order),
		groups: make(map[string][]string),
	}
}

// SetTriggerMonitor wires C7 into the controller so Arm/ArmTrailing can
// register conditional orders and HandleTriggerFire can be driven by the
// monitor's fire callback. Must be called once during composition, before
// any Arm/ArmTrailing/Cancel call reaches a trigger-backed order.
func (c *Controller) SetTriggerMonitor(m *trigger.Monitor) {
	c.triggers = m
}

// Get returns a previously placed order by id.
func (c *Controller) Get(orderID string) (*Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderID]
	return o, ok
}

// ListByUser returns all orders placed by a user.
func (c *Controller) ListByUser(userID string) []*Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Order
	for _, o := range c.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out
}

// Place validates, reserves margin, and routes an order to matching.
func (c *Controller) Place(ctx context.Context, req PlaceRequest) (*Order, error) {
	sym, err := c.registry.Get(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, err)
	}
	if !sym.Enabled {
		return nil, fmt.Errorf("%w: symbol %s is halted", errs.ErrMarketHalted, req.Symbol)
	}

	estPrice := req.Price
	if req.Type == matching.Market {
		estPrice = req.ReferencePrice
	}
	if estPrice.IsZero() {
		return nil, fmt.Errorf("%w: no reference price available to size margin", errs.ErrValidation)
	}

	if req.Type == matching.Limit {
		if err := sym.ValidateOrder(req.Price, req.Qty); err != nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrValidation, err)
		}
	} else if req.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: quantity must be positive", errs.ErrValidation)
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	requiredMargin := sym.RequiredInitialMargin(estPrice, req.Qty, leverage)

	w := c.wallets.Get(req.UserID)
	if err := w.Lock(requiredMargin); err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrInsufficientFunds, err)
	}

	now := time.Now().UnixMilli()
	id := uuid.NewString()
	o := &Order{
		ID: id, UserID: req.UserID, Symbol: req.Symbol, Side: req.Side,
		Type: req.Type, TIF: req.TIF, PostOnly: req.PostOnly,
		Price: req.Price, Qty: req.Qty, Leverage: leverage,
		LockedMargin: requiredMargin, OCOGroupID: req.OCOGroupID,
		Status: StatusOpen, CreatedAt: now, UpdatedAt: now,
	}

	res, err := c.matching.Place(ctx, req.Symbol, matching.PlaceInput{
		OrderID: id, UserID: req.UserID, Side: req.Side, Type: req.Type, TIF: req.TIF,
		PostOnly: req.PostOnly, Price: req.Price, Qty: req.Qty, Hidden: req.Hidden,
	})
	if err != nil {
		// Compensating action: matching never accepted the order.
		w.Unlock(requiredMargin)
		return nil, err
	}
	if res.Rejected {
		w.Unlock(requiredMargin)
		o.Status = StatusRejected
		o.RejectReason = res.RejectReason
		c.record(o)
		kind := errs.ErrConflict
		if res.RejectReason == "symbol halted" {
			kind = errs.ErrMarketHalted
		}
		return o, fmt.Errorf("%w: %s", kind, res.RejectReason)
	}

	c.applyFills(o, sym, res.Fills, now)
	c.consumeSelfTradeCancelled(res.SelfTradeCancelled)

	o.RestedQty(res.RestedQty)
	if o.FilledQty.Equal(o.Qty) {
		o.Status = StatusFilled
	} else if o.FilledQty.GreaterThan(decimal.Zero) {
		o.Status = StatusPartial
	}
	if (req.TIF != matching.GTC || req.Type == matching.Market) && res.RestedQty.GreaterThan(decimal.Zero) {
		// IOC/FOK remainder, or a Market order's unfilled remainder, was
		// never rested: release its margin.
		unusedMargin := requiredMargin.Mul(res.RestedQty).Div(req.Qty)
		w.Unlock(unusedMargin)
		o.LockedMargin = o.LockedMargin.Sub(unusedMargin)
		if o.Status == StatusOpen {
			o.Status = StatusCancelled
		}
	}

	c.record(o)

	if req.OCOGroupID != "" {
		c.mu.Lock()
		c.groups[req.OCOGroupID] = append(c.groups[req.OCOGroupID], id)
		c.mu.Unlock()
	}

	return o, nil
}

// consumeSelfTradeCancelled releases margin and marks cancelled the resting
// maker orders the matching engine discarded as self-trade prevention.
func (c *Controller) consumeSelfTradeCancelled(ids []string) {
	for _, id := range ids {
		c.mu.RLock()
		o, ok := c.orders[id]
		c.mu.RUnlock()
		if !ok || (o.Status != StatusOpen && o.Status != StatusPartial) {
			continue
		}
		c.releaseAndCancel(o)
	}
}

// RestedQty records matching's unfilled remainder for the order by setting
// FilledQty to Qty minus qty.
func (o *Order) RestedQty(qty decimal.Decimal) {
	o.FilledQty = o.Qty.Sub(qty)
}

func (c *Controller) applyFills(o *Order, sym *symbol.Symbol, fills []orderbook.Fill, now int64) {
	for _, f := range fills {
		notional := f.Price.Mul(f.Qty)
		isMaker := f.MakerID == o.ID
		fee := c.fees.Fee(sym, notional, isMaker)

		userID := o.UserID
		if isMaker {
			// This fill matched our resting order against someone else's
			// taker; the controller still only tracks the side it placed.
		}

		outcome := c.positions.Get(userID, o.Symbol).ApplyFill(o.Side == orderbook.Buy, f.Qty, f.Price, now)
		w := c.wallets.Get(userID)
		if outcome.RealizedPnl.GreaterThan(decimal.Zero) {
			w.Credit(outcome.RealizedPnl)
		} else if outcome.RealizedPnl.LessThan(decimal.Zero) {
			w.Debit(outcome.RealizedPnl.Neg())
		}
		_ = w.Debit(fee)

		fill := &Fill{
			ID: uuid.NewString(), OrderID: o.ID, UserID: userID, Symbol: o.Symbol,
			Price: f.Price, Qty: f.Qty, Fee: fee, IsMaker: isMaker, Timestamp: now,
		}
		c.store.SaveFill(fill)
	}
}

func (c *Controller) record(o *Order) {
	c.mu.Lock()
	c.orders[o.ID] = o
	c.mu.Unlock()
	c.store.SaveOrder(o)
}

// Cancel cancels a resting order (or an armed-but-unfired trigger), releases
// its remaining locked margin, and cancels any OCO siblings.
func (c *Controller) Cancel(ctx context.Context, orderID string) error {
	c.mu.RLock()
	o, ok := c.orders[orderID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: order %s", errs.ErrNotFound, orderID)
	}

	if o.TriggerSpecID != "" {
		if c.triggers == nil || !c.triggers.Cancel(o.TriggerSpecID) {
			return fmt.Errorf("%w: order %s is not resting", errs.ErrConflict, orderID)
		}
	} else {
		ok2, err := c.matching.Cancel(ctx, o.Symbol, orderID)
		if err != nil {
			return err
		}
		if !ok2 {
			return fmt.Errorf("%w: order %s is not resting", errs.ErrConflict, orderID)
		}
	}

	c.releaseAndCancel(o)
	c.cascadeOCO(ctx, o)
	return nil
}

// releaseAndCancel unlocks an order's remaining margin and marks it
// cancelled. Shared by Cancel, consumeSelfTradeCancelled, and
// HandleTriggerFire's OCO-sibling handling.
func (c *Controller) releaseAndCancel(o *Order) {
	if o.LockedMargin.GreaterThan(decimal.Zero) {
		c.wallets.Get(o.UserID).Unlock(o.LockedMargin)
	}

	c.mu.Lock()
	o.Status = StatusCancelled
	o.LockedMargin = decimal.Zero
	o.UpdatedAt = time.Now().UnixMilli()
	c.mu.Unlock()
	c.store.SaveOrder(o)
}

func (c *Controller) cascadeOCO(ctx context.Context, o *Order) {
	if o.OCOGroupID == "" {
		return
	}
	c.mu.RLock()
	siblings := append([]string(nil), c.groups[o.OCOGroupID]...)
	c.mu.RUnlock()

	for _, sibID := range siblings {
		if sibID == o.ID {
			continue
		}
		c.mu.RLock()
		sib, ok := c.orders[sibID]
		c.mu.RUnlock()
		if !ok || sib.Status != StatusOpen && sib.Status != StatusPartial {
			continue
		}
		c.Cancel(ctx, sibID)
	}
}

// ArmRequest describes a stop-loss, take-profit, or stop-limit conditional
// order to register with C7.
type ArmRequest struct {
	UserID         string
	Symbol         string
	Side           orderbook.Side
	Kind           trigger.Kind
	TriggerPrice   decimal.Decimal
	OrderType      matching.OrderType
	LimitPrice     decimal.Decimal // used when OrderType == matching.Limit
	Qty            decimal.Decimal
	Leverage       int64
	OCOGroupID     string
	ReferencePrice decimal.Decimal // mark price, used to size margin up front
}

// ArmTrailingRequest describes a trailing-stop conditional order.
type ArmTrailingRequest struct {
	UserID         string
	Symbol         string
	Side           orderbook.Side
	TrailDelta     decimal.Decimal
	OrderType      matching.OrderType
	LimitPrice     decimal.Decimal
	Qty            decimal.Decimal
	Leverage       int64
	OCOGroupID     string
	ReferencePrice decimal.Decimal
}

// Arm validates and reserves margin for a stop-loss/take-profit conditional
// order, then registers it with the trigger monitor. The order rests as
// StatusOpen with no matching-engine presence until it fires.
func (c *Controller) Arm(ctx context.Context, req ArmRequest) (*Order, error) {
	if c.triggers == nil {
		return nil, fmt.Errorf("%w: trigger monitor not configured", errs.ErrConflict)
	}
	_, o, err := c.armCommon(req.UserID, req.Symbol, req.Side, req.OrderType, req.LimitPrice, req.Qty, req.Leverage, req.OCOGroupID, req.ReferencePrice)
	if err != nil {
		return nil, err
	}

	c.triggers.Add(trigger.Spec{
		ID: o.ID, UserID: req.UserID, Symbol: req.Symbol, Side: req.Side, Kind: req.Kind,
		TriggerPrice: req.TriggerPrice, Qty: req.Qty, OrderType: req.OrderType,
		LimitPrice: req.LimitPrice, OCOGroupID: req.OCOGroupID,
	})

	o.TriggerSpecID = o.ID
	c.record(o)
	if req.OCOGroupID != "" {
		c.mu.Lock()
		c.groups[req.OCOGroupID] = append(c.groups[req.OCOGroupID], o.ID)
		c.mu.Unlock()
	}
	return o, nil
}

// ArmTrailing validates and reserves margin for a trailing-stop conditional
// order, then registers it with the trigger monitor.
func (c *Controller) ArmTrailing(ctx context.Context, req ArmTrailingRequest) (*Order, error) {
	if c.triggers == nil {
		return nil, fmt.Errorf("%w: trigger monitor not configured", errs.ErrConflict)
	}
	_, o, err := c.armCommon(req.UserID, req.Symbol, req.Side, req.OrderType, req.LimitPrice, req.Qty, req.Leverage, req.OCOGroupID, req.ReferencePrice)
	if err != nil {
		return nil, err
	}

	c.triggers.Add(trigger.Spec{
		ID: o.ID, UserID: req.UserID, Symbol: req.Symbol, Side: req.Side, Kind: trigger.TrailingStop,
		TrailDelta: req.TrailDelta, Qty: req.Qty, OrderType: req.OrderType,
		LimitPrice: req.LimitPrice, OCOGroupID: req.OCOGroupID,
	})

	o.TriggerSpecID = o.ID
	c.record(o)
	if req.OCOGroupID != "" {
		c.mu.Lock()
		c.groups[req.OCOGroupID] = append(c.groups[req.OCOGroupID], o.ID)
		c.mu.Unlock()
	}
	return o, nil
}

// armCommon validates the conditional order's symbol/qty, reserves margin
// sized off the reference price, and creates the order record shared by
// Arm and ArmTrailing. The caller fills in TriggerSpecID and trigger.Spec.
func (c *Controller) armCommon(userID, symName string, side orderbook.Side, orderType matching.OrderType, limitPrice, qty decimal.Decimal, leverage int64, ocoGroupID string, refPrice decimal.Decimal) (*symbol.Symbol, *Order, error) {
	sym, err := c.registry.Get(symName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", errs.ErrNotFound, err)
	}
	if !sym.Enabled {
		return nil, nil, fmt.Errorf("%w: symbol %s is halted", errs.ErrMarketHalted, symName)
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, nil, fmt.Errorf("%w: quantity must be positive", errs.ErrValidation)
	}
	if refPrice.IsZero() {
		return nil, nil, fmt.Errorf("%w: no reference price available to size margin", errs.ErrValidation)
	}

	if leverage <= 0 {
		leverage = 1
	}
	requiredMargin := sym.RequiredInitialMargin(refPrice, qty, leverage)

	w := c.wallets.Get(userID)
	if err := w.Lock(requiredMargin); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", errs.ErrInsufficientFunds, err)
	}

	now := time.Now().UnixMilli()
	o := &Order{
		ID: uuid.NewString(), UserID: userID, Symbol: symName, Side: side,
		Type: orderType, TIF: matching.IOC, Price: limitPrice, Qty: qty,
		Leverage: leverage, LockedMargin: requiredMargin, OCOGroupID: ocoGroupID,
		Status: StatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	return sym, o, nil
}

// HandleTriggerFire applies a fired trigger's fills to the position and
// wallet it was armed against, the same way Place applies an immediate
// order's fills. Wired as the trigger monitor's onFire callback.
func (c *Controller) HandleTriggerFire(ctx context.Context, res trigger.FireResult) {
	c.mu.RLock()
	o, ok := c.orders[res.Spec.ID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	for _, cancelledID := range res.CancelledOCO {
		c.mu.RLock()
		sib, ok := c.orders[cancelledID]
		c.mu.RUnlock()
		if ok && (sib.Status == StatusOpen || sib.Status == StatusPartial) {
			c.releaseAndCancel(sib)
		}
	}

	sym, err := c.registry.Get(o.Symbol)
	if err != nil {
		return
	}

	if res.PlaceResult.Rejected {
		o.RejectReason = res.PlaceResult.RejectReason
		c.releaseAndCancel(o)
		c.mu.Lock()
		o.Status = StatusRejected
		c.mu.Unlock()
		c.store.SaveOrder(o)
		return
	}

	now := time.Now().UnixMilli()
	c.applyFills(o, sym, res.PlaceResult.Fills, now)
	c.consumeSelfTradeCancelled(res.PlaceResult.SelfTradeCancelled)

	o.RestedQty(res.PlaceResult.RestedQty)
	if o.FilledQty.Equal(o.Qty) {
		o.Status = StatusFilled
	} else if o.FilledQty.GreaterThan(decimal.Zero) {
		o.Status = StatusPartial
	}
	if res.PlaceResult.RestedQty.GreaterThan(decimal.Zero) {
		// Fired triggers are always placed IOC: any unrested remainder
		// releases its margin immediately.
		unusedMargin := o.LockedMargin.Mul(res.PlaceResult.RestedQty).Div(o.Qty)
		c.wallets.Get(o.UserID).Unlock(unusedMargin)
		o.LockedMargin = o.LockedMargin.Sub(unusedMargin)
		if o.Status == StatusOpen {
			o.Status = StatusCancelled
		}
	}

	c.mu.Lock()
	o.UpdatedAt = now
	c.mu.Unlock()
	c.record(o)

	if o.Status == StatusFilled {
		c.cascadeOCO(ctx, o)
	}
}

// Modify cancels and replaces an order at a new price/qty, adjusting
// locked margin for the difference.
func (c *Controller) Modify(ctx context.Context, orderID string, newPrice, newQty decimal.Decimal) (*Order, error) {
	c.mu.RLock()
	o, ok := c.orders[orderID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: order %s", errs.ErrNotFound, orderID)
	}

	sym, err := c.registry.Get(o.Symbol)
	if err != nil {
		return nil, err
	}
	if err := sym.ValidateOrder(newPrice, newQty); err != nil {
		return nil, err
	}

	newMargin := sym.RequiredInitialMargin(newPrice, newQty, o.Leverage)
	w := c.wallets.Get(o.UserID)

	if newMargin.GreaterThan(o.LockedMargin) {
		if err := w.Lock(newMargin.Sub(o.LockedMargin)); err != nil {
			return nil, err
		}
	}

	res, err := c.matching.Modify(ctx, o.Symbol, orderID, newPrice, newQty)
	if err != nil || res.Rejected {
		if newMargin.GreaterThan(o.LockedMargin) {
			w.Unlock(newMargin.Sub(o.LockedMargin))
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("modify rejected: %s", res.RejectReason)
	}

	if newMargin.LessThan(o.LockedMargin) {
		w.Unlock(o.LockedMargin.Sub(newMargin))
	}

	now := time.Now().UnixMilli()
	c.applyFills(o, sym, res.Fills, now)

	c.mu.Lock()
	o.Price = newPrice
	o.Qty = newQty
	o.LockedMargin = newMargin
	o.UpdatedAt = now
	c.mu.Unlock()
	c.store.SaveOrder(o)

	return o, nil
}
