package api

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/order"
	"github.com/vertexbook/engine/pkg/orderbook"
	"github.com/vertexbook/engine/pkg/trigger"
)

func parseSide(s string) (orderbook.Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return orderbook.Buy, nil
	case "sell":
		return orderbook.Sell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

func parseOrderType(s string) (matching.OrderType, error) {
	switch strings.ToLower(s) {
	case "limit", "":
		return matching.Limit, nil
	case "market":
		return matching.Market, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", s)
	}
}

// classifyOrderType maps the wire order-type string onto C7's trigger
// kinds for the stop/take-profit family, or reports it as an immediate
// limit/market order routed straight to matching. "oco" is handled by the
// caller before classifyOrderType is reached for either of its legs.
func classifyOrderType(s string) (kind trigger.Kind, isTrigger, isTrailing bool, err error) {
	switch strings.ToLower(s) {
	case "", "limit", "market":
		return 0, false, false, nil
	case "stop", "stop_limit":
		return trigger.StopLoss, true, false, nil
	case "take_profit":
		return trigger.TakeProfit, true, false, nil
	case "trailing_stop":
		return 0, false, true, nil
	default:
		return 0, false, false, fmt.Errorf("unknown order type %q", s)
	}
}

// triggerExecutionType is the matching-engine order type placed once a
// conditional order fires: stop_limit rests at LimitPrice, everything else
// in the stop/take-profit/trailing family fires as a market order.
func triggerExecutionType(s string) matching.OrderType {
	if strings.ToLower(s) == "stop_limit" {
		return matching.Limit
	}
	return matching.Market
}

func parseTIF(s string) (matching.TimeInForce, error) {
	switch strings.ToLower(s) {
	case "gtc", "":
		return matching.GTC, nil
	case "ioc":
		return matching.IOC, nil
	case "fok":
		return matching.FOK, nil
	default:
		return 0, fmt.Errorf("unknown time-in-force %q", s)
	}
}

func toPlaceRequest(req PlaceOrderRequest) (order.PlaceRequest, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return order.PlaceRequest{}, err
	}
	orderType, err := parseOrderType(req.Type)
	if err != nil {
		return order.PlaceRequest{}, err
	}
	tif, err := parseTIF(req.TIF)
	if err != nil {
		return order.PlaceRequest{}, err
	}

	price := decimal.Zero
	if req.Price != "" {
		price, err = decimal.NewFromString(req.Price)
		if err != nil {
			return order.PlaceRequest{}, fmt.Errorf("invalid price: %w", err)
		}
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		return order.PlaceRequest{}, fmt.Errorf("invalid qty: %w", err)
	}
	refPrice := decimal.Zero
	if req.ReferencePrice != "" {
		if refPrice, err = decimal.NewFromString(req.ReferencePrice); err != nil {
			return order.PlaceRequest{}, fmt.Errorf("invalid referencePrice: %w", err)
		}
	}

	return order.PlaceRequest{
		UserID: req.UserID, Symbol: req.Symbol, Side: side,
		Type: orderType, TIF: tif, PostOnly: req.PostOnly,
		Price: price, Qty: qty, Leverage: req.Leverage,
		Hidden: req.Hidden, OCOGroupID: req.OCOGroupID,
		ReferencePrice: refPrice,
	}, nil
}

func toArmRequest(req PlaceOrderRequest, kind trigger.Kind) (order.ArmRequest, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return order.ArmRequest{}, err
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		return order.ArmRequest{}, fmt.Errorf("invalid qty: %w", err)
	}
	triggerPrice, err := decimal.NewFromString(req.TriggerPrice)
	if err != nil {
		return order.ArmRequest{}, fmt.Errorf("invalid triggerPrice: %w", err)
	}
	limitPrice := decimal.Zero
	if req.Price != "" {
		if limitPrice, err = decimal.NewFromString(req.Price); err != nil {
			return order.ArmRequest{}, fmt.Errorf("invalid price: %w", err)
		}
	}
	refPrice := triggerPrice
	if req.ReferencePrice != "" {
		if rp, err := decimal.NewFromString(req.ReferencePrice); err == nil {
			refPrice = rp
		}
	}
	return order.ArmRequest{
		UserID: req.UserID, Symbol: req.Symbol, Side: side, Kind: kind,
		TriggerPrice: triggerPrice, OrderType: triggerExecutionType(req.Type),
		LimitPrice: limitPrice, Qty: qty, Leverage: req.Leverage,
		OCOGroupID: req.OCOGroupID, ReferencePrice: refPrice,
	}, nil
}

func toArmTrailingRequest(req PlaceOrderRequest) (order.ArmTrailingRequest, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return order.ArmTrailingRequest{}, err
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		return order.ArmTrailingRequest{}, fmt.Errorf("invalid qty: %w", err)
	}
	trail, err := decimal.NewFromString(req.TrailDelta)
	if err != nil {
		return order.ArmTrailingRequest{}, fmt.Errorf("invalid trailDelta: %w", err)
	}
	limitPrice := decimal.Zero
	if req.Price != "" {
		if limitPrice, err = decimal.NewFromString(req.Price); err != nil {
			return order.ArmTrailingRequest{}, fmt.Errorf("invalid price: %w", err)
		}
	}
	refPrice := decimal.Zero
	if req.ReferencePrice != "" {
		refPrice, _ = decimal.NewFromString(req.ReferencePrice)
	}
	return order.ArmTrailingRequest{
		UserID: req.UserID, Symbol: req.Symbol, Side: side, TrailDelta: trail,
		OrderType: triggerExecutionType(req.Type), LimitPrice: limitPrice,
		Qty: qty, Leverage: req.Leverage, OCOGroupID: req.OCOGroupID, ReferencePrice: refPrice,
	}, nil
}

func sideDTO(s orderbook.Side) string {
	if s == orderbook.Buy {
		return "buy"
	}
	return "sell"
}

func orderResponse(o *order.Order) OrderResponse {
	return OrderResponse{
		ID: o.ID, UserID: o.UserID, Symbol: o.Symbol, Side: sideDTO(o.Side),
		Status: string(o.Status), Price: o.Price.String(), Qty: o.Qty.String(),
		FilledQty: o.FilledQty.String(), RejectReason: o.RejectReason,
	}
}
