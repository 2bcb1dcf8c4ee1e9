package api

// WSSubscribeRequest is a client-initiated subscribe/unsubscribe frame.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// WSEvent is an outbound push frame, one per channel update.
type WSEvent struct {
	Channel   string      `json:"channel"`
	Symbol    string      `json:"symbol,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type MarketInfo struct {
	Symbol      string `json:"symbol"`
	Base        string `json:"base"`
	Quote       string `json:"quote"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
	MaxLeverage int64  `json:"maxLeverage"`
	MakerFeeBps int64  `json:"makerFeeBps"`
	TakerFeeBps int64  `json:"takerFeeBps"`
	Enabled     bool   `json:"enabled"`
}

type PriceLevelDTO struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

type OrderbookSnapshot struct {
	Symbol    string          `json:"symbol"`
	Bids      []PriceLevelDTO `json:"bids"`
	Asks      []PriceLevelDTO `json:"asks"`
	Timestamp int64           `json:"timestamp"`
}

// PlaceOrderRequest covers limit/market orders routed straight to matching
// as well as stop/stop_limit/take_profit/trailing_stop conditionals routed
// to C7, and the "oco" composite which places two legs under a shared group
// id (the second leg's own fields live in OCO).
type PlaceOrderRequest struct {
	UserID         string `json:"userId"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	TIF            string `json:"tif"`
	PostOnly       bool   `json:"postOnly"`
	Price          string `json:"price"`
	Qty            string `json:"qty"`
	Leverage       int64  `json:"leverage"`
	Hidden         bool   `json:"hidden"`
	OCOGroupID     string `json:"ocoGroupId,omitempty"`
	TriggerPrice   string `json:"triggerPrice,omitempty"`
	TrailDelta     string `json:"trailDelta,omitempty"`
	ReferencePrice string `json:"referencePrice,omitempty"`

	OCO *PlaceOrderRequest `json:"oco,omitempty"`
}

type OrderResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Status       string `json:"status"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	FilledQty    string `json:"filledQty"`
	RejectReason string `json:"rejectReason,omitempty"`
}

type CancelOrderRequest struct {
	OrderID string `json:"orderId"`
}

type PositionResponse struct {
	UserID     string `json:"userId"`
	Symbol     string `json:"symbol"`
	Long       bool   `json:"long"`
	Size       string `json:"size"`
	EntryPrice string `json:"entryPrice"`
	MarkPrice  string `json:"markPrice"`
	Margin     string `json:"margin"`
	Leverage   int64  `json:"leverage"`
	Mode       string `json:"mode"`
}

type WalletResponse struct {
	UserID    string `json:"userId"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}
