// Package feed implements C2 (adapters pulling raw prices from upstream
// venues) and C3 (the aggregator that reconciles them into one mark
// price per symbol). The polling/subscriber shape is grounded on the
// pack's PriceFeed subscriber pattern, adapted from a single internal
// NAV source to many external upstream adapters.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/vertexbook/engine/pkg/symbol"
)

// Tick is one raw price observation from an upstream source.
type Tick struct {
	Symbol         string
	Source         symbol.Source
	Last           decimal.Decimal
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	BidSize        decimal.Decimal
	AskSize        decimal.Decimal
	Volume24h      decimal.Decimal
	QuoteVolume24h decimal.Decimal
	Timestamp      int64
	Sequence       int64
}

// Validate enforces the price-tick invariants: bid and ask must be quoted,
// bid must be below ask, and last must be a real trade price. A tick
// failing this is never published to the aggregator.
func (t Tick) Validate() error {
	if t.Last.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("feed %s/%s: last must be positive, got %s", t.Source, t.Symbol, t.Last)
	}
	if t.Bid.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("feed %s/%s: bid must be positive, got %s", t.Source, t.Symbol, t.Bid)
	}
	if t.Ask.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("feed %s/%s: ask must be positive, got %s", t.Source, t.Symbol, t.Ask)
	}
	if !t.Bid.LessThan(t.Ask) {
		return fmt.Errorf("feed %s/%s: bid %s must be below ask %s", t.Source, t.Symbol, t.Bid, t.Ask)
	}
	return nil
}

// Adapter pulls ticks from one upstream source and pushes them to out
// until ctx is cancelled.
type Adapter interface {
	Name() symbol.Source
	Run(ctx context.Context, symbols map[string]string, out chan<- Tick)
	Health() Health
}

// PollAdapter polls a REST endpoint per symbol on a fixed interval.
// Grounded on resty usage across the pack's client repos.
type PollAdapter struct {
	source   symbol.Source
	client   *resty.Client
	baseURL  string
	interval time.Duration
	health   *healthTracker
}

func NewPollAdapter(source symbol.Source, baseURL string, interval time.Duration) *PollAdapter {
	return &PollAdapter{
		source:   source,
		client:   resty.New().SetTimeout(5 * time.Second),
		baseURL:  baseURL,
		interval: interval,
		health:   newHealthTracker(),
	}
}

func (a *PollAdapter) Name() symbol.Source { return a.source }
func (a *PollAdapter) Health() Health      { return a.health.Snapshot() }

type polledPrice struct {
	Last           string `json:"last"`
	Bid            string `json:"bid"`
	Ask            string `json:"ask"`
	BidSize        string `json:"bidSize"`
	AskSize        string `json:"askSize"`
	Volume24h      string `json:"volume24h"`
	QuoteVolume24h string `json:"quoteVolume24h"`
	Sequence       int64  `json:"sequence"`
}

// Run polls every configured symbol's upstream id each interval tick.
func (a *PollAdapter) Run(ctx context.Context, symbols map[string]string, out chan<- Tick) {
	a.health.setState(StateConnected)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.health.setState(StateDisconnected)
			return
		case <-ticker.C:
			for sym, upstreamID := range symbols {
				a.poll(ctx, sym, upstreamID, out)
			}
		}
	}
}

func decimalField(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a *PollAdapter) poll(ctx context.Context, sym, upstreamID string, out chan<- Tick) {
	var payload polledPrice
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("symbol", upstreamID).
		SetResult(&payload).
		Get(fmt.Sprintf("%s/price/{symbol}", a.baseURL))
	if err != nil || resp.IsError() {
		a.health.recordError()
		return
	}
	last, err := decimal.NewFromString(payload.Last)
	if err != nil {
		a.health.recordError()
		return
	}

	tick := Tick{
		Symbol: sym, Source: a.source, Last: last,
		Bid: decimalField(payload.Bid), Ask: decimalField(payload.Ask),
		BidSize: decimalField(payload.BidSize), AskSize: decimalField(payload.AskSize),
		Volume24h: decimalField(payload.Volume24h), QuoteVolume24h: decimalField(payload.QuoteVolume24h),
		Sequence: payload.Sequence, Timestamp: time.Now().UnixMilli(),
	}
	if err := tick.Validate(); err != nil {
		a.health.recordError()
		return
	}

	a.health.recordData(tick)
	select {
	case out <- tick:
	case <-ctx.Done():
	}
}

// WebSocketAdapter maintains a persistent connection to an upstream
// streaming venue, reconnecting with backoff on drop.
type WebSocketAdapter struct {
	source  symbol.Source
	url     string
	dialer  *websocket.Dialer
	health  *healthTracker

	onMaxReconnect func(symbol.Source)
}

func NewWebSocketAdapter(source symbol.Source, url string) *WebSocketAdapter {
	return &WebSocketAdapter{source: source, url: url, dialer: websocket.DefaultDialer, health: newHealthTracker()}
}

func (a *WebSocketAdapter) Name() symbol.Source { return a.source }
func (a *WebSocketAdapter) Health() Health      { return a.health.Snapshot() }

// SetMaxReconnectHook registers a callback invoked every maxReconnects
// failed dial attempts, so the composition root can page/alert.
func (a *WebSocketAdapter) SetMaxReconnectHook(fn func(symbol.Source)) {
	a.onMaxReconnect = fn
}

type wsMessage struct {
	Symbol         string `json:"symbol"`
	Last           string `json:"last"`
	Bid            string `json:"bid"`
	Ask            string `json:"ask"`
	BidSize        string `json:"bidSize"`
	AskSize        string `json:"askSize"`
	Volume24h      string `json:"volume24h"`
	QuoteVolume24h string `json:"quoteVolume24h"`
	Sequence       int64  `json:"sequence"`
}

// Run connects and reconnects with exponential backoff (capped at 60s)
// until ctx is cancelled, tracking connection state for Health().
func (a *WebSocketAdapter) Run(ctx context.Context, symbols map[string]string, out chan<- Tick) {
	upstreamToSymbol := make(map[string]string, len(symbols))
	for sym, id := range symbols {
		upstreamToSymbol[id] = sym
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			a.health.setState(StateDisconnected)
			return
		default:
		}

		a.health.setState(StateConnecting)
		conn, _, err := a.dialer.DialContext(ctx, a.url, nil)
		if err != nil {
			a.health.recordError()
			a.health.recordReconnect()
			if snap := a.health.Snapshot(); a.onMaxReconnect != nil && snap.Reconnects > 0 && snap.Reconnects%maxReconnects == 0 {
				a.onMaxReconnect(a.source)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
			continue
		}
		backoff = time.Second
		reconnected := a.health.Snapshot().Reconnects > 0
		a.health.setState(StateConnected)
		if reconnected {
			a.replayWarmHistory(ctx, out)
		}

		a.readLoop(ctx, conn, upstreamToSymbol, out)
		conn.Close()
		a.health.setState(StateDisconnected)
	}
}

// replayWarmHistory pushes the ring buffer's last-known ticks back onto out
// right after a reconnect, so the aggregator's staleness check doesn't see
// a gap while the fresh stream catches up.
func (a *WebSocketAdapter) replayWarmHistory(ctx context.Context, out chan<- Tick) {
	for _, t := range a.health.warmSnapshot() {
		select {
		case out <- t:
		case <-ctx.Done():
			return
		default:
		}
	}
}

// readLoop enforces the "no inbound data for heartbeatTimeout" rule by
// resetting the connection's read deadline on every successful message: a
// silent connection naturally errors out of ReadMessage and the outer Run
// loop reconnects.
func (a *WebSocketAdapter) readLoop(ctx context.Context, conn *websocket.Conn, upstreamToSymbol map[string]string, out chan<- Tick) {
	conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.health.recordError()
			return
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.health.recordError()
			continue
		}
		sym, ok := upstreamToSymbol[msg.Symbol]
		if !ok {
			continue
		}
		last, err := decimal.NewFromString(msg.Last)
		if err != nil {
			a.health.recordError()
			continue
		}

		tick := Tick{
			Symbol: sym, Source: a.source, Last: last,
			Bid: decimalField(msg.Bid), Ask: decimalField(msg.Ask),
			BidSize: decimalField(msg.BidSize), AskSize: decimalField(msg.AskSize),
			Volume24h: decimalField(msg.Volume24h), QuoteVolume24h: decimalField(msg.QuoteVolume24h),
			Sequence: msg.Sequence, Timestamp: time.Now().UnixMilli(),
		}
		if err := tick.Validate(); err != nil {
			a.health.recordError()
			continue
		}

		a.health.recordData(tick)
		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}
