package api

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vertexbook/engine/params"
)

func testHub() *Hub {
	cfg := params.Session{
		MaxSymbolsPerSession:  2,
		MaxChannelsPerSession: 3,
		MaxEventsPerSecond:    1000,
		ThrottleMs:            10 * time.Millisecond,
		SendQueueHighWater:    16,
	}
	return NewHub(cfg, zap.NewNop())
}

func testSession(h *Hub) *Session {
	return newSession(h, nil, "test-session", "")
}

func testAuthedSession(h *Hub, userID string) *Session {
	return newSession(h, nil, "test-session", userID)
}

func TestChannelKeyWithAndWithoutSymbol(t *testing.T) {
	if got := channelKey("trades", "BTC-USD"); got != "trades:BTC-USD" {
		t.Fatalf("channelKey = %s", got)
	}
	if got := channelKey("chain_status", ""); got != "chain_status" {
		t.Fatalf("channelKey = %s", got)
	}
}

func TestSubscribeEnforcesChannelBudget(t *testing.T) {
	h := testHub()
	s := testSession(h)

	for i, key := range []string{"orderbook:A", "orderbook:B", "trades:A"} {
		if !s.subscribe(key) {
			t.Fatalf("subscribe %d (%s) unexpectedly rejected", i, key)
		}
	}
	if s.subscribe("trades:B") {
		t.Fatalf("expected 4th channel to exceed MaxChannelsPerSession")
	}
}

func TestSubscribeEnforcesSymbolBudget(t *testing.T) {
	h := testHub()
	h.cfg.MaxChannelsPerSession = 10
	s := testSession(h)

	s.subscribe("orderbook:A")
	s.subscribe("trades:A") // same symbol, no new symbol slot consumed
	if !s.subscribe("orderbook:B") {
		t.Fatalf("expected second distinct symbol to be allowed")
	}
	if s.subscribe("orderbook:C") {
		t.Fatalf("expected third distinct symbol to exceed MaxSymbolsPerSession")
	}
}

func TestUnsubscribeFreesSymbolSlot(t *testing.T) {
	h := testHub()
	s := testSession(h)

	s.subscribe("orderbook:A")
	s.subscribe("orderbook:B")
	s.unsubscribe("orderbook:A")

	if !s.subscribe("orderbook:C") {
		t.Fatalf("expected freed symbol slot to admit a new symbol")
	}
}

func TestEnqueueCoalescesBurstsPerKey(t *testing.T) {
	h := testHub()
	s := testSession(h)
	s.subscribe("orderbook:A")

	for i := 0; i < 5; i++ {
		s.enqueue("orderbook:A", WSEvent{Channel: "orderbook", Symbol: "A", Data: i})
	}

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 1 {
		t.Fatalf("expected bursts on the same key to coalesce into 1 pending entry, got %d", pending)
	}
}

func TestAnonymousSessionCannotSubscribeToPrivateChannel(t *testing.T) {
	h := testHub()
	s := testSession(h)

	if s.subscribe("user_orders") {
		t.Fatalf("expected anonymous session to be refused a private channel")
	}
}

func TestPrivateChannelIsScopedToOwnUserIDRegardlessOfClientInput(t *testing.T) {
	h := testHub()
	s := testAuthedSession(h, "alice")

	if !s.subscribe("user_orders:bob") {
		t.Fatalf("expected subscribe to succeed, ignoring the client-supplied symbol")
	}
	if !s.isSubscribed(channelKey("user_orders", "alice")) {
		t.Fatalf("expected private channel to be keyed to the session's own userID, not the client-supplied one")
	}
	if s.isSubscribed(channelKey("user_orders", "bob")) {
		t.Fatalf("private channel must never be keyed to a client-supplied identity")
	}
}

func TestAllowRateCapsEventsPerSecond(t *testing.T) {
	h := testHub()
	h.cfg.MaxEventsPerSecond = 3
	s := testSession(h)

	allowed := 0
	for i := 0; i < 10; i++ {
		if s.allowRate() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected exactly 3 allowed within the rate window, got %d", allowed)
	}
}
