package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vertexbook/engine/params"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub maintains active session connections and fans out channel events to
// every subscribed session, generalizing the teacher's single global
// broadcast hub to per-session subscription sets and per-client limits.
type Hub struct {
	cfg params.Session
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[*Session]bool

	register   chan *Session
	unregister chan *Session
}

func NewHub(cfg params.Session, log *zap.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		log:        log,
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			h.mu.Unlock()
			h.log.Debug("session connected", zap.String("id", s.id), zap.Int("total", len(h.sessions)))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.send)
			}
			h.mu.Unlock()
			h.log.Debug("session disconnected", zap.String("id", s.id), zap.Int("total", len(h.sessions)))
		}
	}
}

// channelKey identifies one (channel, symbol) subscription topic, e.g.
// "orderbook:BTC-USD" or "trades:BTC-USD".
func channelKey(channel, symbol string) string {
	if symbol == "" {
		return channel
	}
	return channel + ":" + symbol
}

// Publish fans an event out to every session subscribed to channel+symbol.
// Each session coalesces bursts per its own throttle interval rather than
// queuing every individual update.
func (h *Hub) Publish(channel, symbol string, data interface{}) {
	key := channelKey(channel, symbol)
	event := WSEvent{Channel: channel, Symbol: symbol, Data: data, Timestamp: time.Now().UnixMilli()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.isSubscribed(key) {
			s.enqueue(key, event)
		}
	}
}

// privateChannels are scoped to the authenticated session's own userId;
// the client names only the channel (e.g. "user_orders") and the server
// substitutes the caller's identity as the symbol dimension, never an
// identity the client supplies itself. Anonymous sessions cannot
// subscribe to any of these.
var privateChannels = map[string]bool{
	"user_orders":    true,
	"user_positions": true,
	"user_wallet":    true,
	"user_alerts":    true,
}

// Session represents one WebSocket-connected client, throttling and
// coalescing pushed events per params.Session's budget.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	userID string // empty for an anonymous (unauthenticated) connection

	mu            sync.Mutex
	subscriptions map[string]bool
	symbols       map[string]int
	pending       map[string]WSEvent

	rateMu     sync.Mutex
	ratePeriod time.Time
	rateCount  int
}

func newSession(hub *Hub, conn *websocket.Conn, id, userID string) *Session {
	return &Session{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, hub.cfg.SendQueueHighWater),
		id:            id,
		userID:        userID,
		subscriptions: make(map[string]bool),
		symbols:       make(map[string]int),
		pending:       make(map[string]WSEvent),
	}
}

func (s *Session) isSubscribed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[key]
}

// resolveKey turns a client-supplied "channel" or "channel:symbol" topic
// into the internal subscription key. Private, user-scoped channels ignore
// any client-supplied symbol and are keyed to the session's own
// authenticated userId instead; anonymous sessions are refused.
func (s *Session) resolveKey(raw string) (string, bool) {
	channel, sym := splitChannelSymbol(raw)
	if privateChannels[channel] {
		if s.userID == "" {
			return "", false
		}
		sym = s.userID
	}
	return channelKey(channel, sym), true
}

// subscribe accepts a "channel" or "channel:symbol" topic string, enforcing
// both the per-session channel budget and the distinct-symbol budget.
func (s *Session) subscribe(raw string) bool {
	key, ok := s.resolveKey(raw)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions[key] {
		return true
	}
	if len(s.subscriptions) >= s.hub.cfg.MaxChannelsPerSession {
		return false
	}
	if sym := symbolOf(key); sym != "" && s.symbols[sym] == 0 && len(s.symbols) >= s.hub.cfg.MaxSymbolsPerSession {
		return false
	}
	s.subscriptions[key] = true
	if sym := symbolOf(key); sym != "" {
		s.symbols[sym]++
	}
	return true
}

func (s *Session) unsubscribe(raw string) {
	key, ok := s.resolveKey(raw)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscriptions[key] {
		return
	}
	delete(s.subscriptions, key)
	if sym := symbolOf(key); sym != "" {
		s.symbols[sym]--
		if s.symbols[sym] <= 0 {
			delete(s.symbols, sym)
		}
	}
}

func symbolOf(key string) string {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return ""
	}
	return key[idx+1:]
}

func splitChannelSymbol(raw string) (channel, symbol string) {
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return raw, ""
	}
	return raw[:idx], raw[idx+1:]
}

// enqueue coalesces an event into the session's per-key pending map; the
// flush loop drains it at the session's throttle cadence so a burst of N
// updates to the same key in one interval is delivered as one frame.
func (s *Session) enqueue(key string, event WSEvent) {
	if !s.allowRate() {
		return
	}
	s.mu.Lock()
	s.pending[key] = event
	s.mu.Unlock()
}

func (s *Session) allowRate() bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	now := time.Now()
	if now.Sub(s.ratePeriod) >= time.Second {
		s.ratePeriod = now
		s.rateCount = 0
	}
	if s.rateCount >= s.hub.cfg.MaxEventsPerSecond {
		return false
	}
	s.rateCount++
	return true
}

func (s *Session) flushLoop() {
	ticker := time.NewTicker(s.hub.cfg.ThrottleMs)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			continue
		}
		batch := make([]WSEvent, 0, len(s.pending))
		for _, ev := range s.pending {
			batch = append(batch, ev)
		}
		s.pending = make(map[string]WSEvent)
		s.mu.Unlock()

		data, err := json.Marshal(batch)
		if err != nil {
			continue
		}
		select {
		case s.send <- data:
		default:
			// Backpressured past SendQueueHighWater; drop this batch.
		}
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				s.subscribe(ch)
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				s.unsubscribe(ch)
			}
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
