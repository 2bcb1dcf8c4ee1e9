package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vertexbook/engine/pkg/errs"
	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/order"
	"github.com/vertexbook/engine/pkg/orderbook"
	"github.com/vertexbook/engine/pkg/position"
	"github.com/vertexbook/engine/pkg/symbol"
	"github.com/vertexbook/engine/pkg/wallet"
	"github.com/vertexbook/engine/params"
)

// Server is the REST + WebSocket surface over the engine's core
// components. Admin operations (pause/resume a symbol, toggle a market,
// replay a stress test) are deliberately plain composition-root methods,
// not HTTP routes — the operator surface is the Go API, not a network one.
type Server struct {
	registry  *symbol.Registry
	matching  *matching.Engine
	orders    *order.Controller
	positions *position.Manager
	wallets   *wallet.Ledger

	hub    *Hub
	router *mux.Router
	log    *zap.Logger
}

func NewServer(reg *symbol.Registry, me *matching.Engine, oc *order.Controller,
	positions *position.Manager, wallets *wallet.Ledger, sessionCfg params.Session, log *zap.Logger) *Server {

	s := &Server{
		registry:  reg,
		matching:  me,
		orders:    oc,
		positions: positions,
		wallets:   wallets,
		hub:       NewHub(sessionCfg, log),
		router:    mux.NewRouter(),
		log:       log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleListMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/accounts/{userId}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{userId}/wallet", s.handleGetWallet).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Hub exposes the session fanout hub so the composition root can wire
// feed/trigger/liquidation callbacks into Publish without an HTTP hop.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	syms := s.registry.List(symbol.Filter{})
	out := make([]MarketInfo, len(syms))
	for i, sym := range syms {
		out[i] = marketInfo(sym)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	sym, err := s.registry.Get(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, marketInfo(sym))
}

func marketInfo(sym *symbol.Symbol) MarketInfo {
	return MarketInfo{
		Symbol: sym.Symbol, Base: sym.Base, Quote: sym.Quote,
		TickSize: sym.TickSize.String(), StepSize: sym.StepSize.String(),
		MinNotional: sym.MinNotional.String(), MaxLeverage: sym.MaxLeverage,
		MakerFeeBps: sym.MakerFeeBps, TakerFeeBps: sym.TakerFeeBps, Enabled: sym.Enabled,
	}
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symName := mux.Vars(r)["symbol"]
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	bids, asks, err := s.matching.Depth(ctx, symName, 50)
	if err != nil {
		respondError(w, http.StatusNotFound, "orderbook not found", err.Error())
		return
	}

	respondJSON(w, OrderbookSnapshot{
		Symbol:    symName,
		Bids:      toLevelDTOs(bids),
		Asks:      toLevelDTOs(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func toLevelDTOs(levels []orderbook.PriceLevel) []PriceLevelDTO {
	out := make([]PriceLevelDTO, len(levels))
	for i, l := range levels {
		out[i] = PriceLevelDTO{Price: l.Price.String(), Qty: l.Qty.String()}
	}
	return out
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if strings.EqualFold(req.Type, "oco") {
		legA, legB, err := s.placeOCO(ctx, req)
		if err != nil {
			respondError(w, statusForErr(err), errs.Kind(err), err.Error())
			return
		}
		respondJSON(w, []OrderResponse{orderResponse(legA), orderResponse(legB)})
		return
	}

	o, err := s.placeOneLeg(ctx, req)
	if err != nil {
		respondError(w, statusForErr(err), errs.Kind(err), err.Error())
		return
	}
	respondJSON(w, orderResponse(o))
}

// placeOneLeg routes a single order-placement request to the matching-engine
// fast path (limit/market) or to C7's conditional-order registration
// (stop/stop_limit/take_profit/trailing_stop), per spec step 5 of order
// placement.
func (s *Server) placeOneLeg(ctx context.Context, req PlaceOrderRequest) (*order.Order, error) {
	kind, isTrigger, isTrailing, err := classifyOrderType(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrValidation, err)
	}
	switch {
	case isTrailing:
		armReq, err := toArmTrailingRequest(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrValidation, err)
		}
		return s.orders.ArmTrailing(ctx, armReq)
	case isTrigger:
		armReq, err := toArmRequest(req, kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrValidation, err)
		}
		return s.orders.Arm(ctx, armReq)
	default:
		placeReq, err := toPlaceRequest(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrValidation, err)
		}
		return s.orders.Place(ctx, placeReq)
	}
}

// placeOCO places both legs of a one-cancels-other pair under a shared
// group id, rolling back the first leg if the second is rejected.
func (s *Server) placeOCO(ctx context.Context, req PlaceOrderRequest) (*order.Order, *order.Order, error) {
	if req.OCO == nil {
		return nil, nil, fmt.Errorf("%w: oco order requires a second leg", errs.ErrValidation)
	}
	groupID := uuid.NewString()
	req.OCOGroupID = groupID
	req.OCO.OCOGroupID = groupID
	req.OCO.UserID = req.UserID
	req.OCO.Symbol = req.Symbol

	legA, err := s.placeOneLeg(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	legB, err := s.placeOneLeg(ctx, *req.OCO)
	if err != nil {
		s.orders.Cancel(ctx, legA.ID)
		return nil, nil, err
	}
	return legA, legB, nil
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.orders.Get(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	respondJSON(w, orderResponse(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.orders.Cancel(ctx, req.OrderID); err != nil {
		respondError(w, statusForErr(err), errs.Kind(err), err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	positions := s.positions.List(userID)
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		snap := p.Snapshot()
		if snap.Size.IsZero() {
			continue
		}
		out = append(out, PositionResponse{
			UserID: snap.UserID, Symbol: snap.Symbol, Long: snap.Long,
			Size: snap.Size.String(), EntryPrice: snap.EntryPrice.String(),
			MarkPrice: snap.MarkPrice.String(), Margin: snap.Margin.String(),
			Leverage: snap.Leverage, Mode: modeString(snap.Mode),
		})
	}
	respondJSON(w, out)
}

func modeString(m position.Mode) string {
	if m == position.Isolated {
		return "isolated"
	}
	return "cross"
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	available, locked := s.wallets.Get(userID).Snapshot()
	respondJSON(w, WalletResponse{UserID: userID, Available: available.String(), Locked: locked.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID := bearerUserID(r)
	session := newSession(s.hub, conn, conn.RemoteAddr().String(), userID)
	s.hub.register <- session

	go session.writePump()
	go session.readPump()
	go session.flushLoop()
}

// bearerUserID extracts the caller's identity from an "Authorization:
// Bearer <token>" header, falling back to a "token" query parameter for
// browser clients that can't set headers on a WebSocket upgrade request.
// There is no separate identity service in this engine: the bearer token
// is taken directly as the userId, trusted the same way the unauthenticated
// {userId} path parameter already is on the REST account endpoints.
// Returns "" for an anonymous connection, which is limited to public
// channels by Session.resolveKey.
func bearerUserID(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return r.URL.Query().Get("token")
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func statusForErr(err error) int {
	switch errs.Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "validation_error":
		return http.StatusBadRequest
	case "insufficient_funds", "conflict":
		return http.StatusUnprocessableEntity
	case "market_halted":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}
