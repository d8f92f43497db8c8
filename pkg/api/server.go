package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/unitex/params"
	"github.com/uhyunpark/unitex/pkg/exchange"
	"github.com/uhyunpark/unitex/pkg/ledger"
	"github.com/uhyunpark/unitex/pkg/metrics"
)

// Server handles REST API and WebSocket connections
type Server struct {
	gate   *exchange.Gate
	admin  *exchange.Admin
	engine *exchange.Engine
	router *mux.Router
	hub    *Hub // WebSocket hub
	cfg    params.API
	logger *zap.SugaredLogger

	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(gate *exchange.Gate, admin *exchange.Admin, engine *exchange.Engine, cfg params.API, logger *zap.SugaredLogger) *Server {
	s := &Server{
		gate:   gate,
		admin:  admin,
		engine: engine,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		cfg:    cfg,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")

	// Units
	api.HandleFunc("/units/{unit}", s.handleGetUnit).Methods("GET")
	api.HandleFunc("/units/{unit}/orders", s.handleGetOutstanding).Methods("GET")
	api.HandleFunc("/units/{unit}/history", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/units/{unit}/trades", s.handleGetUnitTrades).Methods("GET")

	// Assets
	api.HandleFunc("/assets", s.handleGetAssets).Methods("GET")
	api.HandleFunc("/assets/{id}/trades", s.handleGetTrades).Methods("GET")

	// Administration
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/assets", s.handleAddAsset).Methods("POST")
	admin.HandleFunc("/assets/{id}", s.handleRenameAsset).Methods("PUT")
	admin.HandleFunc("/units", s.handleAddUnit).Methods("POST")
	admin.HandleFunc("/units", s.handleGetUnits).Methods("GET")
	admin.HandleFunc("/units/{unit}/credits", s.handleSetCredits).Methods("PUT")
	admin.HandleFunc("/units/{unit}/holdings/{assetId}", s.handleSetHolding).Methods("PUT")
	admin.HandleFunc("/settle", s.handleSettle).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Metrics and health
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the WebSocket hub and serves HTTP until ctx is done
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", s.cfg.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Infow("api_stopped")
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	side, err := ledger.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	id, err := s.gate.Submit(r.Context(), exchange.SubmitRequest{
		Unit:       req.Unit,
		AssetID:    req.AssetID,
		Quantity:   req.Quantity,
		LimitPrice: req.Price,
		Side:       side,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSONStatus(w, http.StatusCreated, SubmitOrderResponse{
		Status:  "submitted",
		OrderID: strconv.FormatUint(id, 10),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "order id must be a positive integer")
		return
	}
	if err := s.gate.Cancel(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": strconv.FormatUint(id, 10)})
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	u, err := s.gate.Unit(r.Context(), mux.Vars(r)["unit"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, toUnitInfo(u))
}

func (s *Server) handleGetOutstanding(w http.ResponseWriter, r *http.Request) {
	orders, err := s.gate.ListOutstanding(r.Context(), mux.Vars(r)["unit"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, toOrderInfos(orders))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	orders, err := s.gate.ListHistory(r.Context(), mux.Vars(r)["unit"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, toOrderInfos(orders))
}

func (s *Server) handleGetUnitTrades(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	if _, err := s.gate.Unit(r.Context(), name); err != nil {
		s.respondErr(w, err)
		return
	}
	trades, err := s.admin.UnitTrades(r.Context(), name)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, toTradeInfos(trades))
}

func (s *Server) handleGetAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.admin.ListAssets(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]AssetInfo, len(assets))
	for i, a := range assets {
		response[i] = toAssetInfo(a)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	trades, err := s.admin.Trades(r.Context(), assetID, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, toTradeInfos(trades))
}

func (s *Server) handleAddAsset(w http.ResponseWriter, r *http.Request) {
	var req AddAssetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.admin.AddAsset(r.Context(), req.ID, req.Description)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, toAssetInfo(a))
}

func (s *Server) handleRenameAsset(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req RenameAssetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.admin.RenameAsset(r.Context(), assetID, req.Description); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, AssetInfo{ID: assetID, Description: req.Description})
}

func (s *Server) handleAddUnit(w http.ResponseWriter, r *http.Request) {
	var req AddUnitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.admin.AddUnit(r.Context(), req.Name, req.Credits)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, toUnitInfo(u))
}

func (s *Server) handleGetUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.admin.ListUnits(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]UnitInfo, len(units))
	for i, u := range units {
		response[i] = toUnitInfo(u)
	}
	respondJSON(w, response)
}

func (s *Server) handleSetCredits(w http.ResponseWriter, r *http.Request) {
	var req SetCreditsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := mux.Vars(r)["unit"]
	if err := s.admin.SetCredits(r.Context(), name, req.Credits); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondUnit(w, r, name)
}

func (s *Server) handleSetHolding(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathInt(w, r, "assetId")
	if !ok {
		return
	}
	var req SetHoldingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := mux.Vars(r)["unit"]
	if err := s.admin.SetHolding(r.Context(), name, assetID, req.Quantity); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondUnit(w, r, name)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RunCycle(r.Context())
	if err != nil {
		s.logger.Errorw("manual_settle_failed", "err", err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	trades := make([]TradeInfo, len(report.Trades))
	for i, t := range report.Trades {
		trades[i] = toTradeInfo(t)
	}
	respondJSON(w, CycleInfo{
		Outstanding: report.Snapshot,
		Remaining:   report.Remaining,
		Trades:      trades,
		Skipped:     len(report.Skipped),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) respondUnit(w http.ResponseWriter, r *http.Request, name string) {
	u, err := s.gate.Unit(r.Context(), name)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, toUnitInfo(u))
}

// ==============================
// Broadcast Methods (called from the settlement engine)
// ==============================

// BroadcastTrade publishes a settled trade to the asset's trade channel and to both units
func (s *Server) BroadcastTrade(t ledger.Trade) {
	update := TradeUpdate{Type: "trade", Trade: toTradeInfo(t)}
	s.hub.BroadcastToChannel("trades:"+strconv.FormatInt(t.AssetID, 10), update)
	s.hub.BroadcastToChannel("unit:"+t.Buyer, update)
	if t.Seller != t.Buyer {
		s.hub.BroadcastToChannel("unit:"+t.Seller, update)
	}
}

// ==============================
// Helper Functions
// ==============================

// respondErr maps ledger errors onto HTTP statuses
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	var (
		ve  *ledger.ValidationError
		nf  *ledger.NotFoundError
		ae  *ledger.AlreadyExistsError
		ife *ledger.InsufficientFundsError
		iie *ledger.InsufficientInventoryError
		liv *ledger.LedgerInvariantViolation
	)
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, string(nf.Kind)+"_not_found", err.Error())
	case errors.As(err, &ae):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.As(err, &ife):
		respondError(w, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case errors.As(err, &iie):
		respondError(w, http.StatusUnprocessableEntity, "insufficient_inventory", err.Error())
	case errors.As(err, &liv):
		respondError(w, http.StatusUnprocessableEntity, "ledger_invariant", err.Error())
	default:
		s.logger.Errorw("request_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	n, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", name+" must be an integer")
		return 0, false
	}
	return n, true
}

func toTradeInfos(trades []*ledger.Trade) []TradeInfo {
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = toTradeInfo(*t)
	}
	return out
}

func sortHoldings(h []HoldingInfo) {
	sort.Slice(h, func(i, j int) bool { return h[i].AssetID < h[j].AssetID })
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
