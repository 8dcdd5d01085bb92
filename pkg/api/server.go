package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/app"
	"github.com/uhyunpark/papertrade/pkg/engine"
	"github.com/uhyunpark/papertrade/pkg/quote"
	"github.com/uhyunpark/papertrade/pkg/ratelimit"
	"github.com/uhyunpark/papertrade/pkg/util"
)

const maxBodyBytes = 64 << 10

// Server handles REST API and WebSocket connections
type Server struct {
	app      *app.App
	router   *mux.Router
	sessions *SessionManager
	auth     Authenticator
	origins  []string
	log      *zap.SugaredLogger

	httpSrv *http.Server
}

// NewServer creates a new API server and subscribes its sessions to order events
func NewServer(a *app.App, auth Authenticator, allowedOrigins []string, log *zap.SugaredLogger) *Server {
	log = util.OrNop(log)
	if auth == nil {
		auth = NewTokenAuthenticator(nil)
	}
	s := &Server{
		app:      a,
		router:   mux.NewRouter(),
		sessions: NewSessionManager(a.Bus, a.Registry, a.Metrics, log),
		auth:     auth,
		origins:  allowedOrigins,
		log:      log,
	}
	a.OnOrderEvent(s.sessions.HandleOrderEvent)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Quote endpoints
	api.HandleFunc("/quotes", s.handleGetQuotes).Methods("GET")
	api.HandleFunc("/quotes/{symbol}", s.handleGetQuote).Methods("GET")

	// Order endpoints
	api.HandleFunc("/orders", s.authenticated(s.handleSubmitOrder)).Methods("POST")
	api.HandleFunc("/orders/validate", s.authenticated(s.handleValidateOrder)).Methods("POST")
	api.HandleFunc("/orders", s.authenticated(s.handleListOrders)).Methods("GET")
	api.HandleFunc("/orders/{id}", s.authenticated(s.handleGetOrder)).Methods("GET")
	api.HandleFunc("/orders/{id}", s.authenticated(s.handleCancelOrder)).Methods("DELETE")

	// Portfolio endpoints
	api.HandleFunc("/portfolio", s.authenticated(s.handleGetPortfolio)).Methods("GET")
	api.HandleFunc("/portfolio/fills", s.authenticated(s.handleGetFills)).Methods("GET")
	api.HandleFunc("/portfolio/history", s.authenticated(s.handleGetHistory)).Methods("GET")
	api.HandleFunc("/portfolio/allocation", s.authenticated(s.handleGetAllocation)).Methods("GET")
	api.HandleFunc("/positions/{symbol}/exit", s.authenticated(s.handleExitPosition)).Methods("POST")

	// Operations
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.Handle("/metrics", s.app.Metrics.Handler()).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the router wrapped in CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Sessions exposes the WebSocket session manager
func (s *Server) Sessions() *SessionManager { return s.sessions }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.sessions.CloseAll()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Infow("api_server_stopped")
	return nil
}

// ==============================
// Auth
// ==============================

type userHandler func(w http.ResponseWriter, r *http.Request, user string)

func (s *Server) authenticated(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.auth.Authenticate(bearerToken(r))
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		h(w, r, user)
	}
}

// callerKey is the rate-limit identity: the user when a valid token is
// presented, otherwise the client address
func (s *Server) callerKey(r *http.Request) string {
	if user, ok := s.auth.Authenticate(bearerToken(r)); ok {
		return user
	}
	return "ip:" + s.app.Limiter.ClientIP(r)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	q, err := s.app.GetQuote(r.Context(), s.callerKey(r), symbol)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, newQuoteInfo(q, s.app.Now()))
}

func (s *Server) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "invalid request", "symbols query parameter is required")
		return
	}
	var symbols []string
	for _, sym := range strings.Split(raw, ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}

	quotes, err := s.app.GetQuotes(r.Context(), s.callerKey(r), symbols)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	now := s.app.Now()
	out := make([]QuoteInfo, len(quotes))
	for i, q := range quotes {
		out[i] = newQuoteInfo(q, now)
	}
	respondJSON(w, out)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request, user string) {
	var body SubmitOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	req, err := body.toEngine()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	o, err := s.app.SubmitOrder(r.Context(), user, req)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, newOrderInfo(o))
}

func (b SubmitOrderRequest) toEngine() (engine.OrderRequest, error) {
	side, err := account.ParseSide(b.Side)
	if err != nil {
		return engine.OrderRequest{}, err
	}
	kind, err := account.ParseKind(b.Kind)
	if err != nil {
		return engine.OrderRequest{}, err
	}
	tif, err := account.ParseTimeInForce(b.TIF)
	if err != nil {
		return engine.OrderRequest{}, err
	}
	return engine.OrderRequest{
		Symbol:        b.Symbol,
		Side:          side,
		Kind:          kind,
		Quantity:      b.Quantity,
		Price:         b.Price,
		StopPrice:     b.StopPrice,
		TIF:           tif,
		ClientOrderID: b.ClientOrderID,
	}, nil
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request, user string) {
	var statuses []account.OrderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := account.ParseOrderStatus(strings.TrimSpace(part))
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid status", err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}

	orders, err := s.app.ListOrders(user, statuses...)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, newOrderInfos(orders))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, user string) {
	o, err := s.app.GetOrder(user, mux.Vars(r)["id"])
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, newOrderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request, user string) {
	id := mux.Vars(r)["id"]

	o, err := s.app.CancelOrder(r.Context(), user, id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.log.Infow("order_cancel_requested", "user", user, "order_id", id)
	respondJSON(w, newOrderInfo(o))
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request, user string) {
	snap, err := s.app.GetSnapshot(user)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request, user string) {
	fills, err := s.app.Fills(user)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	out := make([]FillInfo, len(fills))
	for i, f := range fills {
		out[i] = newFillInfo(f)
	}
	respondJSON(w, out)
}

func (s *Server) handleValidateOrder(w http.ResponseWriter, r *http.Request, user string) {
	var body SubmitOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req, err := body.toEngine()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	est, err := s.app.EstimateOrder(r.Context(), user, req)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, EstimateResponse{
		Valid:      true,
		Symbol:     est.Symbol,
		Side:       est.Side.String(),
		Kind:       est.Kind.String(),
		Quantity:   est.Quantity,
		Price:      est.Price,
		Notional:   est.Notional,
		Fee:        est.Fee,
		Total:      est.Total,
		Available:  est.Available,
		Sufficient: est.Sufficient,
	})
}

func (s *Server) handleExitPosition(w http.ResponseWriter, r *http.Request, user string) {
	var body ExitPositionRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	kind := account.Market
	if body.Kind != "" {
		k, err := account.ParseKind(body.Kind)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid order", err.Error())
			return
		}
		kind = k
	}

	o, err := s.app.ExitPosition(r.Context(), user, mux.Vars(r)["symbol"], kind, body.Price)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	resp := ExitPositionResponse{Order: newOrderInfo(o), ClosedQuantity: o.Quantity}
	if o.Status == account.Filled {
		fills, err := s.app.Fills(user)
		if err == nil {
			for _, f := range fills {
				if f.ID == o.FillID {
					p := f.Price.Mul(f.Quantity).Sub(f.Fee)
					resp.Proceeds = &p
					break
				}
			}
		}
	}
	respondJSONStatus(w, http.StatusCreated, resp)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request, user string) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			respondError(w, http.StatusBadRequest, "invalid request", "days must be between 1 and 365")
			return
		}
		days = n
	}

	points, err := s.app.PortfolioHistory(user, days)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	out := make([]HistoryPoint, len(points))
	for i, p := range points {
		out[i] = HistoryPoint{Timestamp: p.Timestamp.UnixMilli(), Value: p.Value}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request, user string) {
	a, err := s.app.Allocation(user)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, a)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.app.Health()
	respondJSON(w, struct {
		app.Health
		Sessions int `json:"sessions"`
	}{h, s.sessions.Count()})
}

// handleWebSocket authenticates with ?token= and hands the connection to the session manager
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.auth.Authenticate(queryToken(r))
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	s.sessions.Serve(w, r, user)
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limited"
	case errors.Is(err, engine.ErrInvalidSymbol),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidKind),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, quote.ErrTooManySymbols),
		errors.Is(err, account.ErrInvalidUser):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, engine.ErrInsufficientCash),
		errors.Is(err, engine.ErrInsufficientPosition):
		return http.StatusUnprocessableEntity, "insufficient funds"
	case errors.Is(err, engine.ErrOrderNotFound),
		errors.Is(err, quote.ErrNoQuote):
		return http.StatusNotFound, "not found"
	case errors.Is(err, engine.ErrOrderNotPending):
		return http.StatusConflict, "order not pending"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	status, label := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("api_internal_error", "err", err)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, status, label, err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
