// Package api provides the HTTP and WebSocket control surface for the agent.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/agent"
	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/journal"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/atlas-desktop/trading-agent/internal/protection"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Defaults for the manual protect endpoint.
var (
	defaultStopLossPct   = decimal.NewFromInt(5)
	defaultTakeProfitPct = decimal.NewFromInt(10)
)

const (
	defaultLogLimit   = 100
	defaultStopWait   = 60 * time.Second
	maxRequestBody    = 1 << 16
	defaultTradeLimit = 100
)

// Deps are the components the server exposes.
type Deps struct {
	Supervisor *agent.Supervisor
	Protector  *protection.Manager
	Events     *events.EventBus
	Journal    *journal.Store // optional
	Metrics    *metrics.Metrics
	// StopTimeout bounds how long a stop request waits for exit protection.
	StopTimeout time.Duration
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	deps       Deps
	router     *mux.Router
	hub        *Hub
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	if deps.StopTimeout <= 0 {
		deps.StopTimeout = defaultStopWait
	}
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws/agent-logs"
	}
	logger = logger.Named("api")

	s := &Server{
		logger:    logger,
		config:    config,
		deps:      deps,
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}
	s.hub = NewHub(logger, deps.Events, s.checkOrigin)
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	// Agent lifecycle
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/agent/start", s.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/agent/stop", s.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/agent/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/agent/logs", s.handleLogs).Methods(http.MethodGet)

	// Manual protection
	v1.HandleFunc("/agent/protect", s.handleProtect).Methods(http.MethodPost)
	v1.HandleFunc("/agent/emergency-sell", s.handleEmergencySell).Methods(http.MethodPost)
	v1.HandleFunc("/agent/cancel-orders", s.handleCancelOrders).Methods(http.MethodPost)

	v1.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	// WebSocket
	s.router.HandleFunc(s.config.WebSocketPath, s.hub.ServeWS)
}

// Router returns the bare router.
func (s *Server) Router() *mux.Router { return s.router }

// Hub returns the event-stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.writeTimeout(),
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// writeTimeout must outlast a stop request, which waits for protection.
func (s *Server) writeTimeout() time.Duration {
	wt := s.config.WriteTimeout
	if wt > 0 && wt < s.deps.StopTimeout+5*time.Second {
		wt = s.deps.StopTimeout + 5*time.Second
	}
	return wt
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return len(s.config.AllowedOrigins) == 0
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
		"health":    "healthy",
		"time":      time.Now().Unix(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"agent":     s.deps.Supervisor.Status(),
		"observers": s.hub.ClientCount(),
	})
}

type tickerRequest struct {
	Ticker string `json:"ticker"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req tickerRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}

	st, err := s.deps.Supervisor.Start(req.Ticker)
	if err != nil {
		if errors.Is(err, agent.ErrAlreadyRunning) {
			writeJSON(s.logger, w, http.StatusConflict, map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
				"agent":  st,
			})
			return
		}
		s.writeErr(w, err)
		return
	}

	writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("Agent started for %s", st.Ticker),
		"agent":   st,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req tickerRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}

	// Exit protection runs on its own context; the request only bounds the wait.
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.StopTimeout)
	defer cancel()

	report, err := s.deps.Supervisor.Stop(ctx, req.Ticker)
	switch {
	case err == nil:
		writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
			"message": fmt.Sprintf("Agent stopped for %s", report.Ticker),
			"report":  report,
		})
	case errors.Is(err, agent.ErrProtectionFailed):
		writeJSON(s.logger, w, http.StatusBadGateway, map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
			"report": report,
		})
	default:
		s.writeErr(w, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
		"agent":  s.deps.Supervisor.Status(),
		"agents": s.deps.Supervisor.StatusAll(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryLimit(w, r, defaultLogLimit)
	if !ok {
		return
	}
	logs := s.deps.Events.Recent(limit)
	writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

type protectRequest struct {
	Ticker        string   `json:"ticker"`
	StopLossPct   *float64 `json:"stopLossPct"`
	TakeProfitPct *float64 `json:"takeProfitPct"`
}

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	var req protectRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	ticker, ok := s.requireTicker(w, req.Ticker)
	if !ok {
		return
	}

	sl, tp := defaultStopLossPct, defaultTakeProfitPct
	if req.StopLossPct != nil {
		sl = decimal.NewFromFloat(*req.StopLossPct)
	}
	if req.TakeProfitPct != nil {
		tp = decimal.NewFromFloat(*req.TakeProfitPct)
	}

	res, err := s.deps.Protector.SetupProtection(r.Context(), ticker, sl, tp)
	if err != nil {
		if res.Status == protection.StatusPartial {
			writeJSON(s.logger, w, http.StatusBadGateway, map[string]interface{}{
				"status":     "error",
				"error":      err.Error(),
				"protection": res,
			})
			return
		}
		s.writeErr(w, err)
		return
	}

	writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
		"message":    protectionMessage(res),
		"protection": res,
	})
}

type emergencySellRequest struct {
	Ticker  string `json:"ticker"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) handleEmergencySell(w http.ResponseWriter, r *http.Request) {
	var req emergencySellRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	ticker, ok := s.requireTicker(w, req.Ticker)
	if !ok {
		return
	}
	if !req.Confirm {
		writeError(s.logger, w, http.StatusBadRequest, `emergency sell requires "confirm": true`)
		return
	}

	s.logger.Warn("Emergency sell requested", zap.String("ticker", ticker))
	res, err := s.deps.Protector.EmergencySell(r.Context(), ticker)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	msg := fmt.Sprintf("Market sell submitted for %d %s", res.Quantity, ticker)
	if res.Status == protection.StatusNothingToProtect {
		msg = fmt.Sprintf("No position in %s", ticker)
	}
	writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
		"message": msg,
		"result":  res,
	})
}

func (s *Server) handleCancelOrders(w http.ResponseWriter, r *http.Request) {
	var req tickerRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	ticker, ok := s.requireTicker(w, req.Ticker)
	if !ok {
		return
	}

	n, err := s.deps.Protector.CancelAllOrders(r.Context(), ticker)
	if err != nil {
		writeJSON(s.logger, w, statusFor(err), map[string]interface{}{
			"status":    "error",
			"error":     err.Error(),
			"cancelled": n,
		})
		return
	}
	writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
		"message":   fmt.Sprintf("Cancelled %d orders for %s", n, ticker),
		"cancelled": n,
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "order journal is disabled")
		return
	}
	limit, ok := s.queryLimit(w, r, defaultTradeLimit)
	if !ok {
		return
	}
	ticker := types.NormalizeTicker(r.URL.Query().Get("ticker"))

	trades, err := s.deps.Journal.List(r.Context(), ticker, limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to read order journal")
		return
	}
	writeSuccess(s.logger, w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func protectionMessage(res protection.Result) string {
	if res.Status == protection.StatusNothingToProtect {
		return fmt.Sprintf("No position in %s", res.Ticker)
	}
	msg := fmt.Sprintf("Stop-loss at %s", res.StopPrice.StringFixed(2))
	if res.TakeProfitPrice.IsPositive() {
		msg += fmt.Sprintf(", take-profit at %s", res.TakeProfitPrice.StringFixed(2))
	}
	return msg + fmt.Sprintf(" for %d %s", res.Quantity, res.Ticker)
}

// writeErr maps a domain error onto an HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	if code == http.StatusTooManyRequests {
		if d, ok := broker.RetryAfter(err); ok && d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	writeError(s.logger, w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrInvalidTicker), errors.Is(err, protection.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, broker.ErrInvalidPosition), errors.Is(err, broker.ErrOrderRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, broker.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, broker.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requireTicker(w http.ResponseWriter, ticker string) (string, bool) {
	ticker = types.NormalizeTicker(ticker)
	if ticker == "" {
		writeError(s.logger, w, http.StatusBadRequest, "ticker is required")
		return "", false
	}
	return ticker, true
}

// decodeBody reads a JSON body into v. An empty body is accepted only when
// optional is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return true
		}
		writeError(s.logger, w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(s.logger, w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeSuccess(log *zap.Logger, w http.ResponseWriter, code int, body map[string]interface{}) {
	body["status"] = "success"
	writeJSON(log, w, code, body)
}

func writeError(log *zap.Logger, w http.ResponseWriter, code int, msg string) {
	writeJSON(log, w, code, map[string]interface{}{
		"status": "error",
		"error":  msg,
	})
}

func writeJSON(log *zap.Logger, w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", zap.Int("code", code), zap.Error(err))
	}
}
