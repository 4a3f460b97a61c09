// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coinfolio/rebalancer/internal/backtest"
	"github.com/coinfolio/rebalancer/internal/errs"
	"github.com/coinfolio/rebalancer/internal/marketdata"
	"github.com/coinfolio/rebalancer/internal/rebalance"
	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/coinfolio/rebalancer/pkg/utils"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Metrics is the instrumentation surface the server records into. A nil
// Metrics disables recording.
type Metrics interface {
	RecordRebalance(outcome string)
	RecordBacktest(status string, duration time.Duration)
	Middleware(next http.Handler) http.Handler
}

// Config holds the server's listen and timeout settings.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	DefaultTopN    int
	WebSocketPath  string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   60 * time.Second,
		AllowedOrigins: []string{"*"},
		DefaultTopN:    15,
		WebSocketPath:  "/ws",
	}
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*wsClient
	provider   marketdata.Provider
	engine     *rebalance.Engine
	simulator  *backtest.Simulator
	metrics    Metrics
	backtests  map[string]*backtestState
}

// backtestState tracks an asynchronous backtest run.
type backtestState struct {
	ID       string
	Config   types.BacktestConfig
	Status   string
	Error    string
	Started  time.Time
	Result   *types.BacktestResult
	Progress types.BacktestProgress
	cancel   context.CancelFunc
}

// NewServer creates the API server and wires its routes.
func NewServer(
	logger *zap.Logger,
	config Config,
	provider marketdata.Provider,
	engine *rebalance.Engine,
	simulator *backtest.Simulator,
	metrics Metrics,
) *Server {
	server := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		clients:   make(map[string]*wsClient),
		provider:  provider,
		engine:    engine,
		simulator: simulator,
		metrics:   metrics,
		backtests: make(map[string]*backtestState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	go server.pumpProgress()
	return server
}

func (s *Server) setupRoutes() {
	// Registered on the router so the metrics middleware sees the matched
	// route template.
	if s.metrics != nil {
		s.router.Use(mux.MiddlewareFunc(s.metrics.Middleware))
	}

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/market/top-coins", s.handleTopCoins).Methods("GET")
	s.router.HandleFunc("/api/v1/market/search", s.handleSearch).Methods("GET")
	s.router.HandleFunc("/api/v1/market/history/{symbol}", s.handleHistory).Methods("GET")

	s.router.HandleFunc("/api/v1/rebalance/calculate", s.handleCalculate).Methods("POST")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Handler returns the full middleware-wrapped handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	for _, state := range s.backtests {
		if state.cancel != nil {
			state.cancel()
		}
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleTopCoins(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.config.DefaultTopN)
	if limit < 1 || limit > rebalance.MaxUniverseSize {
		s.writeError(w, errs.Validation("limit must be between 1 and %d", rebalance.MaxUniverseSize))
		return
	}
	excluded := queryList(r, "exclude")

	coins, err := s.provider.TopCoins(r.Context(), limit, excluded)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"coins": coins,
		"count": len(coins),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, errs.Validation("query parameter q is required"))
		return
	}
	limit := queryInt(r, "limit", 10)

	listings, err := s.provider.Search(r.Context(), query, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": listings,
		"count":   len(listings),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	series, err := s.provider.PriceSeries(r.Context(), []string{symbol})
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, ok := series[symbol]
	if !ok {
		for _, h := range series {
			history = h
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": history.Symbol,
		"name":   history.Name,
		"points": history.Points,
		"count":  len(history.Points),
	})
}

// calculateRequest is the body of POST /api/v1/rebalance/calculate.
type calculateRequest struct {
	Portfolio     types.Portfolio `json:"portfolio"`
	ExcludedCoins []string        `json:"excludedCoins"`
	MaxCoins      int             `json:"maxCoins"`
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validation("invalid request body: %v", err))
		return
	}
	if req.MaxCoins == 0 {
		req.MaxCoins = s.config.DefaultTopN
	}

	result, err := s.engine.Calculate(r.Context(), req.Portfolio, req.ExcludedCoins, req.MaxCoins)
	if err != nil {
		s.recordRebalance("error")
		s.writeError(w, err)
		return
	}
	s.recordRebalance("ok")
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		s.writeError(w, errs.Validation("invalid request body: %v", err))
		return
	}

	state, err := s.startBacktest(config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	})
}

// startBacktest registers and launches an asynchronous run. Config
// validation failures surface synchronously so the caller gets a 400
// instead of a run that instantly fails.
func (s *Server) startBacktest(config types.BacktestConfig) (*backtestState, error) {
	if err := backtest.ValidateConfig(config); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &backtestState{
		ID:      utils.GenerateID("run"),
		Config:  config,
		Status:  "running",
		Started: time.Now(),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.backtests[state.ID] = state
	s.mu.Unlock()

	go func() {
		defer cancel()
		result, err := s.simulator.RunWithID(ctx, state.ID, config)

		s.mu.Lock()
		if err != nil {
			state.Status = "failed"
			state.Error = err.Error()
			s.logger.Error("backtest failed", zap.String("id", state.ID), zap.Error(err))
		} else {
			state.Status = "completed"
			state.Result = result
		}
		status := state.Status
		s.mu.Unlock()

		s.recordBacktest(status, time.Since(state.Started))
		s.broadcast(&wsMessage{
			ID:        uuid.New().String(),
			Type:      "event",
			Method:    "backtest:complete",
			Payload:   map[string]any{"id": state.ID, "status": status},
			Timestamp: time.Now().UnixMilli(),
		})
	}()

	return state, nil
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()
	if !ok {
		s.writeNotFound(w, id)
		return
	}

	s.mu.RLock()
	response := map[string]any{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Status == "running" {
		response["progress"] = state.Progress
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	state, ok := s.backtests[id]
	if ok && state.Status == "running" {
		state.cancel()
		state.Status = "cancelled"
	}
	s.mu.Unlock()

	if !ok {
		s.writeNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": state.Status,
	})
}

// pumpProgress forwards simulator progress updates to the tracked state and
// to connected WebSocket clients.
func (s *Server) pumpProgress() {
	for progress := range s.simulator.Progress() {
		s.mu.Lock()
		if state, ok := s.backtests[progress.ID]; ok {
			state.Progress = progress
		}
		s.mu.Unlock()

		s.broadcast(&wsMessage{
			ID:        uuid.New().String(),
			Type:      "event",
			Method:    "backtest:progress",
			Payload:   progress,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (s *Server) recordRebalance(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordRebalance(outcome)
	}
}

func (s *Server) recordBacktest(status string, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordBacktest(status, duration)
	}
}

// writeError maps a classified error onto an HTTP status and JSON body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	body := map[string]any{
		"error": map[string]any{
			"code":    string(errs.CodeOf(err)),
			"message": err.Error(),
		},
	}
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func (s *Server) writeNotFound(w http.ResponseWriter, id string) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]any{
			"code":    string(errs.CodeDataNotFound),
			"message": fmt.Sprintf("backtest %s not found", id),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryList(r *http.Request, key string) []string {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
