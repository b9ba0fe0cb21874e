// Package httpapi is the dashboard's JSON backend: backtests,
// strategy CRUD, live run control, and ledger/archive queries.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/backtest"
	"tradeforge/internal/domain"
	"tradeforge/internal/live"
	"tradeforge/internal/market"
	"tradeforge/internal/rule"
	"tradeforge/internal/store"
)

// Config carries the server's environment and the trading defaults
// applied when a backtest request omits them.
type Config struct {
	Environment    domain.Environment
	DefaultBalance float64
	DefaultFeeRate float64
}

// Server serves the HTTP API.
type Server struct {
	strategies store.StrategyStore
	trades     store.TradeStore
	runStore   store.RunStore
	candles    store.CandleStore
	controller *live.Controller
	runner     *backtest.Runner
	cfg        Config
	logger     *slog.Logger
}

// NewServer wires the API server. The controller may be nil when live
// trading is disabled; run endpoints then answer 503.
func NewServer(
	strategies store.StrategyStore,
	trades store.TradeStore,
	runStore store.RunStore,
	candles store.CandleStore,
	controller *live.Controller,
	runner *backtest.Runner,
	cfg Config,
	logger *slog.Logger,
) *Server {
	return &Server{
		strategies: strategies,
		trades:     trades,
		runStore:   runStore,
		candles:    candles,
		controller: controller,
		runner:     runner,
		cfg:        cfg,
		logger:     logger,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/backtests", s.handleBacktest)
	mux.HandleFunc("GET /api/strategies", s.handleListStrategies)
	mux.HandleFunc("POST /api/strategies", s.handleCreateStrategy)
	mux.HandleFunc("GET /api/strategies/{id}", s.handleGetStrategy)
	mux.HandleFunc("DELETE /api/strategies/{id}", s.handleDeleteStrategy)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/pause", s.handlePauseRun)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleStopRun)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/candles", s.handleCandles)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ---------------------------------------------------------------------------
// Backtests
// ---------------------------------------------------------------------------

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad request body: %v", err))
		return
	}
	if req.StrategyID == "" {
		writeError(w, http.StatusBadRequest, "strategy_id required")
		return
	}

	strategy, err := s.strategies.GetStrategy(r.Context(), req.StrategyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("strategy %s not found", req.StrategyID))
			return
		}
		s.logger.Error("load strategy", "strategy_id", req.StrategyID, "error", err)
		writeError(w, http.StatusInternalServerError, "loading strategy failed")
		return
	}
	if req.Symbol != "" {
		strategy.Symbol = strings.ToUpper(req.Symbol)
	}
	if req.Interval != "" {
		iv := domain.Interval(req.Interval)
		if !iv.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown interval %q", req.Interval))
			return
		}
		strategy.Interval = iv
	}

	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC 3339")
		return
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be RFC 3339")
		return
	}

	balance := s.cfg.DefaultBalance
	if req.InitialBalance != nil {
		balance = *req.InitialBalance
	}
	feeRate := s.cfg.DefaultFeeRate
	if req.FeeRate != nil {
		feeRate = *req.FeeRate
	}

	candles, err := s.candles.ReadCandles(r.Context(), s.cfg.Environment, strategy.Symbol, strategy.Interval, start, end)
	if err != nil {
		s.logger.Error("read candle archive",
			"symbol", strategy.Symbol,
			"interval", strategy.Interval,
			"error", err)
		writeError(w, http.StatusInternalServerError, "reading candle archive failed")
		return
	}
	window, err := market.NewWindow(strategy.Symbol, strategy.Interval, candles)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.runner.Run(window, backtest.Params{
		Strategy:       strategy,
		InitialBalance: balance,
		FeeRate:        feeRate,
		Start:          start,
		End:            end,
	})
	if err != nil {
		// The result carries the failure message and zeroed metrics.
		if backtest.IsInputError(err) {
			writeJSON(w, http.StatusBadRequest, result)
			return
		}
		s.logger.Error("backtest failed", "strategy_id", strategy.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "backtest failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req createStrategyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad request body: %v", err))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	iv := domain.Interval(req.Interval)
	if !iv.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown interval %q", req.Interval))
		return
	}
	if req.StopLossPct < 0 || req.StopLossPct >= 100 {
		writeError(w, http.StatusBadRequest, "stop_loss_pct must be in [0, 100)")
		return
	}
	if req.TakeProfitPct < 0 {
		writeError(w, http.StatusBadRequest, "take_profit_pct must be >= 0")
		return
	}
	// Rule sets are validated at the storage boundary so every stored
	// strategy is runnable.
	if _, err := rule.Parse(req.RuleSet); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	strategy := domain.Strategy{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Description:   req.Description,
		Symbol:        strings.ToUpper(req.Symbol),
		Interval:      iv,
		RuleSet:       req.RuleSet,
		StopLossPct:   req.StopLossPct,
		TakeProfitPct: req.TakeProfitPct,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.strategies.SaveStrategy(r.Context(), strategy); err != nil {
		s.logger.Error("save strategy", "strategy_id", strategy.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "saving strategy failed")
		return
	}
	writeJSON(w, http.StatusCreated, strategy)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := s.strategies.ListStrategies(r.Context())
	if err != nil {
		s.logger.Error("list strategies", "error", err)
		writeError(w, http.StatusInternalServerError, "listing strategies failed")
		return
	}
	if list == nil {
		list = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, strategiesResponse{Strategies: list})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	strategy, err := s.strategies.GetStrategy(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("strategy %s not found", id))
			return
		}
		s.logger.Error("load strategy", "strategy_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading strategy failed")
		return
	}
	writeJSON(w, http.StatusOK, strategy)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.strategies.DeleteStrategy(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("strategy %s not found", id))
			return
		}
		s.logger.Error("delete strategy", "strategy_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "deleting strategy failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Live runs
// ---------------------------------------------------------------------------

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "live trading not configured")
		return
	}
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad request body: %v", err))
		return
	}
	if req.StrategyID == "" {
		writeError(w, http.StatusBadRequest, "strategy_id required")
		return
	}

	strategy, err := s.strategies.GetStrategy(r.Context(), req.StrategyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("strategy %s not found", req.StrategyID))
			return
		}
		s.logger.Error("load strategy", "strategy_id", req.StrategyID, "error", err)
		writeError(w, http.StatusInternalServerError, "loading strategy failed")
		return
	}

	state, err := s.controller.Start(r.Context(), strategy)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRunExists):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrAuthentication):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusBadGateway, fmt.Sprintf("starting run failed: %v", err))
		}
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	persisted, err := s.runStore.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}

	// In-memory state is fresher than the persisted snapshot for
	// active runs.
	byID := make(map[string]domain.RunState, len(persisted))
	for _, rs := range persisted {
		byID[rs.ID] = rs
	}
	if s.controller != nil {
		for _, rs := range s.controller.Runs() {
			byID[rs.ID] = rs
		}
	}

	out := make([]domain.RunState, 0, len(byID))
	for _, rs := range byID {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, runsResponse{Runs: out})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.controller != nil {
		if state, ok := s.controller.Get(id); ok {
			writeJSON(w, http.StatusOK, state)
			return
		}
	}
	state, err := s.runStore.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
			return
		}
		s.logger.Error("load run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading run failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "live trading not configured")
		return
	}
	s.transitionRun(w, r, s.controller.Pause)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "live trading not configured")
		return
	}
	s.transitionRun(w, r, s.controller.Resume)
}

// transitionRun maps a pause or resume to JSON: 404 for unknown runs,
// 409 for a run in the wrong state.
func (s *Server) transitionRun(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (domain.RunState, error)) {
	id := r.PathValue("id")
	state, err := op(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "live trading not configured")
		return
	}
	id := r.PathValue("id")
	state, err := s.controller.Stop(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
			return
		}
		s.logger.Error("stop run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "stopping run failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ---------------------------------------------------------------------------
// Trades and candles
// ---------------------------------------------------------------------------

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	trades, err := s.trades.ListTrades(r.Context(), q.Get("strategy_id"), strings.ToUpper(q.Get("symbol")), limit)
	if err != nil {
		s.logger.Error("list trades", "error", err)
		writeError(w, http.StatusInternalServerError, "listing trades failed")
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, tradesResponse{Trades: trades})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.ToUpper(q.Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	iv := domain.Interval(q.Get("interval"))
	if !iv.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown interval %q", q.Get("interval")))
		return
	}
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC 3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be RFC 3339")
		return
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	candles, err := s.candles.ReadCandles(r.Context(), s.cfg.Environment, symbol, iv, start, end)
	if err != nil {
		s.logger.Error("read candle archive", "symbol", symbol, "interval", iv, "error", err)
		writeError(w, http.StatusInternalServerError, "reading candle archive failed")
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}
	writeJSON(w, http.StatusOK, candlesResponse{Symbol: symbol, Interval: iv, Candles: candles})
}
