package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"tradeforge/internal/backtest"
	"tradeforge/internal/broker"
	"tradeforge/internal/domain"
	"tradeforge/internal/live"
	"tradeforge/internal/market"
	"tradeforge/internal/notify"
	"tradeforge/internal/util"
)

var base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// In-memory stores
// ---------------------------------------------------------------------------

type memStrategyStore struct {
	mu sync.Mutex
	m  map[string]domain.Strategy
}

func (s *memStrategyStore) SaveStrategy(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]domain.Strategy)
	}
	s.m[st.ID] = st
	return nil
}

func (s *memStrategyStore) GetStrategy(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	return st, nil
}

func (s *memStrategyStore) ListStrategies(context.Context) ([]domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Strategy, 0, len(s.m))
	for _, st := range s.m {
		out = append(out, st)
	}
	return out, nil
}

func (s *memStrategyStore) DeleteStrategy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	delete(s.m, id)
	return nil
}

type memTradeStore struct {
	mu     sync.Mutex
	trades []domain.Trade
}

func (s *memTradeStore) SaveTrades(_ context.Context, trades []domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trades...)
	return nil
}

func (s *memTradeStore) ListTrades(_ context.Context, strategyID, symbol string, limit int) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, t := range s.trades {
		if strategyID != "" && t.StrategyID != strategyID {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.After(out[j].ExitTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memRunStore struct {
	mu sync.Mutex
	m  map[string]domain.RunState
}

func (s *memRunStore) SaveRun(_ context.Context, r domain.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]domain.RunState)
	}
	s.m[r.ID] = r
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, id string) (domain.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return domain.RunState{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

func (s *memRunStore) ListRuns(context.Context) ([]domain.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RunState, 0, len(s.m))
	for _, r := range s.m {
		out = append(out, r)
	}
	return out, nil
}

func (s *memRunStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

type memCandleStore struct {
	mu sync.Mutex
	m  map[string][]domain.Candle
}

func candleKey(env domain.Environment, symbol string, iv domain.Interval) string {
	return string(env) + "/" + symbol + "/" + string(iv)
}

func (s *memCandleStore) WriteCandles(_ context.Context, env domain.Environment, symbol string, iv domain.Interval, candles []domain.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string][]domain.Candle)
	}
	k := candleKey(env, symbol, iv)
	s.m[k] = append(s.m[k], candles...)
	return nil
}

func (s *memCandleStore) ReadCandles(_ context.Context, env domain.Environment, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Candle
	for _, c := range s.m[candleKey(env, symbol, iv)] {
		if !c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memCandleStore) ListSymbols(context.Context, domain.Environment) ([]string, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	strategies *memStrategyStore
	trades     *memTradeStore
	runStore   *memRunStore
	candles    *memCandleStore
	server     *httptest.Server
}

func newFixture(t *testing.T, controller *live.Controller) *fixture {
	t.Helper()
	f := &fixture{
		strategies: &memStrategyStore{},
		trades:     &memTradeStore{},
		runStore:   &memRunStore{},
		candles:    &memCandleStore{},
	}
	api := NewServer(f.strategies, f.trades, f.runStore, f.candles, controller, backtest.New(util.NewLogger("error", "text")), Config{
		Environment:    domain.EnvSpotTestnet,
		DefaultBalance: 10000,
		DefaultFeeRate: 0.001,
	}, util.NewLogger("error", "text"))
	f.server = httptest.NewServer(api.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return resp, out.Bytes()
}

func thresholdRules() json.RawMessage {
	return json.RawMessage(`{
		"entry": {"mode": "all", "conditions": [{"left": "close", "op": "crosses_above", "value": 110}]},
		"exit":  {"mode": "all", "conditions": [{"left": "close", "op": "crosses_below", "value": 110}]}
	}`)
}

func seedStrategy(t *testing.T, f *fixture) domain.Strategy {
	t.Helper()
	st := domain.Strategy{
		ID:        "strat-1",
		Name:      "threshold",
		Symbol:    "BTCUSDT",
		Interval:  domain.Interval("1h"),
		RuleSet:   thresholdRules(),
		CreatedAt: base,
	}
	if err := f.strategies.SaveStrategy(context.Background(), st); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	return st
}

// archiveCandles stores a flat-rally-flat close series that produces
// exactly one round trip under the threshold rules.
func archiveCandles(t *testing.T, f *fixture) (start, end time.Time) {
	t.Helper()
	closes := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 10; i++ {
		closes = append(closes, 120)
	}
	for i := 0; i < 10; i++ {
		closes = append(closes, 100)
	}
	candles := make([]domain.Candle, len(closes))
	for i, cl := range closes {
		open := base.Add(time.Duration(i) * time.Hour)
		candles[i] = domain.Candle{
			OpenTime: open, Open: cl, High: cl, Low: cl, Close: cl,
			Volume: 1, CloseTime: open.Add(time.Hour),
		}
	}
	err := f.candles.WriteCandles(context.Background(), domain.EnvSpotTestnet, "BTCUSDT", domain.Interval("1h"), candles)
	if err != nil {
		t.Fatalf("seed candles: %v", err)
	}
	return candles[0].OpenTime, candles[len(candles)-1].CloseTime
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

func TestStrategyLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "POST", "/api/strategies", createStrategyRequest{
		Name:     "threshold",
		Symbol:   "btcusdt",
		Interval: "1h",
		RuleSet:  thresholdRules(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}
	var created domain.Strategy
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decoding created strategy: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created strategy has no id")
	}
	if created.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want uppercased BTCUSDT", created.Symbol)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}

	resp, _ = f.do(t, "GET", "/api/strategies/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp, body = f.do(t, "GET", "/api/strategies", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list strategiesResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list.Strategies) != 1 {
		t.Fatalf("listed %d strategies, want 1", len(list.Strategies))
	}

	resp, _ = f.do(t, "DELETE", "/api/strategies/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/api/strategies/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateStrategyValidation(t *testing.T) {
	f := newFixture(t, nil)

	cases := map[string]createStrategyRequest{
		"missing name":     {Symbol: "BTCUSDT", Interval: "1h", RuleSet: thresholdRules()},
		"missing symbol":   {Name: "x", Interval: "1h", RuleSet: thresholdRules()},
		"unknown interval": {Name: "x", Symbol: "BTCUSDT", Interval: "7m", RuleSet: thresholdRules()},
		"no entry rules":   {Name: "x", Symbol: "BTCUSDT", Interval: "1h", RuleSet: json.RawMessage(`{}`)},
		"stop loss >= 100": {Name: "x", Symbol: "BTCUSDT", Interval: "1h", RuleSet: thresholdRules(), StopLossPct: 100},
	}
	for name, req := range cases {
		resp, body := f.do(t, "POST", "/api/strategies", req)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400 (body %s)", name, resp.StatusCode, body)
		}
	}
}

// ---------------------------------------------------------------------------
// Backtests
// ---------------------------------------------------------------------------

func TestBacktestOverArchivedCandles(t *testing.T) {
	f := newFixture(t, nil)
	st := seedStrategy(t, f)
	start, end := archiveCandles(t, f)

	resp, body := f.do(t, "POST", "/api/backtests", backtestRequest{
		StrategyID: st.ID,
		Start:      start.Format(time.RFC3339),
		End:        end.Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var result domain.BacktestResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.TotalTrades != 1 {
		t.Fatalf("TotalTrades = %d, want 1", result.TotalTrades)
	}
	if result.ErrorMessage != "" {
		t.Fatalf("unexpected error message %q", result.ErrorMessage)
	}
	if result.Trades[0].ExitReason != domain.ExitSignal {
		t.Fatalf("exit reason = %q, want signal", result.Trades[0].ExitReason)
	}
}

func TestBacktestUnknownStrategy(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, "POST", "/api/backtests", backtestRequest{
		StrategyID: "nope",
		Start:      base.Format(time.RFC3339),
		End:        base.Add(time.Hour).Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBacktestEmptyArchiveIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)
	st := seedStrategy(t, f)

	resp, body := f.do(t, "POST", "/api/backtests", backtestRequest{
		StrategyID: st.ID,
		Start:      base.Format(time.RFC3339),
		End:        base.Add(24 * time.Hour).Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var result domain.BacktestResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.ErrorMessage == "" {
		t.Fatal("error body carries no message")
	}
	if result.TotalTrades != 0 || result.FinalEquity != 0 {
		t.Fatal("failed result metrics not zeroed")
	}
}

func TestBacktestRejectsBadTimestamps(t *testing.T) {
	f := newFixture(t, nil)
	st := seedStrategy(t, f)

	resp, _ := f.do(t, "POST", "/api/backtests", backtestRequest{
		StrategyID: st.ID,
		Start:      "yesterday",
		End:        base.Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Trades and candles
// ---------------------------------------------------------------------------

func TestTradesQueryFilters(t *testing.T) {
	f := newFixture(t, nil)
	err := f.trades.SaveTrades(context.Background(), []domain.Trade{
		{ID: "t1", StrategyID: "a", Symbol: "BTCUSDT", ExitTime: base.Add(1 * time.Hour)},
		{ID: "t2", StrategyID: "a", Symbol: "ETHUSDT", ExitTime: base.Add(2 * time.Hour)},
		{ID: "t3", StrategyID: "b", Symbol: "BTCUSDT", ExitTime: base.Add(3 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("seed trades: %v", err)
	}

	resp, body := f.do(t, "GET", "/api/trades?strategy_id=a", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got tradesResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding trades: %v", err)
	}
	if len(got.Trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(got.Trades))
	}

	resp, _ = f.do(t, "GET", "/api/trades?limit=-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d, want 400", resp.StatusCode)
	}
}

func TestCandlesEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	start, end := archiveCandles(t, f)

	path := fmt.Sprintf("/api/candles?symbol=btcusdt&interval=1h&start=%s&end=%s",
		start.Format(time.RFC3339), end.Format(time.RFC3339))
	resp, body := f.do(t, "GET", path, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var got candlesResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding candles: %v", err)
	}
	if len(got.Candles) != 40 {
		t.Fatalf("got %d candles, want 40", len(got.Candles))
	}
	if got.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", got.Symbol)
	}

	resp, _ = f.do(t, "GET", "/api/candles?symbol=BTCUSDT&interval=7m&start=2025-06-01T00:00:00Z&end=2025-06-02T00:00:00Z", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad interval status = %d, want 400", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Live runs
// ---------------------------------------------------------------------------

type stubSource struct {
	history []domain.Candle
	stream  chan domain.Candle
}

func (s *stubSource) Fetch(context.Context, string, domain.Interval, int, time.Time, time.Time) ([]domain.Candle, error) {
	return s.history, nil
}

func (s *stubSource) Backfill(context.Context, string, domain.Interval, time.Time, time.Time) (*market.Window, error) {
	return nil, errors.New("not used")
}

func (s *stubSource) Stream(ctx context.Context, _ string, _ domain.Interval) (<-chan domain.Candle, error) {
	out := make(chan domain.Candle)
	go func() {
		defer close(out)
		for {
			select {
			case c, ok := <-s.stream:
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func liveFixture(t *testing.T) *fixture {
	t.Helper()
	history := make([]domain.Candle, 10)
	for i := range history {
		open := base.Add(time.Duration(i) * time.Hour)
		history[i] = domain.Candle{
			OpenTime: open, Open: 100, High: 101, Low: 99, Close: 100,
			Volume: 1, CloseTime: open.Add(time.Hour),
		}
	}
	src := &stubSource{history: history, stream: make(chan domain.Candle, 8)}
	runStore := &memRunStore{}
	trades := &memTradeStore{}
	controller := live.NewController(
		broker.NewSimGateway("USDT", 10000),
		src,
		runStore,
		trades,
		notify.Nop{},
		live.Config{QuoteAsset: "USDT", AllocationFraction: 1, FeeRate: 0.001},
		util.NewLogger("error", "text"),
	)

	f := &fixture{
		strategies: &memStrategyStore{},
		trades:     trades,
		runStore:   runStore,
		candles:    &memCandleStore{},
	}
	api := NewServer(f.strategies, f.trades, f.runStore, f.candles, controller, backtest.New(util.NewLogger("error", "text")), Config{
		Environment:    domain.EnvSpotTestnet,
		DefaultBalance: 10000,
		DefaultFeeRate: 0.001,
	}, util.NewLogger("error", "text"))
	f.server = httptest.NewServer(api.Handler())
	t.Cleanup(f.server.Close)
	t.Cleanup(func() { controller.StopAll(context.Background()) })
	return f
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	f := liveFixture(t)
	st := seedStrategy(t, f)

	resp, body := f.do(t, "POST", "/api/runs", startRunRequest{StrategyID: st.ID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", resp.StatusCode, body)
	}
	var state domain.RunState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decoding run state: %v", err)
	}
	if state.Status != domain.RunActive {
		t.Fatalf("status = %q, want active", state.Status)
	}

	resp, _ = f.do(t, "POST", "/api/runs", startRunRequest{StrategyID: st.ID})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start status = %d, want 409", resp.StatusCode)
	}

	resp, body = f.do(t, "GET", "/api/runs/"+state.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run status = %d, body %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, "POST", "/api/runs/"+state.ID+"/pause", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d, body %s", resp.StatusCode, body)
	}
	var paused domain.RunState
	if err := json.Unmarshal(body, &paused); err != nil {
		t.Fatalf("decoding paused state: %v", err)
	}
	if paused.Status != domain.RunPaused {
		t.Fatalf("status after pause = %q, want paused", paused.Status)
	}
	resp, _ = f.do(t, "POST", "/api/runs/"+state.ID+"/pause", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second pause status = %d, want 409", resp.StatusCode)
	}
	resp, _ = f.do(t, "POST", "/api/runs/missing/pause", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pause unknown run status = %d, want 404", resp.StatusCode)
	}
	resp, body = f.do(t, "POST", "/api/runs/"+state.ID+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, body %s", resp.StatusCode, body)
	}
	var resumed domain.RunState
	if err := json.Unmarshal(body, &resumed); err != nil {
		t.Fatalf("decoding resumed state: %v", err)
	}
	if resumed.Status != domain.RunActive {
		t.Fatalf("status after resume = %q, want active", resumed.Status)
	}

	resp, body = f.do(t, "GET", "/api/runs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list runs status = %d", resp.StatusCode)
	}
	var list runsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decoding runs: %v", err)
	}
	if len(list.Runs) != 1 {
		t.Fatalf("listed %d runs, want 1", len(list.Runs))
	}

	resp, body = f.do(t, "DELETE", "/api/runs/"+state.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", resp.StatusCode, body)
	}
	var stopped domain.RunState
	if err := json.Unmarshal(body, &stopped); err != nil {
		t.Fatalf("decoding stopped state: %v", err)
	}
	if stopped.Status != domain.RunStopped {
		t.Fatalf("status after stop = %q, want stopped", stopped.Status)
	}

	resp, _ = f.do(t, "DELETE", "/api/runs/"+state.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second stop status = %d, want 404", resp.StatusCode)
	}

	// The stopped run remains visible through its persisted snapshot.
	resp, _ = f.do(t, "GET", "/api/runs/"+state.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get stopped run status = %d, want 200", resp.StatusCode)
	}
}

func TestRunEndpointsWithoutController(t *testing.T) {
	f := newFixture(t, nil)
	st := seedStrategy(t, f)

	resp, _ := f.do(t, "POST", "/api/runs", startRunRequest{StrategyID: st.ID})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("start status = %d, want 503", resp.StatusCode)
	}
	resp, _ = f.do(t, "DELETE", "/api/runs/whatever", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("stop status = %d, want 503", resp.StatusCode)
	}
}
