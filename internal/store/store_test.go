package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tradeforge/internal/domain"
)

var base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func testSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStrategyRoundTrip(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	want := domain.Strategy{
		ID:            "strat-1",
		Name:          "ema cross",
		Description:   "9/21 crossover",
		Symbol:        "BTCUSDT",
		Interval:      domain.Interval("1h"),
		RuleSet:       json.RawMessage(`{"entry":{"mode":"all","conditions":[]}}`),
		StopLossPct:   2,
		TakeProfitPct: 5,
		CreatedAt:     base,
	}
	if err := s.SaveStrategy(ctx, want); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}
	got, err := s.GetStrategy(ctx, "strat-1")
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	if got.Name != want.Name || got.Symbol != want.Symbol || got.StopLossPct != want.StopLossPct {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if string(got.RuleSet) != string(want.RuleSet) {
		t.Errorf("rule set = %s, want %s", got.RuleSet, want.RuleSet)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("created at = %v, want %v", got.CreatedAt, base)
	}
}

func TestStrategyNotFound(t *testing.T) {
	s := testSQLite(t)
	if _, err := s.GetStrategy(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteStrategy(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
}

func tradeAt(id string, exit time.Time, pnl float64) domain.Trade {
	return domain.Trade{
		ID:         id,
		StrategyID: "strat-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		EntryPrice: 100,
		ExitPrice:  100 + pnl,
		EntryTime:  exit.Add(-time.Hour),
		ExitTime:   exit,
		Quantity:   1,
		PnL:        pnl,
		PnLPercent: pnl,
		ExitReason: domain.ExitSignal,
	}
}

func TestTradeLedgerAppendAndFilter(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	trades := []domain.Trade{
		tradeAt("t1", base.Add(time.Hour), 5),
		tradeAt("t2", base.Add(2*time.Hour), -3),
	}
	other := tradeAt("t3", base.Add(3*time.Hour), 1)
	other.StrategyID = "strat-2"
	other.Symbol = "ETHUSDT"

	if err := s.SaveTrades(ctx, append(trades, other)); err != nil {
		t.Fatalf("SaveTrades: %v", err)
	}
	// Re-saving the same ledger must not duplicate rows.
	if err := s.SaveTrades(ctx, trades); err != nil {
		t.Fatalf("SaveTrades again: %v", err)
	}

	all, err := s.ListTrades(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d trades, want 3", len(all))
	}
	if all[0].ID != "t3" {
		t.Errorf("first trade = %s, want newest first", all[0].ID)
	}

	mine, err := s.ListTrades(ctx, "strat-1", "", 0)
	if err != nil {
		t.Fatalf("ListTrades filtered: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("strategy filter returned %d trades, want 2", len(mine))
	}
	if !mine[0].ExitTime.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("exit time = %v", mine[0].ExitTime)
	}
}

func TestRunStateUpsert(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	run := domain.RunState{
		ID:            "run-1",
		StrategyID:    "strat-1",
		Symbol:        "BTCUSDT",
		Interval:      domain.Interval("1h"),
		Status:        domain.RunActive,
		LastEvaluated: base,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run.Status = domain.RunError
	run.Message = "order rejected by venue"
	run.OpenPosition = &domain.Position{
		Symbol: "BTCUSDT", EntryPrice: 100, Quantity: 2, EntryTime: base, StopLoss: 98,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunError || got.Message != "order rejected by venue" {
		t.Errorf("run = %+v", got)
	}
	if got.OpenPosition == nil || got.OpenPosition.StopLoss != 98 {
		t.Errorf("open position = %+v", got.OpenPosition)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}
	if err := s.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.GetRun(ctx, "run-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func candlesFrom(start time.Time, n int) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		open := start.Add(time.Duration(i) * time.Hour)
		out[i] = domain.Candle{
			OpenTime: open, Open: 100, High: 101, Low: 99, Close: 100 + float64(i),
			Volume: 10, CloseTime: open.Add(time.Hour),
		}
	}
	return out
}

func TestParquetRoundTrip(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()
	env := domain.EnvSpotTestnet

	if err := s.WriteCandles(ctx, env, "btcusdt", domain.Interval("1h"), candlesFrom(base, 48)); err != nil {
		t.Fatalf("WriteCandles: %v", err)
	}

	got, err := s.ReadCandles(ctx, env, "btcusdt", domain.Interval("1h"), base.Add(10*time.Hour), base.Add(20*time.Hour))
	if err != nil {
		t.Fatalf("ReadCandles: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d candles, want 10", len(got))
	}
	if !got[0].OpenTime.Equal(base.Add(10 * time.Hour)) {
		t.Errorf("first open = %v", got[0].OpenTime)
	}
	if got[9].Close != 119 {
		t.Errorf("last close = %v, want 119", got[9].Close)
	}
}

func TestParquetMergeDeduplicates(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()
	env := domain.EnvSpot

	if err := s.WriteCandles(ctx, env, "BTCUSDT", domain.Interval("1h"), candlesFrom(base, 24)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// Overlapping rewrite with amended closes must win without
	// duplicating rows.
	amended := candlesFrom(base.Add(12*time.Hour), 24)
	for i := range amended {
		amended[i].Close = 999
	}
	if err := s.WriteCandles(ctx, env, "BTCUSDT", domain.Interval("1h"), amended); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := s.ReadCandles(ctx, env, "BTCUSDT", domain.Interval("1h"), base, base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("ReadCandles: %v", err)
	}
	if len(got) != 36 {
		t.Fatalf("got %d candles, want 36 deduplicated", len(got))
	}
	if got[11].Close == 999 || got[12].Close != 999 {
		t.Errorf("merge did not prefer incoming records: close[11]=%v close[12]=%v", got[11].Close, got[12].Close)
	}
}

func TestParquetSpansYears(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()
	env := domain.EnvSpot
	newYear := time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC)

	if err := s.WriteCandles(ctx, env, "BTCUSDT", domain.Interval("1h"), candlesFrom(newYear, 24)); err != nil {
		t.Fatalf("WriteCandles: %v", err)
	}
	got, err := s.ReadCandles(ctx, env, "BTCUSDT", domain.Interval("1h"), newYear, newYear.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ReadCandles: %v", err)
	}
	if len(got) != 24 {
		t.Fatalf("got %d candles across the year boundary, want 24", len(got))
	}
}

func TestParquetListSymbols(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()
	env := domain.EnvSpotTestnet

	for _, sym := range []string{"ethusdt", "btcusdt"} {
		if err := s.WriteCandles(ctx, env, sym, domain.Interval("1h"), candlesFrom(base, 2)); err != nil {
			t.Fatalf("WriteCandles %s: %v", sym, err)
		}
	}
	symbols, err := s.ListSymbols(ctx, env)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Fatalf("symbols = %v", symbols)
	}
	if other, _ := s.ListSymbols(ctx, domain.EnvFutures); other != nil {
		t.Fatalf("unexpected symbols in empty environment: %v", other)
	}
}
