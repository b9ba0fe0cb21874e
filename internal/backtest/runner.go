// Package backtest replays a market data window candle-by-candle
// through a strategy's rule set, simulating fills, fees and risk exits,
// and produces an aggregate result derived entirely from the trade
// ledger. Given identical inputs the output is byte-identical; nothing
// in here touches the network or a random source.
package backtest

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/domain"
	"tradeforge/internal/indicator"
	"tradeforge/internal/market"
	"tradeforge/internal/rule"
)

// Params are the inputs of one simulation run. Start and End, when
// non-zero, assert that the window fully covers [Start, End); a window
// that does not fails the run loudly instead of silently truncating
// the range.
type Params struct {
	Strategy       domain.Strategy
	InitialBalance float64
	FeeRate        float64
	Start          time.Time
	End            time.Time
}

// Runner executes simulation runs.
type Runner struct {
	logger *slog.Logger
}

// New returns a Runner logging through the given logger.
func New(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run simulates the strategy over the window. On failure the returned
// result carries the error message and zeroed metrics alongside the
// error itself, so callers can persist a consistent record either way.
func (r *Runner) Run(w *market.Window, p Params) (domain.BacktestResult, error) {
	if p.InitialBalance <= 0 {
		return failed(fmt.Errorf("initial balance must be positive, got %v", p.InitialBalance))
	}
	if p.FeeRate < 0 || p.FeeRate >= 1 {
		return failed(fmt.Errorf("fee rate must be in [0, 1), got %v", p.FeeRate))
	}
	if w == nil || w.Len() == 0 {
		return failed(fmt.Errorf("backtest %s: %w", p.Strategy.Symbol, domain.ErrNoData))
	}
	if !p.Start.IsZero() || !p.End.IsZero() {
		if !p.Start.Before(p.End) {
			return failed(fmt.Errorf("backtest range %s..%s: %w", p.Start, p.End, domain.ErrInvalidRange))
		}
		if err := w.CheckCoverage(p.Start, p.End); err != nil {
			return failed(fmt.Errorf("backtest %s: %w", p.Strategy.Symbol, err))
		}
	}

	rules, err := rule.Parse(p.Strategy.RuleSet)
	if err != nil {
		return failed(fmt.Errorf("strategy %s: %w", p.Strategy.ID, err))
	}
	set, err := indicator.Compute(w, rules.Indicators)
	if err != nil {
		return failed(fmt.Errorf("strategy %s: %w", p.Strategy.ID, err))
	}
	ev, err := rule.NewEvaluator(rules, set)
	if err != nil {
		return failed(fmt.Errorf("strategy %s: %w", p.Strategy.ID, err))
	}

	start := firstReadyIndex(set, rules.References())
	if start < 0 {
		return failed(fmt.Errorf("strategy %s on %d candles: %w", p.Strategy.ID, w.Len(), domain.ErrInsufficientData))
	}

	sim := &simulation{
		strategy: p.Strategy,
		feeRate:  p.FeeRate,
		cash:     p.InitialBalance,
		peak:     p.InitialBalance,
	}
	for i := start; i < w.Len(); i++ {
		c := w.At(i)
		sim.checkRiskExits(c)
		switch ev.Signal(i) {
		case domain.SignalBuy:
			sim.open(c)
		case domain.SignalSell:
			sim.close(c.CloseTime, c.Close, domain.ExitSignal)
		}
		sim.markEquity(c.Close)
	}
	if sim.position != nil {
		last := w.At(w.Len() - 1)
		sim.close(last.CloseTime, last.Close, domain.ExitEndOfWindow)
	}

	result := sim.result(p.InitialBalance)
	if r.logger != nil {
		r.logger.Info("backtest complete",
			"strategy_id", p.Strategy.ID,
			"symbol", w.Symbol(),
			"candles", w.Len(),
			"trades", result.TotalTrades,
			"total_pnl", result.TotalPnL)
	}
	return result, nil
}

// firstReadyIndex returns the first candle index where every
// referenced series is ready, or -1 if one never becomes ready.
// Referencing a constant-only rule set starts at index 0.
func firstReadyIndex(set indicator.Set, refs []string) int {
	start := 0
	for _, key := range refs {
		series, ok := set.Lookup(key)
		if !ok {
			return -1
		}
		fr := series.FirstReady()
		if fr < 0 {
			return -1
		}
		if fr > start {
			start = fr
		}
	}
	return start
}

// simulation tracks the evolving state of one run: cash, the open
// position if any, and the equity peak used for drawdown.
type simulation struct {
	strategy domain.Strategy
	feeRate  float64

	cash        float64
	position    *domain.Position
	costBasis   float64
	trades      []domain.Trade
	peak        float64
	maxDrawdown float64
}

// open enters a full-allocation position at the candle close, with the
// fee deducted from the cash committed. No-op when a position is
// already open.
func (s *simulation) open(c domain.Candle) {
	if s.position != nil || s.cash <= 0 {
		return
	}
	fee := s.cash * s.feeRate
	qty := (s.cash - fee) / c.Close
	pos := &domain.Position{
		Symbol:     s.strategy.Symbol,
		EntryPrice: c.Close,
		Quantity:   qty,
		EntryTime:  c.CloseTime,
	}
	if s.strategy.StopLossPct > 0 {
		pos.StopLoss = c.Close * (1 - s.strategy.StopLossPct/100)
	}
	if s.strategy.TakeProfitPct > 0 {
		pos.TakeProfit = c.Close * (1 + s.strategy.TakeProfitPct/100)
	}
	s.costBasis = s.cash
	s.cash = 0
	s.position = pos
}

// checkRiskExits force-closes at the trigger price when the candle
// breaches the stop-loss or take-profit level. Runs before any
// signal-driven exit on the same candle. When one candle breaches both
// levels the stop-loss wins; intra-candle ordering is unknowable from
// OHLC data, and assuming the loss is the conservative reading.
func (s *simulation) checkRiskExits(c domain.Candle) {
	if s.position == nil {
		return
	}
	if s.position.StopLoss > 0 && c.Low <= s.position.StopLoss {
		s.close(c.CloseTime, s.position.StopLoss, domain.ExitStopLoss)
		return
	}
	if s.position.TakeProfit > 0 && c.High >= s.position.TakeProfit {
		s.close(c.CloseTime, s.position.TakeProfit, domain.ExitTakeProfit)
	}
}

// close realizes the open position at price, appending a trade to the
// ledger. No-op without an open position.
func (s *simulation) close(at time.Time, price float64, reason domain.ExitReason) {
	if s.position == nil {
		return
	}
	gross := s.position.Quantity * price
	proceeds := gross - gross*s.feeRate
	pnl := proceeds - s.costBasis
	s.trades = append(s.trades, domain.Trade{
		ID:         tradeID(s.strategy.ID, s.strategy.Symbol, s.position.EntryTime, at, len(s.trades)),
		StrategyID: s.strategy.ID,
		Symbol:     s.strategy.Symbol,
		Side:       domain.SideBuy,
		EntryPrice: s.position.EntryPrice,
		ExitPrice:  price,
		EntryTime:  s.position.EntryTime,
		ExitTime:   at,
		Quantity:   s.position.Quantity,
		PnL:        pnl,
		PnLPercent: pnl / s.costBasis * 100,
		ExitReason: reason,
	})
	s.cash = proceeds
	s.position = nil
	s.costBasis = 0
}

// markEquity updates the equity curve at the candle close and records
// the deepest peak-to-trough decline seen so far. Equity is cash plus
// the open position's mark-to-market, not price.
func (s *simulation) markEquity(close float64) {
	equity := s.cash
	if s.position != nil {
		equity += s.position.Quantity * close
	}
	if equity > s.peak {
		s.peak = equity
	}
	if s.peak > 0 {
		dd := (s.peak - equity) / s.peak * 100
		if dd > s.maxDrawdown {
			s.maxDrawdown = dd
		}
	}
}

func (s *simulation) result(initialBalance float64) domain.BacktestResult {
	res := domain.BacktestResult{
		TotalTrades: len(s.trades),
		Trades:      s.trades,
		MaxDrawdown: s.maxDrawdown,
		FinalEquity: s.cash,
	}
	for _, t := range s.trades {
		res.TotalPnL += t.PnL
		if t.PnL > 0 {
			res.WinningTrades++
		} else if t.PnL < 0 {
			res.LosingTrades++
		}
	}
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.WinningTrades) / float64(res.TotalTrades) * 100
	}
	res.TotalPnLPercent = res.TotalPnL / initialBalance * 100
	return res
}

// tradeID derives a stable identifier from the trade's coordinates, so
// rerunning the identical simulation reproduces identical ledgers.
func tradeID(strategyID, symbol string, entry, exit time.Time, seq int) string {
	key := fmt.Sprintf("%s|%s|%d|%d|%d", strategyID, symbol, entry.UnixMilli(), exit.UnixMilli(), seq)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func failed(err error) (domain.BacktestResult, error) {
	return domain.BacktestResult{ErrorMessage: err.Error(), Trades: []domain.Trade{}}, err
}

// IsInputError reports whether err is a run-input problem the caller
// should surface as a bad request rather than an internal failure.
func IsInputError(err error) bool {
	return errors.Is(err, domain.ErrNoData) ||
		errors.Is(err, domain.ErrInvalidRange) ||
		errors.Is(err, domain.ErrIncompleteCoverage) ||
		errors.Is(err, domain.ErrInsufficientData) ||
		errors.Is(err, domain.ErrUnknownIndicator)
}
