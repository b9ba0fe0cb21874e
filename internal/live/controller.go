// Package live drives strategies against the venue in real time: one
// decision per closed candle, real orders through the gateway, and a
// persistent run state per (strategy, symbol) pair.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/broker"
	"tradeforge/internal/domain"
	"tradeforge/internal/feed"
	"tradeforge/internal/indicator"
	"tradeforge/internal/market"
	"tradeforge/internal/notify"
	"tradeforge/internal/rule"
	"tradeforge/internal/store"
)

// candleQueueSize bounds how many closed candles may queue behind a
// slow evaluation before the feed goroutine blocks. Candles are never
// dropped or reordered.
const candleQueueSize = 16

// warmupCandles is how much history a run loads before streaming, so
// indicators are ready from the first live decision.
const warmupCandles = 500

// maxWindowCandles caps the in-memory window; older candles are
// trimmed once indicators no longer need them.
const maxWindowCandles = 2000

// Config carries the trading parameters shared by all runs of one
// controller.
type Config struct {
	QuoteAsset         string
	AllocationFraction float64
	FeeRate            float64
}

// Controller owns every live run in the process. Evaluations within
// one run are strictly sequential; distinct runs share nothing but the
// gateway's rate limit.
type Controller struct {
	gateway  broker.Gateway
	source   feed.CandleSource
	runStore store.RunStore
	trades   store.TradeStore
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger

	mu    sync.Mutex
	runs  map[string]*run   // by run ID
	pairs map[string]string // strategyID|symbol -> run ID
}

// NewController wires a controller. notifier may be notify.Nop{}.
func NewController(gateway broker.Gateway, source feed.CandleSource, runStore store.RunStore, trades store.TradeStore, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Controller {
	if cfg.AllocationFraction <= 0 || cfg.AllocationFraction > 1 {
		cfg.AllocationFraction = 1
	}
	return &Controller{
		gateway:  gateway,
		source:   source,
		runStore: runStore,
		trades:   trades,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		runs:     make(map[string]*run),
		pairs:    make(map[string]string),
	}
}

// run is one live (strategy, symbol) execution. The loop goroutine is
// the only writer of state after Start returns; the mutex exists for
// snapshot readers.
type run struct {
	id       string
	strategy domain.Strategy
	rules    rule.RuleSet

	window    *market.Window
	costBasis float64

	mu    sync.Mutex
	state domain.RunState

	candles chan domain.Candle
	cancel  context.CancelFunc
	done    chan struct{}
}

func (r *run) update(fn func(*domain.RunState)) {
	r.mu.Lock()
	fn(&r.state)
	r.mu.Unlock()
}

func (r *run) snapshot() domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func pairKey(strategyID, symbol string) string { return strategyID + "|" + symbol }

// Start validates the environment, loads warm-up history, subscribes
// to the candle stream and begins monitoring. It fails if the pair
// already has a run or the gateway is unreachable.
func (c *Controller) Start(ctx context.Context, strategy domain.Strategy) (domain.RunState, error) {
	rules, err := rule.Parse(strategy.RuleSet)
	if err != nil {
		return domain.RunState{}, fmt.Errorf("start %s: %w", strategy.ID, err)
	}
	if err := c.gateway.Ping(ctx); err != nil {
		return domain.RunState{}, fmt.Errorf("start %s: gateway unreachable: %w", strategy.ID, err)
	}

	key := pairKey(strategy.ID, strategy.Symbol)
	c.mu.Lock()
	if _, exists := c.pairs[key]; exists {
		c.mu.Unlock()
		return domain.RunState{}, fmt.Errorf("%s on %s: %w", strategy.ID, strategy.Symbol, domain.ErrRunExists)
	}
	// Reserve the pair before the slow backfill so a concurrent Start
	// for the same pair fails fast.
	c.pairs[key] = ""
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.pairs, key)
		c.mu.Unlock()
	}

	history, err := c.source.Fetch(ctx, strategy.Symbol, strategy.Interval, warmupCandles, time.Time{}, time.Time{})
	if err != nil {
		release()
		return domain.RunState{}, fmt.Errorf("start %s: load history: %w", strategy.ID, err)
	}
	window, err := market.NewWindow(strategy.Symbol, strategy.Interval, history)
	if err != nil {
		release()
		return domain.RunState{}, fmt.Errorf("start %s: %w", strategy.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.source.Stream(runCtx, strategy.Symbol, strategy.Interval)
	if err != nil {
		cancel()
		release()
		return domain.RunState{}, fmt.Errorf("start %s: %w", strategy.ID, err)
	}

	r := &run{
		id:       uuid.NewString(),
		strategy: strategy,
		rules:    rules,
		window:   window,
		candles:  make(chan domain.Candle, candleQueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	r.state = domain.RunState{
		ID:         r.id,
		StrategyID: strategy.ID,
		Symbol:     strategy.Symbol,
		Interval:   strategy.Interval,
		Status:     domain.RunActive,
	}

	c.mu.Lock()
	c.runs[r.id] = r
	c.pairs[key] = r.id
	c.mu.Unlock()

	if err := c.runStore.SaveRun(ctx, r.snapshot()); err != nil {
		c.logger.Error("persist run state", "run_id", r.id, "error", err)
	}

	go c.pump(runCtx, r, stream)
	go c.loop(runCtx, r)

	c.logger.Info("live run started",
		"run_id", r.id,
		"strategy_id", strategy.ID,
		"symbol", strategy.Symbol,
		"interval", strategy.Interval,
		"history", window.Len())
	return r.snapshot(), nil
}

// pump moves candles from the stream into the run's queue. Closing the
// queue tells the loop the stream ended.
func (c *Controller) pump(ctx context.Context, r *run, stream <-chan domain.Candle) {
	defer close(r.candles)
	for {
		select {
		case candle, ok := <-stream:
			if !ok {
				return
			}
			select {
			case r.candles <- candle:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// loop is the run's single evaluation goroutine: candles are processed
// strictly in arrival order, one at a time. A candle arriving during
// an evaluation waits in the queue.
func (c *Controller) loop(ctx context.Context, r *run) {
	defer close(r.done)
	for candle := range r.candles {
		switch r.snapshot().Status {
		case domain.RunActive:
			c.evaluate(ctx, r, candle)
		case domain.RunPaused:
			// Keep the window current so indicators are warm on
			// resume; no risk checks, no orders.
			if err := r.appendCandle(candle); err != nil {
				c.logger.Warn("candle dropped", "run_id", r.id, "open_time", candle.OpenTime, "error", err)
				continue
			}
			r.update(func(s *domain.RunState) { s.LastEvaluated = candle.CloseTime })
		default:
			continue // drain while stopping or errored
		}
		if err := c.runStore.SaveRun(context.WithoutCancel(ctx), r.snapshot()); err != nil {
			c.logger.Error("persist run state", "run_id", r.id, "error", err)
		}
	}
	if s := r.snapshot().Status; ctx.Err() == nil && (s == domain.RunActive || s == domain.RunPaused) {
		// Stream gave up; the run cannot make decisions anymore.
		r.update(func(s *domain.RunState) {
			s.Status = domain.RunError
			s.Message = "candle stream ended"
		})
		if err := c.runStore.SaveRun(context.WithoutCancel(ctx), r.snapshot()); err != nil {
			c.logger.Error("persist run state", "run_id", r.id, "error", err)
		}
	}
}

// evaluate runs the per-candle decision: append, risk exits first,
// then the rule signal. Gateway business failures transition the run
// to error without touching the open position.
func (c *Controller) evaluate(ctx context.Context, r *run, candle domain.Candle) {
	if err := r.appendCandle(candle); err != nil {
		// Duplicate or out-of-order delivery after a reconnect.
		c.logger.Warn("candle dropped", "run_id", r.id, "open_time", candle.OpenTime, "error", err)
		return
	}
	r.update(func(s *domain.RunState) { s.LastEvaluated = candle.CloseTime })

	if pos := r.snapshot().OpenPosition; pos != nil {
		if pos.StopLoss > 0 && candle.Low <= pos.StopLoss {
			c.exit(ctx, r, domain.ExitStopLoss)
			return
		}
		if pos.TakeProfit > 0 && candle.High >= pos.TakeProfit {
			c.exit(ctx, r, domain.ExitTakeProfit)
			return
		}
	}

	set, err := indicator.Compute(r.window, r.rules.Indicators)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientData) {
			return // window still warming up
		}
		c.fail(ctx, r, fmt.Errorf("compute indicators: %w", err))
		return
	}
	ev, err := rule.NewEvaluator(r.rules, set)
	if err != nil {
		// Unknown reference: configuration error, skip this candle
		// only and keep the previous state.
		c.logger.Warn("evaluation skipped", "run_id", r.id, "error", err)
		return
	}

	switch ev.Signal(r.window.Len() - 1) {
	case domain.SignalBuy:
		if r.snapshot().OpenPosition == nil {
			c.enter(ctx, r)
		}
	case domain.SignalSell:
		if r.snapshot().OpenPosition != nil {
			c.exit(ctx, r, domain.ExitSignal)
		}
	}
}

// enter places a real buy sized from the live quote balance.
func (c *Controller) enter(ctx context.Context, r *run) {
	balances, err := c.gateway.GetBalances(ctx)
	if err != nil {
		c.fail(ctx, r, fmt.Errorf("get balances: %w", err))
		return
	}
	var free float64
	for _, b := range balances {
		if b.Asset == c.cfg.QuoteAsset {
			free = b.Free
			break
		}
	}
	spend := free * c.cfg.AllocationFraction
	if spend <= 0 {
		c.fail(ctx, r, fmt.Errorf("no %s balance to allocate: %w", c.cfg.QuoteAsset, domain.ErrInsufficientFunds))
		return
	}

	conf, err := c.gateway.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        r.strategy.Symbol,
		Side:          domain.SideBuy,
		QuoteQuantity: spend,
	})
	if err != nil {
		c.fail(ctx, r, fmt.Errorf("buy order: %w", err))
		return
	}

	pos := &domain.Position{
		Symbol:     r.strategy.Symbol,
		EntryPrice: conf.Price,
		Quantity:   conf.Quantity,
		EntryTime:  conf.Timestamp,
	}
	if r.strategy.StopLossPct > 0 {
		pos.StopLoss = conf.Price * (1 - r.strategy.StopLossPct/100)
	}
	if r.strategy.TakeProfitPct > 0 {
		pos.TakeProfit = conf.Price * (1 + r.strategy.TakeProfitPct/100)
	}
	r.update(func(s *domain.RunState) { s.OpenPosition = pos })
	r.costBasis = conf.Price * conf.Quantity

	c.logger.Info("position opened",
		"run_id", r.id,
		"symbol", r.strategy.Symbol,
		"price", conf.Price,
		"qty", conf.Quantity)
	c.notify(ctx, fmt.Sprintf("%s: opened %s at %.4f (qty %.6f)",
		r.strategy.Name, r.strategy.Symbol, conf.Price, conf.Quantity))
}

// exit sells the open position at market and appends the trade to the
// ledger.
func (c *Controller) exit(ctx context.Context, r *run, reason domain.ExitReason) {
	pos := r.snapshot().OpenPosition
	conf, err := c.gateway.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   r.strategy.Symbol,
		Side:     domain.SideSell,
		Quantity: pos.Quantity,
	})
	if err != nil {
		c.fail(ctx, r, fmt.Errorf("sell order (%s): %w", reason, err))
		return
	}

	// Spot commissions are charged outside the fill notionals (in the
	// received asset), so estimate them with the configured rate on
	// both legs to keep the ledger comparable with backtest results.
	proceeds := conf.Price * conf.Quantity
	fees := (r.costBasis + proceeds) * c.cfg.FeeRate
	pnl := proceeds - r.costBasis - fees
	trade := domain.Trade{
		ID:         uuid.NewString(),
		StrategyID: r.strategy.ID,
		Symbol:     r.strategy.Symbol,
		Side:       domain.SideBuy,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  conf.Price,
		EntryTime:  pos.EntryTime,
		ExitTime:   conf.Timestamp,
		Quantity:   pos.Quantity,
		PnL:        pnl,
		PnLPercent: pnl / r.costBasis * 100,
		ExitReason: reason,
	}
	if err := c.trades.SaveTrades(context.WithoutCancel(ctx), []domain.Trade{trade}); err != nil {
		c.logger.Error("persist trade", "run_id", r.id, "error", err)
	}
	r.update(func(s *domain.RunState) { s.OpenPosition = nil })
	r.costBasis = 0

	c.logger.Info("position closed",
		"run_id", r.id,
		"symbol", r.strategy.Symbol,
		"reason", reason,
		"price", conf.Price,
		"pnl", pnl)
	c.notify(ctx, fmt.Sprintf("%s: closed %s at %.4f (%s, pnl %.2f)",
		r.strategy.Name, r.strategy.Symbol, conf.Price, reason, pnl))
}

// fail transitions the run to error. The open position, if any, stays
// untouched for manual reconciliation; the engine never auto-liquidates
// on its own failure and never retries the order.
func (c *Controller) fail(ctx context.Context, r *run, err error) {
	r.update(func(s *domain.RunState) {
		s.Status = domain.RunError
		s.Message = err.Error()
	})
	c.logger.Error("live run failed",
		"run_id", r.id,
		"strategy_id", r.strategy.ID,
		"symbol", r.strategy.Symbol,
		"error", err)
	c.notify(ctx, fmt.Sprintf("%s on %s stopped with error: %v", r.strategy.Name, r.strategy.Symbol, err))
}

// Pause suspends trading for the run: candles keep flowing into its
// window, but no signals are evaluated and no orders are placed. Risk
// exits are not enforced while paused; an open position rides the
// market until Resume.
func (c *Controller) Pause(ctx context.Context, runID string) (domain.RunState, error) {
	return c.transition(ctx, runID, domain.RunActive, domain.RunPaused)
}

// Resume reactivates a paused run.
func (c *Controller) Resume(ctx context.Context, runID string) (domain.RunState, error) {
	return c.transition(ctx, runID, domain.RunPaused, domain.RunActive)
}

func (c *Controller) transition(ctx context.Context, runID string, from, to domain.RunStatus) (domain.RunState, error) {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return domain.RunState{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	var stateErr error
	r.update(func(s *domain.RunState) {
		if s.Status != from {
			stateErr = fmt.Errorf("run %s is %s, not %s", runID, s.Status, from)
			return
		}
		s.Status = to
	})
	if stateErr != nil {
		return domain.RunState{}, stateErr
	}

	final := r.snapshot()
	if err := c.runStore.SaveRun(ctx, final); err != nil {
		c.logger.Error("persist run state", "run_id", runID, "error", err)
	}
	c.logger.Info("live run "+string(to), "run_id", runID)
	return final, nil
}

// Stop cancels the run's stream, waits for any in-flight evaluation to
// finish (so no order is left with unknown bookkeeping) and persists
// the stopped state.
func (c *Controller) Stop(ctx context.Context, runID string) (domain.RunState, error) {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return domain.RunState{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return domain.RunState{}, fmt.Errorf("stop run %s: %w", runID, ctx.Err())
	}

	r.update(func(s *domain.RunState) {
		if s.Status == domain.RunActive || s.Status == domain.RunPaused {
			s.Status = domain.RunStopped
		}
	})
	final := r.snapshot()
	if err := c.runStore.SaveRun(context.WithoutCancel(ctx), final); err != nil {
		c.logger.Error("persist run state", "run_id", runID, "error", err)
	}

	c.mu.Lock()
	delete(c.runs, runID)
	delete(c.pairs, pairKey(r.strategy.ID, r.strategy.Symbol))
	c.mu.Unlock()

	c.logger.Info("live run stopped", "run_id", runID, "status", final.Status)
	return final, nil
}

// StopAll stops every run, used at shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if _, err := c.Stop(ctx, id); err != nil {
			c.logger.Error("stop run", "run_id", id, "error", err)
		}
	}
}

// Runs returns a snapshot of every in-memory run state.
func (c *Controller) Runs() []domain.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RunState, 0, len(c.runs))
	for _, r := range c.runs {
		out = append(out, r.snapshot())
	}
	return out
}

// Get returns the in-memory state of one run.
func (c *Controller) Get(runID string) (domain.RunState, bool) {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return domain.RunState{}, false
	}
	return r.snapshot(), true
}

func (c *Controller) notify(ctx context.Context, text string) {
	// Best-effort: the notifier logs its own failures.
	_ = c.notifier.Notify(context.WithoutCancel(ctx), text)
}

// appendCandle grows the window, trimming old history once it exceeds
// the cap.
func (r *run) appendCandle(c domain.Candle) error {
	if err := r.window.Append(c); err != nil {
		return err
	}
	if r.window.Len() > maxWindowCandles {
		trimmed := make([]domain.Candle, 0, maxWindowCandles/2)
		for i := r.window.Len() - maxWindowCandles/2; i < r.window.Len(); i++ {
			trimmed = append(trimmed, r.window.At(i))
		}
		w, err := market.NewWindow(r.strategy.Symbol, r.strategy.Interval, trimmed)
		if err != nil {
			return err
		}
		r.window = w
	}
	return nil
}
