// Package domain defines the core types shared across the tradeforge
// engine: candles, positions, trades, run state, and the venue
// environment enumeration.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Interval identifies a candle duration using the venue's notation
// (e.g. "1m", "1h", "1d").
type Interval string

// Supported candle intervals.
const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Duration returns the fixed wall-clock duration of one candle of this
// interval. The second return value is false for unknown intervals.
func (i Interval) Duration() (time.Duration, bool) {
	d, ok := intervalDurations[i]
	return d, ok
}

// Valid reports whether the interval is one of the supported values.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Candle is a single OHLCV data point. Candles are immutable once
// produced and are uniquely identified by OpenTime within a
// (symbol, interval) series.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signal is the per-candle decision produced by rule evaluation.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Strategy is a named, immutable trading strategy definition. RuleSet
// holds the declarative entry/exit logic as JSON; it is parsed and
// validated by the rule package before any run starts. Editing a
// strategy mints a new ID, so trade and run records always point at
// the exact definition that produced them. StopLossPct and
// TakeProfitPct are percentages relative to entry price; zero means
// "not set".
type Strategy struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Symbol        string          `json:"symbol"`
	Interval      Interval        `json:"interval"`
	RuleSet       json.RawMessage `json:"rule_set"`
	StopLossPct   float64         `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64         `json:"take_profit_pct,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Position is an open holding for one (strategy, symbol) pair. The
// engine never holds more than one position per pair and never
// pyramids. StopLoss and TakeProfit of zero mean "not set".
type Position struct {
	Symbol     string    `json:"symbol"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	EntryTime  time.Time `json:"entry_time"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitSignal      ExitReason = "signal"
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitEndOfWindow ExitReason = "end_of_window"
)

// Trade is one completed round trip. Trades are immutable and
// append-only in the ledger.
type Trade struct {
	ID         string     `json:"id"`
	StrategyID string     `json:"strategy_id"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   time.Time  `json:"exit_time"`
	Quantity   float64    `json:"quantity"`
	PnL        float64    `json:"pnl"`
	PnLPercent float64    `json:"pnl_percent"`
	ExitReason ExitReason `json:"exit_reason"`
}

// BacktestResult is the aggregate outcome of one simulation run,
// derived entirely from its trade ledger. A failed run carries
// ErrorMessage plus zeroed metrics, never partial numbers.
type BacktestResult struct {
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"`
	TotalPnL        float64 `json:"total_pnl"`
	TotalPnLPercent float64 `json:"total_pnl_percent"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	FinalEquity     float64 `json:"final_equity"`
	Trades          []Trade `json:"trades"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// ---------------------------------------------------------------------------
// Live runs
// ---------------------------------------------------------------------------

// RunStatus is the lifecycle state of a live execution.
type RunStatus string

const (
	RunActive  RunStatus = "active"
	RunPaused  RunStatus = "paused"
	RunStopped RunStatus = "stopped"
	RunError   RunStatus = "error"
)

// RunState is the persistent state of one (strategy, symbol) live
// execution. It is mutated only by the live controller, once per
// closed candle.
type RunState struct {
	ID            string    `json:"id"`
	StrategyID    string    `json:"strategy_id"`
	Symbol        string    `json:"symbol"`
	Interval      Interval  `json:"interval"`
	Status        RunStatus `json:"status"`
	OpenPosition  *Position `json:"open_position,omitempty"`
	LastEvaluated time.Time `json:"last_evaluated"`
	Message       string    `json:"message,omitempty"`
}

// Balance is one asset's account balance at the venue.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// OrderConfirmation is the venue's acknowledgement of a placed order.
type OrderConfirmation struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Venue environment
// ---------------------------------------------------------------------------

// Environment selects which venue deployment requests are sent to.
// It is a closed enumeration; anything else fails validation at the
// boundary.
type Environment string

const (
	EnvSpot           Environment = "spot"
	EnvSpotTestnet    Environment = "spot-testnet"
	EnvFutures        Environment = "futures"
	EnvFuturesTestnet Environment = "futures-testnet"
)

// ParseEnvironment validates s against the closed environment set.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvSpot, EnvSpotTestnet, EnvFutures, EnvFuturesTestnet:
		return Environment(s), nil
	}
	return "", fmt.Errorf("unknown environment %q: %w", s, ErrInvalidEnvironment)
}

// BaseURL returns the REST API base for the environment.
func (e Environment) BaseURL() string {
	switch e {
	case EnvSpot:
		return "https://api.binance.com"
	case EnvSpotTestnet:
		return "https://testnet.binance.vision"
	case EnvFutures:
		return "https://fapi.binance.com"
	case EnvFuturesTestnet:
		return "https://testnet.binancefuture.com"
	}
	return ""
}

// StreamURL returns the websocket stream base for the environment.
func (e Environment) StreamURL() string {
	switch e {
	case EnvSpot:
		return "wss://stream.binance.com:9443"
	case EnvSpotTestnet:
		return "wss://testnet.binance.vision"
	case EnvFutures:
		return "wss://fstream.binance.com"
	case EnvFuturesTestnet:
		return "wss://stream.binancefuture.com"
	}
	return ""
}
