package domain

import "errors"

// Sentinel errors for the engine's failure taxonomy. Callers match
// with errors.Is; wrap sites attach symbol, strategy id, and timestamp
// context with %w.
var (
	// ErrInsufficientData means a window is shorter than an
	// indicator's warm-up requirement. Recoverable: fetch more
	// candles and retry.
	ErrInsufficientData = errors.New("insufficient data for indicator warm-up")

	// ErrUnknownIndicator means a rule set references an indicator
	// that was not computed for the window. The affected candle is
	// skipped; the run continues.
	ErrUnknownIndicator = errors.New("rule references unknown indicator")

	// ErrNoData means a backtest was started on an empty window.
	ErrNoData = errors.New("no candle data in window")

	// ErrInvalidRange means start >= end for a requested range.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrIncompleteCoverage means the candle archive does not fully
	// cover a requested range. The range is rejected, never silently
	// truncated; callers backfill first.
	ErrIncompleteCoverage = errors.New("candle data does not cover requested range")

	// ErrDataUnavailable means the market data provider returned
	// nothing for a symbol/interval, typically an unknown symbol.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrInvalidEnvironment means an environment string is outside
	// the closed spot/spot-testnet/futures/futures-testnet set.
	ErrInvalidEnvironment = errors.New("invalid venue environment")

	// ErrNotFound means a stored entity (strategy, run, trade) does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunExists means a (strategy, symbol) pair already has a live
	// run; at most one run per pair may exist.
	ErrRunExists = errors.New("run already exists for pair")

	// Live-trading errors. Each is fatal to the affected run only:
	// the run transitions to error state and order placement is never
	// silently retried.
	ErrAuthentication    = errors.New("venue authentication failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderRejected     = errors.New("order rejected by venue")
)
