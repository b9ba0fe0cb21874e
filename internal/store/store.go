// Package store persists engine state: strategies, the trade ledger
// and live run states in SQLite, and the candle archive in Parquet
// files on disk.
package store

import (
	"context"
	"time"

	"tradeforge/internal/domain"
)

// StrategyStore persists strategy definitions. Strategies are
// immutable; editing one saves a new ID.
type StrategyStore interface {
	SaveStrategy(ctx context.Context, s domain.Strategy) error
	GetStrategy(ctx context.Context, id string) (domain.Strategy, error)
	ListStrategies(ctx context.Context) ([]domain.Strategy, error)
	DeleteStrategy(ctx context.Context, id string) error
}

// TradeStore is the append-only trade ledger.
type TradeStore interface {
	SaveTrades(ctx context.Context, trades []domain.Trade) error
	// ListTrades filters by strategy and symbol; empty strings match
	// everything. Results are ordered by exit time descending.
	ListTrades(ctx context.Context, strategyID, symbol string, limit int) ([]domain.Trade, error)
}

// RunStore persists live run states across restarts.
type RunStore interface {
	SaveRun(ctx context.Context, r domain.RunState) error
	GetRun(ctx context.Context, id string) (domain.RunState, error)
	ListRuns(ctx context.Context) ([]domain.RunState, error)
	DeleteRun(ctx context.Context, id string) error
}

// CandleStore archives historical candles per environment, symbol and
// interval.
type CandleStore interface {
	WriteCandles(ctx context.Context, env domain.Environment, symbol string, interval domain.Interval, candles []domain.Candle) error
	// ReadCandles returns candles with openTime in [start, end),
	// ordered ascending.
	ReadCandles(ctx context.Context, env domain.Environment, symbol string, interval domain.Interval, start, end time.Time) ([]domain.Candle, error)
	ListSymbols(ctx context.Context, env domain.Environment) ([]string, error)
}
