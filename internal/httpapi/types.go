package httpapi

import (
	"encoding/json"

	"tradeforge/internal/domain"
)

// backtestRequest is the body of POST /api/backtests. Start and End
// are RFC 3339 timestamps; InitialBalance and FeeRate fall back to the
// server defaults when omitted.
type backtestRequest struct {
	StrategyID     string   `json:"strategy_id"`
	Symbol         string   `json:"symbol,omitempty"`
	Interval       string   `json:"interval,omitempty"`
	Start          string   `json:"start"`
	End            string   `json:"end"`
	InitialBalance *float64 `json:"initial_balance,omitempty"`
	FeeRate        *float64 `json:"fee_rate,omitempty"`
}

// createStrategyRequest is the body of POST /api/strategies. Stored
// strategies are immutable; posting an edited copy mints a new id.
type createStrategyRequest struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Symbol        string          `json:"symbol"`
	Interval      string          `json:"interval"`
	RuleSet       json.RawMessage `json:"rule_set"`
	StopLossPct   float64         `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64         `json:"take_profit_pct,omitempty"`
}

type startRunRequest struct {
	StrategyID string `json:"strategy_id"`
}

type strategiesResponse struct {
	Strategies []domain.Strategy `json:"strategies"`
}

type runsResponse struct {
	Runs []domain.RunState `json:"runs"`
}

type tradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

type candlesResponse struct {
	Symbol   string          `json:"symbol"`
	Interval domain.Interval `json:"interval"`
	Candles  []domain.Candle `json:"candles"`
}
