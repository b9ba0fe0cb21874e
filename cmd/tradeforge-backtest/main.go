// tradeforge-backtest runs one simulation from the command line: a
// strategy file, a symbol/interval and a time range in, the result
// summary as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/backtest"
	"tradeforge/internal/config"
	"tradeforge/internal/domain"
	"tradeforge/internal/feed"
	"tradeforge/internal/market"
	"tradeforge/internal/rule"
	"tradeforge/internal/store"
	"tradeforge/internal/util"
)

// strategyFile is the on-disk strategy shape. Symbol and interval may
// be omitted and supplied with flags instead.
type strategyFile struct {
	Name          string          `json:"name"`
	Symbol        string          `json:"symbol,omitempty"`
	Interval      string          `json:"interval,omitempty"`
	RuleSet       json.RawMessage `json:"rule_set"`
	StopLossPct   float64         `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64         `json:"take_profit_pct,omitempty"`
}

func main() {
	var (
		cfgPath      = flag.String("config", "config/tradeforge.yaml", "configuration file")
		strategyPath = flag.String("strategy", "", "strategy JSON file (required)")
		symbol       = flag.String("symbol", "", "trading pair, overrides the strategy file")
		interval     = flag.String("interval", "", "candle interval, overrides the strategy file")
		startStr     = flag.String("start", "", "range start, RFC 3339 or YYYY-MM-DD (required)")
		endStr       = flag.String("end", "", "range end, RFC 3339 or YYYY-MM-DD (required)")
		balance      = flag.Float64("balance", 0, "initial quote balance, default from config")
		fee          = flag.Float64("fee", -1, "fee rate per fill, default from config")
		fromArchive  = flag.Bool("archive", false, "read candles from the local archive instead of the venue")
	)
	flag.Parse()

	if *strategyPath == "" || *startStr == "" || *endStr == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger := util.NewLogger("warn", "text")

	strategy, err := loadStrategy(*strategyPath, *symbol, *interval)
	if err != nil {
		log.Fatalf("failed to load strategy: %v", err)
	}

	start, err := parseTime(*startStr)
	if err != nil {
		log.Fatalf("invalid -start: %v", err)
	}
	end, err := parseTime(*endStr)
	if err != nil {
		log.Fatalf("invalid -end: %v", err)
	}

	if *balance == 0 {
		*balance = cfg.Trading.InitialBalance
	}
	if *fee < 0 {
		*fee = cfg.Trading.FeeRate
	}

	ctx := context.Background()
	env := cfg.Environment()

	var window *market.Window
	if *fromArchive {
		archive := store.NewParquetStore(cfg.Storage.DataDir)
		candles, err := archive.ReadCandles(ctx, env, strategy.Symbol, strategy.Interval, start, end)
		if err != nil {
			log.Fatalf("failed to read candle archive: %v", err)
		}
		window, err = market.NewWindow(strategy.Symbol, strategy.Interval, candles)
		if err != nil {
			log.Fatalf("invalid archived candles: %v", err)
		}
	} else {
		source := feed.NewBinanceSource(env, util.NewRateLimiter(cfg.Backfill.RateLimitPerMin, 10), logger)
		window, err = source.Backfill(ctx, strategy.Symbol, strategy.Interval, start, end)
		if err != nil {
			log.Fatalf("failed to backfill candles: %v", err)
		}
	}

	result, err := backtest.New(logger).Run(window, backtest.Params{
		Strategy:       strategy,
		InitialBalance: *balance,
		FeeRate:        *fee,
		Start:          start,
		End:            end,
	})
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("failed to encode result: %v", err)
	}
}

func loadStrategy(path, symbol, interval string) (domain.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Strategy{}, err
	}
	var sf strategyFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return domain.Strategy{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if symbol != "" {
		sf.Symbol = symbol
	}
	if interval != "" {
		sf.Interval = interval
	}
	if sf.Symbol == "" {
		return domain.Strategy{}, fmt.Errorf("no symbol in %s and no -symbol flag", path)
	}
	iv := domain.Interval(sf.Interval)
	if !iv.Valid() {
		return domain.Strategy{}, fmt.Errorf("unsupported interval %q", sf.Interval)
	}
	if _, err := rule.Parse(sf.RuleSet); err != nil {
		return domain.Strategy{}, err
	}
	name := sf.Name
	if name == "" {
		name = strings.TrimSuffix(path, ".json")
	}
	// The id is derived from the file contents so rerunning the same
	// strategy reproduces the same trade ids.
	return domain.Strategy{
		ID:            uuid.NewSHA1(uuid.NameSpaceOID, data).String(),
		Name:          name,
		Symbol:        strings.ToUpper(sf.Symbol),
		Interval:      iv,
		RuleSet:       sf.RuleSet,
		StopLossPct:   sf.StopLossPct,
		TakeProfitPct: sf.TakeProfitPct,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
