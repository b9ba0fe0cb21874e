// Package feed supplies market data: bounded REST fetches, paginated
// backfill into a gap-checked window, and a websocket stream of closed
// candles.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tradeforge/internal/domain"
	"tradeforge/internal/market"
	"tradeforge/internal/util"
)

// maxKlinesPerRequest is the venue's hard cap per klines call. Ranges
// wider than this are paginated, never silently truncated.
const maxKlinesPerRequest = 1000

// CandleSource provides candles for one venue environment.
type CandleSource interface {
	// Fetch returns up to limit candles in [start, end). A zero start
	// and end means "the most recent limit candles".
	Fetch(ctx context.Context, symbol string, interval domain.Interval, limit int, start, end time.Time) ([]domain.Candle, error)
	// Backfill pages through the venue's history until [start, end) is
	// fully covered and returns the assembled window. Insufficient
	// coverage fails with ErrIncompleteCoverage.
	Backfill(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time) (*market.Window, error)
	// Stream delivers closed candles as the venue finalizes them. The
	// channel closes when ctx is cancelled or reconnection gives up.
	Stream(ctx context.Context, symbol string, interval domain.Interval) (<-chan domain.Candle, error)
}

// BinanceSource implements CandleSource against the Binance REST and
// websocket APIs.
type BinanceSource struct {
	baseURL   string
	streamURL string
	client    *http.Client
	limiter   *util.RateLimiter
	logger    *slog.Logger
}

var _ CandleSource = (*BinanceSource)(nil)

// NewBinanceSource builds a source for the given environment. Market
// data endpoints are unauthenticated; only the rate limit is shared
// with the order gateway's budget.
func NewBinanceSource(env domain.Environment, limiter *util.RateLimiter, logger *slog.Logger) *BinanceSource {
	return &BinanceSource{
		baseURL:   env.BaseURL(),
		streamURL: env.StreamURL(),
		client:    &http.Client{Timeout: 15 * time.Second},
		limiter:   limiter,
		logger:    logger,
	}
}

func (s *BinanceSource) Fetch(ctx context.Context, symbol string, interval domain.Interval, limit int, start, end time.Time) ([]domain.Candle, error) {
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(interval))
	params.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	}

	var candles []domain.Candle
	err := util.Retry(ctx, 4, 500*time.Millisecond, func(ctx context.Context) error {
		var err error
		candles, err = s.fetchOnce(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

func (s *BinanceSource) fetchOnce(ctx context.Context, params url.Values) ([]domain.Candle, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v3/klines?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// Honor the venue's cool-down before the retry wrapper fires
		// again.
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			select {
			case <-time.After(time.Duration(secs) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, fmt.Errorf("rate limited, status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, util.Permanent(fmt.Errorf("klines status %d: %s: %w", resp.StatusCode, body, domain.ErrDataUnavailable))
	}

	return parseKlines(body)
}

// parseKlines decodes the venue's array-of-arrays kline format:
// [openTime, open, high, low, close, volume, closeTime, ...] with
// prices as strings.
func parseKlines(body []byte) ([]domain.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, util.Permanent(fmt.Errorf("decode klines: %w", err))
	}
	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, util.Permanent(fmt.Errorf("kline row has %d fields: %w", len(row), domain.ErrDataUnavailable))
		}
		var openMs, closeMs int64
		var o, h, l, c, v string
		for i, dst := range []any{&openMs, &o, &h, &l, &c, &v, &closeMs} {
			if err := json.Unmarshal(row[i], dst); err != nil {
				return nil, util.Permanent(fmt.Errorf("decode kline field %d: %w", i, err))
			}
		}
		candle, err := candleFromStrings(openMs, closeMs, o, h, l, c, v)
		if err != nil {
			return nil, util.Permanent(err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func candleFromStrings(openMs, closeMs int64, o, h, l, c, v string) (domain.Candle, error) {
	parse := func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
	open, err := parse(o)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parse open %q: %w", o, err)
	}
	high, err := parse(h)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parse high %q: %w", h, err)
	}
	low, err := parse(l)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parse low %q: %w", l, err)
	}
	cl, err := parse(c)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parse close %q: %w", c, err)
	}
	vol, err := parse(v)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parse volume %q: %w", v, err)
	}
	return domain.Candle{
		OpenTime:  time.UnixMilli(openMs).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cl,
		Volume:    vol,
		CloseTime: time.UnixMilli(closeMs).UTC(),
	}, nil
}

// Backfill walks the range in maxKlinesPerRequest pages, advancing the
// cursor past the last candle received, and verifies full coverage
// before handing the window back.
func (s *BinanceSource) Backfill(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time) (*market.Window, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("backfill %s range %s..%s: %w", symbol, start, end, domain.ErrInvalidRange)
	}
	step, ok := interval.Duration()
	if !ok {
		return nil, fmt.Errorf("backfill %s: unsupported interval %q", symbol, interval)
	}

	var all []domain.Candle
	cursor := start
	for cursor.Before(end) {
		batch, err := s.Fetch(ctx, symbol, interval, maxKlinesPerRequest, cursor, end)
		if err != nil {
			return nil, fmt.Errorf("backfill %s %s: %w", symbol, interval, err)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		next := batch[len(batch)-1].OpenTime.Add(step)
		if !next.After(cursor) {
			return nil, fmt.Errorf("backfill %s: cursor stuck at %s: %w", symbol, cursor, domain.ErrDataUnavailable)
		}
		cursor = next
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("backfill %s %s: no candles in range: %w", symbol, interval, domain.ErrNoData)
	}

	w, err := market.NewWindow(symbol, interval, all)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", symbol, err)
	}
	if err := w.CheckCoverage(start, end); err != nil {
		return nil, fmt.Errorf("backfill %s %s: %w", symbol, interval, err)
	}
	s.logger.Info("backfill complete",
		"symbol", symbol,
		"interval", interval,
		"candles", w.Len(),
		"start", start,
		"end", end)
	return w, nil
}
