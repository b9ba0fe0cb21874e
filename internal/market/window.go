// Package market provides the MarketDataWindow: an ordered,
// gap-checked sequence of candles for one (symbol, interval) pair,
// the unit every engine component operates on.
package market

import (
	"fmt"
	"time"

	"tradeforge/internal/domain"
)

// Gap marks a missing expected candle inside a window. Gaps are
// reported, never interpolated.
type Gap struct {
	ExpectedOpen time.Time
}

// Window is an ordered candle sequence for one (symbol, interval)
// pair. Candle open times are strictly increasing with no duplicates;
// finalized candles are never mutated in place.
type Window struct {
	symbol   string
	interval domain.Interval
	step     time.Duration
	candles  []domain.Candle
	gaps     []Gap
}

// NewWindow validates ordering and builds a window over the given
// candles. Gaps between consecutive candles are recorded and
// retrievable via Gaps; they do not fail construction. Out-of-order
// or duplicate open times do.
func NewWindow(symbol string, interval domain.Interval, candles []domain.Candle) (*Window, error) {
	step, ok := interval.Duration()
	if !ok {
		return nil, fmt.Errorf("window %s: unsupported interval %q", symbol, interval)
	}

	w := &Window{
		symbol:   symbol,
		interval: interval,
		step:     step,
		candles:  make([]domain.Candle, 0, len(candles)),
	}
	for _, c := range candles {
		if err := w.Append(c); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Symbol returns the window's trading pair.
func (w *Window) Symbol() string { return w.symbol }

// Interval returns the window's candle interval.
func (w *Window) Interval() domain.Interval { return w.interval }

// Len returns the number of candles in the window.
func (w *Window) Len() int { return len(w.candles) }

// At returns the candle at index i.
func (w *Window) At(i int) domain.Candle { return w.candles[i] }

// Last returns the newest candle. The second return value is false
// for an empty window.
func (w *Window) Last() (domain.Candle, bool) {
	if len(w.candles) == 0 {
		return domain.Candle{}, false
	}
	return w.candles[len(w.candles)-1], true
}

// Append adds a newer candle to the window. The candle's open time
// must be strictly after the current last; a duplicate or older open
// time is rejected. A candle that is not exactly one interval after
// the last is accepted, and the missing expected candles are recorded
// as gaps.
func (w *Window) Append(c domain.Candle) error {
	if len(w.candles) > 0 {
		last := w.candles[len(w.candles)-1]
		if !c.OpenTime.After(last.OpenTime) {
			return fmt.Errorf(
				"window %s/%s: candle %s is not after last candle %s",
				w.symbol, w.interval,
				c.OpenTime.Format(time.RFC3339), last.OpenTime.Format(time.RFC3339),
			)
		}
		for expected := last.OpenTime.Add(w.step); expected.Before(c.OpenTime); expected = expected.Add(w.step) {
			w.gaps = append(w.gaps, Gap{ExpectedOpen: expected})
		}
	}
	w.candles = append(w.candles, c)
	return nil
}

// Gaps returns the missing expected candles detected so far.
func (w *Window) Gaps() []Gap { return w.gaps }

// Opens returns the open price of every candle, aligned by index.
func (w *Window) Opens() []float64 {
	out := make([]float64, len(w.candles))
	for i, c := range w.candles {
		out[i] = c.Open
	}
	return out
}

// Closes returns the close price of every candle, aligned by index.
func (w *Window) Closes() []float64 {
	out := make([]float64, len(w.candles))
	for i, c := range w.candles {
		out[i] = c.Close
	}
	return out
}

// Highs returns the high price of every candle, aligned by index.
func (w *Window) Highs() []float64 {
	out := make([]float64, len(w.candles))
	for i, c := range w.candles {
		out[i] = c.High
	}
	return out
}

// Lows returns the low price of every candle, aligned by index.
func (w *Window) Lows() []float64 {
	out := make([]float64, len(w.candles))
	for i, c := range w.candles {
		out[i] = c.Low
	}
	return out
}

// CheckCoverage verifies the window fully covers [start, end): the
// first candle opens at or before start, the last candle closes at or
// after end, and no gap falls inside the range. Incomplete coverage
// is a loud failure naming the first missing open time, never a
// silent truncation.
func (w *Window) CheckCoverage(start, end time.Time) error {
	if !start.Before(end) {
		return fmt.Errorf("window %s/%s: start %s >= end %s: %w",
			w.symbol, w.interval, start.Format(time.RFC3339), end.Format(time.RFC3339),
			domain.ErrInvalidRange)
	}
	if len(w.candles) == 0 {
		return fmt.Errorf("window %s/%s: %w", w.symbol, w.interval, domain.ErrNoData)
	}

	first := w.candles[0]
	if first.OpenTime.After(start) {
		return fmt.Errorf("window %s/%s: first candle opens %s, missing data from %s: %w",
			w.symbol, w.interval,
			first.OpenTime.Format(time.RFC3339), start.Format(time.RFC3339),
			domain.ErrIncompleteCoverage)
	}
	last := w.candles[len(w.candles)-1]
	if last.OpenTime.Add(w.step).Before(end) {
		return fmt.Errorf("window %s/%s: last candle opens %s, missing data until %s: %w",
			w.symbol, w.interval,
			last.OpenTime.Format(time.RFC3339), end.Format(time.RFC3339),
			domain.ErrIncompleteCoverage)
	}
	for _, g := range w.gaps {
		if !g.ExpectedOpen.Before(start) && g.ExpectedOpen.Before(end) {
			return fmt.Errorf("window %s/%s: missing candle at %s: %w",
				w.symbol, w.interval,
				g.ExpectedOpen.Format(time.RFC3339),
				domain.ErrIncompleteCoverage)
		}
	}
	return nil
}
