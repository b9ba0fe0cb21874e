package indicator

import (
	"fmt"
	"math"

	"tradeforge/internal/domain"
	"tradeforge/internal/market"
)

// SMA computes a simple moving average of closing prices. The first
// ready index is period-1.
func SMA(w *market.Window, period int) (Series, error) {
	if period < 1 {
		return Series{}, fmt.Errorf("sma: period %d: %w", period, domain.ErrInsufficientData)
	}
	return smaOver(fmt.Sprintf("sma_%d", period), w.Closes(), period)
}

func smaOver(name string, values []float64, period int) (Series, error) {
	s := newSeries(name, len(values))
	if len(values) < period {
		return s, fmt.Errorf("%s: need %d candles, have %d: %w", name, period, len(values), domain.ErrInsufficientData)
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			s.set(i, sum/float64(period))
		}
	}
	return s, nil
}

// EMA computes an exponential moving average of closing prices with
// smoothing factor k = 2/(period+1). The average is seeded with the
// SMA of the first period closes, so the first ready index is
// period-1. Appending one candle and recomputing yields the same tail
// as extending the prior series incrementally.
func EMA(w *market.Window, period int) (Series, error) {
	if period < 1 {
		return Series{}, fmt.Errorf("ema: period %d: %w", period, domain.ErrInsufficientData)
	}
	return emaOver(fmt.Sprintf("ema_%d", period), w.Closes(), period)
}

// emaOver runs an SMA-seeded EMA over values. A not-ready (NaN) prefix
// in values is skipped; the seed window starts at the first real value.
func emaOver(name string, values []float64, period int) (Series, error) {
	s := newSeries(name, len(values))
	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < period {
		return s, fmt.Errorf("%s: need %d values, have %d: %w", name, period, len(values)-start, domain.ErrInsufficientData)
	}
	var seed float64
	for i := start; i < start+period; i++ {
		seed += values[i]
	}
	prev := seed / float64(period)
	s.set(start+period-1, prev)
	k := 2.0 / float64(period+1)
	for i := start + period; i < len(values); i++ {
		prev = (values[i]-prev)*k + prev
		s.set(i, prev)
	}
	return s, nil
}

// MACDResult holds the three series produced by MACD.
type MACDResult struct {
	MACD      Series
	Signal    Series
	Histogram Series
}

// MACD computes EMA(fast) - EMA(slow) of closes, a signal line that is
// the EMA(signalPeriod) of that difference, and their histogram. The
// MACD line becomes ready at slow-1, the signal and histogram at
// slow+signalPeriod-2.
func MACD(w *market.Window, fast, slow, signalPeriod int) (MACDResult, error) {
	if fast < 1 || slow < 1 || signalPeriod < 1 || fast >= slow {
		return MACDResult{}, fmt.Errorf("macd: invalid periods %d/%d/%d: %w", fast, slow, signalPeriod, domain.ErrInsufficientData)
	}
	fastEMA, err := EMA(w, fast)
	if err != nil {
		return MACDResult{}, fmt.Errorf("macd: %w", err)
	}
	slowEMA, err := EMA(w, slow)
	if err != nil {
		return MACDResult{}, fmt.Errorf("macd: %w", err)
	}
	n := w.Len()
	macd := newSeries("macd", n)
	diff := make([]float64, n)
	for i := range diff {
		f, okF := fastEMA.At(i)
		s, okS := slowEMA.At(i)
		if okF && okS {
			macd.set(i, f-s)
			diff[i] = f - s
		} else {
			diff[i] = math.NaN()
		}
	}
	signal, err := emaOver("macd_signal", diff, signalPeriod)
	if err != nil {
		return MACDResult{}, fmt.Errorf("macd: signal: %w", err)
	}
	hist := newSeries("macd_histogram", n)
	for i := 0; i < n; i++ {
		m, okM := macd.At(i)
		s, okS := signal.At(i)
		if okM && okS {
			hist.set(i, m-s)
		}
	}
	return MACDResult{MACD: macd, Signal: signal, Histogram: hist}, nil
}

// BollingerResult holds the three bands produced by Bollinger.
type BollingerResult struct {
	Middle Series
	Upper  Series
	Lower  Series
}

// Bollinger computes a middle SMA band plus upper and lower bands at
// stdDev population standard deviations of the same rolling window.
func Bollinger(w *market.Window, period int, stdDev float64) (BollingerResult, error) {
	if period < 1 || stdDev <= 0 {
		return BollingerResult{}, fmt.Errorf("bollinger: invalid params period=%d stddev=%v: %w", period, stdDev, domain.ErrInsufficientData)
	}
	closes := w.Closes()
	middle, err := smaOver("bb_middle", closes, period)
	if err != nil {
		return BollingerResult{}, fmt.Errorf("bollinger: %w", err)
	}
	upper := newSeries("bb_upper", len(closes))
	lower := newSeries("bb_lower", len(closes))
	for i := period - 1; i < len(closes); i++ {
		mean, _ := middle.At(i)
		var variance float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		upper.set(i, mean+stdDev*sd)
		lower.set(i, mean-stdDev*sd)
	}
	return BollingerResult{Middle: middle, Upper: upper, Lower: lower}, nil
}
