package indicator

import (
	"fmt"

	"tradeforge/internal/domain"
	"tradeforge/internal/market"
)

// RSI computes Wilder's relative strength index over closing prices.
// The first averages are simple means of the first period gains and
// losses; subsequent values use Wilder smoothing
// avg = (prev*(period-1) + current) / period. The first ready index is
// period, so period+1 candles are required.
func RSI(w *market.Window, period int) (Series, error) {
	name := fmt.Sprintf("rsi_%d", period)
	closes := w.Closes()
	s := newSeries(name, len(closes))
	if period < 1 || len(closes) < period+1 {
		return s, fmt.Errorf("%s: need %d candles, have %d: %w", name, period+1, len(closes), domain.ErrInsufficientData)
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	s.set(period, rsiValue(avgGain, avgLoss))
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		var gain, loss float64
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		s.set(i, rsiValue(avgGain, avgLoss))
	}
	return s, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// StochasticResult holds the %K and %D series.
type StochasticResult struct {
	K Series
	D Series
}

// Stochastic computes the stochastic oscillator:
// %K = 100 * (close - lowestLow(kPeriod)) / (highestHigh - lowestLow)
// and %D as the SMA(dPeriod) of %K. When the kPeriod range is flat the
// %K value is 50.
func Stochastic(w *market.Window, kPeriod, dPeriod int) (StochasticResult, error) {
	if kPeriod < 1 || dPeriod < 1 {
		return StochasticResult{}, fmt.Errorf("stochastic: invalid periods %d/%d: %w", kPeriod, dPeriod, domain.ErrInsufficientData)
	}
	highs := w.Highs()
	lows := w.Lows()
	closes := w.Closes()
	k := newSeries("stoch_k", len(closes))
	if len(closes) < kPeriod+dPeriod-1 {
		return StochasticResult{}, fmt.Errorf("stochastic: need %d candles, have %d: %w", kPeriod+dPeriod-1, len(closes), domain.ErrInsufficientData)
	}
	kValues := make([]float64, len(closes))
	for i := range kValues {
		kValues[i] = nan()
	}
	for i := kPeriod - 1; i < len(closes); i++ {
		hh, ll := highs[i-kPeriod+1], lows[i-kPeriod+1]
		for j := i - kPeriod + 2; j <= i; j++ {
			if highs[j] > hh {
				hh = highs[j]
			}
			if lows[j] < ll {
				ll = lows[j]
			}
		}
		v := 50.0
		if hh != ll {
			v = 100 * (closes[i] - ll) / (hh - ll)
		}
		k.set(i, v)
		kValues[i] = v
	}
	d := newSeries("stoch_d", len(closes))
	for i := kPeriod + dPeriod - 2; i < len(closes); i++ {
		var sum float64
		for j := i - dPeriod + 1; j <= i; j++ {
			sum += kValues[j]
		}
		d.set(i, sum/float64(dPeriod))
	}
	return StochasticResult{K: k, D: d}, nil
}
