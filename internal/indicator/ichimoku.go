package indicator

import (
	"fmt"

	"tradeforge/internal/domain"
	"tradeforge/internal/market"
)

// IchimokuResult holds the five lines of the Ichimoku cloud, each
// aligned to the window's candle indices. Senkou spans are plotted
// shifted forward by the kijun period and the chikou span shifted
// backward, so their ready ranges differ from the conversion lines.
type IchimokuResult struct {
	Tenkan  Series
	Kijun   Series
	SenkouA Series
	SenkouB Series
	Chikou  Series
}

// Ichimoku computes the Ichimoku cloud with the given tenkan, kijun
// and senkou-B periods (classically 9, 26 and 52).
func Ichimoku(w *market.Window, tenkanPeriod, kijunPeriod, senkouBPeriod int) (IchimokuResult, error) {
	if tenkanPeriod < 1 || kijunPeriod < 1 || senkouBPeriod < 1 {
		return IchimokuResult{}, fmt.Errorf("ichimoku: invalid periods %d/%d/%d: %w",
			tenkanPeriod, kijunPeriod, senkouBPeriod, domain.ErrInsufficientData)
	}
	n := w.Len()
	if n < senkouBPeriod {
		return IchimokuResult{}, fmt.Errorf("ichimoku: need %d candles, have %d: %w", senkouBPeriod, n, domain.ErrInsufficientData)
	}
	highs := w.Highs()
	lows := w.Lows()
	closes := w.Closes()

	tenkan := midlineOver("ichimoku_tenkan", highs, lows, tenkanPeriod)
	kijun := midlineOver("ichimoku_kijun", highs, lows, kijunPeriod)

	senkouA := newSeries("ichimoku_senkou_a", n)
	senkouB := newSeries("ichimoku_senkou_b", n)
	rawB := midlineOver("", highs, lows, senkouBPeriod)
	for i := 0; i < n; i++ {
		at := i + kijunPeriod
		if at >= n {
			break
		}
		t, okT := tenkan.At(i)
		k, okK := kijun.At(i)
		if okT && okK {
			senkouA.set(at, (t+k)/2)
		}
		if b, ok := rawB.At(i); ok {
			senkouB.set(at, b)
		}
	}

	chikou := newSeries("ichimoku_chikou", n)
	for i := kijunPeriod; i < n; i++ {
		chikou.set(i-kijunPeriod, closes[i])
	}

	return IchimokuResult{Tenkan: tenkan, Kijun: kijun, SenkouA: senkouA, SenkouB: senkouB, Chikou: chikou}, nil
}

// midlineOver computes (highest high + lowest low) / 2 over a rolling
// period.
func midlineOver(name string, highs, lows []float64, period int) Series {
	s := newSeries(name, len(highs))
	for i := period - 1; i < len(highs); i++ {
		hh, ll := highs[i-period+1], lows[i-period+1]
		for j := i - period + 2; j <= i; j++ {
			if highs[j] > hh {
				hh = highs[j]
			}
			if lows[j] < ll {
				ll = lows[j]
			}
		}
		s.set(i, (hh+ll)/2)
	}
	return s
}
