package indicator

import (
	"fmt"

	"tradeforge/internal/domain"
	"tradeforge/internal/market"
)

// Spec declares one indicator instance to compute, as it appears in a
// strategy's rule set. Name is the key conditions refer to; Type
// selects the algorithm. Parameter fields not used by the type are
// ignored.
type Spec struct {
	Name    string  `json:"name" yaml:"name"`
	Type    string  `json:"type" yaml:"type"`
	Period  int     `json:"period,omitempty" yaml:"period,omitempty"`
	Fast    int     `json:"fast,omitempty" yaml:"fast,omitempty"`
	Slow    int     `json:"slow,omitempty" yaml:"slow,omitempty"`
	Signal  int     `json:"signal,omitempty" yaml:"signal,omitempty"`
	StdDev  float64 `json:"stdDev,omitempty" yaml:"stdDev,omitempty"`
	K       int     `json:"k,omitempty" yaml:"k,omitempty"`
	D       int     `json:"d,omitempty" yaml:"d,omitempty"`
	Tenkan  int     `json:"tenkan,omitempty" yaml:"tenkan,omitempty"`
	Kijun   int     `json:"kijun,omitempty" yaml:"kijun,omitempty"`
	SenkouB int     `json:"senkouB,omitempty" yaml:"senkouB,omitempty"`
}

// Set maps series keys to computed series. Multi-line indicators
// register each line under a dotted sub-key of the spec name, e.g.
// "macd.signal". The raw price series "open", "high", "low" and
// "close" are always present.
type Set map[string]Series

// Lookup returns the series registered under key.
func (s Set) Lookup(key string) (Series, bool) {
	ser, ok := s[key]
	return ser, ok
}

// Compute evaluates every spec against the window and returns the
// combined set. Unknown types and duplicate names are rejected before
// any series is computed.
func Compute(w *market.Window, specs []Spec) (Set, error) {
	seen := make(map[string]bool, len(specs))
	for _, sp := range specs {
		if sp.Name == "" {
			return nil, fmt.Errorf("indicator spec of type %q has no name", sp.Type)
		}
		if seen[sp.Name] || priceSeriesName(sp.Name) {
			return nil, fmt.Errorf("duplicate indicator name %q", sp.Name)
		}
		seen[sp.Name] = true
	}

	set := make(Set, len(specs)+4)
	set["open"] = priceSeries("open", w.Opens())
	set["high"] = priceSeries("high", w.Highs())
	set["low"] = priceSeries("low", w.Lows())
	set["close"] = priceSeries("close", w.Closes())

	for _, sp := range specs {
		if err := computeOne(w, sp, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func computeOne(w *market.Window, sp Spec, set Set) error {
	switch sp.Type {
	case "sma":
		s, err := SMA(w, sp.Period)
		if err != nil {
			return err
		}
		set[sp.Name] = s
	case "ema":
		s, err := EMA(w, sp.Period)
		if err != nil {
			return err
		}
		set[sp.Name] = s
	case "rsi":
		s, err := RSI(w, sp.Period)
		if err != nil {
			return err
		}
		set[sp.Name] = s
	case "macd":
		fast, slow, signal := defaultInt(sp.Fast, 12), defaultInt(sp.Slow, 26), defaultInt(sp.Signal, 9)
		r, err := MACD(w, fast, slow, signal)
		if err != nil {
			return err
		}
		set[sp.Name] = r.MACD
		set[sp.Name+".signal"] = r.Signal
		set[sp.Name+".histogram"] = r.Histogram
	case "bollinger":
		stdDev := sp.StdDev
		if stdDev == 0 {
			stdDev = 2
		}
		r, err := Bollinger(w, defaultInt(sp.Period, 20), stdDev)
		if err != nil {
			return err
		}
		set[sp.Name] = r.Middle
		set[sp.Name+".middle"] = r.Middle
		set[sp.Name+".upper"] = r.Upper
		set[sp.Name+".lower"] = r.Lower
	case "stochastic":
		r, err := Stochastic(w, defaultInt(sp.K, 14), defaultInt(sp.D, 3))
		if err != nil {
			return err
		}
		set[sp.Name] = r.K
		set[sp.Name+".k"] = r.K
		set[sp.Name+".d"] = r.D
	case "ichimoku":
		r, err := Ichimoku(w, defaultInt(sp.Tenkan, 9), defaultInt(sp.Kijun, 26), defaultInt(sp.SenkouB, 52))
		if err != nil {
			return err
		}
		set[sp.Name+".tenkan"] = r.Tenkan
		set[sp.Name+".kijun"] = r.Kijun
		set[sp.Name+".senkou_a"] = r.SenkouA
		set[sp.Name+".senkou_b"] = r.SenkouB
		set[sp.Name+".chikou"] = r.Chikou
	default:
		return fmt.Errorf("indicator %q type %q: %w", sp.Name, sp.Type, domain.ErrUnknownIndicator)
	}
	return nil
}

func priceSeries(name string, values []float64) Series {
	s := newSeries(name, len(values))
	for i, v := range values {
		s.set(i, v)
	}
	return s
}

func priceSeriesName(name string) bool {
	switch name {
	case "open", "high", "low", "close":
		return true
	}
	return false
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
