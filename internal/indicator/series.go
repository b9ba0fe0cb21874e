// Package indicator computes technical indicator series over a market
// data window. Every indicator is a pure function: deterministic, no
// side effects, no network access. Output series are aligned 1:1 with
// the window's candles, with an explicit not-ready prefix covering the
// indicator's warm-up period.
package indicator

import "math"

// Series is a named array of indicator values, one per candle index in
// the window it was computed from. Indices before the indicator's
// warm-up hold a not-ready marker that is never conflated with a real
// zero.
type Series struct {
	Name   string
	values []float64 // NaN marks not-ready
}

// newSeries allocates a series of length n with every index not ready.
func newSeries(name string, n int) Series {
	values := make([]float64, n)
	for i := range values {
		values[i] = math.NaN()
	}
	return Series{Name: name, values: values}
}

// Len returns the series length, always equal to the window length.
func (s Series) Len() int { return len(s.values) }

// At returns the value at index i and whether it is ready.
func (s Series) At(i int) (float64, bool) {
	if i < 0 || i >= len(s.values) {
		return 0, false
	}
	v := s.values[i]
	return v, !math.IsNaN(v)
}

// Ready reports whether index i holds a computed value.
func (s Series) Ready(i int) bool {
	_, ok := s.At(i)
	return ok
}

// FirstReady returns the first index holding a computed value, or -1
// if the series never becomes ready.
func (s Series) FirstReady() int {
	for i, v := range s.values {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

func (s Series) set(i int, v float64) { s.values[i] = v }

func nan() float64 { return math.NaN() }
