package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradeforge/internal/domain"
)

// Compile-time interface check.
var _ CandleStore = (*ParquetStore)(nil)

// ParquetStore archives candles in Parquet files on disk, one file per
// (environment, symbol, interval, year). Writes merge with existing
// records and deduplicate by open time, so repeated backfills of
// overlapping ranges are idempotent.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a ParquetStore rooted at the given data
// directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// CandleRecord is the Parquet schema for archived candles.
type CandleRecord struct {
	Symbol    string  `parquet:"symbol"`
	OpenTime  int64   `parquet:"open_time,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
	CloseTime int64   `parquet:"close_time,timestamp(millisecond)"` // Unix ms
}

// WriteCandles writes candles grouped by year:
//
//	<DataDir>/<environment>/<SYMBOL>/<interval>/<YYYY>.parquet
func (s *ParquetStore) WriteCandles(_ context.Context, env domain.Environment, symbol string, interval domain.Interval, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	groups := make(map[int][]CandleRecord)
	for _, c := range candles {
		year := c.OpenTime.UTC().Year()
		groups[year] = append(groups[year], CandleRecord{
			Symbol:    strings.ToUpper(symbol),
			OpenTime:  c.OpenTime.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			CloseTime: c.CloseTime.UnixMilli(),
		})
	}

	for year, records := range groups {
		path := s.candlePath(env, symbol, interval, year)

		// Merge with whatever the archive already holds for this year.
		existing, _ := readParquetFile[CandleRecord](path)
		merged := mergeCandleRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing candles for %s/%s/%d: %w", symbol, interval, year, err)
		}
	}
	return nil
}

// ReadCandles returns archived candles with openTime in [start, end),
// ascending.
func (s *ParquetStore) ReadCandles(_ context.Context, env domain.Environment, symbol string, interval domain.Interval, start, end time.Time) ([]domain.Candle, error) {
	var out []domain.Candle
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		path := s.candlePath(env, symbol, interval, year)
		records, err := readParquetFile[CandleRecord](path)
		if err != nil {
			// No archive file for this year.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.OpenTime).UTC()
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			out = append(out, domain.Candle{
				OpenTime:  ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
				CloseTime: time.UnixMilli(r.CloseTime).UTC(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

// ListSymbols lists every symbol with archived candles in the given
// environment.
func (s *ParquetStore) ListSymbols(_ context.Context, env domain.Environment) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(env))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// candlePath returns the archive path for one year of candles.
func (s *ParquetStore) candlePath(env domain.Environment, symbol string, interval domain.Interval, year int) string {
	return filepath.Join(s.DataDir, string(env), strings.ToUpper(symbol), string(interval), fmt.Sprintf("%d.parquet", year))
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeCandleRecords deduplicates by open time, preferring incoming
// records over existing ones. Results are sorted by open time.
func mergeCandleRecords(existing, incoming []CandleRecord) []CandleRecord {
	seen := make(map[int64]CandleRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.OpenTime] = r
	}
	for _, r := range incoming {
		seen[r.OpenTime] = r
	}

	merged := make([]CandleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime < merged[j].OpenTime
	})
	return merged
}
