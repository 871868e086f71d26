package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tickvault/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using monthly parquet files on disk.
// Layout: <DataDir>/<category>/<SYMBOL>/<timeframe>/<YYYY>/<MM>.parquet
type ParquetStore struct {
	DataDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewParquetStore creates a ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{
		DataDir: dataDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// BarRecord is the parquet schema for one stored bar.
type BarRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms, UTC
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// keyLock returns the mutex serializing read-merge-write cycles for one
// (category, symbol, timeframe). Writers to different keys never contend.
func (s *ParquetStore) keyLock(category, symbol string, tf domain.Timeframe) *sync.Mutex {
	key := category + "/" + symbol + "/" + string(tf)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Write persists bars into the monthly partitions their timestamps fall in.
func (s *ParquetStore) Write(_ context.Context, category, symbol string, tf domain.Timeframe, bars []domain.Bar, mode WriteMode) error {
	if len(bars) == 0 {
		return nil
	}

	// Group bars by (year, month).
	type month struct {
		year  int
		month time.Month
	}
	groups := make(map[month][]BarRecord)
	for _, b := range bars {
		ts := b.Timestamp.UTC()
		k := month{year: ts.Year(), month: ts.Month()}
		groups[k] = append(groups[k], BarRecord{
			Timestamp: ts.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	lock := s.keyLock(category, symbol, tf)
	lock.Lock()
	defer lock.Unlock()

	for k, records := range groups {
		path := s.partitionPath(category, symbol, tf, k.year, k.month)

		var merged []BarRecord
		if mode == Append {
			existing, _ := readParquetFile[BarRecord](path)
			merged = mergeBarRecords(existing, records)
		} else {
			merged = mergeBarRecords(nil, records)
		}

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing partition %s/%s/%s/%d-%02d: %w",
				category, symbol, tf, k.year, int(k.month), err)
		}
	}
	return nil
}

// ReadRange reads bars for the key within [from, to]. The output is identical
// regardless of how many monthly partitions the range straddles.
func (s *ParquetStore) ReadRange(_ context.Context, category, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	parts, err := s.listPartitions(category, symbol, tf)
	if err != nil {
		return nil, err
	}

	var records []BarRecord
	for _, p := range parts {
		if !p.intersects(from, to) {
			continue
		}
		recs, err := readParquetFile[BarRecord](p.path)
		if err != nil {
			return nil, fmt.Errorf("reading partition %s: %w", p.path, err)
		}
		records = append(records, recs...)
	}

	records = mergeBarRecords(nil, records)

	var bars []domain.Bar
	for _, r := range records {
		ts := time.UnixMilli(r.Timestamp).UTC()
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		bars = append(bars, domain.Bar{
			Timestamp: ts,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars, nil
}

// LastTimestamp returns the maximum stored timestamp for the key. Partitions
// are checked newest-first; records within a partition are sorted, so only
// the latest non-empty partition needs reading.
func (s *ParquetStore) LastTimestamp(_ context.Context, category, symbol string, tf domain.Timeframe) (time.Time, bool, error) {
	parts, err := s.listPartitions(category, symbol, tf)
	if err != nil {
		return time.Time{}, false, err
	}

	for i := len(parts) - 1; i >= 0; i-- {
		recs, err := readParquetFile[BarRecord](parts[i].path)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("reading partition %s: %w", parts[i].path, err)
		}
		if len(recs) == 0 {
			continue
		}
		last := recs[0].Timestamp
		for _, r := range recs {
			if r.Timestamp > last {
				last = r.Timestamp
			}
		}
		return time.UnixMilli(last).UTC(), true, nil
	}
	return time.Time{}, false, nil
}

// Validate runs read-only integrity checks over every partition of the key.
func (s *ParquetStore) Validate(_ context.Context, category, symbol string, tf domain.Timeframe) (ValidationReport, error) {
	parts, err := s.listPartitions(category, symbol, tf)
	if err != nil {
		return ValidationReport{}, err
	}
	if len(parts) == 0 {
		return ValidationReport{}, ErrNotFound
	}

	var report ValidationReport
	seen := make(map[int64]struct{})
	for _, p := range parts {
		recs, err := readParquetFile[BarRecord](p.path)
		if err != nil {
			return report, fmt.Errorf("reading partition %s: %w", p.path, err)
		}
		for _, r := range recs {
			report.RecordCount++

			if r.Timestamp == 0 {
				report.NullCount++
				continue
			}
			if _, dup := seen[r.Timestamp]; dup {
				report.DuplicateCount++
			}
			seen[r.Timestamp] = struct{}{}

			b := domain.Bar{
				Timestamp: time.UnixMilli(r.Timestamp).UTC(),
				Open:      r.Open, High: r.High, Low: r.Low, Close: r.Close,
				Volume: r.Volume,
			}
			if b.Validate() != nil {
				report.InvalidOHLCCount++
			}

			if report.Start.IsZero() || b.Timestamp.Before(report.Start) {
				report.Start = b.Timestamp
			}
			if b.Timestamp.After(report.End) {
				report.End = b.Timestamp
			}
		}
	}
	return report, nil
}

// Categories lists all categories with stored data.
func (s *ParquetStore) Categories(_ context.Context) ([]string, error) {
	return listDirs(s.DataDir)
}

// Symbols lists all symbols stored under a category.
func (s *ParquetStore) Symbols(_ context.Context, category string) ([]string, error) {
	syms, err := listDirs(filepath.Join(s.DataDir, category))
	if err != nil {
		return nil, err
	}
	if syms == nil {
		return nil, ErrNotFound
	}
	return syms, nil
}

// Timeframes lists the timeframes stored for a symbol.
func (s *ParquetStore) Timeframes(_ context.Context, category, symbol string) ([]domain.Timeframe, error) {
	names, err := listDirs(filepath.Join(s.DataDir, category, strings.ToUpper(symbol)))
	if err != nil {
		return nil, err
	}
	if names == nil {
		return nil, ErrNotFound
	}

	var tfs []domain.Timeframe
	for _, name := range names {
		tf, err := domain.ParseTimeframe(name)
		if err != nil {
			continue
		}
		tfs = append(tfs, tf)
	}
	return tfs, nil
}

// ---------------------------------------------------------------------------
// Partition discovery and path helpers
// ---------------------------------------------------------------------------

// partition is one monthly parquet file on disk.
type partition struct {
	year  int
	month time.Month
	path  string
}

// intersects reports whether the partition's calendar month overlaps
// [from, to]. Zero bounds are unbounded.
func (p partition) intersects(from, to time.Time) bool {
	start := time.Date(p.year, p.month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	if !from.IsZero() && !end.After(from) {
		return false
	}
	if !to.IsZero() && start.After(to) {
		return false
	}
	return true
}

// partitionPath returns the file path for one monthly partition.
func (s *ParquetStore) partitionPath(category, symbol string, tf domain.Timeframe, year int, month time.Month) string {
	return filepath.Join(s.DataDir, category, strings.ToUpper(symbol), string(tf),
		strconv.Itoa(year), fmt.Sprintf("%02d.parquet", int(month)))
}

// listPartitions returns every partition for the key in chronological order.
func (s *ParquetStore) listPartitions(category, symbol string, tf domain.Timeframe) ([]partition, error) {
	tfDir := filepath.Join(s.DataDir, category, strings.ToUpper(symbol), string(tf))
	years, err := listDirs(tfDir)
	if err != nil {
		return nil, err
	}

	var parts []partition
	for _, y := range years {
		year, err := strconv.Atoi(y)
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(tfDir, y))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
				continue
			}
			m, err := strconv.Atoi(strings.TrimSuffix(name, ".parquet"))
			if err != nil || m < 1 || m > 12 {
				continue
			}
			parts = append(parts, partition{
				year:  year,
				month: time.Month(m),
				path:  filepath.Join(tfDir, y, name),
			})
		}
	}

	sort.Slice(parts, func(i, j int) bool {
		if parts[i].year != parts[j].year {
			return parts[i].year < parts[j].year
		}
		return parts[i].month < parts[j].month
	})
	return parts, nil
}

// listDirs returns sorted subdirectory names, or nil when dir doesn't exist.
func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by timestamp, preferring incoming
// records over existing ones. The result is sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
