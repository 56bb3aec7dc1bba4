package data

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

// SymbolMetadata describes the cached series for one symbol.
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// Store is an in-memory cache of validated historical bars, keyed by
// symbol. It is safe for concurrent readers; the API server shares one
// store across runs.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	cache    map[string][]types.Bar
	metadata map[string]*SymbolMetadata
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:   logger,
		cache:    make(map[string][]types.Bar),
		metadata: make(map[string]*SymbolMetadata),
	}
}

// LoadDir warms the store from every CSV file in a directory. The
// file's base name (without extension) is the fallback symbol. Files
// that fail to load or validate are skipped with a warning.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		symbol := strings.TrimSuffix(entry.Name(), ".csv")
		path := filepath.Join(dir, entry.Name())

		bars, err := LoadCSV(path, symbol)
		if err != nil {
			s.logger.Warn("skipping data file", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := ValidateSeries(bars); err != nil {
			s.logger.Warn("skipping invalid series", zap.String("path", path), zap.Error(err))
			continue
		}
		s.Put(symbol, bars)
		loaded++
	}

	s.logger.Info("data store warmed", zap.String("dir", dir), zap.Int("files", loaded))
	return nil
}

// Put caches a series under a symbol, replacing any previous series.
func (s *Store) Put(symbol string, bars []types.Bar) {
	start, end := TimeRange(bars)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[symbol] = append([]types.Bar(nil), bars...)
	s.metadata[symbol] = &SymbolMetadata{
		Symbol:    symbol,
		StartDate: start,
		EndDate:   end,
		BarCount:  len(bars),
	}
}

// Bars returns a copy of the cached series for a symbol.
func (s *Store) Bars(symbol string) ([]types.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars, ok := s.cache[symbol]
	if !ok {
		return nil, false
	}
	return append([]types.Bar(nil), bars...), true
}

// Symbols returns the cached symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.cache))
	for symbol := range s.cache {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Metadata returns the metadata for a symbol.
func (s *Store) Metadata(symbol string) (*SymbolMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metadata[symbol]
	if !ok {
		return nil, false
	}
	out := *meta
	return &out, true
}

// Len returns the number of cached series.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Clear drops every cached series.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]types.Bar)
	s.metadata = make(map[string]*SymbolMetadata)
}
