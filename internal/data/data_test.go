package data

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

func validBar(symbol string, offset int, close float64) types.Bar {
	c := decimal.NewFromFloat(close)
	return types.Bar{
		Symbol:    symbol,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Hour),
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    decimal.NewFromInt(100),
	}
}

func TestValidateBarRejectsMalformed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.Bar)
	}{
		{"zero close", func(b *types.Bar) { b.Close = decimal.Zero }},
		{"negative open", func(b *types.Bar) { b.Open = decimal.NewFromInt(-1) }},
		{"negative volume", func(b *types.Bar) { b.Volume = decimal.NewFromInt(-1) }},
		{"high below low", func(b *types.Bar) {
			b.High = decimal.NewFromInt(1)
			b.Low = decimal.NewFromInt(2)
			b.Open = decimal.NewFromFloat(1.5)
			b.Close = decimal.NewFromFloat(1.5)
		}},
		{"high below close", func(b *types.Bar) { b.High = b.Close.Sub(decimal.NewFromInt(1)) }},
		{"low above open", func(b *types.Bar) { b.Low = b.Open.Add(decimal.NewFromInt(1)) }},
		{"missing symbol", func(b *types.Bar) { b.Symbol = "" }},
		{"zero timestamp", func(b *types.Bar) { b.Timestamp = time.Time{} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bar := validBar("BTC-USD", 0, 100)
			tc.mutate(&bar)

			err := ValidateBar(bar, 7)
			if err == nil {
				t.Fatal("expected error")
			}
			var dataErr *types.DataError
			if !errors.As(err, &dataErr) {
				t.Fatalf("expected DataError, got %T", err)
			}
			if dataErr.Index != 7 {
				t.Errorf("expected index 7, got %d", dataErr.Index)
			}
		})
	}

	if err := ValidateBar(validBar("BTC-USD", 0, 100), 0); err != nil {
		t.Errorf("valid bar rejected: %v", err)
	}
}

func TestValidateSeriesOrdering(t *testing.T) {
	// Interleaved symbols are fine as long as each symbol's own clock
	// moves forward.
	interleaved := []types.Bar{
		validBar("BTC-USD", 0, 100),
		validBar("ETH-USD", 0, 10),
		validBar("BTC-USD", 1, 101),
		validBar("ETH-USD", 1, 11),
	}
	if err := ValidateSeries(interleaved); err != nil {
		t.Errorf("interleaved series rejected: %v", err)
	}

	stalled := []types.Bar{
		validBar("BTC-USD", 0, 100),
		validBar("BTC-USD", 0, 101),
	}
	err := ValidateSeries(stalled)
	var dataErr *types.DataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected DataError for stalled clock, got %v", err)
	}
	if dataErr.Index != 1 {
		t.Errorf("expected failure at index 1, got %d", dataErr.Index)
	}
}

func TestReadCSVHeaderAliases(t *testing.T) {
	input := strings.Join([]string{
		"Date,Ticker,Open,High,Low,Close,Vol",
		"2024-01-02,BTC-USD,100,110,90,105,5000",
		"2024-01-01,BTC-USD,95,105,94,100,4000",
	}, "\n")

	bars, err := ReadCSV(strings.NewReader(input), "fallback")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	// Rows come back sorted by timestamp.
	if !bars[0].Timestamp.Before(bars[1].Timestamp) {
		t.Error("bars not sorted by timestamp")
	}
	if bars[0].Symbol != "BTC-USD" {
		t.Errorf("expected symbol from ticker column, got %s", bars[0].Symbol)
	}
	if !bars[1].Close.Equal(decimal.NewFromInt(105)) {
		t.Errorf("expected close 105, got %s", bars[1].Close)
	}
}

func TestReadCSVTimestampFormats(t *testing.T) {
	input := strings.Join([]string{
		"timestamp,open,high,low,close,volume",
		"2024-01-01T00:00:00Z,100,110,90,105,1000",
		"1704153600,105,115,95,110,1000",
	}, "\n")

	bars, err := ReadCSV(strings.NewReader(input), "BTC-USD")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if !bars[1].Timestamp.Equal(want) {
		t.Errorf("unix timestamp parsed to %s, want %s", bars[1].Timestamp, want)
	}
	if bars[0].Symbol != "BTC-USD" {
		t.Errorf("expected fallback symbol, got %s", bars[0].Symbol)
	}
}

func TestReadCSVRejectsBadRows(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"missing column", "timestamp,open,high,low\n2024-01-01,1,1,1"},
		{"bad price", "timestamp,open,high,low,close\n2024-01-01,abc,1,1,1"},
		{"bad timestamp", "timestamp,open,high,low,close\nyesterday,1,1,1,1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tc.input), "X")
			var dataErr *types.DataError
			if !errors.As(err, &dataErr) {
				t.Fatalf("expected DataError, got %v", err)
			}
		})
	}
}

func TestSplitByRatioIsDisjoint(t *testing.T) {
	var bars []types.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, validBar("BTC-USD", i, 100+float64(i)))
	}

	train, test := SplitByRatio(bars, 0.7)
	if len(train) != 7 || len(test) != 3 {
		t.Fatalf("expected 7/3 split, got %d/%d", len(train), len(test))
	}
	if !train[len(train)-1].Timestamp.Before(test[0].Timestamp) {
		t.Error("train must end before test begins")
	}
}

func TestWindowBounds(t *testing.T) {
	var bars []types.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, validBar("BTC-USD", i, 100))
	}

	start := bars[1].Timestamp
	end := bars[3].Timestamp
	got := Window(bars, start, end)
	if len(got) != 3 {
		t.Fatalf("expected 3 bars in window, got %d", len(got))
	}
	if got := Window(bars, time.Time{}, time.Time{}); len(got) != 5 {
		t.Errorf("unbounded window should keep all bars, got %d", len(got))
	}
}

func TestStoreLoadDir(t *testing.T) {
	dir := t.TempDir()
	csv := strings.Join([]string{
		"timestamp,open,high,low,close,volume",
		"2024-01-01T00:00:00Z,100,110,90,105,1000",
		"2024-01-02T00:00:00Z,105,115,95,110,1000",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "BTC-USD.csv"), []byte(csv), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	// A broken file is skipped, not fatal.
	if err := os.WriteFile(filepath.Join(dir, "broken.csv"), []byte("not,a,header\n1,2,3"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	store := NewStore(zap.NewNop())
	if err := store.LoadDir(dir); err != nil {
		t.Fatalf("load dir: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("expected 1 cached series, got %d", store.Len())
	}
	bars, ok := store.Bars("BTC-USD")
	if !ok || len(bars) != 2 {
		t.Fatalf("expected 2 bars for BTC-USD")
	}
	meta, ok := store.Metadata("BTC-USD")
	if !ok || meta.BarCount != 2 {
		t.Fatalf("expected metadata with 2 bars")
	}

	// Mutating the returned slice must not touch the cache.
	bars[0].Close = decimal.Zero
	again, _ := store.Bars("BTC-USD")
	if again[0].Close.IsZero() {
		t.Error("store returned aliased slice")
	}

	store.Clear()
	if store.Len() != 0 {
		t.Error("clear must empty the store")
	}
}
