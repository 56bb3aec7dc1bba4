package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
)

// columnAliases maps the header names seen in the wild onto the
// canonical column set.
var columnAliases = map[string]string{
	"timestamp": "timestamp",
	"time":      "timestamp",
	"date":      "timestamp",
	"datetime":  "timestamp",
	"symbol":    "symbol",
	"ticker":    "symbol",
	"open":      "open",
	"high":      "high",
	"low":       "low",
	"close":     "close",
	"volume":    "volume",
	"vol":       "volume",
}

// LoadCSV reads one symbol's bars from a CSV file. The header row is
// required; column order is free and names are matched through the
// alias table. A missing symbol column falls back to the defaultSymbol
// argument. Rows are returned sorted by timestamp.
func LoadCSV(path, defaultSymbol string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	bars, err := ReadCSV(f, defaultSymbol)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return bars, nil
}

// ReadCSV parses bars from a CSV stream.
func ReadCSV(r io.Reader, defaultSymbol string) ([]types.Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, &types.DataError{Index: 0, Reason: "missing header row"}
	}

	columns := make(map[string]int)
	for i, name := range header {
		canonical, ok := columnAliases[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		if _, dup := columns[canonical]; !dup {
			columns[canonical] = i
		}
	}
	for _, required := range []string{"timestamp", "open", "high", "low", "close"} {
		if _, ok := columns[required]; !ok {
			return nil, &types.DataError{Index: 0, Reason: "missing column " + required}
		}
	}

	var bars []types.Bar
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &types.DataError{Index: row, Reason: err.Error()}
		}

		bar, err := parseRow(record, columns, defaultSymbol, row)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	return bars, nil
}

func parseRow(record []string, columns map[string]int, defaultSymbol string, row int) (types.Bar, error) {
	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	symbol := field("symbol")
	if symbol == "" {
		symbol = defaultSymbol
	}

	ts, err := parseTimestamp(field("timestamp"))
	if err != nil {
		return types.Bar{}, &types.DataError{Symbol: symbol, Index: row, Reason: err.Error()}
	}

	bar := types.Bar{Symbol: symbol, Timestamp: ts}
	for _, col := range []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &bar.Open},
		{"high", &bar.High},
		{"low", &bar.Low},
		{"close", &bar.Close},
		{"volume", &bar.Volume},
	} {
		raw := field(col.name)
		if raw == "" {
			if col.name == "volume" {
				continue
			}
			return types.Bar{}, &types.DataError{Symbol: symbol, Index: row, Reason: "empty " + col.name}
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return types.Bar{}, &types.DataError{Symbol: symbol, Index: row, Reason: "bad " + col.name + ": " + raw}
		}
		*col.dst = value
	}

	return bar, nil
}

// parseTimestamp accepts RFC3339, a bare date, or unix seconds.
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}
