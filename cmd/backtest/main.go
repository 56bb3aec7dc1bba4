// Package main runs a single backtest or sweep from the command line
// and prints the outcome as JSON. Useful for scripted experiments
// without standing up the server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tradeforge/replay/internal/config"
	"github.com/tradeforge/replay/internal/data"
	"github.com/tradeforge/replay/internal/engine"
	"github.com/tradeforge/replay/internal/metrics"
	"github.com/tradeforge/replay/internal/optimize"
	"github.com/tradeforge/replay/internal/strategy"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	csvPath := flag.String("csv", "", "Path to OHLCV CSV file (required)")
	symbol := flag.String("symbol", "", "Symbol to assign when the CSV has no symbol column")
	strategyName := flag.String("strategy", "", "Strategy override (default from config)")
	params := flag.String("params", "", "Parameter overrides, e.g. fast_window=5,slow_window=20")
	sweep := flag.Bool("sweep", false, "Run a train/test sweep instead of a single backtest")
	space := flag.String("space", "", "Sweep grid, e.g. fast_window=5,10;slow_window=20,50")
	splitRatio := flag.Float64("split", 0.7, "Train fraction for sweeps")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "usage: backtest -csv <file> [-config <file>] [-sweep -space <grid>]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			fatal("build logger", err)
		}
	}
	defer logger.Sync()

	bars, err := data.LoadCSV(*csvPath, *symbol)
	if err != nil {
		fatal("load bars", err)
	}

	registry := strategy.NewRegistry(logger)

	runConfig := cfg.RunConfig()
	if *strategyName != "" {
		runConfig.Strategy = *strategyName
	}
	if *params != "" {
		overrides, err := parseParams(*params)
		if err != nil {
			fatal("parse params", err)
		}
		runConfig.Params = runConfig.Params.With(overrides)
	}

	if *sweep {
		runSweep(logger, cfg, registry, runConfig, bars, *space, *splitRatio)
		return
	}
	runOnce(logger, registry, runConfig, bars)
}

func runOnce(logger *zap.Logger, registry *strategy.Registry, runConfig types.RunConfig, bars []types.Bar) {
	source, err := registry.Create(runConfig.Strategy, runConfig.Params)
	if err != nil {
		fatal("create strategy", err)
	}
	coordinator, err := engine.New(logger, runConfig, source)
	if err != nil {
		fatal("create coordinator", err)
	}

	result, err := coordinator.Run(context.Background(), bars)
	if err != nil {
		fatal("run", err)
	}

	perf := metrics.Calculate(result, runConfig.InitialCapital)
	printJSON(map[string]interface{}{
		"result":  result,
		"metrics": perf,
	})
}

func runSweep(logger *zap.Logger, cfg *config.Config, registry *strategy.Registry, runConfig types.RunConfig, bars []types.Bar, spaceSpec string, splitRatio float64) {
	grid, err := parseSpace(spaceSpec)
	if err != nil {
		fatal("parse space", err)
	}

	sweepConfig := cfg.SweepConfig()
	optimizer, err := optimize.New(logger, optimize.Config{
		Run:              runConfig,
		Objective:        sweepConfig.Objective,
		Workers:          sweepConfig.Workers,
		IterationTimeout: sweepConfig.IterationTimeout,
	}, registry)
	if err != nil {
		fatal("create optimizer", err)
	}

	trainBars, testBars := data.SplitByRatio(bars, splitRatio)
	report, err := optimizer.Optimize(context.Background(), grid, trainBars, testBars)
	if err != nil {
		fatal("sweep", err)
	}
	printJSON(report)
}

// parseParams reads "name=v,name2=v2" into override values.
func parseParams(spec string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(spec, ",") {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed parameter %q", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

// parseSpace reads "name=v1,v2;name2=v3,v4" into a grid.
func parseSpace(spec string) (optimize.Space, error) {
	if spec == "" {
		return nil, fmt.Errorf("sweep requires -space")
	}

	grid := make(optimize.Space)
	for _, dim := range strings.Split(spec, ";") {
		name, rawValues, ok := strings.Cut(dim, "=")
		if !ok {
			return nil, fmt.Errorf("malformed dimension %q", dim)
		}
		var values []float64
		for _, raw := range strings.Split(rawValues, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("dimension %q: %w", name, err)
			}
			values = append(values, v)
		}
		grid[strings.TrimSpace(name)] = values
	}
	return grid, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode output", err)
	}
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
