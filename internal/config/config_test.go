package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("default addr: got %s", cfg.Server.Addr())
	}
	if cfg.Run.Strategy != "ma_cross" {
		t.Errorf("default strategy: got %s", cfg.Run.Strategy)
	}
	if cfg.Sweep.Workers != 4 {
		t.Errorf("default workers: got %d", cfg.Sweep.Workers)
	}
	if cfg.Sweep.IterationTimeout != 60*time.Second {
		t.Errorf("default iteration timeout: got %s", cfg.Sweep.IterationTimeout)
	}

	run := cfg.RunConfig()
	if !run.InitialCapital.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("default capital: got %s", run.InitialCapital)
	}
	if run.Sizing.Policy != types.SizingFixedQuantity {
		t.Errorf("default sizing policy: got %s", run.Sizing.Policy)
	}
	if err := run.Validate(); err != nil {
		t.Errorf("default run config invalid: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.yaml")
	yaml := `
server:
  port: 9090
run:
  strategy: momentum
  initial_capital: 50000
  params:
    lookback: 14
  sizing:
    policy: percent_of_equity
    equity_fraction: 0.1
sweep:
  objective: sharpe
  workers: 2
  iteration_timeout: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	run := cfg.RunConfig()
	if run.Strategy != "momentum" {
		t.Errorf("strategy: got %s", run.Strategy)
	}
	if !run.InitialCapital.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("capital: got %s", run.InitialCapital)
	}
	if got := run.Params.Float("lookback", 0); got != 14 {
		t.Errorf("params.lookback: got %f", got)
	}
	if run.Sizing.Policy != types.SizingPercentOfEquity {
		t.Errorf("sizing policy: got %s", run.Sizing.Policy)
	}

	sweep := cfg.SweepConfig()
	if sweep.Objective != "sharpe" || sweep.Workers != 2 {
		t.Errorf("sweep: got %+v", sweep)
	}
	if sweep.IterationTimeout != 30*time.Second {
		t.Errorf("iteration timeout: got %s", sweep.IterationTimeout)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("REPLAY_RUN_INITIAL_CAPITAL", "25000")
	t.Setenv("REPLAY_SERVER_PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("env port override: got %d", cfg.Server.Port)
	}
	if !cfg.RunConfig().InitialCapital.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("env capital override: got %s", cfg.RunConfig().InitialCapital)
	}
}

func TestLoadRejectsInvalidRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("run:\n  initial_capital: -5\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := Load(path)
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
