// Package optimize sweeps a parameter grid over disjoint train and
// test windows. Every iteration owns fully independent components, so
// iterations parallelize without sharing any mutable state, and the
// ranking is deterministic for a given space and bar set.
package optimize

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradeforge/replay/internal/data"
	"github.com/tradeforge/replay/internal/engine"
	"github.com/tradeforge/replay/internal/metrics"
	"github.com/tradeforge/replay/internal/strategy"
	"github.com/tradeforge/replay/internal/telemetry"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

// Space maps parameter names to the candidate values to sweep. The
// grid is the Cartesian product of all value lists.
type Space map[string][]float64

// Config configures a sweep.
type Config struct {
	Run              types.RunConfig
	Objective        string
	Workers          int
	IterationTimeout time.Duration
}

// Result is one ranked grid combination. The test score is reported
// for honesty but never used for selection.
type Result struct {
	GridIndex    int                      `json:"gridIndex"`
	Params       types.ParameterSet       `json:"params"`
	TrainScore   float64                  `json:"trainScore"`
	TestScore    float64                  `json:"testScore"`
	Degradation  float64                  `json:"degradation"`
	TrainMetrics types.PerformanceMetrics `json:"trainMetrics"`
	TestMetrics  types.PerformanceMetrics `json:"testMetrics"`
}

// Diagnostic records a combination excluded from ranking.
type Diagnostic struct {
	Params types.ParameterSet `json:"params"`
	Stage  string             `json:"stage"` // "train" or "test"
	Reason string             `json:"reason"`
}

// Report is the complete outcome of one sweep.
type Report struct {
	Objective    string             `json:"objective"`
	BestParams   types.ParameterSet `json:"bestParams"`
	TrainScore   float64            `json:"trainScore"`
	TestScore    float64            `json:"testScore"`
	Results      []Result           `json:"results"`
	Diagnostics  []Diagnostic       `json:"diagnostics"`
	Combinations int                `json:"combinations"`
	Duration     time.Duration      `json:"duration"`
}

// Optimizer runs train/test sweeps for one strategy.
type Optimizer struct {
	logger    *zap.Logger
	config    Config
	registry  *strategy.Registry
	objective metrics.Objective
}

// New creates an optimizer. The run config and objective are validated
// here, before any iteration can start.
func New(logger *zap.Logger, config Config, registry *strategy.Registry) (*Optimizer, error) {
	if registry == nil {
		return nil, &types.ConfigError{Field: "registry", Reason: "nil strategy registry"}
	}
	if err := config.Run.Validate(); err != nil {
		return nil, err
	}
	objective, err := metrics.ObjectiveByName(config.Objective)
	if err != nil {
		return nil, err
	}
	if config.Workers < 1 {
		config.Workers = 4
	}

	return &Optimizer{
		logger:    logger,
		config:    config,
		registry:  registry,
		objective: objective,
	}, nil
}

// Optimize sweeps the space. Iteration failures are recorded as
// diagnostics and never abort the sweep; only precondition violations
// return an error.
func (o *Optimizer) Optimize(ctx context.Context, space Space, trainBars, testBars []types.Bar) (*Report, error) {
	if err := validateWindows(space, trainBars, testBars); err != nil {
		return nil, err
	}

	grid := expand(space)
	started := time.Now()
	o.logger.Info("sweep started",
		zap.String("strategy", o.config.Run.Strategy),
		zap.String("objective", o.config.Objective),
		zap.Int("combinations", len(grid)),
		zap.Int("workers", o.config.Workers),
	)

	type outcome struct {
		result     Result
		ok         bool
		diagnostic *Diagnostic
	}
	outcomes := make([]outcome, len(grid))

	var wg sync.WaitGroup
	sem := make(chan struct{}, o.config.Workers)
	for i, params := range grid {
		wg.Add(1)
		go func(idx int, params types.ParameterSet) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			telemetry.SweepActiveWorkers.Inc()
			defer telemetry.SweepActiveWorkers.Dec()

			result, diagnostic := o.evaluate(ctx, idx, params, trainBars, testBars)
			if diagnostic != nil {
				outcomes[idx] = outcome{diagnostic: diagnostic}
				telemetry.SweepIterationsTotal.WithLabelValues("failed").Inc()
				return
			}
			outcomes[idx] = outcome{result: *result, ok: true}
			telemetry.SweepIterationsTotal.WithLabelValues("completed").Inc()
		}(i, params)
	}
	wg.Wait()

	report := &Report{
		Objective:    o.config.Objective,
		Combinations: len(grid),
		Duration:     time.Since(started),
	}
	for _, out := range outcomes {
		if out.ok {
			report.Results = append(report.Results, out.result)
		} else if out.diagnostic != nil {
			report.Diagnostics = append(report.Diagnostics, *out.diagnostic)
		}
	}

	// Rank by training score only; ties break by grid index, so the
	// ranking never depends on completion order.
	sort.SliceStable(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.TrainScore != b.TrainScore {
			return a.TrainScore > b.TrainScore
		}
		return a.GridIndex < b.GridIndex
	})

	if len(report.Results) > 0 {
		best := report.Results[0]
		report.BestParams = best.Params
		report.TrainScore = best.TrainScore
		report.TestScore = best.TestScore
	}

	o.logger.Info("sweep completed",
		zap.Int("ranked", len(report.Results)),
		zap.Int("failed", len(report.Diagnostics)),
		zap.Duration("elapsed", report.Duration),
	)
	return report, nil
}

// evaluate runs one combination on the train window, then on the test
// window, each with a fresh source and coordinator.
func (o *Optimizer) evaluate(ctx context.Context, idx int, params types.ParameterSet, trainBars, testBars []types.Bar) (*Result, *Diagnostic) {
	trainResult, trainMetrics, err := o.runWindow(ctx, params, trainBars)
	if err != nil {
		return nil, &Diagnostic{Params: params, Stage: "train", Reason: err.Error()}
	}
	_, testMetrics, err := o.runWindow(ctx, params, testBars)
	if err != nil {
		return nil, &Diagnostic{Params: params, Stage: "test", Reason: err.Error()}
	}

	trainScore := o.objective(trainMetrics)
	testScore := o.objective(testMetrics)

	result := &Result{
		GridIndex:    idx,
		Params:       params,
		TrainScore:   trainScore,
		TestScore:    testScore,
		TrainMetrics: trainMetrics,
		TestMetrics:  testMetrics,
	}
	if trainScore != 0 {
		result.Degradation = (trainScore - testScore) / trainScore
	}

	o.logger.Debug("combination evaluated",
		zap.Int("gridIndex", idx),
		zap.Any("params", params.Map()),
		zap.Float64("trainScore", trainScore),
		zap.Float64("testScore", testScore),
		zap.Int("trainTrades", trainMetrics.TotalTrades),
		zap.Int("trainBars", trainResult.BarsProcessed),
	)
	return result, nil
}

// runWindow executes one isolated run over one window.
func (o *Optimizer) runWindow(ctx context.Context, params types.ParameterSet, bars []types.Bar) (*types.RunResult, types.PerformanceMetrics, error) {
	runCtx := ctx
	if o.config.IterationTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.config.IterationTimeout)
		defer cancel()
	}

	runConfig := o.config.Run
	runConfig.Params = runConfig.Params.With(params.Map())

	source, err := o.registry.Create(runConfig.Strategy, runConfig.Params)
	if err != nil {
		return nil, types.PerformanceMetrics{}, err
	}
	coordinator, err := engine.New(o.logger, runConfig, source)
	if err != nil {
		return nil, types.PerformanceMetrics{}, err
	}

	result, err := coordinator.Run(runCtx, bars)
	if err != nil {
		return nil, types.PerformanceMetrics{}, err
	}
	return result, metrics.Calculate(result, runConfig.InitialCapital), nil
}

// validateWindows enforces the sweep preconditions: non-empty space
// and windows, and train/test disjointness by timestamp.
func validateWindows(space Space, trainBars, testBars []types.Bar) error {
	if len(space) == 0 {
		return &types.ConfigError{Field: "space", Reason: "empty parameter space"}
	}
	for name, values := range space {
		if len(values) == 0 {
			return &types.ConfigError{Field: "space", Reason: fmt.Sprintf("no values for parameter %q", name)}
		}
	}
	if len(trainBars) == 0 {
		return &types.ConfigError{Field: "trainBars", Reason: "empty training window"}
	}
	if len(testBars) == 0 {
		return &types.ConfigError{Field: "testBars", Reason: "empty test window"}
	}

	trainStart, trainEnd := data.TimeRange(trainBars)
	testStart, testEnd := data.TimeRange(testBars)
	if !trainEnd.Before(testStart) && !testEnd.Before(trainStart) {
		return &types.ConfigError{Field: "windows", Reason: "train and test windows overlap"}
	}
	return nil
}

// expand produces the full Cartesian grid in deterministic order:
// parameter names sorted, earlier names vary slowest.
func expand(space Space) []types.ParameterSet {
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)

	grid := []map[string]float64{{}}
	for _, name := range names {
		next := make([]map[string]float64, 0, len(grid)*len(space[name]))
		for _, base := range grid {
			for _, value := range space[name] {
				combo := make(map[string]float64, len(base)+1)
				for k, v := range base {
					combo[k] = v
				}
				combo[name] = value
				next = append(next, combo)
			}
		}
		grid = next
	}

	out := make([]types.ParameterSet, len(grid))
	for i, combo := range grid {
		out[i] = types.NewParameterSet(combo)
	}
	return out
}
