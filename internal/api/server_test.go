package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/internal/api"
	"github.com/tradeforge/replay/internal/config"
	"github.com/tradeforge/replay/internal/data"
	"github.com/tradeforge/replay/internal/strategy"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

func bars(symbol string, closes ...float64) []types.Bar {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]types.Bar, 0, len(closes))
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		out = append(out, types.Bar{
			Symbol:    symbol,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		})
	}
	return out
}

func cleanConfig() types.RunConfig {
	cfg := types.DefaultRunConfig()
	cfg.CommissionRate = decimal.Zero
	cfg.Slippage = types.SlippageConfig{Model: "fixed", FixedBps: decimal.Zero}
	cfg.Params = types.NewParameterSet(map[string]float64{
		"fast_window": 1,
		"slow_window": 3,
	})
	return cfg
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	logger := zap.NewNop()
	store := data.NewStore(logger)
	store.Put("BTC-USD", bars("BTC-USD", 10, 10, 10, 12, 12, 8, 8))
	store.Put("ETH-USD", bars("ETH-USD",
		10, 10, 10, 12, 12, 8, 8, 9, 11, 12,
		13, 12, 11, 10, 9, 10, 11, 12, 13, 14))

	srv := api.NewServer(logger, cfg, store, strategy.NewRegistry(logger))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// waitForStatus polls a record endpoint until the status field leaves
// "running" or the deadline passes.
func waitForStatus(t *testing.T, url string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET %s: %v", url, err)
		}
		var view map[string]interface{}
		decodeBody(t, resp, &view)
		if view["status"] != string(types.RunStatusRunning) {
			return view
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("record at %s never finished", url)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["symbols"].(float64) != 2 {
		t.Errorf("symbols = %v, want 2", body["symbols"])
	}
}

func TestListStrategies(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/strategies")
	if err != nil {
		t.Fatalf("GET strategies: %v", err)
	}

	var body struct {
		Strategies []string `json:"strategies"`
	}
	decodeBody(t, resp, &body)

	found := false
	for _, name := range body.Strategies {
		if name == "ma_cross" {
			found = true
		}
	}
	if !found {
		t.Errorf("strategies = %v, want ma_cross present", body.Strategies)
	}
}

func TestSubmitRunLifecycle(t *testing.T) {
	ts := newTestServer(t)

	runCfg := cleanConfig()
	resp := postJSON(t, ts.URL+"/api/v1/backtests", map[string]interface{}{
		"symbol": "BTC-USD",
		"config": runCfg,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}

	var submitted map[string]string
	decodeBody(t, resp, &submitted)
	id := submitted["id"]
	if id == "" {
		t.Fatal("submit returned empty id")
	}

	view := waitForStatus(t, fmt.Sprintf("%s/api/v1/backtests/%s", ts.URL, id))
	if view["status"] != string(types.RunStatusCompleted) {
		t.Fatalf("final status = %v, want completed (error: %v)", view["status"], view["error"])
	}
	if view["metrics"] == nil {
		t.Error("completed run has no metrics")
	}

	resultResp, err := http.Get(fmt.Sprintf("%s/api/v1/backtests/%s/result", ts.URL, id))
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	if resultResp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d, want 200", resultResp.StatusCode)
	}

	var result types.RunResult
	decodeBody(t, resultResp, &result)
	if result.BarsProcessed != 7 {
		t.Errorf("BarsProcessed = %d, want 7", result.BarsProcessed)
	}
	if len(result.Trades) == 0 {
		t.Error("expected trades in result")
	}
}

func TestSubmitRunRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/backtests", map[string]interface{}{
		"symbol": "DOGE-USD",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown symbol status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/backtests", map[string]interface{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing symbol status = %d, want 400", resp.StatusCode)
	}

	badCfg := cleanConfig()
	badCfg.Strategy = "no_such_strategy"
	resp = postJSON(t, ts.URL+"/api/v1/backtests", map[string]interface{}{
		"symbol": "BTC-USD",
		"config": badCfg,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown strategy status = %d, want 400", resp.StatusCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/backtests/no-such-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitSweepLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/sweeps", map[string]interface{}{
		"symbol":     "ETH-USD",
		"objective":  "total_return",
		"splitRatio": 0.7,
		"run":        cleanConfig(),
		"space": map[string][]float64{
			"fast_window": {1, 2},
			"slow_window": {3},
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}

	var submitted map[string]string
	decodeBody(t, resp, &submitted)
	id := submitted["id"]

	view := waitForStatus(t, fmt.Sprintf("%s/api/v1/sweeps/%s", ts.URL, id))
	if view["status"] != string(types.RunStatusCompleted) {
		t.Fatalf("final status = %v, want completed (error: %v)", view["status"], view["error"])
	}

	report, ok := view["report"].(map[string]interface{})
	if !ok {
		t.Fatal("completed sweep has no report")
	}
	if report["combinations"].(float64) != 2 {
		t.Errorf("combinations = %v, want 2", report["combinations"])
	}
	if report["bestParams"] == nil {
		t.Error("report has no bestParams")
	}
}

func TestSweepListingOmitsReport(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/sweeps", map[string]interface{}{
		"symbol": "ETH-USD",
		"run":    cleanConfig(),
		"space": map[string][]float64{
			"fast_window": {1},
			"slow_window": {3},
		},
	})
	var submitted map[string]string
	decodeBody(t, resp, &submitted)

	waitForStatus(t, fmt.Sprintf("%s/api/v1/sweeps/%s", ts.URL, submitted["id"]))

	listResp, err := http.Get(ts.URL + "/api/v1/sweeps")
	if err != nil {
		t.Fatalf("GET sweeps: %v", err)
	}
	var listing struct {
		Sweeps []map[string]interface{} `json:"sweeps"`
	}
	decodeBody(t, listResp, &listing)

	if len(listing.Sweeps) != 1 {
		t.Fatalf("len(sweeps) = %d, want 1", len(listing.Sweeps))
	}
	if listing.Sweeps[0]["report"] != nil {
		t.Error("listing includes full report")
	}
}
