package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/tradeforge/replay/internal/config"
	"github.com/tradeforge/replay/internal/data"
	"github.com/tradeforge/replay/internal/engine"
	"github.com/tradeforge/replay/internal/metrics"
	"github.com/tradeforge/replay/internal/optimize"
	"github.com/tradeforge/replay/internal/strategy"
	"github.com/tradeforge/replay/internal/telemetry"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

// Server exposes backtest runs and parameter sweeps over HTTP, with a
// WebSocket channel for progress streaming.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *config.Config
	store      *data.Store
	registry   *strategy.Registry
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	runs       map[string]*runRecord
	sweeps     map[string]*sweepRecord
}

// runRecord tracks one submitted backtest for its whole lifetime.
type runRecord struct {
	ID          string
	Symbol      string
	Config      types.RunConfig
	Status      types.RunStatus
	SubmittedAt time.Time
	FinishedAt  time.Time
	Error       string
	Result      *types.RunResult
	Metrics     *types.PerformanceMetrics

	coordinator *engine.Coordinator
	cancel      context.CancelFunc
}

// sweepRecord tracks one submitted sweep.
type sweepRecord struct {
	ID          string
	Symbol      string
	Objective   string
	Status      types.RunStatus
	SubmittedAt time.Time
	FinishedAt  time.Time
	Error       string
	Report      *optimize.Report

	cancel context.CancelFunc
}

// RunView is the JSON shape of a run record. The full result lives
// behind its own endpoint; the view stays small enough to list.
type RunView struct {
	ID          string                    `json:"id"`
	Symbol      string                    `json:"symbol"`
	Strategy    string                    `json:"strategy"`
	Status      types.RunStatus           `json:"status"`
	SubmittedAt time.Time                 `json:"submittedAt"`
	FinishedAt  *time.Time                `json:"finishedAt,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Progress    types.RunProgress         `json:"progress"`
	Metrics     *types.PerformanceMetrics `json:"metrics,omitempty"`
}

// SweepView is the JSON shape of a sweep record.
type SweepView struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Objective   string           `json:"objective"`
	Status      types.RunStatus  `json:"status"`
	SubmittedAt time.Time        `json:"submittedAt"`
	FinishedAt  *time.Time       `json:"finishedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
	Report      *optimize.Report `json:"report,omitempty"`
}

// runRequest submits a backtest. Config is optional; omitted fields
// fall back to the server's configured defaults.
type runRequest struct {
	Symbol string           `json:"symbol"`
	Config *types.RunConfig `json:"config,omitempty"`
	Start  time.Time        `json:"start,omitempty"`
	End    time.Time        `json:"end,omitempty"`
}

// sweepRequest submits a train/test parameter sweep over one symbol's
// history, split chronologically by ratio.
type sweepRequest struct {
	Symbol     string               `json:"symbol"`
	Space      map[string][]float64 `json:"space"`
	Objective  string               `json:"objective,omitempty"`
	Workers    int                  `json:"workers,omitempty"`
	SplitRatio float64              `json:"splitRatio,omitempty"`
	Run        *types.RunConfig     `json:"run,omitempty"`
}

// NewServer wires the API over an already-loaded data store and
// strategy registry.
func NewServer(logger *zap.Logger, cfg *config.Config, store *data.Store, registry *strategy.Registry) *Server {
	s := &Server{
		logger:   logger,
		config:   cfg,
		store:    store,
		registry: registry,
		hub:      NewHub(logger),
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		runs:   make(map[string]*runRecord),
		sweeps: make(map[string]*sweepRecord),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/strategies", s.handleListStrategies).Methods(http.MethodGet)
	api.HandleFunc("/symbols", s.handleListSymbols).Methods(http.MethodGet)

	api.HandleFunc("/backtests", s.handleSubmitRun).Methods(http.MethodPost)
	api.HandleFunc("/backtests", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/backtests/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/backtests/{id}/result", s.handleGetRunResult).Methods(http.MethodGet)
	api.HandleFunc("/backtests/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)

	api.HandleFunc("/sweeps", s.handleSubmitSweep).Methods(http.MethodPost)
	api.HandleFunc("/sweeps", s.handleListSweeps).Methods(http.MethodGet)
	api.HandleFunc("/sweeps/{id}", s.handleGetSweep).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", telemetry.Handler())
}

// Handler returns the full middleware-wrapped handler. Tests mount it
// on httptest servers directly.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start runs the hub and blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels in-flight work and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	for _, rec := range s.runs {
		if rec.cancel != nil {
			rec.cancel()
		}
	}
	for _, rec := range s.sweeps {
		if rec.cancel != nil {
			rec.cancel()
		}
	}
	s.mu.RUnlock()

	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	runs := len(s.runs)
	sweeps := len(s.sweeps)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"symbols": s.store.Len(),
		"runs":    runs,
		"sweeps":  sweeps,
		"clients": s.hub.ClientCount(),
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.registry.List(),
	})
}

func (s *Server) handleListSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.store.Symbols()
	out := make([]interface{}, 0, len(symbols))
	for _, sym := range symbols {
		if meta, ok := s.store.Metadata(sym); ok {
			out = append(out, meta)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": out})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	bars, ok := s.store.Bars(req.Symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+req.Symbol)
		return
	}
	bars = data.Window(bars, req.Start, req.End)
	if len(bars) == 0 {
		writeError(w, http.StatusBadRequest, "no bars in requested window")
		return
	}

	runConfig := s.config.RunConfig()
	if req.Config != nil {
		runConfig = *req.Config
	}

	source, err := s.registry.Create(runConfig.Strategy, runConfig.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	coordinator, err := engine.New(s.logger, runConfig, source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &runRecord{
		ID:          uuid.New().String(),
		Symbol:      req.Symbol,
		Config:      runConfig,
		Status:      types.RunStatusRunning,
		SubmittedAt: time.Now(),
		coordinator: coordinator,
		cancel:      cancel,
	}

	coordinator.OnProgress(func(p types.RunProgress) {
		s.hub.PublishRunUpdate(rec.ID, MsgTypeRunProgress, p)
	})

	s.mu.Lock()
	s.runs[rec.ID] = rec
	s.mu.Unlock()

	s.logger.Info("backtest submitted",
		zap.String("id", rec.ID),
		zap.String("symbol", req.Symbol),
		zap.String("strategy", runConfig.Strategy),
		zap.Int("bars", len(bars)),
	)

	go s.executeRun(ctx, rec, bars)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     rec.ID,
		"status": string(types.RunStatusRunning),
	})
}

func (s *Server) executeRun(ctx context.Context, rec *runRecord, bars []types.Bar) {
	result, err := rec.coordinator.Run(ctx, bars)

	s.mu.Lock()
	rec.FinishedAt = time.Now()
	if err != nil {
		rec.Status = types.RunStatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = types.RunStatusCompleted
		rec.Result = result
		m := metrics.Calculate(result, rec.Config.InitialCapital)
		rec.Metrics = &m
	}
	view := rec.view()
	s.mu.Unlock()

	s.hub.PublishRunUpdate(rec.ID, MsgTypeRunComplete, view)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	views := make([]RunView, 0, len(s.runs))
	for _, rec := range s.runs {
		views = append(views, rec.view())
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"backtests": views})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	s.mu.RLock()
	view := rec.view()
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetRunResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	s.mu.RLock()
	result := rec.Result
	status := rec.Status
	s.mu.RUnlock()

	if result == nil {
		writeError(w, http.StatusConflict, "backtest has no result (status "+string(status)+")")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	rec.cancel()
	writeJSON(w, http.StatusOK, map[string]string{"id": rec.ID, "status": "cancelling"})
}

func (s *Server) handleSubmitSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	bars, ok := s.store.Bars(req.Symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+req.Symbol)
		return
	}

	ratio := req.SplitRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.7
	}
	trainBars, testBars := data.SplitByRatio(bars, ratio)

	sweepDefaults := s.config.SweepConfig()
	optConfig := optimize.Config{
		Run:              sweepDefaults.Run,
		Objective:        sweepDefaults.Objective,
		Workers:          sweepDefaults.Workers,
		IterationTimeout: sweepDefaults.IterationTimeout,
	}
	if req.Run != nil {
		optConfig.Run = *req.Run
	}
	if req.Objective != "" {
		optConfig.Objective = req.Objective
	}
	if req.Workers > 0 {
		optConfig.Workers = req.Workers
	}

	optimizer, err := optimize.New(s.logger, optConfig, s.registry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &sweepRecord{
		ID:          uuid.New().String(),
		Symbol:      req.Symbol,
		Objective:   optConfig.Objective,
		Status:      types.RunStatusRunning,
		SubmittedAt: time.Now(),
		cancel:      cancel,
	}

	s.mu.Lock()
	s.sweeps[rec.ID] = rec
	s.mu.Unlock()

	s.logger.Info("sweep submitted",
		zap.String("id", rec.ID),
		zap.String("symbol", req.Symbol),
		zap.String("objective", optConfig.Objective),
		zap.Int("trainBars", len(trainBars)),
		zap.Int("testBars", len(testBars)),
	)

	go s.executeSweep(ctx, rec, optimizer, optimize.Space(req.Space), trainBars, testBars)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     rec.ID,
		"status": string(types.RunStatusRunning),
	})
}

func (s *Server) executeSweep(ctx context.Context, rec *sweepRecord, optimizer *optimize.Optimizer, space optimize.Space, trainBars, testBars []types.Bar) {
	report, err := optimizer.Optimize(ctx, space, trainBars, testBars)

	s.mu.Lock()
	rec.FinishedAt = time.Now()
	if err != nil {
		rec.Status = types.RunStatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = types.RunStatusCompleted
		rec.Report = report
	}
	view := rec.view()
	s.mu.Unlock()

	s.hub.PublishSweepUpdate(rec.ID, MsgTypeSweepComplete, view)
}

func (s *Server) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	views := make([]SweepView, 0, len(s.sweeps))
	for _, rec := range s.sweeps {
		v := rec.view()
		v.Report = nil // listings stay small
		views = append(views, v)
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"sweeps": views})
}

func (s *Server) handleGetSweep(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	rec, ok := s.sweeps[id]
	var view SweepView
	if ok {
		view = rec.view()
	}
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "sweep not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) lookupRun(id string) (*runRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	return rec, ok
}

// view must be called with s.mu held.
func (r *runRecord) view() RunView {
	v := RunView{
		ID:          r.ID,
		Symbol:      r.Symbol,
		Strategy:    r.Config.Strategy,
		Status:      r.Status,
		SubmittedAt: r.SubmittedAt,
		Error:       r.Error,
		Progress:    r.coordinator.Progress(),
		Metrics:     r.Metrics,
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

// view must be called with s.mu held.
func (r *sweepRecord) view() SweepView {
	v := SweepView{
		ID:          r.ID,
		Symbol:      r.Symbol,
		Objective:   r.Objective,
		Status:      r.Status,
		SubmittedAt: r.SubmittedAt,
		Error:       r.Error,
		Report:      r.Report,
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
