// Package main starts the replay API server: historical bars in, HTTP
// and WebSocket out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradeforge/replay/internal/api"
	"github.com/tradeforge/replay/internal/config"
	"github.com/tradeforge/replay/internal/data"
	"github.com/tradeforge/replay/internal/strategy"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting replay server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("dataDir", cfg.Data.Dir),
	)

	store := data.NewStore(logger)
	if err := store.LoadDir(cfg.Data.Dir); err != nil {
		logger.Warn("data directory not loaded, starting with empty store",
			zap.String("dir", cfg.Data.Dir),
			zap.Error(err),
		)
	}
	logger.Info("data store ready", zap.Int("symbols", store.Len()))

	registry := strategy.NewRegistry(logger)
	logger.Info("strategies registered", zap.Strings("strategies", registry.List()))

	server := api.NewServer(logger, cfg, store, registry)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	logger.Info("server started",
		zap.String("http", fmt.Sprintf("http://%s/api/v1", cfg.Server.Addr())),
		zap.String("ws", fmt.Sprintf("ws://%s/ws", cfg.Server.Addr())),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func setupLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: cfg.Development,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
