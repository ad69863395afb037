// Package main is the entrypoint for the standalone query API.
//
// This binary serves the read side of the core (predictions, scores,
// feedback intake, health, metrics) directly from the database. It is
// meant for running the UI against a remote database without the
// monitoring pipeline; action overrides and the live feed need the
// in-process engine and are served by monitord's API instead.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agrosentinel/internal/api"
	"agrosentinel/internal/config"
	"agrosentinel/internal/db"
	"agrosentinel/internal/telemetry"
	"agrosentinel/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Info("query api initializing", "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("invalid DATABASE_URL", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	server, err := api.NewServer(api.ServerConfig{
		Config:         cfg,
		Logger:         logger,
		Predictions:    db.NewPredictionRepository(pool),
		Scores:         db.NewScoreRepository(pool),
		Feedback:       db.NewFeedbackRepository(pool),
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Clock:          types.RealClock{},
	})
	if err != nil {
		logger.Error("failed to create API server", "error", err)
		os.Exit(1)
	}
	httpServer := server.HTTPServer()

	go func() {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
