// Package main is the entrypoint for the monitoring daemon.
//
// monitord hosts the entire core in one process: the fetch/transform/
// predict/score/decide pipeline, the action executor, the escalation
// sweeper, the adaptive learning loop, and the UI-facing HTTP API. The
// stages communicate through in-process streams; this file only wires
// dependencies and owns the shutdown sequence.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agrosentinel/internal/adaptive"
	"agrosentinel/internal/anomaly"
	"agrosentinel/internal/api"
	"agrosentinel/internal/climate"
	"agrosentinel/internal/config"
	"agrosentinel/internal/db"
	"agrosentinel/internal/decision"
	"agrosentinel/internal/defense"
	"agrosentinel/internal/features"
	"agrosentinel/internal/predict"
	"agrosentinel/internal/queue"
	"agrosentinel/internal/scheduler"
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
	logger.Info("monitord initializing", "environment", cfg.Environment)

	locations, err := config.ParseLocations(cfg.Monitor.Locations)
	if err != nil {
		logger.Error("invalid MONITOR_LOCATIONS", "error", err)
		os.Exit(1)
	}
	if len(locations) == 0 {
		logger.Warn("no locations configured, pipeline will idle")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database pool.
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

	// Repositories.
	climateRepo := db.NewClimateRepository(pool)
	predictionRepo := db.NewPredictionRepository(pool)
	scoreRepo := db.NewScoreRepository(pool)
	actionRepo := db.NewActionRepository(pool)
	profileRepo := db.NewProfileRepository(pool)
	feedbackRepo := db.NewFeedbackRepository(pool)
	auditRepo := db.NewAuditRepository(pool)

	// Telemetry.
	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	clock := types.RealClock{}

	// Climate fetch stage.
	client := climate.NewClient(
		&http.Client{Timeout: cfg.Climate.HTTPTimeout},
		climate.RetryPolicy{
			MaxRetries: cfg.Climate.MaxRetries,
			MinWait:    cfg.Climate.MinWait,
			MaxWait:    cfg.Climate.MaxWait,
		},
		cfg.Climate.RatePerSec,
	)
	source := climate.NewHTTPSource(climate.HTTPSourceConfig{
		Client:     client,
		BaseURL:    cfg.Climate.BaseURL,
		APIKey:     cfg.Climate.APIKey,
		SourceName: cfg.Climate.SourceName,
		Logger:     logger,
	})
	fetcher := climate.NewFetcher(climate.FetcherConfig{
		Source: source,
		Cache:  climate.NewCache(cfg.Climate.CacheTTL, cfg.Climate.CacheDir, clock),
		Logger: logger,
	})

	// Prediction stage.
	modelRegistry, err := predict.LoadRegistry(cfg.Predict.ManifestPath)
	if err != nil {
		logger.Error("failed to load model registry", "manifest", cfg.Predict.ManifestPath, "error", err)
		os.Exit(1)
	}
	engine := predict.NewEngine(predict.EngineConfig{
		Registry:      modelRegistry,
		MinConfidence: cfg.Predict.MinConfidence,
		CacheSize:     cfg.Predict.CacheSize,
		Logger:        logger,
		Clock:         clock,
	})

	// Threshold profile: resume the latest published version, or publish
	// the built-in defaults on first run.
	profile, err := profileRepo.Latest(ctx)
	if err != nil {
		logger.Error("failed to load threshold profile", "error", err)
		os.Exit(1)
	}
	if profile == nil {
		profile = decision.DefaultProfile(clock)
		if err := profileRepo.Insert(ctx, profile); err != nil {
			logger.Error("failed to seed threshold profile", "error", err)
			os.Exit(1)
		}
		logger.Info("seeded default threshold profile", "version", profile.Version)
	}
	holder := decision.NewProfileHolder(profile)
	metrics.ProfileVersion.Set(float64(profile.Version))

	// Streams connecting decision -> executor and pipeline -> UI feed.
	actionStream := queue.NewStream[*types.Action](64)
	feed := queue.NewBroadcaster[types.FeedEvent](32)
	publisher := &actionPublisher{stream: actionStream, feed: feed, clock: clock}

	// Scoring and decision stages.
	scorer := anomaly.NewScorer(anomaly.ScorerConfig{
		Profiles:   holder,
		WindowSize: cfg.Anomaly.WindowSize,
		WindowAge:  cfg.Anomaly.WindowMaxAge,
		Logger:     logger,
	})
	decisions := decision.NewEngine(decision.EngineConfig{
		Profiles:  holder,
		Limiter:   decision.NewRateLimiter(cfg.Decision.RateLimitN, cfg.Decision.RateWindow, clock),
		Store:     actionRepo,
		Audit:     auditRepo,
		Publisher: publisher,
		Clock:     clock,
		Logger:    logger,
	})
	sweeper := decision.NewSweeper(decision.SweeperConfig{
		Store:     actionRepo,
		Publisher: publisher,
		Audit:     auditRepo,
		Timeout:   cfg.Decision.EscalationTimeout,
		Interval:  cfg.Decision.SweepInterval,
		Clock:     clock,
		Logger:    logger,
	})

	// Active defense stage.
	throttler := defense.NewPauseThrottler(cfg.Monitor.Interval, clock)
	blocklist := defense.NewMemoryBlocklist(clock)
	executor := defense.NewExecutor(defense.ExecutorConfig{
		Store:      actionRepo,
		Feedback:   feedbackRepo,
		Audit:      auditRepo,
		Clock:      clock,
		Logger:     logger,
		Alerts:     &defense.LogAlertSink{Logger: logger},
		Throttler:  throttler,
		Blocker:    blocklist,
		Quarantine: blocklist,
		Retrain:    defense.NewChanRetrainSignal(logger),
	})

	// Adaptive learning loop.
	learner := adaptive.NewLoop(adaptive.LoopConfig{
		Feedback:        feedbackRepo,
		Profiles:        profileRepo,
		Sink:            holder,
		Actions:         actionRepo,
		Publisher:       publisher,
		Audit:           auditRepo,
		Clock:           clock,
		Logger:          logger,
		Interval:        cfg.Adaptive.Interval,
		MinSamples:      cfg.Adaptive.MinSamples,
		AdjustStep:      cfg.Adaptive.AdjustStep,
		MinThreshold:    cfg.Adaptive.MinThreshold,
		MaxThreshold:    cfg.Adaptive.MaxThreshold,
		RetrainAccuracy: cfg.Adaptive.RetrainAccuracy,
	})

	// Pipeline run-loop.
	monitor := scheduler.NewMonitor(scheduler.MonitorConfig{
		Config:          cfg.Monitor,
		Locations:       locations,
		Models:          cfg.Monitor.CropModels,
		Fetcher:         fetcher,
		Transformer:     features.NewTransformer(),
		Predictor:       engine,
		Scorer:          scorer,
		Decisions:       decisions,
		Gate:            throttler,
		Blocklist:       blocklist,
		ClimateStore:    climateRepo,
		PredictionStore: predictionRepo,
		ScoreStore:      scoreRepo,
		Feed:            feed,
		Metrics:         metrics,
		Clock:           clock,
		Logger:          logger,
	})

	// UI-facing HTTP API.
	server, err := api.NewServer(api.ServerConfig{
		Config:         cfg,
		Logger:         logger,
		Predictions:    predictionRepo,
		Scores:         scoreRepo,
		Feedback:       feedbackRepo,
		Decisions:      decisions,
		Feed:           feed,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Clock:          clock,
	})
	if err != nil {
		logger.Error("failed to create API server", "error", err)
		os.Exit(1)
	}
	httpServer := server.HTTPServer()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); monitor.Run(ctx) }()
	go func() { defer wg.Done(); executor.Run(ctx, actionStream.Recv()) }()
	go func() { defer wg.Done(); sweeper.Run(ctx) }()
	go func() { defer wg.Done(); learner.Run(ctx) }()

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

	actionStream.Close()
	wg.Wait()
	logger.Info("shutdown complete")
}

// actionPublisher fans issued actions out to the executor stream and the
// UI feed.
type actionPublisher struct {
	stream *queue.Stream[*types.Action]
	feed   *queue.Broadcaster[types.FeedEvent]
	clock  types.Clock
}

// Publish delivers the action to the executor; feed delivery is
// best-effort.
func (p *actionPublisher) Publish(ctx context.Context, action *types.Action) error {
	if err := p.stream.Append(ctx, action); err != nil {
		return err
	}
	p.feed.Publish(types.FeedEvent{Kind: "action", Action: action, Timestamp: p.clock.Now()})
	return nil
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
