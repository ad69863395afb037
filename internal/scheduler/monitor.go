// Package scheduler runs the background monitoring pipeline: on every tick
// each configured location is fetched, transformed, predicted and scored,
// and the resulting scores are handed to the decision engine. The stages
// communicate through return values inside one goroutine per location;
// cross-location work is bounded by an errgroup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"agrosentinel/internal/config"
	"agrosentinel/internal/queue"
	"agrosentinel/internal/telemetry"
	"agrosentinel/internal/types"
)

// Fetcher retrieves climate observations for a location window.
type Fetcher interface {
	Fetch(ctx context.Context, loc types.Location, window types.TimeRange, params []string) (*types.FetchResult, error)
}

// Transformer turns raw records into a canonical feature vector.
type Transformer interface {
	Transform(records []types.ClimateRecord) (*types.FeatureVector, error)
}

// Predictor runs one model against a feature vector.
type Predictor interface {
	Predict(ctx context.Context, modelID string, fv *types.FeatureVector) (*types.PredictionResult, error)
}

// Scorer folds a signal batch into the subject's anomaly score stream.
type Scorer interface {
	Score(ctx context.Context, subjectID string, signals []types.SignalSample) (*types.AnomalyScore, error)
}

// Evaluator is the decision engine surface the pipeline drives.
type Evaluator interface {
	Evaluate(ctx context.Context, score *types.AnomalyScore) ([]*types.Action, error)
}

// Gate reports whether fetching for a subject is currently paused by a
// throttle action.
type Gate interface {
	Held(subjectID string) bool
}

// Blocklist reports whether a subject's source has been blocked.
type Blocklist interface {
	IsBlocked(subjectID string) bool
}

// ClimateStore persists fetched records.
type ClimateStore interface {
	InsertBatch(ctx context.Context, records []types.ClimateRecord) error
}

// PredictionStore persists prediction results.
type PredictionStore interface {
	Insert(ctx context.Context, p *types.PredictionResult) error
}

// ScoreStore persists anomaly scores.
type ScoreStore interface {
	Insert(ctx context.Context, s *types.AnomalyScore) error
}

// Monitor is the pipeline run-loop.
type Monitor struct {
	cfg       config.MonitorConfig
	locations []types.Location
	models    []string
	params    []string

	fetcher     Fetcher
	transformer Transformer
	predictor   Predictor
	scorer      Scorer
	decisions   Evaluator
	gate        Gate
	blocklist   Blocklist

	climateStore    ClimateStore
	predictionStore PredictionStore
	scoreStore      ScoreStore

	feed    *queue.Broadcaster[types.FeedEvent]
	metrics *telemetry.Metrics
	clock   types.Clock
	logger  *slog.Logger
}

// MonitorConfig holds the dependencies for creating a Monitor.
type MonitorConfig struct {
	Config    config.MonitorConfig
	Locations []types.Location
	Models    []string
	// Params lists the climate parameters fetched each tick. Defaults to
	// the full canonical set.
	Params []string

	Fetcher     Fetcher
	Transformer Transformer
	Predictor   Predictor
	Scorer      Scorer
	Decisions   Evaluator
	Gate        Gate
	Blocklist   Blocklist

	ClimateStore    ClimateStore
	PredictionStore PredictionStore
	ScoreStore      ScoreStore

	Feed    *queue.Broadcaster[types.FeedEvent]
	Metrics *telemetry.Metrics
	Clock   types.Clock
	Logger  *slog.Logger
}

// NewMonitor creates the pipeline run-loop.
func NewMonitor(cfg MonitorConfig) *Monitor {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	params := cfg.Params
	if len(params) == 0 {
		params = []string{
			types.ParamTemperatureC,
			types.ParamPrecipitationMM,
			types.ParamHumidityPercent,
			types.ParamWindSpeedKmh,
			types.ParamSolarRadiation,
			types.ParamSoilMoisture,
		}
	}
	return &Monitor{
		cfg:             cfg.Config,
		locations:       cfg.Locations,
		models:          cfg.Models,
		params:          params,
		fetcher:         cfg.Fetcher,
		transformer:     cfg.Transformer,
		predictor:       cfg.Predictor,
		scorer:          cfg.Scorer,
		decisions:       cfg.Decisions,
		gate:            cfg.Gate,
		blocklist:       cfg.Blocklist,
		climateStore:    cfg.ClimateStore,
		predictionStore: cfg.PredictionStore,
		scoreStore:      cfg.ScoreStore,
		feed:            cfg.Feed,
		metrics:         cfg.Metrics,
		clock:           clock,
		logger:          logger,
	}
}

// Run ticks the pipeline on the configured interval until the context is
// cancelled. The first tick fires immediately.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "monitor started",
		"interval", interval.String(),
		"locations", len(m.locations),
		"models", len(m.models),
	)

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one pipeline pass over every location, bounded by the fetch
// concurrency limit. A failing location never stops the others; its error
// is logged and the next tick retries from scratch.
func (m *Monitor) Tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	concurrency := m.cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	g.SetLimit(concurrency)

	for _, loc := range m.locations {
		g.Go(func() error {
			if err := m.runLocation(gctx, loc); err != nil {
				m.logger.ErrorContext(gctx, "pipeline pass failed",
					"location_id", loc.ID,
					"error", err,
				)
			}
			// Per-location failures are isolated; never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()
}

// runLocation executes fetch -> transform -> predict -> score -> decide for
// one location. Cancellation discards partial work: nothing is persisted
// after ctx is done.
func (m *Monitor) runLocation(ctx context.Context, loc types.Location) error {
	if m.blocklist != nil && m.blocklist.IsBlocked(loc.ID) {
		m.logger.InfoContext(ctx, "skipping blocked source", "location_id", loc.ID)
		return nil
	}
	if m.gate != nil && m.gate.Held(loc.ID) {
		m.logger.InfoContext(ctx, "skipping throttled location", "location_id", loc.ID)
		return nil
	}

	now := m.clock.Now()
	window := types.TimeRange{Start: now.Add(-m.cfg.Lookback), End: now}

	start := time.Now()
	fetch, err := m.fetcher.Fetch(ctx, loc, window, m.params)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", loc.ID, err)
	}
	if m.metrics != nil {
		m.metrics.FetchDuration.Observe(time.Since(start).Seconds())
		m.metrics.FetchTotal.WithLabelValues(loc.ID, fetchResultLabel(fetch)).Inc()
	}

	if len(fetch.Records) == 0 {
		m.logger.WarnContext(ctx, "no climate records for window",
			"location_id", loc.ID,
			"degraded", fetch.Degraded,
		)
		return nil
	}

	if !fetch.FromCache && m.climateStore != nil {
		if err := m.climateStore.InsertBatch(ctx, fetch.Records); err != nil {
			// Persistence is not on the critical path; the cache still holds
			// the records for this pass.
			m.logger.ErrorContext(ctx, "failed to persist climate records",
				"location_id", loc.ID, "error", err)
		}
	}

	fv, err := m.transformer.Transform(fetch.Records)
	if err != nil {
		return fmt.Errorf("transforming %s: %w", loc.ID, err)
	}
	fv.Degraded = fv.Degraded || fetch.Degraded

	signals := m.healthSignals(loc.ID, fetch, fv, now)

	for _, modelID := range m.models {
		pred, err := m.predictor.Predict(ctx, modelID, fv)
		if err != nil {
			m.logger.ErrorContext(ctx, "prediction failed",
				"location_id", loc.ID,
				"model_id", modelID,
				"error", err,
			)
			continue
		}
		if m.metrics != nil {
			m.metrics.PredictionsTotal.WithLabelValues(modelID, fmt.Sprintf("%t", pred.Degraded)).Inc()
		}
		if m.predictionStore != nil {
			// The engine may hand back a cached shared result; copy before
			// stamping the location.
			stored := *pred
			stored.LocationID = loc.ID
			if err := m.predictionStore.Insert(ctx, &stored); err != nil {
				m.logger.ErrorContext(ctx, "failed to persist prediction",
					"model_id", modelID, "error", err)
			}
		}
		signals = append(signals, types.SignalSample{
			SubjectID: loc.ID,
			Name:      types.SignalValueDeviation,
			Value:     pred.PredictedValue,
			Timestamp: now,
		})
	}

	score, err := m.scorer.Score(ctx, loc.ID, signals)
	if err != nil {
		return fmt.Errorf("scoring %s: %w", loc.ID, err)
	}
	if m.metrics != nil {
		m.metrics.AnomalyScore.WithLabelValues(loc.ID).Set(score.Score)
	}
	if m.scoreStore != nil {
		if err := m.scoreStore.Insert(ctx, score); err != nil {
			m.logger.ErrorContext(ctx, "failed to persist anomaly score",
				"subject_id", loc.ID, "error", err)
		}
	}
	if m.feed != nil {
		m.feed.Publish(types.FeedEvent{Kind: "score", Score: score, Timestamp: now})
	}

	actions, err := m.decisions.Evaluate(ctx, score)
	if err != nil {
		return fmt.Errorf("deciding %s: %w", loc.ID, err)
	}
	if m.metrics != nil {
		for _, a := range actions {
			m.metrics.ActionsTotal.WithLabelValues(string(a.Kind), string(a.Status)).Inc()
		}
	}
	return nil
}

// healthSignals derives the pipeline-health portion of the signal batch:
// whether the fetch degraded and how much of the vector was gap-filled.
func (m *Monitor) healthSignals(subjectID string, fetch *types.FetchResult, fv *types.FeatureVector, at time.Time) []types.SignalSample {
	degraded := 0.0
	if fetch.Degraded {
		degraded = 1.0
	}
	imputedRatio := 0.0
	if len(fv.Features) > 0 {
		imputedRatio = float64(len(fv.Imputed)) / float64(len(fv.Features))
	}
	return []types.SignalSample{
		{SubjectID: subjectID, Name: types.SignalFetchDegraded, Value: degraded, Timestamp: at},
		{SubjectID: subjectID, Name: types.SignalImputedRatio, Value: imputedRatio, Timestamp: at},
	}
}

func fetchResultLabel(fetch *types.FetchResult) string {
	switch {
	case fetch.FromCache:
		return "cache_hit"
	case fetch.Degraded:
		return "degraded"
	default:
		return "fetched"
	}
}
