// Package api provides the local HTTP surface the desktop UI talks to. It
// creates a chi router and enforces cross-cutting concerns -- request IDs,
// logging, recovery, metrics, and admin authentication -- before requests
// reach the handlers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agrosentinel/internal/config"
	"agrosentinel/internal/decision"
	"agrosentinel/internal/queue"
	"agrosentinel/internal/telemetry"
	"agrosentinel/internal/types"
)

// PredictionReader is the read surface the prediction endpoints need.
type PredictionReader interface {
	Latest(ctx context.Context, locationID string, limit int) ([]types.PredictionResult, error)
}

// ScoreReader is the read surface the score endpoints need.
type ScoreReader interface {
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]types.AnomalyScore, error)
}

// FeedbackWriter records operator outcome judgments.
type FeedbackWriter interface {
	Insert(ctx context.Context, record *types.FeedbackRecord) error
}

// Server encapsulates all dependencies for the API, allowing for easy
// injection during testing.
type Server struct {
	Config      *config.Config
	Logger      *slog.Logger
	Predictions PredictionReader
	Scores      ScoreReader
	Feedback    FeedbackWriter
	Decisions   *decision.Engine
	Feed        *queue.Broadcaster[types.FeedEvent]
	Metrics     *telemetry.Metrics
	// MetricsHandler serves GET /metrics; built from the Prometheus
	// registry the Metrics were registered against.
	MetricsHandler http.Handler
	Clock          types.Clock

	router *chi.Mux
}

// ServerConfig holds the dependencies for creating a Server.
type ServerConfig struct {
	Config         *config.Config
	Logger         *slog.Logger
	Predictions    PredictionReader
	Scores         ScoreReader
	Feedback       FeedbackWriter
	Decisions      *decision.Engine
	Feed           *queue.Broadcaster[types.FeedEvent]
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	Clock          types.Clock
}

// NewServer initializes the server and mounts the routes. It performs a
// fail-fast check on critical configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}

	s := &Server{
		Config:         cfg.Config,
		Logger:         cfg.Logger,
		Predictions:    cfg.Predictions,
		Scores:         cfg.Scores,
		Feedback:       cfg.Feedback,
		Decisions:      cfg.Decisions,
		Feed:           cfg.Feed,
		Metrics:        cfg.Metrics,
		MetricsHandler: cfg.MetricsHandler,
		Clock:          cfg.Clock,
		router:         chi.NewRouter(),
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer builds the net/http server with the configured timeouts.
// WriteTimeout stays zero so the SSE stream is never cut mid-feed; the
// stream handler manages its own lifetime via the request context.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:        ":" + s.Config.Server.Port,
		Handler:     s.Handler(),
		ReadTimeout: s.Config.Server.ReadTimeout,
		IdleTimeout: 120 * time.Second,
	}
}
