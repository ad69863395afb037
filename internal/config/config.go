// Package config defines the global configuration structure for the
// AgroSentinel monitoring core. Configuration is loaded once at process
// initialization and is immutable thereafter. It follows 12-Factor
// principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to
// exit immediately on startup (fail fast). Scoring weights, cache TTLs and
// rate-limit windows are deliberately configuration inputs, never
// hard-coded constants.
package config

import (
	"time"

	"agrosentinel/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only
// the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"agrosentinel"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Climate  ClimateConfig
	Predict  PredictConfig
	Anomaly  AnomalyConfig
	Decision DecisionConfig
	Adaptive AdaptiveConfig
	Monitor  MonitorConfig
}

// ServerConfig holds the UI-facing HTTP API settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// AdminKeyHash is the bcrypt hash of the privileged override key.
	// The raw key is never stored; the API verifies requests against the hash.
	AdminKeyHash SecretString  `envconfig:"ADMIN_KEY_HASH" validate:"required"`
	ReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"0"` // 0: SSE streams stay open
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL types.SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// ClimateConfig holds upstream climate source and cache settings.
type ClimateConfig struct {
	BaseURL    string       `envconfig:"CLIMATE_API_BASE_URL" validate:"required,url"`
	APIKey     SecretString `envconfig:"CLIMATE_API_KEY"`
	SourceName string       `envconfig:"CLIMATE_SOURCE_NAME" default:"nasa_power"`

	// Cache behavior. Expired entries are refetched lazily on next access.
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"6h"`
	CacheDir string        `envconfig:"CLIMATE_CACHE_DIR"` // empty disables the disk tier

	// Resilience.
	MaxRetries  int           `envconfig:"FETCH_MAX_RETRIES" default:"3"`
	MinWait     time.Duration `envconfig:"FETCH_MIN_WAIT" default:"500ms"`
	MaxWait     time.Duration `envconfig:"FETCH_MAX_WAIT" default:"10s"`
	RatePerSec  float64       `envconfig:"FETCH_RATE_LIMIT" default:"4"`
	HTTPTimeout time.Duration `envconfig:"FETCH_HTTP_TIMEOUT" default:"30s"`
}

// PredictConfig holds prediction engine settings.
type PredictConfig struct {
	// ManifestPath points at the YAML model registry (models.yaml).
	ManifestPath string `envconfig:"MODEL_MANIFEST" default:"models.yaml"`
	// MinConfidence is the floor below which predictions are flagged degraded.
	MinConfidence float64 `envconfig:"PREDICT_MIN_CONFIDENCE" default:"0.5"`
	// CacheSize bounds the per-engine recent-result cache.
	CacheSize int `envconfig:"PREDICT_CACHE_SIZE" default:"256"`
}

// AnomalyConfig holds anomaly scoring window settings.
type AnomalyConfig struct {
	WindowSize   int           `envconfig:"ANOMALY_WINDOW_SIZE" default:"32"`
	WindowMaxAge time.Duration `envconfig:"ANOMALY_WINDOW_MAX_AGE" default:"24h"`
}

// DecisionConfig holds decision engine thresholds and rate limits.
type DecisionConfig struct {
	// RateLimitN caps actions of a given kind per subject per window.
	RateLimitN int           `envconfig:"DECISION_RATE_LIMIT_N" default:"3"`
	RateWindow time.Duration `envconfig:"DECISION_RATE_WINDOW" default:"10m"`
	// EscalationTimeout is how long an action may stay pending before it is
	// auto-escalated one priority tier and retried once.
	EscalationTimeout time.Duration `envconfig:"ESCALATION_TIMEOUT" default:"5m"`
	SweepInterval     time.Duration `envconfig:"ESCALATION_SWEEP_INTERVAL" default:"30s"`
}

// AdaptiveConfig holds the learning loop cadence and adjustment bounds.
type AdaptiveConfig struct {
	Interval     time.Duration `envconfig:"ADAPTIVE_INTERVAL" default:"1h"`
	MinSamples   int           `envconfig:"ADAPTIVE_MIN_SAMPLES" default:"20"`
	AdjustStep   float64       `envconfig:"ADAPTIVE_ADJUST_STEP" default:"0.05"`
	MinThreshold float64       `envconfig:"ADAPTIVE_MIN_THRESHOLD" default:"0.3"`
	MaxThreshold float64       `envconfig:"ADAPTIVE_MAX_THRESHOLD" default:"0.95"`
	// RetrainAccuracy is the feedback accuracy floor below which a
	// retrain_trigger action is emitted for the offending model.
	RetrainAccuracy float64 `envconfig:"ADAPTIVE_RETRAIN_ACCURACY" default:"0.6"`
}

// MonitorConfig holds the background pipeline loop settings.
type MonitorConfig struct {
	Interval time.Duration `envconfig:"MONITOR_INTERVAL" default:"15m"`
	// Lookback is the observation window fetched on each tick.
	Lookback time.Duration `envconfig:"MONITOR_LOOKBACK" default:"120h"`
	// FetchConcurrency bounds concurrent upstream fetches across locations.
	FetchConcurrency int `envconfig:"MONITOR_FETCH_CONCURRENCY" default:"4"`
	// Locations is a comma-separated list of "id:lat:lon" entries.
	Locations []string `envconfig:"MONITOR_LOCATIONS"`
	// CropModels lists the versioned model IDs run on every tick.
	CropModels []string `envconfig:"MONITOR_CROP_MODELS" default:"wheat_yield:v1"`
}
