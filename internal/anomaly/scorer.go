package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"agrosentinel/internal/types"
)

// ProfileSource supplies the current threshold profile; scoring weights are
// read from it at evaluation time so adaptive re-weighting takes effect
// without restarting the scorer.
type ProfileSource interface {
	Current() *types.ThresholdProfile
}

// Scorer evaluates signal windows into the per-subject anomaly score
// stream. Each subject's stream is strictly time-ordered: out-of-order
// input is rejected with a stale_signal error, never silently reordered.
type Scorer struct {
	profiles ProfileSource
	logger   *slog.Logger

	windowSize int
	maxAge     time.Duration

	mu        sync.Mutex
	subjects  map[string]*window
	lastScore map[string]time.Time
}

// ScorerConfig holds the configuration for creating a Scorer.
type ScorerConfig struct {
	Profiles   ProfileSource
	WindowSize int
	WindowAge  time.Duration
	Logger     *slog.Logger
}

// NewScorer creates a Scorer with the given configuration.
func NewScorer(cfg ScorerConfig) *Scorer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.WindowSize
	if size <= 0 {
		size = 32
	}
	age := cfg.WindowAge
	if age <= 0 {
		age = 24 * time.Hour
	}
	return &Scorer{
		profiles:   cfg.Profiles,
		logger:     logger,
		windowSize: size,
		maxAge:     age,
		subjects:   make(map[string]*window),
		lastScore:  make(map[string]time.Time),
	}
}

// Score ingests a batch of signals for the subject and produces the next
// point in its score stream.
//
// Ordering: every sample must carry a timestamp >= the newest sample
// already ingested for the subject, and the batch's newest timestamp must
// advance past the previous score's ComputedAt. Violations return
// stale_signal and leave the window untouched.
//
// The score is a weighted combination of per-signal deviations: signals
// with an established baseline contribute |z|/(1+|z|) of their z-score
// against the window history; signals without a baseline contribute their
// raw value clamped to [0,1]. Weights come from the current profile.
func (s *Scorer) Score(ctx context.Context, subjectID string, signals []types.SignalSample) (*types.AnomalyScore, error) {
	if len(signals) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "empty signal batch", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.subjects[subjectID]
	if !ok {
		w = newWindow(s.windowSize, s.maxAge)
		s.subjects[subjectID] = w
	}

	// Validate the whole batch before mutating the window, so a rejected
	// batch has no effect at all.
	newest := w.last
	for _, sig := range signals {
		if sig.Timestamp.Before(w.last) {
			return nil, types.NewAppError(types.ErrCodeStaleSignal,
				fmt.Sprintf("signal %s at %s precedes window head %s",
					sig.Name, sig.Timestamp.Format(time.RFC3339), w.last.Format(time.RFC3339)), nil)
		}
		if sig.Timestamp.After(newest) {
			newest = sig.Timestamp
		}
	}
	if last, ok := s.lastScore[subjectID]; ok && !newest.After(last) {
		return nil, types.NewAppError(types.ErrCodeStaleSignal,
			fmt.Sprintf("batch head %s does not advance past last score %s",
				newest.Format(time.RFC3339), last.Format(time.RFC3339)), nil)
	}

	for _, sig := range signals {
		w.add(sig)
	}

	profile := s.profiles.Current()
	contributions := make(map[string]float64)
	var weighted, totalWeight float64

	for name := range w.samples {
		sample, ok := w.latest(name)
		if !ok {
			continue
		}

		var deviation float64
		if mean, std, ok := w.baseline(name); ok && std > 0 {
			z := math.Abs(sample.Value-mean) / std
			deviation = z / (1 + z)
		} else {
			deviation = clamp01(sample.Value)
		}

		weight := 1.0
		if profile != nil {
			if wv, ok := profile.SignalWeights[name]; ok {
				weight = wv
			}
		}
		if weight <= 0 {
			continue
		}

		contributions[name] = deviation * weight
		weighted += deviation * weight
		totalWeight += weight
	}

	score := 0.0
	if totalWeight > 0 {
		score = clamp01(weighted / totalWeight)
	}

	result := &types.AnomalyScore{
		ID:                  uuid.New().String(),
		SubjectID:           subjectID,
		Score:               score,
		ContributingSignals: contributions,
		ComputedAt:          newest,
	}
	s.lastScore[subjectID] = newest

	s.logger.DebugContext(ctx, "anomaly score computed",
		"subject_id", subjectID,
		"score", score,
		"signals", len(signals),
	)
	return result, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
