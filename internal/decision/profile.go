// Package decision implements the Decision System: threshold evaluation of
// the anomaly score stream, the Action lifecycle state machine, per-subject
// rate limiting, and escalation of stalled actions.
//
// Shared state is deliberately minimal. The only values shared across
// workers are the current ThresholdProfile pointer and the rate-limit
// counters, both accessed via atomic operations so the Decision System
// never blocks on the slower fetch/predict paths.
package decision

import (
	"sync/atomic"

	"agrosentinel/internal/types"
)

// ProfileHolder owns the "current profile pointer". Publication is a single
// atomic swap: readers always observe a complete, consistent profile, never
// a partially written one. Profiles themselves are immutable once
// published; the adaptive loop clones before adjusting.
type ProfileHolder struct {
	current atomic.Pointer[types.ThresholdProfile]
}

// NewProfileHolder creates a holder seeded with the initial profile.
func NewProfileHolder(initial *types.ThresholdProfile) *ProfileHolder {
	h := &ProfileHolder{}
	if initial != nil {
		h.current.Store(initial)
	}
	return h
}

// Current returns the active profile. May be nil before the first publish.
func (h *ProfileHolder) Current() *types.ThresholdProfile {
	return h.current.Load()
}

// Publish atomically installs a new profile version.
func (h *ProfileHolder) Publish(p *types.ThresholdProfile) {
	h.current.Store(p)
}

// DefaultProfile returns the version-1 profile used when no persisted
// profile exists yet. All values are starting points for the adaptive loop,
// not tuned constants.
func DefaultProfile(clock types.Clock) *types.ThresholdProfile {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &types.ThresholdProfile{
		ID:      "profile_v1",
		Version: 1,
		Thresholds: map[string]float64{
			types.ThresholdClassDefault: 0.8,
			types.SignalFetchDegraded:   0.7,
			types.SignalAuthFailure:     0.6,
		},
		SignalWeights: map[string]float64{
			types.SignalValueDeviation: 1.0,
			types.SignalFetchDegraded:  0.8,
			types.SignalImputedRatio:   0.5,
			types.SignalAccessPattern:  0.7,
			types.SignalAuthFailure:    1.0,
		},
		EffectiveFrom: clock.Now(),
	}
}
