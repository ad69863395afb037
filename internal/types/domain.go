package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Location identifies a monitored site. Sites are registered ahead of time
// (the UI layer owns registration); the core only needs a stable ID and the
// coordinate for upstream climate queries.
type Location struct {
	ID          string  `json:"id" db:"id"`
	Lat         float64 `json:"lat" db:"lat"`
	Lon         float64 `json:"lon" db:"lon"`
	DisplayName string  `json:"display_name,omitempty" db:"display_name"`
}

// TimeRange defines a half-open [Start, End) observation window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ClimateRecord is one upstream climate observation. Records are immutable
// once cached; (LocationID, Timestamp, Source) is the unique key.
type ClimateRecord struct {
	ID         string             `json:"id" db:"id"`
	LocationID string             `json:"location_id" db:"location_id"`
	Timestamp  time.Time          `json:"timestamp" db:"timestamp"`
	Parameters map[string]float64 `json:"parameters" db:"parameters"`
	Source     string             `json:"source" db:"source"`
	FetchTime  time.Time          `json:"fetch_time" db:"fetch_time"`
}

// Key returns the natural key of the record.
func (r *ClimateRecord) Key() string {
	return fmt.Sprintf("%s|%d|%s", r.LocationID, r.Timestamp.UTC().Unix(), r.Source)
}

// FetchResult is what the Fetcher hands downstream. A degraded result carries
// whatever records could be obtained plus the reason full retrieval failed;
// downstream stages must tolerate the gaps rather than error out.
type FetchResult struct {
	Records   []ClimateRecord `json:"records"`
	Degraded  bool            `json:"degraded"`
	Reason    ErrorCode       `json:"reason,omitempty"`
	FromCache bool            `json:"from_cache"`
}

// FeatureVector is the canonical model input derived from one or more
// ClimateRecords. Every required feature is either present with a real value
// or explicitly listed in Imputed; clipped values are listed in Clipped.
type FeatureVector struct {
	Features map[string]float64 `json:"features"`
	Imputed  []string           `json:"imputed,omitempty"`
	Clipped  []string           `json:"clipped,omitempty"`
	// SourceRecordIDs is the provenance chain back to the cached records.
	SourceRecordIDs []string `json:"source_record_ids,omitempty"`
	Degraded        bool     `json:"degraded"`
}

// CanonicalBytes renders the vector in a stable, byte-deterministic form.
// Identical inputs to the transformer always produce identical bytes, which
// both the determinism guarantee and the prediction cache key rely on.
func (fv *FeatureVector) CanonicalBytes() []byte {
	names := make([]string, 0, len(fv.Features))
	for name := range fv.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%.6f;", name, fv.Features[name])
	}
	imputed := append([]string(nil), fv.Imputed...)
	sort.Strings(imputed)
	for _, name := range imputed {
		fmt.Fprintf(&b, "i:%s;", name)
	}
	return []byte(b.String())
}

// Signature returns a short stable identifier for the vector, used as the
// input_ref on PredictionResults and as the engine cache key component.
func (fv *FeatureVector) Signature() string {
	return fmt.Sprintf("fv_%08x", fnv32(fv.CanonicalBytes()))
}

func fnv32(data []byte) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for _, c := range data {
		h ^= uint32(c)
		h *= prime
	}
	return h
}

// PredictionResult is the immutable output of one model run. One result
// exists per (ModelID, InputRef).
type PredictionResult struct {
	ID             string    `json:"id" db:"id"`
	ModelID        string    `json:"model_id" db:"model_id"`
	InputRef       string    `json:"input_ref" db:"input_ref"`
	LocationID     string    `json:"location_id,omitempty" db:"location_id"`
	PredictedValue float64   `json:"predicted_value" db:"predicted_value"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	// Degraded marks predictions built from incomplete input or scored below
	// the configured minimum confidence. Consumers must not present these
	// as reliable.
	Degraded   bool      `json:"degraded" db:"degraded"`
	ProducedAt time.Time `json:"produced_at" db:"produced_at"`
}

// SignalSample is one telemetry or data-quality observation entering the
// anomaly scorer.
type SignalSample struct {
	SubjectID string    `json:"subject_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// AnomalyScore is one point in the per-subject score stream. Scores are
// append-only; (SubjectID, ComputedAt) is the key and the stream is strictly
// time-ordered per subject.
type AnomalyScore struct {
	ID                  string             `json:"id" db:"id"`
	SubjectID           string             `json:"subject_id" db:"subject_id"`
	Score               float64            `json:"score" db:"score"`
	ContributingSignals map[string]float64 `json:"contributing_signals" db:"contributing_signals"`
	ComputedAt          time.Time          `json:"computed_at" db:"computed_at"`
}

// Action is a discrete defensive or operational response with a tracked
// lifecycle. Status only moves forward: pending -> executing -> terminal.
type Action struct {
	ID              string       `json:"id" db:"id"`
	TriggerScoreRef string       `json:"trigger_score_ref" db:"trigger_score_ref"`
	SubjectID       string       `json:"subject_id" db:"subject_id"`
	Kind            ActionKind   `json:"kind" db:"kind"`
	Priority        Priority     `json:"priority" db:"priority"`
	Status          ActionStatus `json:"status" db:"status"`
	IssuedAt        time.Time    `json:"issued_at" db:"issued_at"`
	// TriggeredAt is the timestamp of the score that produced the action.
	// Used for the equal-priority tie-break.
	TriggeredAt   time.Time  `json:"triggered_at" db:"triggered_at"`
	EscalatedAt   *time.Time `json:"escalated_at,omitempty" db:"escalated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
}

// Terminal reports whether the action has reached a final status.
func (a *Action) Terminal() bool {
	switch a.Status {
	case ActionSucceeded, ActionFailed, ActionSuppressed:
		return true
	}
	return false
}

// ThresholdProfile is a versioned set of decision thresholds and scoring
// weights. Versions are appended, never mutated; the Decision System always
// reads the latest effective profile.
type ThresholdProfile struct {
	ID            string             `json:"id" db:"id"`
	Version       int                `json:"version" db:"version"`
	Thresholds    map[string]float64 `json:"thresholds" db:"thresholds"`
	SignalWeights map[string]float64 `json:"signal_weights" db:"signal_weights"`
	EffectiveFrom time.Time          `json:"effective_from" db:"effective_from"`
}

// ThresholdFor returns the threshold for a signal class, falling back to the
// wildcard entry when no class-specific threshold is configured.
func (p *ThresholdProfile) ThresholdFor(class string) (float64, bool) {
	if t, ok := p.Thresholds[class]; ok {
		return t, true
	}
	t, ok := p.Thresholds[ThresholdClassDefault]
	return t, ok
}

// Clone returns a deep copy. The adaptive loop adjusts a clone and publishes
// it as a new version; the live profile is never written in place.
func (p *ThresholdProfile) Clone() *ThresholdProfile {
	out := &ThresholdProfile{
		ID:            p.ID,
		Version:       p.Version,
		Thresholds:    make(map[string]float64, len(p.Thresholds)),
		SignalWeights: make(map[string]float64, len(p.SignalWeights)),
		EffectiveFrom: p.EffectiveFrom,
	}
	for k, v := range p.Thresholds {
		out.Thresholds[k] = v
	}
	for k, v := range p.SignalWeights {
		out.SignalWeights[k] = v
	}
	return out
}

// FeedbackRecord reports the judged outcome of an executed action back into
// the adaptive learning loop. Append-only.
type FeedbackRecord struct {
	ID         string          `json:"id" db:"id"`
	ActionID   string          `json:"action_id" db:"action_id"`
	SubjectID  string          `json:"subject_id" db:"subject_id"`
	Outcome    FeedbackOutcome `json:"outcome" db:"outcome"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}

// AuditEvent is the structured who/what/when/why record emitted on every
// Action transition and ThresholdProfile publication.
type AuditEvent struct {
	ID         string         `json:"id" db:"id"`
	Actor      string         `json:"actor" db:"actor"`
	EntityKind string         `json:"entity_kind" db:"entity_kind"`
	EntityID   string         `json:"entity_id" db:"entity_id"`
	EventType  string         `json:"event_type" db:"event_type"`
	Reason     string         `json:"reason,omitempty" db:"reason"`
	Details    map[string]any `json:"details,omitempty" db:"details"`
	OccurredAt time.Time      `json:"occurred_at" db:"occurred_at"`
}

// FeedEvent is the envelope pushed to UI subscribers. Exactly one of the
// payload fields is set.
type FeedEvent struct {
	Kind      string        `json:"kind"` // "action" or "score"
	Action    *Action       `json:"action,omitempty"`
	Score     *AnomalyScore `json:"score,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
