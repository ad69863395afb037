// Package adaptive implements the learning loop: it periodically folds
// judged action outcomes back into the threshold profile and requests
// model retraining when feedback accuracy drops.
package adaptive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agrosentinel/internal/types"
)

// FeedbackSource lists feedback recorded since a point in time.
type FeedbackSource interface {
	ListSince(ctx context.Context, since time.Time) ([]types.FeedbackRecord, error)
}

// ProfileStore appends published profile versions.
type ProfileStore interface {
	Insert(ctx context.Context, profile *types.ThresholdProfile) error
}

// ProfileSink is where new versions take effect. The decision package's
// ProfileHolder satisfies it.
type ProfileSink interface {
	Current() *types.ThresholdProfile
	Publish(profile *types.ThresholdProfile)
}

// ActionStore persists the retrain actions the loop issues.
type ActionStore interface {
	Insert(ctx context.Context, action *types.Action) error
}

// Loop is the adaptive learning worker.
type Loop struct {
	feedback  FeedbackSource
	profiles  ProfileStore
	sink      ProfileSink
	actions   ActionStore
	publisher types.ActionPublisher
	audit     types.AuditSink
	clock     types.Clock
	logger    *slog.Logger

	interval        time.Duration
	minSamples      int
	adjustStep      float64
	minThreshold    float64
	maxThreshold    float64
	retrainAccuracy float64

	lastRun time.Time
}

// LoopConfig holds the configuration for creating a Loop.
type LoopConfig struct {
	Feedback  FeedbackSource
	Profiles  ProfileStore
	Sink      ProfileSink
	Actions   ActionStore
	Publisher types.ActionPublisher
	Audit     types.AuditSink
	Clock     types.Clock
	Logger    *slog.Logger

	Interval        time.Duration
	MinSamples      int
	AdjustStep      float64
	MinThreshold    float64
	MaxThreshold    float64
	RetrainAccuracy float64
}

// NewLoop creates the learning loop.
func NewLoop(cfg LoopConfig) *Loop {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 20
	}
	step := cfg.AdjustStep
	if step <= 0 {
		step = 0.05
	}
	minT, maxT := cfg.MinThreshold, cfg.MaxThreshold
	if minT <= 0 {
		minT = 0.3
	}
	if maxT <= 0 || maxT > 1 {
		maxT = 0.95
	}
	retrain := cfg.RetrainAccuracy
	if retrain <= 0 {
		retrain = 0.6
	}
	return &Loop{
		feedback:        cfg.Feedback,
		profiles:        cfg.Profiles,
		sink:            cfg.Sink,
		actions:         cfg.Actions,
		publisher:       cfg.Publisher,
		audit:           cfg.Audit,
		clock:           clock,
		logger:          logger,
		interval:        interval,
		minSamples:      minSamples,
		adjustStep:      step,
		minThreshold:    minT,
		maxThreshold:    maxT,
		retrainAccuracy: retrain,
		lastRun:         clock.Now(),
	}
}

// Run executes learning cycles on the configured cadence until the context
// is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.InfoContext(ctx, "adaptive loop started",
		"interval", l.interval.String(),
		"min_samples", l.minSamples,
	)
	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "adaptive loop stopped")
			return
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.logger.ErrorContext(ctx, "learning cycle failed", "error", err)
			}
		}
	}
}

// RunOnce performs one learning cycle.
//
// Below the minimum sample count the cycle is an explicit, logged no-op:
// the unconsumed feedback stays in scope for the next cycle rather than
// being discarded. With enough samples the loop clones the current
// profile, nudges thresholds against the dominant error mode, clamps them
// to the configured band, and publishes the clone as a new version.
func (l *Loop) RunOnce(ctx context.Context) error {
	records, err := l.feedback.ListSince(ctx, l.lastRun)
	if err != nil {
		return err
	}

	if len(records) < l.minSamples {
		l.logger.InfoContext(ctx, "skipping learning cycle",
			"reason", string(types.ErrCodeInsufficientFeedback),
			"samples", len(records),
			"min_samples", l.minSamples,
		)
		l.recordAudit(ctx, "profile", "", types.AuditLearningSkipped,
			fmt.Sprintf("%d samples, need %d", len(records), l.minSamples), nil)
		return nil
	}

	current := l.sink.Current()
	if current == nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "no active threshold profile", nil)
	}

	var truePos, falsePos, missed int
	bySubject := make(map[string][2]int) // subject -> [true positives, total judged]
	for _, r := range records {
		switch r.Outcome {
		case types.OutcomeTruePositive:
			truePos++
		case types.OutcomeFalsePositive:
			falsePos++
		case types.OutcomeMissed:
			missed++
		}
		counts := bySubject[r.SubjectID]
		if r.Outcome == types.OutcomeTruePositive {
			counts[0]++
		}
		counts[1]++
		bySubject[r.SubjectID] = counts
	}

	// False positives mean we acted too eagerly: raise thresholds. Missed
	// detections mean we were too lax: lower them. A balanced mix leaves
	// the profile alone.
	delta := 0.0
	switch {
	case falsePos > missed:
		delta = l.adjustStep
	case missed > falsePos:
		delta = -l.adjustStep
	}

	if delta != 0 {
		next := current.Clone()
		next.Version = current.Version + 1
		next.ID = fmt.Sprintf("profile_v%d", next.Version)
		next.EffectiveFrom = l.clock.Now()
		for class, t := range next.Thresholds {
			next.Thresholds[class] = clamp(t+delta, l.minThreshold, l.maxThreshold)
		}

		if err := l.profiles.Insert(ctx, next); err != nil {
			return err
		}
		l.sink.Publish(next)
		l.recordAudit(ctx, "profile", next.ID, types.AuditProfilePublished,
			fmt.Sprintf("adjusted by %+.2f from %d samples", delta, len(records)), map[string]any{
				"version":         next.Version,
				"true_positives":  truePos,
				"false_positives": falsePos,
				"missed":          missed,
			})
		l.logger.InfoContext(ctx, "threshold profile published",
			"version", next.Version,
			"delta", delta,
			"samples", len(records),
		)
	} else {
		l.logger.InfoContext(ctx, "feedback balanced, profile unchanged",
			"samples", len(records),
			"true_positives", truePos,
			"false_positives", falsePos,
			"missed", missed,
		)
	}

	l.requestRetrains(ctx, bySubject)
	l.lastRun = l.clock.Now()
	return nil
}

// requestRetrains issues a retrain action for every subject whose judged
// accuracy fell below the retrain floor.
func (l *Loop) requestRetrains(ctx context.Context, bySubject map[string][2]int) {
	for subjectID, counts := range bySubject {
		hits, total := counts[0], counts[1]
		if total < l.minSamples/2 || total == 0 {
			continue
		}
		accuracy := float64(hits) / float64(total)
		if accuracy >= l.retrainAccuracy {
			continue
		}

		now := l.clock.Now()
		action := &types.Action{
			ID:          uuid.New().String(),
			SubjectID:   subjectID,
			Kind:        types.ActionRetrain,
			Priority:    types.PriorityMedium,
			Status:      types.ActionPending,
			IssuedAt:    now,
			TriggeredAt: now,
		}
		if err := l.actions.Insert(ctx, action); err != nil {
			l.logger.ErrorContext(ctx, "failed to persist retrain action",
				"subject_id", subjectID, "error", err)
			continue
		}
		if err := l.publisher.Publish(ctx, action); err != nil {
			l.logger.ErrorContext(ctx, "failed to publish retrain action",
				"action_id", action.ID, "error", err)
			continue
		}
		l.recordAudit(ctx, "action", action.ID, types.AuditActionIssued,
			fmt.Sprintf("feedback accuracy %.2f below %.2f", accuracy, l.retrainAccuracy), map[string]any{
				"subject_id": subjectID,
				"accuracy":   accuracy,
			})
		l.logger.WarnContext(ctx, "retrain requested",
			"subject_id", subjectID,
			"accuracy", accuracy,
		)
	}
}

func (l *Loop) recordAudit(ctx context.Context, entityKind, entityID, eventType, reason string, details map[string]any) {
	if l.audit == nil {
		return
	}
	event := &types.AuditEvent{
		ID:         uuid.New().String(),
		Actor:      "adaptive-loop",
		EntityKind: entityKind,
		EntityID:   entityID,
		EventType:  eventType,
		Reason:     reason,
		Details:    details,
		OccurredAt: l.clock.Now(),
	}
	if err := l.audit.Record(ctx, event); err != nil {
		l.logger.ErrorContext(ctx, "failed to record audit event",
			"event_type", eventType, "error", err)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
