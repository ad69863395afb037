// Package defense executes issued actions. Each ActionKind has exactly one
// handler; side effects are idempotent per action ID so redelivery after an
// escalation never applies a response twice.
package defense

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agrosentinel/internal/types"
)

// AlertSink delivers alert actions to the operator surface.
type AlertSink interface {
	Deliver(ctx context.Context, action *types.Action) error
}

// Throttler slows the fetch pipeline for a subject.
type Throttler interface {
	Throttle(ctx context.Context, subjectID string) error
}

// SourceBlocker maintains the blocked-source set.
type SourceBlocker interface {
	Block(ctx context.Context, subjectID string) error
	IsBlocked(subjectID string) bool
}

// SessionQuarantine isolates suspect sessions.
type SessionQuarantine interface {
	Quarantine(ctx context.Context, subjectID string) error
	IsQuarantined(subjectID string) bool
}

// RetrainSignal notifies the model pipeline that retraining is wanted.
type RetrainSignal interface {
	TriggerRetrain(ctx context.Context, subjectID string) error
}

// LogAlertSink is the default in-process alert delivery: a structured log
// line the desktop shell tails. Real notifier integrations replace it.
type LogAlertSink struct {
	Logger *slog.Logger
}

// Deliver logs the alert.
func (s *LogAlertSink) Deliver(ctx context.Context, action *types.Action) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "alert raised",
		"action_id", action.ID,
		"subject_id", action.SubjectID,
		"priority", action.Priority,
		"trigger_score_ref", action.TriggerScoreRef,
	)
	return nil
}

// MemoryBlocklist is the in-process SourceBlocker and SessionQuarantine
// implementation: two concurrent sets keyed by subject.
type MemoryBlocklist struct {
	blocked     sync.Map // subjectID -> time.Time
	quarantined sync.Map // subjectID -> time.Time
	clock       types.Clock
}

// NewMemoryBlocklist creates an empty blocklist.
func NewMemoryBlocklist(clock types.Clock) *MemoryBlocklist {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryBlocklist{clock: clock}
}

// Block adds the subject to the blocked-source set.
func (b *MemoryBlocklist) Block(_ context.Context, subjectID string) error {
	b.blocked.Store(subjectID, b.clock.Now())
	return nil
}

// IsBlocked reports whether the subject's source is blocked.
func (b *MemoryBlocklist) IsBlocked(subjectID string) bool {
	_, ok := b.blocked.Load(subjectID)
	return ok
}

// Quarantine adds the subject to the quarantined-session set.
func (b *MemoryBlocklist) Quarantine(_ context.Context, subjectID string) error {
	b.quarantined.Store(subjectID, b.clock.Now())
	return nil
}

// IsQuarantined reports whether the subject's session is quarantined.
func (b *MemoryBlocklist) IsQuarantined(subjectID string) bool {
	_, ok := b.quarantined.Load(subjectID)
	return ok
}

// PauseThrottler throttles a subject by recording a hold-until timestamp
// the scheduler consults before fetching.
type PauseThrottler struct {
	Pause time.Duration
	clock types.Clock

	holds sync.Map // subjectID -> time.Time (hold until)
}

// NewPauseThrottler creates a throttler that pauses fetching for pause per
// throttle action.
func NewPauseThrottler(pause time.Duration, clock types.Clock) *PauseThrottler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if pause <= 0 {
		pause = 15 * time.Minute
	}
	return &PauseThrottler{Pause: pause, clock: clock}
}

// Throttle extends the subject's fetch hold.
func (t *PauseThrottler) Throttle(_ context.Context, subjectID string) error {
	t.holds.Store(subjectID, t.clock.Now().Add(t.Pause))
	return nil
}

// Held reports whether fetching for the subject is currently paused.
func (t *PauseThrottler) Held(subjectID string) bool {
	v, ok := t.holds.Load(subjectID)
	if !ok {
		return false
	}
	return t.clock.Now().Before(v.(time.Time))
}

// ChanRetrainSignal delivers retrain requests on a channel the model
// pipeline (or, today, the log tail) consumes. Non-blocking: a full
// channel drops the request, retraining is advisory.
type ChanRetrainSignal struct {
	C      chan string
	Logger *slog.Logger
}

// NewChanRetrainSignal creates a retrain signal with a small buffer.
func NewChanRetrainSignal(logger *slog.Logger) *ChanRetrainSignal {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChanRetrainSignal{C: make(chan string, 8), Logger: logger}
}

// TriggerRetrain enqueues a retrain request.
func (r *ChanRetrainSignal) TriggerRetrain(ctx context.Context, subjectID string) error {
	select {
	case r.C <- subjectID:
	default:
		r.Logger.WarnContext(ctx, "retrain signal dropped, channel full", "subject_id", subjectID)
	}
	return nil
}
