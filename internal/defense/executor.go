package defense

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agrosentinel/internal/types"
)

// ActionStore is the slice of persistence the executor needs: guarded
// status transitions and terminal marks.
type ActionStore interface {
	UpdateStatus(ctx context.Context, id string, from, to types.ActionStatus) error
	MarkSucceeded(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
}

// FeedbackStore records execution outcomes for the learning loop.
type FeedbackStore interface {
	Insert(ctx context.Context, record *types.FeedbackRecord) error
}

// Executor applies issued actions. Execution is idempotent per action ID:
// an in-process executed-set short-circuits redeliveries, and the guarded
// pending->executing transition rejects anything another worker already
// claimed.
type Executor struct {
	store    ActionStore
	feedback FeedbackStore
	audit    types.AuditSink
	clock    types.Clock
	logger   *slog.Logger

	alerts     AlertSink
	throttler  Throttler
	blocker    SourceBlocker
	quarantine SessionQuarantine
	retrain    RetrainSignal

	executed sync.Map // action ID -> struct{}
}

// ExecutorConfig holds the configuration for creating an Executor.
type ExecutorConfig struct {
	Store    ActionStore
	Feedback FeedbackStore
	Audit    types.AuditSink
	Clock    types.Clock
	Logger   *slog.Logger

	Alerts     AlertSink
	Throttler  Throttler
	Blocker    SourceBlocker
	Quarantine SessionQuarantine
	Retrain    RetrainSignal
}

// NewExecutor creates an executor wired to the given sinks.
func NewExecutor(cfg ExecutorConfig) *Executor {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      cfg.Store,
		feedback:   cfg.Feedback,
		audit:      cfg.Audit,
		clock:      clock,
		logger:     logger,
		alerts:     cfg.Alerts,
		throttler:  cfg.Throttler,
		blocker:    cfg.Blocker,
		quarantine: cfg.Quarantine,
		retrain:    cfg.Retrain,
	}
}

// Run consumes the action stream until it closes or the context ends.
func (e *Executor) Run(ctx context.Context, actions <-chan *types.Action) {
	e.logger.InfoContext(ctx, "action executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "action executor stopped")
			return
		case action, ok := <-actions:
			if !ok {
				e.logger.InfoContext(ctx, "action stream closed, executor stopping")
				return
			}
			if err := e.Execute(ctx, action); err != nil {
				e.logger.ErrorContext(ctx, "action execution failed",
					"action_id", action.ID,
					"kind", action.Kind,
					"error", err,
				)
			}
		}
	}
}

// Execute applies one action. Redelivery of an already-executed action is
// a logged no-op. A handler error marks the action failed and records an
// execution_failure feedback record; success marks it succeeded.
func (e *Executor) Execute(ctx context.Context, action *types.Action) error {
	if _, dup := e.executed.LoadOrStore(action.ID, struct{}{}); dup {
		e.logger.DebugContext(ctx, "action already executed, skipping redelivery",
			"action_id", action.ID)
		return nil
	}

	if err := e.store.UpdateStatus(ctx, action.ID, types.ActionPending, types.ActionExecuting); err != nil {
		// Another worker claimed it, or an operator suppressed it first.
		e.logger.InfoContext(ctx, "action not claimable, skipping",
			"action_id", action.ID, "error", err)
		return nil
	}
	e.recordTransition(ctx, action.ID, types.ActionPending, types.ActionExecuting, "")

	handlerErr := e.dispatch(ctx, action)
	now := e.clock.Now()

	if handlerErr != nil {
		reason := handlerErr.Error()
		if err := e.store.MarkFailed(ctx, action.ID, reason, now); err != nil {
			return err
		}
		e.recordTransition(ctx, action.ID, types.ActionExecuting, types.ActionFailed, reason)
		e.recordFeedback(ctx, action, types.OutcomeExecutionFail)
		return types.NewAppError(types.ErrCodeActionExecution,
			fmt.Sprintf("executing %s action %s", action.Kind, action.ID), handlerErr)
	}

	if err := e.store.MarkSucceeded(ctx, action.ID, now); err != nil {
		return err
	}
	e.recordTransition(ctx, action.ID, types.ActionExecuting, types.ActionSucceeded, "")
	e.logger.InfoContext(ctx, "action executed",
		"action_id", action.ID,
		"kind", action.Kind,
		"subject_id", action.SubjectID,
	)
	return nil
}

// dispatch is the closed switch over action kinds. A kind without a handler
// is a programming error surfaced as action_execution.
func (e *Executor) dispatch(ctx context.Context, action *types.Action) error {
	switch action.Kind {
	case types.ActionAlert:
		return e.alerts.Deliver(ctx, action)
	case types.ActionThrottle:
		return e.throttler.Throttle(ctx, action.SubjectID)
	case types.ActionBlock:
		return e.blocker.Block(ctx, action.SubjectID)
	case types.ActionQuarantine:
		return e.quarantine.Quarantine(ctx, action.SubjectID)
	case types.ActionRetrain:
		return e.retrain.TriggerRetrain(ctx, action.SubjectID)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidParam,
			fmt.Sprintf("no handler for action kind %q", action.Kind), nil)
	}
}

func (e *Executor) recordTransition(ctx context.Context, actionID string, from, to types.ActionStatus, reason string) {
	if e.audit == nil {
		return
	}
	event := &types.AuditEvent{
		ID:         uuid.New().String(),
		Actor:      "defense-executor",
		EntityKind: "action",
		EntityID:   actionID,
		EventType:  types.AuditActionTransition,
		Reason:     reason,
		Details: map[string]any{
			"from": string(from),
			"to":   string(to),
		},
		OccurredAt: e.clock.Now(),
	}
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to record audit event",
			"entity_id", actionID, "error", err)
	}
}

func (e *Executor) recordFeedback(ctx context.Context, action *types.Action, outcome types.FeedbackOutcome) {
	if e.feedback == nil {
		return
	}
	record := &types.FeedbackRecord{
		ID:         uuid.New().String(),
		ActionID:   action.ID,
		SubjectID:  action.SubjectID,
		Outcome:    outcome,
		RecordedAt: e.clock.Now(),
	}
	if err := e.feedback.Insert(ctx, record); err != nil {
		e.logger.ErrorContext(ctx, "failed to record feedback",
			"action_id", action.ID, "outcome", outcome, "error", err)
	}
}
