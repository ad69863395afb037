package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agrosentinel/internal/types"
)

// ActionStore is the persistence surface the Decision System needs. The
// db package's action repository satisfies it.
type ActionStore interface {
	Insert(ctx context.Context, action *types.Action) error
	Get(ctx context.Context, id string) (*types.Action, error)
	// UpdateStatus performs a guarded forward-only transition and fails with
	// action_invalid_state when the action is no longer in the from status.
	UpdateStatus(ctx context.Context, id string, from, to types.ActionStatus) error
	MarkEscalated(ctx context.Context, id string, priority types.Priority, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]types.Action, error)
}

// Override modes accepted by the manual override endpoint.
const (
	OverrideSuppress = "suppress"
	OverrideForce    = "force"
)

// Engine turns anomaly scores into actions. It reads thresholds from the
// profile holder, applies per-(subject, kind) rate limits, persists every
// action (including suppressed ones, which stay visible for audit), and
// hands executable actions to the publisher.
type Engine struct {
	profiles  *ProfileHolder
	limiter   *RateLimiter
	store     ActionStore
	audit     types.AuditSink
	publisher types.ActionPublisher
	clock     types.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	lastEval map[string]time.Time // subject -> ComputedAt of last evaluated score
}

// EngineConfig holds the configuration for creating an Engine.
type EngineConfig struct {
	Profiles  *ProfileHolder
	Limiter   *RateLimiter
	Store     ActionStore
	Audit     types.AuditSink
	Publisher types.ActionPublisher
	Clock     types.Clock
	Logger    *slog.Logger
}

// NewEngine creates a decision engine.
func NewEngine(cfg EngineConfig) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		profiles:  cfg.Profiles,
		limiter:   cfg.Limiter,
		store:     cfg.Store,
		audit:     cfg.Audit,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
		lastEval:  make(map[string]time.Time),
	}
}

// candidate is an action proposal derived from one triggered signal class.
type candidate struct {
	kind     types.ActionKind
	priority types.Priority
	class    string
}

// Evaluate compares a score against the active profile and issues whatever
// actions it triggers. Scores must arrive in per-subject time order;
// out-of-order scores are rejected with stale_signal and have no effect.
//
// Every triggered candidate becomes a persisted Action: those past the rate
// limit are recorded as suppressed rather than dropped. When several
// candidates target the subject at once they are processed highest priority
// first, ties broken by the earlier trigger.
func (e *Engine) Evaluate(ctx context.Context, score *types.AnomalyScore) ([]*types.Action, error) {
	profile := e.profiles.Current()
	if profile == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "no active threshold profile", nil)
	}

	e.mu.Lock()
	if last, ok := e.lastEval[score.SubjectID]; ok && !score.ComputedAt.After(last) {
		e.mu.Unlock()
		return nil, types.NewAppError(types.ErrCodeStaleSignal,
			fmt.Sprintf("score at %s does not advance past %s for subject %s",
				score.ComputedAt.Format(time.RFC3339), last.Format(time.RFC3339), score.SubjectID), nil)
	}
	e.lastEval[score.SubjectID] = score.ComputedAt
	e.mu.Unlock()

	candidates := e.collectCandidates(profile, score)
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority.Rank() != candidates[j].priority.Rank() {
			return candidates[i].priority.Rank() > candidates[j].priority.Rank()
		}
		return candidates[i].class < candidates[j].class
	})

	now := e.clock.Now()
	actions := make([]*types.Action, 0, len(candidates))
	for _, c := range candidates {
		action := &types.Action{
			ID:              uuid.New().String(),
			TriggerScoreRef: score.ID,
			SubjectID:       score.SubjectID,
			Kind:            c.kind,
			Priority:        c.priority,
			Status:          types.ActionPending,
			IssuedAt:        now,
			TriggeredAt:     score.ComputedAt,
		}

		allowed := e.limiter == nil || e.limiter.Allow(score.SubjectID, c.kind)
		if !allowed {
			action.Status = types.ActionSuppressed
			completed := now
			action.CompletedAt = &completed
		}

		if err := e.store.Insert(ctx, action); err != nil {
			return actions, err
		}

		if !allowed {
			e.recordAudit(ctx, action, types.AuditActionSuppressed, "rate limit exceeded", map[string]any{
				"signal_class": c.class,
			})
			e.logger.InfoContext(ctx, "action suppressed by rate limit",
				"action_id", action.ID,
				"subject_id", action.SubjectID,
				"kind", action.Kind,
			)
			actions = append(actions, action)
			continue
		}

		e.recordAudit(ctx, action, types.AuditActionIssued, fmt.Sprintf("score %.3f triggered %s", score.Score, c.class), map[string]any{
			"signal_class": c.class,
			"score":        score.Score,
		})
		if err := e.publisher.Publish(ctx, action); err != nil {
			e.logger.ErrorContext(ctx, "failed to publish action",
				"action_id", action.ID,
				"error", err,
			)
		}
		e.logger.InfoContext(ctx, "action issued",
			"action_id", action.ID,
			"subject_id", action.SubjectID,
			"kind", action.Kind,
			"priority", action.Priority,
		)
		actions = append(actions, action)
	}
	return actions, nil
}

// collectCandidates maps each contributing signal class whose threshold the
// score exceeds into an action proposal. Classes mapping to the same kind
// collapse into the highest-priority proposal.
func (e *Engine) collectCandidates(profile *types.ThresholdProfile, score *types.AnomalyScore) []candidate {
	byKind := make(map[types.ActionKind]candidate)
	for class := range score.ContributingSignals {
		threshold, ok := profile.ThresholdFor(class)
		if !ok || score.Score <= threshold {
			continue
		}
		c := candidate{
			kind:     kindForClass(class),
			priority: priorityFor(score.Score, threshold),
			class:    class,
		}
		if prev, ok := byKind[c.kind]; !ok || c.priority.Rank() > prev.priority.Rank() {
			byKind[c.kind] = c
		}
	}

	out := make([]candidate, 0, len(byKind))
	for _, c := range byKind {
		out = append(out, c)
	}
	return out
}

// Override applies a manual operator decision to a pending action.
// Suppress retires it without execution; force pushes it to the executor
// immediately, ahead of any escalation wait. Terminal actions reject the
// override with action_invalid_state.
func (e *Engine) Override(ctx context.Context, actionID, mode, actor string) (*types.Action, error) {
	action, err := e.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Terminal() {
		return nil, types.NewAppError(types.ErrCodeActionInvalidState,
			fmt.Sprintf("action %s already %s", actionID, action.Status), nil)
	}

	switch mode {
	case OverrideSuppress:
		if err := e.store.UpdateStatus(ctx, actionID, action.Status, types.ActionSuppressed); err != nil {
			return nil, err
		}
		action.Status = types.ActionSuppressed
	case OverrideForce:
		if action.Status != types.ActionPending {
			return nil, types.NewAppError(types.ErrCodeActionInvalidState,
				fmt.Sprintf("action %s is %s, only pending actions can be forced", actionID, action.Status), nil)
		}
		if err := e.publisher.Publish(ctx, action); err != nil {
			return nil, types.NewAppError(types.ErrCodeActionExecution,
				fmt.Sprintf("forcing action %s", actionID), err)
		}
	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidParam,
			fmt.Sprintf("unknown override mode %q", mode), nil)
	}

	e.recordAudit(ctx, action, types.AuditActionOverridden, fmt.Sprintf("manual %s by %s", mode, actor), map[string]any{
		"mode":  mode,
		"actor": actor,
	})
	e.logger.InfoContext(ctx, "action overridden",
		"action_id", actionID,
		"mode", mode,
		"actor", actor,
	)
	return action, nil
}

func (e *Engine) recordAudit(ctx context.Context, action *types.Action, eventType, reason string, details map[string]any) {
	if e.audit == nil {
		return
	}
	event := &types.AuditEvent{
		ID:         uuid.New().String(),
		Actor:      "decision-engine",
		EntityKind: "action",
		EntityID:   action.ID,
		EventType:  eventType,
		Reason:     reason,
		Details:    details,
		OccurredAt: e.clock.Now(),
	}
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to record audit event",
			"event_type", eventType,
			"entity_id", action.ID,
			"error", err,
		)
	}
}

// kindForClass maps a triggered signal class to the response kind.
func kindForClass(class string) types.ActionKind {
	switch class {
	case types.SignalFetchDegraded, types.SignalImputedRatio:
		return types.ActionThrottle
	case types.SignalAuthFailure:
		return types.ActionBlock
	case types.SignalAccessPattern:
		return types.ActionQuarantine
	default:
		return types.ActionAlert
	}
}

// priorityFor grades how far past the threshold the score landed. The
// excess is normalized to the remaining headroom so a 0.85 score against a
// 0.8 threshold and a 0.55 score against a 0.4 threshold grade comparably.
func priorityFor(score, threshold float64) types.Priority {
	headroom := 1.0 - threshold
	if headroom <= 0 {
		return types.PriorityCritical
	}
	excess := (score - threshold) / headroom
	switch {
	case excess < 0.25:
		return types.PriorityLow
	case excess < 0.5:
		return types.PriorityMedium
	case excess < 0.75:
		return types.PriorityHigh
	default:
		return types.PriorityCritical
	}
}
