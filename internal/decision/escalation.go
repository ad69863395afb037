package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agrosentinel/internal/types"
)

// Sweeper watches for actions stuck in pending past the escalation timeout.
// A stuck action is escalated one priority tier and redelivered once; if it
// is still pending on the next sweep after that, it is marked failed so the
// adaptive loop sees the execution failure.
type Sweeper struct {
	store     ActionStore
	publisher types.ActionPublisher
	audit     types.AuditSink
	timeout   time.Duration
	interval  time.Duration
	clock     types.Clock
	logger    *slog.Logger
}

// SweeperConfig holds the configuration for creating a Sweeper.
type SweeperConfig struct {
	Store     ActionStore
	Publisher types.ActionPublisher
	Audit     types.AuditSink
	Timeout   time.Duration
	Interval  time.Duration
	Clock     types.Clock
	Logger    *slog.Logger
}

// NewSweeper creates an escalation sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
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
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		audit:     cfg.Audit,
		timeout:   cfg.Timeout,
		interval:  interval,
		clock:     clock,
		logger:    logger,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "escalation sweeper started",
		"timeout", s.timeout.String(),
		"interval", s.interval.String(),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "escalation sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "escalation sweep failed", "error", err)
			}
		}
	}
}

// Sweep escalates or fails every action pending past the timeout.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now()
	stale, err := s.store.ListPendingBefore(ctx, now.Add(-s.timeout))
	if err != nil {
		return err
	}

	for i := range stale {
		action := &stale[i]
		if action.EscalatedAt != nil {
			// Already escalated and redelivered once; give up.
			if err := s.store.MarkFailed(ctx, action.ID, "unexecuted after escalation", now); err != nil {
				s.logger.ErrorContext(ctx, "failed to mark action failed",
					"action_id", action.ID, "error", err)
				continue
			}
			s.recordAudit(ctx, action.ID, types.AuditActionTransition, "unexecuted after escalation", map[string]any{
				"from": string(types.ActionPending),
				"to":   string(types.ActionFailed),
			})
			s.logger.WarnContext(ctx, "escalated action never executed, marked failed",
				"action_id", action.ID,
				"subject_id", action.SubjectID,
			)
			continue
		}

		escalated := action.Priority.Escalated()
		if err := s.store.MarkEscalated(ctx, action.ID, escalated, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to escalate action",
				"action_id", action.ID, "error", err)
			continue
		}
		action.Priority = escalated
		action.EscalatedAt = &now

		s.recordAudit(ctx, action.ID, types.AuditActionEscalated, "pending past escalation timeout", map[string]any{
			"priority": string(escalated),
		})
		if err := s.publisher.Publish(ctx, action); err != nil {
			s.logger.ErrorContext(ctx, "failed to redeliver escalated action",
				"action_id", action.ID, "error", err)
			continue
		}
		s.logger.WarnContext(ctx, "action escalated",
			"action_id", action.ID,
			"subject_id", action.SubjectID,
			"priority", escalated,
		)
	}
	return nil
}

func (s *Sweeper) recordAudit(ctx context.Context, actionID, eventType, reason string, details map[string]any) {
	if s.audit == nil {
		return
	}
	event := &types.AuditEvent{
		ID:         uuid.New().String(),
		Actor:      "escalation-sweeper",
		EntityKind: "action",
		EntityID:   actionID,
		EventType:  eventType,
		Reason:     reason,
		Details:    details,
		OccurredAt: s.clock.Now(),
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to record audit event",
			"event_type", eventType,
			"entity_id", actionID,
			"error", err,
		)
	}
}
