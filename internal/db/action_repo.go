package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agrosentinel/internal/types"
)

// ActionRepository provides data access for the actions table. Status is
// the only mutable column and every transition is a guarded conditional
// update, so the lifecycle can never move backward even under concurrent
// writers.
type ActionRepository struct {
	db DBTX
}

// NewActionRepository creates a new ActionRepository backed by the given
// database connection (pool or transaction).
func NewActionRepository(db DBTX) *ActionRepository {
	return &ActionRepository{db: db}
}

// Insert persists a newly issued action.
func (r *ActionRepository) Insert(ctx context.Context, a *types.Action) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO actions (id, trigger_score_ref, subject_id, kind, priority, status,
		                      issued_at, triggered_at, escalated_at, completed_at, failure_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID,
		nilIfEmpty(a.TriggerScoreRef),
		a.SubjectID,
		a.Kind,
		a.Priority,
		a.Status,
		a.IssuedAt,
		a.TriggeredAt,
		a.EscalatedAt,
		a.CompletedAt,
		nilIfEmpty(a.FailureReason),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert action", err)
	}
	return nil
}

// Get returns a single action by ID.
func (r *ActionRepository) Get(ctx context.Context, id string) (*types.Action, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, trigger_score_ref, subject_id, kind, priority, status,
		        issued_at, triggered_at, escalated_at, completed_at, failure_reason
		 FROM actions WHERE id = $1`,
		id,
	)
	return scanAction(row)
}

// UpdateStatus performs a forward-only status transition. The WHERE clause
// guards the from-status, so a lost race surfaces as
// action_invalid_state_transition instead of a silent overwrite.
func (r *ActionRepository) UpdateStatus(ctx context.Context, id string, from, to types.ActionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE actions SET status = $1 WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update action status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeActionInvalidState,
			fmt.Sprintf("action %s is not %s", id, from), nil)
	}
	return nil
}

// MarkSucceeded completes an executing action.
func (r *ActionRepository) MarkSucceeded(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE actions SET status = $1, completed_at = $2
		 WHERE id = $3 AND status = $4`,
		types.ActionSucceeded, at, id, types.ActionExecuting,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark action succeeded", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeActionInvalidState,
			fmt.Sprintf("action %s is not executing", id), nil)
	}
	return nil
}

// MarkFailed moves a pending or executing action to failed with a reason.
func (r *ActionRepository) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE actions SET status = $1, completed_at = $2, failure_reason = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		types.ActionFailed, at, reason, id, types.ActionPending, types.ActionExecuting,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark action failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeActionInvalidState,
			fmt.Sprintf("action %s is not pending or executing", id), nil)
	}
	return nil
}

// MarkEscalated raises the priority of a still-pending action and stamps
// escalated_at.
func (r *ActionRepository) MarkEscalated(ctx context.Context, id string, priority types.Priority, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE actions SET priority = $1, escalated_at = $2
		 WHERE id = $3 AND status = $4 AND escalated_at IS NULL`,
		priority, at, id, types.ActionPending,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to escalate action", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeActionInvalidState,
			fmt.Sprintf("action %s is not pending or already escalated", id), nil)
	}
	return nil
}

// ListPendingBefore returns pending actions issued at or before the cutoff,
// oldest first. The escalation sweeper's scan query.
func (r *ActionRepository) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]types.Action, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, trigger_score_ref, subject_id, kind, priority, status,
		        issued_at, triggered_at, escalated_at, completed_at, failure_reason
		 FROM actions WHERE status = $1 AND issued_at <= $2
		 ORDER BY issued_at ASC`,
		types.ActionPending, cutoff,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending actions", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// ListBySubject returns the most recent actions for a subject, newest first.
func (r *ActionRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]types.Action, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, trigger_score_ref, subject_id, kind, priority, status,
		        issued_at, triggered_at, escalated_at, completed_at, failure_reason
		 FROM actions WHERE subject_id = $1
		 ORDER BY issued_at DESC LIMIT $2`,
		subjectID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list actions by subject", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

func collectActions(rows pgx.Rows) ([]types.Action, error) {
	var out []types.Action
	for rows.Next() {
		a, err := scanActionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read action rows", err)
	}
	return out, nil
}

func scanAction(row pgx.Row) (*types.Action, error) {
	a, err := scanActionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAction, "action not found", err)
		}
		return nil, err
	}
	return a, nil
}

func scanActionRow(row pgx.Row) (*types.Action, error) {
	var (
		a               types.Action
		triggerScoreRef *string
		failureReason   *string
	)
	err := row.Scan(
		&a.ID,
		&triggerScoreRef,
		&a.SubjectID,
		&a.Kind,
		&a.Priority,
		&a.Status,
		&a.IssuedAt,
		&a.TriggeredAt,
		&a.EscalatedAt,
		&a.CompletedAt,
		&failureReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan action", err)
	}
	if triggerScoreRef != nil {
		a.TriggerScoreRef = *triggerScoreRef
	}
	if failureReason != nil {
		a.FailureReason = *failureReason
	}
	return &a, nil
}
