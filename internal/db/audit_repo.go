package db

import (
	"context"

	"agrosentinel/internal/types"
)

// AuditRepository provides data access for the audit_events table and
// satisfies types.AuditSink. Append-only.
type AuditRepository struct {
	db DBTX
}

// NewAuditRepository creates a new AuditRepository backed by the given
// database connection (pool or transaction).
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends an audit event.
func (r *AuditRepository) Record(ctx context.Context, e *types.AuditEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_events (id, actor, entity_kind, entity_id, event_type, reason, details, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		e.ID,
		e.Actor,
		e.EntityKind,
		nilIfEmpty(e.EntityID),
		e.EventType,
		nilIfEmpty(e.Reason),
		types.DetailMap(e.Details),
		nilIfZeroTime(e.OccurredAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record audit event", err)
	}
	return nil
}

// ListByEntity returns the audit trail for an entity, newest first.
func (r *AuditRepository) ListByEntity(ctx context.Context, entityKind, entityID string, limit int) ([]types.AuditEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, actor, entity_kind, entity_id, event_type, reason, details, occurred_at
		 FROM audit_events
		 WHERE entity_kind = $1 AND entity_id = $2
		 ORDER BY occurred_at DESC
		 LIMIT $3`,
		entityKind, entityID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list audit events", err)
	}
	defer rows.Close()

	var out []types.AuditEvent
	for rows.Next() {
		var (
			e        types.AuditEvent
			entityID *string
			reason   *string
			details  types.DetailMap
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.EntityKind, &entityID, &e.EventType, &reason, &details, &e.OccurredAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan audit event", err)
		}
		if entityID != nil {
			e.EntityID = *entityID
		}
		if reason != nil {
			e.Reason = *reason
		}
		e.Details = details
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read audit event rows", err)
	}
	return out, nil
}
