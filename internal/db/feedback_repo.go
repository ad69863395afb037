package db

import (
	"context"
	"time"

	"agrosentinel/internal/types"
)

// FeedbackRepository provides data access for the feedback_records table.
// Append-only: judgments are never revised, a new record supersedes.
type FeedbackRepository struct {
	db DBTX
}

// NewFeedbackRepository creates a new FeedbackRepository backed by the
// given database connection (pool or transaction).
func NewFeedbackRepository(db DBTX) *FeedbackRepository {
	return &FeedbackRepository{db: db}
}

// Insert appends a feedback record.
func (r *FeedbackRepository) Insert(ctx context.Context, f *types.FeedbackRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO feedback_records (id, action_id, subject_id, outcome, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		f.ID,
		f.ActionID,
		f.SubjectID,
		f.Outcome,
		f.RecordedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert feedback record", err)
	}
	return nil
}

// ListSince returns feedback recorded strictly after the given instant,
// oldest first. The adaptive loop's aggregation query.
func (r *FeedbackRepository) ListSince(ctx context.Context, since time.Time) ([]types.FeedbackRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, action_id, subject_id, outcome, recorded_at
		 FROM feedback_records
		 WHERE recorded_at > $1
		 ORDER BY recorded_at ASC`,
		since,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list feedback records", err)
	}
	defer rows.Close()

	var out []types.FeedbackRecord
	for rows.Next() {
		var f types.FeedbackRecord
		if err := rows.Scan(&f.ID, &f.ActionID, &f.SubjectID, &f.Outcome, &f.RecordedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan feedback record", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read feedback rows", err)
	}
	return out, nil
}
