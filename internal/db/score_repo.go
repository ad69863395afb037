package db

import (
	"context"

	"agrosentinel/internal/types"
)

// ScoreRepository provides data access for the anomaly_scores table. The
// table is an append-only per-subject time series; the unique
// (subject_id, computed_at) constraint backs the scorer's ordering
// guarantee at the storage layer.
type ScoreRepository struct {
	db DBTX
}

// NewScoreRepository creates a new ScoreRepository backed by the given
// database connection (pool or transaction).
func NewScoreRepository(db DBTX) *ScoreRepository {
	return &ScoreRepository{db: db}
}

// Insert appends a score to the subject's stream. A duplicate
// (subject_id, computed_at) surfaces as stale_signal, matching the
// scorer's in-memory rejection.
func (r *ScoreRepository) Insert(ctx context.Context, s *types.AnomalyScore) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO anomaly_scores (id, subject_id, score, contributing_signals, computed_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID,
		s.SubjectID,
		s.Score,
		types.SignalMap(s.ContributingSignals),
		s.ComputedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeStaleSignal, "score already recorded for this instant", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert anomaly score", err)
	}
	return nil
}

// ListBySubject returns the most recent scores for a subject, newest first.
func (r *ScoreRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]types.AnomalyScore, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, subject_id, score, contributing_signals, computed_at
		 FROM anomaly_scores
		 WHERE subject_id = $1
		 ORDER BY computed_at DESC
		 LIMIT $2`,
		subjectID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list anomaly scores", err)
	}
	defer rows.Close()

	var out []types.AnomalyScore
	for rows.Next() {
		var (
			s       types.AnomalyScore
			signals types.SignalMap
		)
		if err := rows.Scan(&s.ID, &s.SubjectID, &s.Score, &signals, &s.ComputedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan anomaly score", err)
		}
		s.ContributingSignals = signals
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read anomaly score rows", err)
	}
	return out, nil
}
