package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"agrosentinel/internal/types"
)

// PredictionRepository provides data access for the prediction_results
// table. One immutable row exists per (model_id, input_ref); duplicate
// computation results are discarded on conflict.
type PredictionRepository struct {
	db DBTX
}

// NewPredictionRepository creates a new PredictionRepository backed by the
// given database connection (pool or transaction).
func NewPredictionRepository(db DBTX) *PredictionRepository {
	return &PredictionRepository{db: db}
}

// Insert persists a prediction result. A conflicting (model_id, input_ref)
// row is left untouched: results are deterministic, so the existing row is
// already correct.
func (r *PredictionRepository) Insert(ctx context.Context, p *types.PredictionResult) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO prediction_results (id, model_id, input_ref, location_id,
		                                 predicted_value, confidence, degraded, produced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (model_id, input_ref) DO NOTHING`,
		p.ID,
		p.ModelID,
		p.InputRef,
		nilIfEmpty(p.LocationID),
		p.PredictedValue,
		p.Confidence,
		p.Degraded,
		p.ProducedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert prediction result", err)
	}
	return nil
}

// Latest returns the most recent result per model for a location, newest
// first. The UI's "current predictions" query.
func (r *PredictionRepository) Latest(ctx context.Context, locationID string, limit int) ([]types.PredictionResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (model_id)
		        id, model_id, input_ref, location_id, predicted_value, confidence, degraded, produced_at
		 FROM prediction_results
		 WHERE location_id = $1
		 ORDER BY model_id, produced_at DESC
		 LIMIT $2`,
		locationID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list latest predictions", err)
	}
	defer rows.Close()

	var out []types.PredictionResult
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read prediction rows", err)
	}
	return out, nil
}

// GetByRef returns the result for an exact (model_id, input_ref) pair.
func (r *PredictionRepository) GetByRef(ctx context.Context, modelID, inputRef string) (*types.PredictionResult, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, model_id, input_ref, location_id, predicted_value, confidence, degraded, produced_at
		 FROM prediction_results
		 WHERE model_id = $1 AND input_ref = $2`,
		modelID, inputRef,
	)
	p, err := scanPrediction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPrediction, "prediction not found", err)
		}
		return nil, err
	}
	return p, nil
}

func scanPrediction(row pgx.Row) (*types.PredictionResult, error) {
	var (
		p          types.PredictionResult
		locationID *string
	)
	err := row.Scan(
		&p.ID,
		&p.ModelID,
		&p.InputRef,
		&locationID,
		&p.PredictedValue,
		&p.Confidence,
		&p.Degraded,
		&p.ProducedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan prediction result", err)
	}
	if locationID != nil {
		p.LocationID = *locationID
	}
	return &p, nil
}
