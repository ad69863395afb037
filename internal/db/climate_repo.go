package db

import (
	"context"
	"time"

	"agrosentinel/internal/types"
)

// ClimateRepository provides data access for the climate_records table.
// Records are immutable once written; (location_id, timestamp, source) is
// the natural key and re-fetches of the same observation are no-ops.
type ClimateRepository struct {
	db DBTX
}

// NewClimateRepository creates a new ClimateRepository backed by the given
// database connection (pool or transaction).
func NewClimateRepository(db DBTX) *ClimateRepository {
	return &ClimateRepository{db: db}
}

// InsertBatch persists a batch of fetched records. Conflicts on the natural
// key are ignored: a record fetched twice stays byte-identical.
func (r *ClimateRepository) InsertBatch(ctx context.Context, records []types.ClimateRecord) error {
	for i := range records {
		rec := &records[i]
		_, err := r.db.Exec(ctx,
			`INSERT INTO climate_records (id, location_id, timestamp, parameters, source, fetch_time)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (location_id, timestamp, source) DO NOTHING`,
			rec.ID,
			rec.LocationID,
			rec.Timestamp,
			types.ParameterMap(rec.Parameters),
			rec.Source,
			rec.FetchTime,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to insert climate record", err)
		}
	}
	return nil
}

// ListByLocation returns records for a location inside the half-open
// [start, end) window, oldest first.
func (r *ClimateRepository) ListByLocation(ctx context.Context, locationID string, start, end time.Time) ([]types.ClimateRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, location_id, timestamp, parameters, source, fetch_time
		 FROM climate_records
		 WHERE location_id = $1 AND timestamp >= $2 AND timestamp < $3
		 ORDER BY timestamp ASC`,
		locationID, start, end,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list climate records", err)
	}
	defer rows.Close()

	var out []types.ClimateRecord
	for rows.Next() {
		var (
			rec    types.ClimateRecord
			params types.ParameterMap
		)
		if err := rows.Scan(&rec.ID, &rec.LocationID, &rec.Timestamp, &params, &rec.Source, &rec.FetchTime); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan climate record", err)
		}
		rec.Parameters = params
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read climate record rows", err)
	}
	return out, nil
}
