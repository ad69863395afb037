package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"agrosentinel/internal/types"
)

// ProfileRepository provides data access for the threshold_profiles table.
// Profiles are versioned and append-only: publication inserts a new row,
// nothing is ever updated in place.
type ProfileRepository struct {
	db DBTX
}

// NewProfileRepository creates a new ProfileRepository backed by the given
// database connection (pool or transaction).
func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Insert appends a new profile version. A version collision means two
// learning cycles raced; the loser's publish fails loudly.
func (r *ProfileRepository) Insert(ctx context.Context, p *types.ThresholdProfile) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO threshold_profiles (id, version, thresholds, signal_weights, effective_from)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID,
		p.Version,
		types.SignalMap(p.Thresholds),
		types.SignalMap(p.SignalWeights),
		p.EffectiveFrom,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeInternalDB, "profile version already published", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert threshold profile", err)
	}
	return nil
}

// Latest returns the highest-version profile, or nil when none has been
// published yet.
func (r *ProfileRepository) Latest(ctx context.Context) (*types.ThresholdProfile, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, version, thresholds, signal_weights, effective_from
		 FROM threshold_profiles
		 ORDER BY version DESC
		 LIMIT 1`,
	)

	var (
		p          types.ThresholdProfile
		thresholds types.SignalMap
		weights    types.SignalMap
	)
	err := row.Scan(&p.ID, &p.Version, &thresholds, &weights, &p.EffectiveFrom)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load latest profile", err)
	}
	p.Thresholds = thresholds
	p.SignalWeights = weights
	return &p, nil
}
