package climate

import (
	"context"
	"errors"
	"log/slog"

	"agrosentinel/internal/types"
)

// Fetcher is the cache-fronted retrieval service. It checks the cache by
// exact key first; on a miss it calls the upstream Source, validates and
// stores the result, and returns it. A failed retrieval after the client's
// bounded retries yields a degraded result rather than an error: downstream
// stages must tolerate missing records.
type Fetcher struct {
	source Source
	cache  *Cache
	logger *slog.Logger
}

// FetcherConfig holds the configuration for creating a Fetcher.
type FetcherConfig struct {
	Source Source
	Cache  *Cache
	Logger *slog.Logger
}

// NewFetcher creates a Fetcher with the given configuration.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		source: cfg.Source,
		cache:  cfg.Cache,
		logger: logger,
	}
}

// Fetch returns climate records for (location, window, params).
//
// Cache policy: exact key match only; entries past the TTL are treated as
// misses and refetched here, never evicted proactively (lazy invalidation).
//
// Failure policy: retries and circuit breaking happen inside the Client.
// If retrieval still fails, Fetch returns whatever stale cached records
// exist (possibly none) with Degraded=true and the failure reason, so the
// caller can distinguish "source unreachable" from "no data available".
// A cancelled context is the one case that surfaces as an error: partial
// work is discarded, nothing is committed to the cache.
func (f *Fetcher) Fetch(ctx context.Context, loc types.Location, window types.TimeRange, params []string) (*types.FetchResult, error) {
	key := CacheKey(loc.ID, window, params)

	if records, ok := f.cache.Get(key); ok {
		return &types.FetchResult{Records: records, FromCache: true}, nil
	}

	records, err := f.source.Retrieve(ctx, loc, window, params)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}

		reason := types.ErrCodeFetchUnavailable
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			reason = appErr.Code
		}

		f.logger.WarnContext(ctx, "fetch degraded",
			"location_id", loc.ID,
			"reason", string(reason),
			"error", err,
		)
		return &types.FetchResult{
			Records:  nil,
			Degraded: true,
			Reason:   reason,
		}, nil
	}

	if err := f.cache.Put(key, records); err != nil {
		// A cache write failure degrades future latency, not this result.
		f.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}

	return &types.FetchResult{Records: records}, nil
}
