package climate

import (
	"context"
	"testing"
	"time"

	"agrosentinel/internal/types"
)

// mockSource is an in-memory Source that counts calls.
type mockSource struct {
	records []types.ClimateRecord
	err     error
	calls   int
}

func (m *mockSource) Retrieve(ctx context.Context, loc types.Location, window types.TimeRange, params []string) ([]types.ClimateRecord, error) {
	m.calls++
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}

func testWindow() types.TimeRange {
	return types.TimeRange{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetcherCacheHitSkipsUpstream(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)}
	source := &mockSource{records: testRecords("field-7", 3)}
	fetcher := NewFetcher(FetcherConfig{
		Source: source,
		Cache:  NewCache(6*time.Hour, "", clock),
	})

	loc := types.Location{ID: "field-7", Lat: 48.1, Lon: 11.5}
	params := []string{types.ParamTemperatureC}

	first, err := fetcher.Fetch(context.Background(), loc, testWindow(), params)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache || first.Degraded {
		t.Errorf("first fetch: FromCache=%v Degraded=%v, want fresh clean result", first.FromCache, first.Degraded)
	}

	second, err := fetcher.Fetch(context.Background(), loc, testWindow(), params)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache {
		t.Error("second fetch should be served from cache")
	}
	if source.calls != 1 {
		t.Errorf("upstream called %d times, want exactly 1", source.calls)
	}
	if len(second.Records) != len(first.Records) {
		t.Errorf("cached result has %d records, want %d", len(second.Records), len(first.Records))
	}
}

func TestFetcherExpiredEntryRefetches(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)}
	source := &mockSource{records: testRecords("field-7", 1)}
	fetcher := NewFetcher(FetcherConfig{
		Source: source,
		Cache:  NewCache(6*time.Hour, "", clock),
	})
	loc := types.Location{ID: "field-7"}
	params := []string{types.ParamTemperatureC}

	if _, err := fetcher.Fetch(context.Background(), loc, testWindow(), params); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	clock.advance(7 * time.Hour)
	if _, err := fetcher.Fetch(context.Background(), loc, testWindow(), params); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("upstream called %d times, want 2 after TTL expiry", source.calls)
	}
}

func TestFetcherDegradesOnSourceFailure(t *testing.T) {
	source := &mockSource{err: types.NewAppError(types.ErrCodeUpstreamUnavailable, "connect refused", nil)}
	fetcher := NewFetcher(FetcherConfig{
		Source: source,
		Cache:  NewCache(6*time.Hour, "", &fakeClock{now: time.Now().UTC()}),
	})

	result, err := fetcher.Fetch(context.Background(), types.Location{ID: "field-7"}, testWindow(), []string{types.ParamTemperatureC})
	if err != nil {
		t.Fatalf("degraded fetch should not error: %v", err)
	}
	if !result.Degraded {
		t.Error("result should be degraded")
	}
	if result.Reason != types.ErrCodeUpstreamUnavailable {
		t.Errorf("reason = %s, want upstream_unavailable", result.Reason)
	}
	if len(result.Records) != 0 {
		t.Errorf("degraded result carries %d records, want 0", len(result.Records))
	}
}

func TestFetcherCancellationSurfacesError(t *testing.T) {
	source := &mockSource{records: testRecords("field-7", 1)}
	fetcher := NewFetcher(FetcherConfig{
		Source: source,
		Cache:  NewCache(6*time.Hour, "", &fakeClock{now: time.Now().UTC()}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := fetcher.Fetch(ctx, types.Location{ID: "field-7"}, testWindow(), []string{types.ParamTemperatureC}); err == nil {
		t.Error("cancelled fetch should return an error, not a degraded result")
	}
}
