package climate

import (
	"testing"
	"time"

	"agrosentinel/internal/types"
)

// fakeClock is a settable clock for cache TTL tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testRecords(locationID string, n int) []types.ClimateRecord {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.ClimateRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.ClimateRecord{
			ID:         locationID + "-" + time.Duration(i).String(),
			LocationID: locationID,
			Timestamp:  base.Add(time.Duration(i) * 24 * time.Hour),
			Parameters: map[string]float64{types.ParamTemperatureC: 14.5 + float64(i)},
			Source:     "nasa_power",
			FetchTime:  base,
		})
	}
	return out
}

func TestCacheKeyIgnoresParamOrder(t *testing.T) {
	window := types.TimeRange{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
	}
	a := CacheKey("field-7", window, []string{"temperature_c", "humidity_percent"})
	b := CacheKey("field-7", window, []string{"humidity_percent", "temperature_c"})
	if a != b {
		t.Errorf("keys differ for reordered params:\n%s\n%s", a, b)
	}

	other := CacheKey("field-8", window, []string{"temperature_c", "humidity_percent"})
	if a == other {
		t.Error("different locations produced the same key")
	}
}

func TestCacheHitWithinTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cache := NewCache(6*time.Hour, "", clock)

	records := testRecords("field-7", 3)
	if err := cache.Put("k", records); err != nil {
		t.Fatalf("put: %v", err)
	}

	clock.advance(5 * time.Hour)
	got, ok := cache.Get("k")
	if !ok {
		t.Fatal("expected hit within TTL")
	}
	if len(got) != 3 {
		t.Errorf("got %d records, want 3", len(got))
	}
}

func TestCacheExpiredEntryMisses(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cache := NewCache(6*time.Hour, "", clock)

	if err := cache.Put("k", testRecords("field-7", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}

	clock.advance(6*time.Hour + time.Minute)
	if _, ok := cache.Get("k"); ok {
		t.Error("expected miss after TTL expiry")
	}

	// A fresh Put overwrites the stale entry in place.
	if err := cache.Put("k", testRecords("field-7", 2)); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	if got, ok := cache.Get("k"); !ok || len(got) != 2 {
		t.Errorf("after refresh: ok=%v len=%d, want hit with 2 records", ok, len(got))
	}
}

func TestCacheDiskTierSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	first := NewCache(6*time.Hour, dir, clock)
	records := testRecords("field-7", 2)
	if err := first.Put("k", records); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A new cache over the same directory simulates a process restart.
	second := NewCache(6*time.Hour, dir, clock)
	got, ok := second.Get("k")
	if !ok {
		t.Fatal("expected disk-tier hit after restart")
	}
	if len(got) != 2 || got[0].LocationID != "field-7" {
		t.Errorf("unexpected records from disk tier: %+v", got)
	}
	if got[0].Parameters[types.ParamTemperatureC] != records[0].Parameters[types.ParamTemperatureC] {
		t.Error("parameter values did not survive the disk round trip")
	}
}
