package climate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrosentinel/internal/types"
)

func testClient() *Client {
	return NewClient(http.DefaultClient, RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond}, 0,
		WithSleepFunc(func(time.Duration) {}))
}

func newSourceAgainst(t *testing.T, handler http.HandlerFunc) *HTTPSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPSource(HTTPSourceConfig{
		Client:     testClient(),
		BaseURL:    srv.URL,
		APIKey:     types.SecretString("test-key"),
		SourceName: "nasa_power",
	})
}

func sourceTestWindow() types.TimeRange {
	return types.TimeRange{
		Start: time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRetrievePivotsSeriesIntoRecords(t *testing.T) {
	var gotAuth, gotParams string
	source := newSourceAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotParams = r.URL.Query().Get("parameters")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"location_id": "field-7",
			"parameters": {
				"temperature_c": {
					"2026-02-26T00:00:00Z": 18.5,
					"2026-02-27T00:00:00Z": 21.0
				},
				"humidity_percent": {
					"2026-02-26T00:00:00Z": 64.0
				}
			}
		}`))
	})

	records, err := source.Retrieve(context.Background(),
		types.Location{ID: "field-7", Lat: 48.13, Lon: 11.58},
		sourceTestWindow(),
		[]string{types.ParamTemperatureC, types.ParamHumidityPercent})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Contains(t, gotParams, types.ParamTemperatureC)

	// Chronological order, parameters pivoted onto shared timestamps.
	assert.True(t, records[0].Timestamp.Before(records[1].Timestamp))
	first := records[0]
	assert.Equal(t, "field-7", first.LocationID)
	assert.Equal(t, "nasa_power", first.Source)
	assert.Equal(t, 18.5, first.Parameters[types.ParamTemperatureC])
	assert.Equal(t, 64.0, first.Parameters[types.ParamHumidityPercent])
	assert.NotEmpty(t, first.ID)
}

func TestRetrieveNoCoverageIsEmptyNotError(t *testing.T) {
	source := newSourceAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	records, err := source.Retrieve(context.Background(),
		types.Location{ID: "mid-ocean"}, sourceTestWindow(), []string{types.ParamTemperatureC})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRetrieveMalformedBodyIsBadResponse(t *testing.T) {
	cases := map[string]string{
		"truncated JSON":     `{"location_id": "field-7", "parameters": {`,
		"missing parameters": `{"location_id": "field-7"}`,
		"bad timestamp":      `{"parameters": {"temperature_c": {"yesterday-ish": 20}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			source := newSourceAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			})

			_, err := source.Retrieve(context.Background(),
				types.Location{ID: "field-7"}, sourceTestWindow(), []string{types.ParamTemperatureC})
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeFetchBadResponse, appErr.Code)
		})
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	source := newSourceAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"parameters": {}}`))
	})

	records, err := source.Retrieve(context.Background(),
		types.Location{ID: "field-7"}, sourceTestWindow(), []string{types.ParamTemperatureC})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int32(3), calls.Load(), "two failures then success")
}

func TestClientExhaustedRetriesMapToUpstreamUnavailable(t *testing.T) {
	source := newSourceAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := source.Retrieve(context.Background(),
		types.Location{ID: "field-7"}, sourceTestWindow(), []string{types.ParamTemperatureC})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
}

func TestClientRateLimitMapsToUpstreamRateLimited(t *testing.T) {
	source := newSourceAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := source.Retrieve(context.Background(),
		types.Location{ID: "field-7"}, sourceTestWindow(), []string{types.ParamTemperatureC})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, appErr.Code)
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	source := newSourceAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := source.Retrieve(context.Background(),
		types.Location{ID: "field-7"}, sourceTestWindow(), []string{types.ParamTemperatureC})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are not retryable")
}
