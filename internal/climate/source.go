package climate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"agrosentinel/internal/types"
)

// Source retrieves structured climate observations for a location and time
// range. The production implementation talks to the external climate data
// service; tests substitute an in-memory source.
type Source interface {
	// Retrieve returns observations for the window. A nil error with zero
	// records means the upstream genuinely has no data for the range, which
	// is distinct from a retrieval failure.
	Retrieve(ctx context.Context, loc types.Location, window types.TimeRange, params []string) ([]types.ClimateRecord, error)
}

// HTTPSource is the Source backed by the upstream climate HTTP API
// (a NASA-POWER-style daily point endpoint returning per-parameter series).
type HTTPSource struct {
	client     *Client
	baseURL    string
	apiKey     types.SecretString
	sourceName string
	logger     *slog.Logger
}

// HTTPSourceConfig holds the configuration for creating an HTTPSource.
type HTTPSourceConfig struct {
	Client     *Client
	BaseURL    string
	APIKey     types.SecretString
	SourceName string
	Logger     *slog.Logger
}

// NewHTTPSource creates a Source over the upstream climate API.
func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		client:     cfg.Client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		sourceName: cfg.SourceName,
		logger:     logger,
	}
}

// upstreamResponse is the wire shape of the upstream point endpoint.
type upstreamResponse struct {
	LocationID string                        `json:"location_id"`
	Series     map[string]map[string]float64 `json:"parameters"` // param -> RFC3339 ts -> value
}

// Retrieve queries the upstream point endpoint and converts the response
// into ClimateRecords. The response shape is validated before any record is
// produced: a malformed body is a fetch_bad_response error, never a silent
// empty result.
func (s *HTTPSource) Retrieve(ctx context.Context, loc types.Location, window types.TimeRange, params []string) ([]types.ClimateRecord, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", loc.Lat))
	q.Set("longitude", fmt.Sprintf("%.4f", loc.Lon))
	q.Set("start", window.Start.UTC().Format(time.RFC3339))
	q.Set("end", window.End.UTC().Format(time.RFC3339))
	q.Set("parameters", strings.Join(params, ","))

	endpoint := fmt.Sprintf("%s/v1/point?%s", s.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "building upstream request", err)
	}
	if key := s.apiKey.Unmask(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Upstream has no coverage for this point; legitimate empty result.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
	}

	var body upstreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewAppError(types.ErrCodeFetchBadResponse, "decoding upstream response", err)
	}
	if body.Series == nil {
		return nil, types.NewAppError(types.ErrCodeFetchBadResponse, "upstream response missing parameters block", nil)
	}

	records, err := s.recordsFromSeries(loc.ID, body.Series)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "upstream retrieval complete",
		"location_id", loc.ID,
		"records", len(records),
		"params", params,
	)
	return records, nil
}

// recordsFromSeries pivots the per-parameter series into one ClimateRecord
// per timestamp.
func (s *HTTPSource) recordsFromSeries(locationID string, series map[string]map[string]float64) ([]types.ClimateRecord, error) {
	byTimestamp := make(map[time.Time]map[string]float64)
	for param, points := range series {
		for tsRaw, value := range points {
			ts, err := time.Parse(time.RFC3339, tsRaw)
			if err != nil {
				return nil, types.NewAppError(types.ErrCodeFetchBadResponse,
					fmt.Sprintf("unparseable timestamp %q in series %s", tsRaw, param), err)
			}
			ts = ts.UTC()
			if byTimestamp[ts] == nil {
				byTimestamp[ts] = make(map[string]float64)
			}
			byTimestamp[ts][param] = value
		}
	}

	now := time.Now().UTC()
	records := make([]types.ClimateRecord, 0, len(byTimestamp))
	for ts, values := range byTimestamp {
		records = append(records, types.ClimateRecord{
			ID:         uuid.New().String(),
			LocationID: locationID,
			Timestamp:  ts,
			Parameters: values,
			Source:     s.sourceName,
			FetchTime:  now,
		})
	}
	sortRecords(records)
	return records, nil
}

// sortRecords orders records chronologically. Downstream imputation relies
// on last-known-value, so order matters.
func sortRecords(records []types.ClimateRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}
