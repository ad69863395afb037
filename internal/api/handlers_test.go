package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"agrosentinel/internal/config"
	"agrosentinel/internal/types"
)

const testAdminKey = "super-secret-key"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type mockPredictions struct {
	results []types.PredictionResult
	err     error
}

func (m *mockPredictions) Latest(_ context.Context, _ string, _ int) ([]types.PredictionResult, error) {
	return m.results, m.err
}

type mockScores struct {
	scores []types.AnomalyScore
}

func (m *mockScores) ListBySubject(_ context.Context, _ string, _ int) ([]types.AnomalyScore, error) {
	return m.scores, nil
}

type mockFeedback struct {
	records []*types.FeedbackRecord
}

func (m *mockFeedback) Insert(_ context.Context, r *types.FeedbackRecord) error {
	m.records = append(m.records, r)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := &config.Config{Service: "agrosentinel-test"}
	cfg.Server.Port = "0"
	cfg.Server.AdminKeyHash = types.SecretString(hash)
	return cfg
}

func newTestServer(t *testing.T, feedback *mockFeedback) *Server {
	t.Helper()
	s, err := NewServer(ServerConfig{
		Config:      testConfig(t),
		Predictions: &mockPredictions{results: []types.PredictionResult{{ID: "p1", ModelID: "wheat_yield:v1"}}},
		Scores:      &mockScores{scores: []types.AnomalyScore{{ID: "s1", SubjectID: "field-7", Score: 0.4}}},
		Feedback:    feedback,
		Clock:       &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request ID header missing")
	}
}

func TestLatestPredictionsRequiresLocation(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/predictions/latest", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("error code = %s", resp.Error.Code)
	}
}

func TestLatestPredictionsReturnsResults(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/predictions/latest?location_id=field-7", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestScoresBySubject(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scores/field-7", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAdminEndpointsRejectMissingKey(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewBufferString(`{}`))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without key", rec.Code)
	}
}

func TestAdminEndpointsRejectWrongKey(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewBufferString(`{}`))
	req.Header.Set(adminKeyHeader, "wrong-key")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 with wrong key", rec.Code)
	}
}

func TestFeedbackAccepted(t *testing.T) {
	feedback := &mockFeedback{}
	s := newTestServer(t, feedback)

	body, _ := json.Marshal(map[string]string{
		"action_id":  "a1",
		"subject_id": "field-7",
		"outcome":    "false_positive",
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewBuffer(body))
	req.Header.Set(adminKeyHeader, testAdminKey)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if len(feedback.records) != 1 {
		t.Fatalf("records = %d, want 1", len(feedback.records))
	}
	r := feedback.records[0]
	if r.Outcome != types.OutcomeFalsePositive || r.ActionID != "a1" {
		t.Errorf("record = %+v", r)
	}
	if r.RecordedAt.IsZero() {
		t.Error("RecordedAt not stamped")
	}
}

func TestFeedbackRejectsUnknownOutcome(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})

	body, _ := json.Marshal(map[string]string{
		"action_id":  "a1",
		"subject_id": "field-7",
		"outcome":    "shrug",
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewBuffer(body))
	req.Header.Set(adminKeyHeader, testAdminKey)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFeedbackRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback",
		bytes.NewBufferString(`{"action_id":"a1","subject_id":"field-7","outcome":"missed_detection","bogus":1}`))
	req.Header.Set(adminKeyHeader, testAdminKey)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown field", rec.Code)
	}
}

func TestOverrideUnavailableWithoutEngine(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/actions/a1/override",
		bytes.NewBufferString(`{"mode":"suppress","actor":"ops"}`))
	req.Header.Set(adminKeyHeader, testAdminKey)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when no decision engine is wired", rec.Code)
	}
}

func TestOverrideRejectsUnknownMode(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/actions/a1/override",
		bytes.NewBufferString(`{"mode":"amplify","actor":"ops"}`))
	req.Header.Set(adminKeyHeader, testAdminKey)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown mode", rec.Code)
	}
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	s := newTestServer(t, &mockFeedback{})
	s.router.Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("kaboom")) {
		t.Error("panic value must not leak to the client")
	}
}

func TestQueryLimitBounds(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", 50},
		{"25", 25},
		{"0", 50},
		{"-3", 50},
		{"9999", 50},
		{"abc", 50},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/scores/x?limit="+tc.raw, nil)
		if got := queryLimit(req); got != tc.want {
			t.Errorf("limit %q = %d, want %d", tc.raw, got, tc.want)
		}
	}
}
