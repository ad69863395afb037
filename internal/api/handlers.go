package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agrosentinel/internal/decision"
	"agrosentinel/internal/types"
)

// defaultListLimit bounds list endpoints when the client does not ask for a
// specific page size.
const defaultListLimit = 50

// mountRoutes wires the middleware chain and all endpoints.
func (s *Server) mountRoutes() {
	r := s.router
	r.Use(s.Recoverer)
	r.Use(s.RequestID)
	r.Use(s.RequestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/predictions/latest", s.handleLatestPredictions)
		r.Get("/scores/{subject}", s.handleScores)
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.AdminOnly)
			r.Post("/actions/{id}/override", s.handleOverride)
			r.Post("/feedback", s.handleFeedback)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
		"status":  "ok",
		"service": s.Config.Service,
		"time":    s.Clock.Now(),
	}})
}

// handleLatestPredictions returns the most recent result per model for a
// location.
func (s *Server) handleLatestPredictions(w http.ResponseWriter, r *http.Request) {
	locationID := r.URL.Query().Get("location_id")
	if locationID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "location_id is required", nil))
		return
	}

	results, err := s.Predictions.Latest(r.Context(), locationID, queryLimit(r))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: results})
}

// handleScores returns the recent anomaly score stream for a subject,
// newest first.
func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subject")
	scores, err := s.Scores.ListBySubject(r.Context(), subjectID, queryLimit(r))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: scores})
}

// handleStream serves the live feed of actions and scores over SSE. The
// connection stays open until the client disconnects; missed events are the
// client's problem, the feed is a display surface, not the system of record.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "feed not available", nil))
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	events, cancel := s.Feed.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.Logger.ErrorContext(r.Context(), "failed to marshal feed event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// overrideRequest is the POST /v1/actions/{id}/override payload.
type overrideRequest struct {
	Mode  string `json:"mode"` // "suppress" or "force"
	Actor string `json:"actor"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "id")

	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if req.Mode != decision.OverrideSuppress && req.Mode != decision.OverrideForce {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidParam,
			fmt.Sprintf("mode must be %q or %q", decision.OverrideSuppress, decision.OverrideForce), nil))
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}
	if s.Decisions == nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "override not available on this instance", nil))
		return
	}

	action, err := s.Decisions.Override(r.Context(), actionID, req.Mode, req.Actor)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: action})
}

// feedbackRequest is the POST /v1/feedback payload: the operator's judgment
// of an executed action's outcome.
type feedbackRequest struct {
	ActionID  string                `json:"action_id"`
	SubjectID string                `json:"subject_id"`
	Outcome   types.FeedbackOutcome `json:"outcome"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if req.ActionID == "" || req.SubjectID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "action_id and subject_id are required", nil))
		return
	}
	switch req.Outcome {
	case types.OutcomeTruePositive, types.OutcomeFalsePositive, types.OutcomeMissed, types.OutcomeExecutionFail:
	default:
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidParam,
			fmt.Sprintf("unknown outcome %q", req.Outcome), nil))
		return
	}

	record := &types.FeedbackRecord{
		ID:         uuid.New().String(),
		ActionID:   req.ActionID,
		SubjectID:  req.SubjectID,
		Outcome:    req.Outcome,
		RecordedAt: s.Clock.Now(),
	}
	if err := s.Feedback.Insert(r.Context(), record); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusCreated, APIResponse{Data: record})
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return defaultListLimit
	}
	return n
}
