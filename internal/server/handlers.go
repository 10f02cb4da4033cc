package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/jonathan/brandpulse/internal/feedback"
	"github.com/jonathan/brandpulse/internal/types"
)

// TriggerResponse represents the response for /trigger-run.
type TriggerResponse struct {
	RunID   int64 `json:"run_id"`
	Deduped bool  `json:"deduped"`
}

// RunResponse represents a serialized run.
type RunResponse struct {
	ID               int64            `json:"id"`
	Status           string           `json:"status"`
	Stage            string           `json:"stage"`
	AttemptCount     int              `json:"attempt_count"`
	StartedAt        string           `json:"started_at"`
	CompletedAt      string           `json:"completed_at,omitempty"`
	Result           *types.RunResult `json:"result,omitempty"`
	Error            *types.RunError  `json:"error,omitempty"`
	FeedbackReceived bool             `json:"feedback_received"`
}

// FeedbackRequest carries the validated feedback query parameters.
type FeedbackRequest struct {
	Token  string `validate:"required"`
	Answer string `validate:"required,oneof=yes no"`
}

func runResponse(run *types.Run) RunResponse {
	resp := RunResponse{
		ID:               run.ID,
		Status:           run.Status,
		Stage:            run.Stage,
		AttemptCount:     run.AttemptCount,
		StartedAt:        run.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		Result:           run.Result,
		Error:            run.Error,
		FeedbackReceived: run.FeedbackReceived,
	}
	if run.CompletedAt != nil {
		resp.CompletedAt = run.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

// handleTriggerRun dispatches a new agent run.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	runID, deduped, err := s.trigger.Trigger(r.Context())
	if err != nil {
		log.Printf("Trigger failed: %v", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to trigger run: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusAccepted, TriggerResponse{RunID: runID, Deduped: deduped})
}

// handleGetRun returns one run by id.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid run ID format")
		return
	}

	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if run == nil {
		s.errorResponse(w, http.StatusNotFound, "Run not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, runResponse(run))
}

// handleListRuns returns recent runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	resp := make([]RunResponse, 0, len(runs))
	for i := range runs {
		resp = append(resp, runResponse(&runs[i]))
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleFeedback records a yes/no answer for a feedback token. Links in the
// digest email hit this endpoint, so it is a GET.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	req := FeedbackRequest{
		Token:  r.URL.Query().Get("token"),
		Answer: r.URL.Query().Get("answer"),
	}
	if err := s.validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "token and answer=yes|no are required")
		return
	}

	err := s.feedback.Accept(r.Context(), req.Token, feedback.Answer(req.Answer))
	switch {
	case err == nil:
		s.jsonResponse(w, http.StatusOK, map[string]any{"accepted": true})
	case errors.Is(err, feedback.ErrUnknownToken):
		s.errorResponse(w, http.StatusNotFound, "Unknown feedback token")
	case errors.Is(err, feedback.ErrAlreadyAnswered):
		s.errorResponse(w, http.StatusConflict, "Feedback already recorded")
	case errors.Is(err, feedback.ErrInvalidAnswer):
		s.errorResponse(w, http.StatusBadRequest, "Answer must be yes or no")
	default:
		s.errorResponse(w, http.StatusInternalServerError, "Failed to record feedback: "+err.Error())
	}
}
