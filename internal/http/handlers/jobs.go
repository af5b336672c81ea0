package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/iago/feedback-pipeline/internal/service"
)

type feedbackJobRequest struct {
	FeedbackID string         `json:"feedback_id"`
	ProjectID  string         `json:"project_id"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type insightJobRequest struct {
	UserID    string                `json:"user_id"`
	ProjectID *string               `json:"project_id,omitempty"`
	Filters   domain.InsightFilters `json:"filters"`
}

func (api *API) CreateFeedbackJob(w http.ResponseWriter, r *http.Request) {
	var request feedbackJobRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !validIdentifier(request.FeedbackID) || !validIdentifier(request.ProjectID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "feedback_id and project_id are required")
		return
	}

	enqueue := func() (string, error) {
		return api.jobs.EnqueueFeedbackJob(r.Context(), request.FeedbackID, request.ProjectID, request.Text, request.Metadata)
	}

	var (
		jobID string
		err   error
	)
	if idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key")); idempotencyKey != "" {
		jobID, _, err = api.replays.do(r.Context(), idempotencyKey, fingerprint(request), enqueue)
	} else {
		jobID, err = enqueue()
	}
	if errors.Is(err, errIdempotencyConflict) {
		writeError(w, r, http.StatusConflict, "idempotency_conflict", err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, r, err, "failed to enqueue feedback job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": domain.JobStatusPending})
}

func (api *API) CreateInsightJob(w http.ResponseWriter, r *http.Request) {
	var request insightJobRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !validIdentifier(request.UserID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if err := validateFilters(request.Filters); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := api.jobs.EnqueueInsightJob(r.Context(), request.UserID, request.ProjectID, request.Filters)
	if err != nil {
		writeServiceError(w, r, err, "failed to enqueue insight job")
		return
	}
	status := http.StatusAccepted
	if result.Cached {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if !validIdentifier(jobID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	view, err := api.jobs.GetJobStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}
	if view.Status == domain.JobStatusNotFound {
		writeJSON(w, http.StatusNotFound, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if !validIdentifier(jobID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	if err := api.jobs.CancelJob(r.Context(), jobID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to cancel job")
		return
	}
	view, err := api.jobs.GetJobStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func validateFilters(filters domain.InsightFilters) error {
	if filters.Category != nil && !filters.Category.Valid() {
		return errors.New("filters.category is not a known category")
	}
	if filters.Sentiment != nil && !filters.Sentiment.Valid() {
		return errors.New("filters.sentiment must be positive, negative or neutral")
	}
	if filters.StartDate != nil && filters.EndDate != nil && filters.EndDate.Before(*filters.StartDate) {
		return errors.New("filters.endDate is before filters.startDate")
	}
	return nil
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, queue.ErrQueueBackpressure), errors.Is(err, queue.ErrBatchingClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "queue_unavailable", "queue is busy, retry shortly")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", message)
	}
}
