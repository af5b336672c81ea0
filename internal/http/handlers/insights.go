package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/repository"
)

func (api *API) LatestInsights(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("user_id"))
	if !validIdentifier(userID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	var projectID *string
	if value := strings.TrimSpace(query.Get("project_id")); value != "" {
		projectID = &value
	}
	filters, err := parseFilterQuery(query)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validateFilters(filters); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	record, err := api.jobs.LatestInsights(r.Context(), userID, projectID, filters)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "no insights generated yet")
			return
		}
		writeServiceError(w, r, err, "failed to load insights")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         record.ID,
		"project_id": record.ProjectID,
		"filters":    record.Filters,
		"report":     record.Report,
		"created_at": record.CreatedAt,
	})
}

func parseFilterQuery(query url.Values) (domain.InsightFilters, error) {
	var filters domain.InsightFilters
	if value := strings.TrimSpace(query.Get("startDate")); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return filters, errors.New("startDate must be RFC3339")
		}
		filters.StartDate = &parsed
	}
	if value := strings.TrimSpace(query.Get("endDate")); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return filters, errors.New("endDate must be RFC3339")
		}
		filters.EndDate = &parsed
	}
	if value := strings.TrimSpace(query.Get("category")); value != "" {
		category := domain.FeedbackCategory(value)
		filters.Category = &category
	}
	if value := strings.TrimSpace(query.Get("sentiment")); value != "" {
		sentiment := domain.Sentiment(value)
		filters.Sentiment = &sentiment
	}
	return filters, nil
}
