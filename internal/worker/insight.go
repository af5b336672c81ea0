package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iago/feedback-pipeline/internal/cache"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/insight"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/iago/feedback-pipeline/internal/repository"
	"github.com/rs/zerolog"
)

const (
	progressFetching = 20
	progressCaching  = 80
)

type InsightGenerator interface {
	Generate(ctx context.Context, rows []domain.Feedback) domain.InsightReport
}

type InsightHandler struct {
	feedback  repository.FeedbackRepository
	history   repository.InsightHistoryRepository
	cache     cache.InsightCache
	generator InsightGenerator
	now       func() time.Time
	logger    zerolog.Logger
}

type InsightHandlerDeps struct {
	Feedback  repository.FeedbackRepository
	History   repository.InsightHistoryRepository
	Cache     cache.InsightCache
	Generator InsightGenerator
	Clock     func() time.Time
	Logger    zerolog.Logger
}

func NewInsightHandler(deps InsightHandlerDeps) *InsightHandler {
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &InsightHandler{
		feedback:  deps.Feedback,
		history:   deps.History,
		cache:     deps.Cache,
		generator: deps.Generator,
		now:       deps.Clock,
		logger:    deps.Logger.With().Str("component", "insight_handler").Logger(),
	}
}

func (h *InsightHandler) Handle(ctx context.Context, job *domain.Job, progress ProgressFunc) (json.RawMessage, error) {
	var payload domain.InsightJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, queue.SkipRetry(fmt.Errorf("decode insight payload: %w", err))
	}
	if payload.UserID == "" {
		return nil, queue.SkipRetry(errors.New("user_id is required"))
	}
	if payload.CacheKey == "" {
		payload.CacheKey = cache.BuildKey(payload.UserID, payload.ProjectID, payload.Filters)
	}

	progress(ctx, progressFetching)
	rows, err := h.feedback.ListForInsights(ctx, domain.FeedbackQuery{
		UserID:    payload.UserID,
		ProjectID: payload.ProjectID,
		Filters:   payload.Filters,
		Limit:     insight.MaxFeedbackRows,
	})
	if err != nil {
		return nil, fmt.Errorf("list feedback for insights: %w", err)
	}

	report := h.generator.Generate(ctx, rows)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(ctx, progressCaching)
	record := domain.InsightRecord{
		ID:        uuid.NewString(),
		UserID:    payload.UserID,
		ProjectID: payload.ProjectID,
		Filters:   payload.Filters,
		CacheKey:  payload.CacheKey,
		Report:    report,
		CreatedAt: h.now(),
	}
	if err := h.history.AppendInsight(ctx, record); err != nil {
		return nil, fmt.Errorf("append insight history: %w", err)
	}
	if h.cache != nil {
		if err := h.cache.Set(ctx, payload.CacheKey, report); err != nil {
			h.logger.Warn().Err(err).Str("cache_key", payload.CacheKey).Msg("cache insight report")
		}
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Int("rows", len(rows)).
		Str("source", string(report.Source)).
		Msg("insight report generated")

	encoded, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode insight report: %w", err)
	}
	return encoded, nil
}
