package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/iago/feedback-pipeline/internal/cache"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/metrics"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/iago/feedback-pipeline/internal/repository"
	"github.com/rs/zerolog"
)

var ErrInvalidInput = errors.New("invalid input")

var urgentKeywords = []string{
	"bad", "terrible", "awful", "hate", "disappointed",
	"frustrated", "angry", "broken", "error", "bug",
}

type JobsServiceDeps struct {
	Queue queue.Queue
	// Producer overrides Queue for enqueue, e.g. a BatchingProducer.
	Producer queue.Producer
	Cache    cache.InsightCache
	History  repository.InsightHistoryRepository
	Logger   zerolog.Logger
}

// JobsService is the producer API and status tracker used by the HTTP layer.
type JobsService struct {
	queue    queue.Queue
	producer queue.Producer
	cache    cache.InsightCache
	history  repository.InsightHistoryRepository
	logger   zerolog.Logger
}

func NewJobsService(deps JobsServiceDeps) *JobsService {
	producer := deps.Producer
	if producer == nil {
		producer = deps.Queue
	}
	return &JobsService{
		queue:    deps.Queue,
		producer: producer,
		cache:    deps.Cache,
		history:  deps.History,
		logger:   deps.Logger.With().Str("component", "jobs_service").Logger(),
	}
}

// FeedbackPriority returns the urgent priority when text contains a distress keyword.
func FeedbackPriority(text string) int {
	lowered := strings.ToLower(text)
	for _, keyword := range urgentKeywords {
		if strings.Contains(lowered, keyword) {
			return domain.PriorityUrgent
		}
	}
	return domain.PriorityStandard
}

func (s *JobsService) EnqueueFeedbackJob(
	ctx context.Context,
	feedbackID string,
	projectID string,
	text string,
	metadata map[string]any,
) (string, error) {
	if strings.TrimSpace(feedbackID) == "" {
		return "", fmt.Errorf("%w: feedback_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(projectID) == "" {
		return "", fmt.Errorf("%w: project_id is required", ErrInvalidInput)
	}

	payload := domain.FeedbackJobPayload{
		FeedbackID: feedbackID,
		ProjectID:  projectID,
		Text:       text,
		Metadata:   metadata,
	}
	return s.enqueue(ctx, domain.JobKindFeedbackAnalysis, payload, FeedbackPriority(text))
}

// EnqueueInsightJob answers from the cache when possible and only creates a
// job on a miss.
func (s *JobsService) EnqueueInsightJob(
	ctx context.Context,
	userID string,
	projectID *string,
	filters domain.InsightFilters,
) (domain.InsightEnqueueResult, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.InsightEnqueueResult{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if filters.StartDate != nil && filters.EndDate != nil && filters.EndDate.Before(*filters.StartDate) {
		return domain.InsightEnqueueResult{}, fmt.Errorf("%w: endDate is before startDate", ErrInvalidInput)
	}

	key := cache.BuildKey(userID, projectID, filters)
	if s.cache != nil {
		report, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.IncCacheLookup("error")
			s.logger.Warn().Err(err).Str("cache_key", key).Msg("insight cache lookup failed")
		case ok:
			metrics.IncCacheLookup("hit")
			return domain.InsightEnqueueResult{
				Status: domain.JobStatusCompleted,
				Cached: true,
				Report: &report,
			}, nil
		default:
			metrics.IncCacheLookup("miss")
		}
	}

	payload := domain.InsightJobPayload{
		UserID:    userID,
		ProjectID: projectID,
		Filters:   filters,
		CacheKey:  key,
	}
	jobID, err := s.enqueue(ctx, domain.JobKindInsightGeneration, payload, domain.PriorityUrgent)
	if err != nil {
		return domain.InsightEnqueueResult{}, err
	}
	return domain.InsightEnqueueResult{JobID: jobID, Status: domain.JobStatusPending}, nil
}

// GetJobStatus never fails for unknown ids; they report not_found.
func (s *JobsService) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatusView, error) {
	job, err := s.queue.Get(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return domain.JobStatusView{JobID: jobID, Status: domain.JobStatusNotFound}, nil
	}
	if err != nil {
		return domain.JobStatusView{}, fmt.Errorf("get job %s: %w", jobID, err)
	}

	progress := job.Progress
	createdAt := job.CreatedAt
	updatedAt := job.UpdatedAt
	view := domain.JobStatusView{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     domain.StatusOf(job.State),
		Progress:   &progress,
		Attempts:   job.Attempts,
		CreatedAt:  &createdAt,
		UpdatedAt:  &updatedAt,
		FinishedAt: job.FinishedAt,
	}
	switch job.State {
	case domain.JobStateCompleted:
		view.Result = job.Result
	case domain.JobStateFailed:
		view.Error = job.Error
	case domain.JobStatePending:
		// A retry waiting for its backoff still shows the last failure.
		view.Error = job.Error
	}
	return view, nil
}

// CancelJob is idempotent: unknown and terminal jobs are not errors.
func (s *JobsService) CancelJob(ctx context.Context, jobID string) error {
	err := s.queue.Cancel(ctx, jobID)
	if err == nil || errors.Is(err, queue.ErrJobNotFound) {
		return nil
	}
	return fmt.Errorf("cancel job %s: %w", jobID, err)
}

// LatestInsights returns the newest stored report for the request identity.
func (s *JobsService) LatestInsights(
	ctx context.Context,
	userID string,
	projectID *string,
	filters domain.InsightFilters,
) (*domain.InsightRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if s.history == nil {
		return nil, repository.ErrNotFound
	}
	return s.history.LatestInsight(ctx, cache.BuildKey(userID, projectID, filters))
}

func (s *JobsService) enqueue(ctx context.Context, kind domain.JobKind, payload any, priority int) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	jobID, err := s.producer.Enqueue(ctx, kind, encoded, priority, queue.EnqueueOptions{})
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	metrics.IncJobEnqueued(string(kind), strconv.Itoa(priority))
	s.logger.Debug().Str("job_id", jobID).Str("kind", string(kind)).Int("priority", priority).Msg("job enqueued")
	return jobID, nil
}
