package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/notify"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/iago/feedback-pipeline/internal/repository"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	progressAnalyzing  = 20
	progressPersisting = 60
	progressNotifying  = 90
)

// FeedbackAnalyzer never fails; it degrades to local heuristics instead.
type FeedbackAnalyzer interface {
	AnalyzeSentiment(ctx context.Context, text string) domain.AnalysisResult
	AnalyzeFeedback(ctx context.Context, text string, rating *int) domain.FeedbackAnalysis
}

type FeedbackHandler struct {
	feedback repository.FeedbackRepository
	projects repository.ProjectRepository
	analyzer FeedbackAnalyzer
	notifier notify.Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

type FeedbackHandlerDeps struct {
	Feedback repository.FeedbackRepository
	Projects repository.ProjectRepository
	Analyzer FeedbackAnalyzer
	Notifier notify.Notifier
	Clock    func() time.Time
	Logger   zerolog.Logger
}

func NewFeedbackHandler(deps FeedbackHandlerDeps) *FeedbackHandler {
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &FeedbackHandler{
		feedback: deps.Feedback,
		projects: deps.Projects,
		analyzer: deps.Analyzer,
		notifier: deps.Notifier,
		now:      deps.Clock,
		logger:   deps.Logger.With().Str("component", "feedback_handler").Logger(),
	}
}

// FeedbackJobResult is stored as the job result of a feedback-analysis job.
type FeedbackJobResult struct {
	FeedbackID string                  `json:"feedback_id"`
	Sentiment  domain.AnalysisResult   `json:"sentiment"`
	Analysis   domain.FeedbackAnalysis `json:"analysis"`
	Notified   bool                    `json:"notified"`
}

func (h *FeedbackHandler) Handle(ctx context.Context, job *domain.Job, progress ProgressFunc) (json.RawMessage, error) {
	var payload domain.FeedbackJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, queue.SkipRetry(fmt.Errorf("decode feedback payload: %w", err))
	}
	if strings.TrimSpace(payload.FeedbackID) == "" {
		return nil, queue.SkipRetry(errors.New("feedback_id is required"))
	}

	result, err := h.process(ctx, payload, progress)
	if err != nil {
		if statusErr := h.feedback.SetProcessingStatus(context.WithoutCancel(ctx), payload.FeedbackID, domain.ProcessingFailed); statusErr != nil {
			h.logger.Error().Err(statusErr).Str("feedback_id", payload.FeedbackID).Msg("mark feedback failed")
		}
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode feedback result: %w", err)
	}
	return encoded, nil
}

func (h *FeedbackHandler) process(ctx context.Context, payload domain.FeedbackJobPayload, progress ProgressFunc) (FeedbackJobResult, error) {
	record, err := h.feedback.GetFeedback(ctx, payload.FeedbackID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return FeedbackJobResult{}, queue.SkipRetry(fmt.Errorf("feedback %s: %w", payload.FeedbackID, err))
		}
		return FeedbackJobResult{}, fmt.Errorf("load feedback: %w", err)
	}
	if err := h.feedback.SetProcessingStatus(ctx, record.ID, domain.ProcessingProcessing); err != nil {
		return FeedbackJobResult{}, fmt.Errorf("mark feedback processing: %w", err)
	}

	text := payload.Text
	if strings.TrimSpace(text) == "" {
		text = record.Text
	}

	progress(ctx, progressAnalyzing)
	var (
		sentiment domain.AnalysisResult
		analysis  domain.FeedbackAnalysis
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		sentiment = h.analyzer.AnalyzeSentiment(groupCtx, text)
		return nil
	})
	group.Go(func() error {
		analysis = h.analyzer.AnalyzeFeedback(groupCtx, text, record.Rating)
		return nil
	})
	if err := group.Wait(); err != nil {
		return FeedbackJobResult{}, fmt.Errorf("analyze feedback: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return FeedbackJobResult{}, err
	}

	progress(ctx, progressPersisting)
	update := domain.FeedbackAnalysisUpdate{Sentiment: sentiment, Analysis: analysis, At: h.now()}
	if err := h.feedback.SaveAnalysis(ctx, record.ID, update); err != nil {
		return FeedbackJobResult{}, fmt.Errorf("save analysis: %w", err)
	}

	progress(ctx, progressNotifying)
	notified := false
	if needsAttention(sentiment.Sentiment, record.Rating) {
		notified = h.notify(ctx, record, text, sentiment, analysis)
	}

	return FeedbackJobResult{
		FeedbackID: record.ID,
		Sentiment:  sentiment,
		Analysis:   analysis,
		Notified:   notified,
	}, nil
}

func needsAttention(sentiment domain.Sentiment, rating *int) bool {
	if sentiment == domain.SentimentNegative {
		return true
	}
	return rating != nil && *rating <= 2
}

// notify reports whether a webhook was delivered. Failures are logged only.
func (h *FeedbackHandler) notify(
	ctx context.Context,
	record *domain.Feedback,
	text string,
	sentiment domain.AnalysisResult,
	analysis domain.FeedbackAnalysis,
) bool {
	if h.notifier == nil || h.projects == nil {
		return false
	}
	logger := h.logger.With().Str("feedback_id", record.ID).Str("project_id", record.ProjectID).Logger()

	project, err := h.projects.GetProject(ctx, record.ProjectID)
	if err != nil {
		logger.Warn().Err(err).Msg("load project for notification")
		return false
	}
	if strings.TrimSpace(project.WebhookURL) == "" {
		return false
	}

	err = h.notifier.Notify(ctx, project.WebhookURL, notify.Notification{
		FeedbackID:     record.ID,
		ProjectID:      project.ID,
		ProjectName:    project.Name,
		Text:           text,
		Rating:         record.Rating,
		Category:       analysis.Category,
		Sentiment:      sentiment.Sentiment,
		SentimentScore: sentiment.Score,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("webhook notification failed")
		return false
	}
	return true
}
