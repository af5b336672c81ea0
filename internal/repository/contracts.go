package repository

import (
	"context"
	"errors"

	"github.com/iago/feedback-pipeline/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// FeedbackRepository is the slice of feedback persistence the pipeline needs.
type FeedbackRepository interface {
	GetFeedback(ctx context.Context, feedbackID string) (*domain.Feedback, error)
	SetProcessingStatus(ctx context.Context, feedbackID string, status domain.ProcessingStatus) error
	SaveAnalysis(ctx context.Context, feedbackID string, update domain.FeedbackAnalysisUpdate) error
	// ListForInsights returns rows of projects owned by the user, newest first.
	ListForInsights(ctx context.Context, query domain.FeedbackQuery) ([]domain.Feedback, error)
}

type ProjectRepository interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
}

// InsightHistoryRepository is append-only; Latest returns the newest record for a key.
type InsightHistoryRepository interface {
	AppendInsight(ctx context.Context, record domain.InsightRecord) error
	LatestInsight(ctx context.Context, cacheKey string) (*domain.InsightRecord, error)
}
