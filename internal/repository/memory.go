package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/iago/feedback-pipeline/internal/domain"
)

// MemoryStore backs every repository in memory for local development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	feedback map[string]*domain.Feedback
	projects map[string]*domain.Project
	insights []domain.InsightRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		feedback: make(map[string]*domain.Feedback),
		projects: make(map[string]*domain.Project),
	}
}

func (s *MemoryStore) PutFeedback(feedback domain.Feedback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[feedback.ID] = cloneFeedback(&feedback)
}

func (s *MemoryStore) PutProject(project domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := project
	s.projects[project.ID] = &clone
}

func (s *MemoryStore) GetFeedback(_ context.Context, feedbackID string) (*domain.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feedback, ok := s.feedback[feedbackID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFeedback(feedback), nil
}

func (s *MemoryStore) SetProcessingStatus(_ context.Context, feedbackID string, status domain.ProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	feedback, ok := s.feedback[feedbackID]
	if !ok {
		return ErrNotFound
	}
	feedback.ProcessingStatus = status
	return nil
}

func (s *MemoryStore) SaveAnalysis(_ context.Context, feedbackID string, update domain.FeedbackAnalysisUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	feedback, ok := s.feedback[feedbackID]
	if !ok {
		return ErrNotFound
	}
	score := update.Sentiment.Score
	confidence := update.Sentiment.Confidence
	processedAt := update.At

	feedback.Sentiment = update.Sentiment.Sentiment
	feedback.SentimentScore = &score
	feedback.SentimentConfidence = &confidence
	feedback.Category = update.Analysis.Category
	feedback.Tags = append([]string(nil), update.Analysis.Tags...)
	feedback.ProcessingStatus = domain.ProcessingCompleted
	feedback.ProcessedAt = &processedAt
	return nil
}

func (s *MemoryStore) ListForInsights(_ context.Context, query domain.FeedbackQuery) ([]domain.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Feedback, 0)
	for _, feedback := range s.feedback {
		project, ok := s.projects[feedback.ProjectID]
		if !ok || project.OwnerID != query.UserID {
			continue
		}
		if query.ProjectID != nil && feedback.ProjectID != *query.ProjectID {
			continue
		}
		if !matchesFilters(feedback, query.Filters) {
			continue
		}
		items = append(items, *cloneFeedback(feedback))
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if query.Limit > 0 && len(items) > query.Limit {
		items = items[:query.Limit]
	}
	return items, nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project, ok := s.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *project
	return &clone, nil
}

func (s *MemoryStore) AppendInsight(_ context.Context, record domain.InsightRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, record)
	return nil
}

func (s *MemoryStore) LatestInsight(_ context.Context, cacheKey string) (*domain.InsightRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for index := len(s.insights) - 1; index >= 0; index-- {
		if s.insights[index].CacheKey == cacheKey {
			record := s.insights[index]
			return &record, nil
		}
	}
	return nil, ErrNotFound
}

// InsightCount reports how many history rows exist for a key.
func (s *MemoryStore) InsightCount(cacheKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, record := range s.insights {
		if record.CacheKey == cacheKey {
			count++
		}
	}
	return count
}

func matchesFilters(feedback *domain.Feedback, filters domain.InsightFilters) bool {
	if filters.StartDate != nil && feedback.CreatedAt.Before(*filters.StartDate) {
		return false
	}
	if filters.EndDate != nil && feedback.CreatedAt.After(*filters.EndDate) {
		return false
	}
	if filters.Category != nil && feedback.Category != *filters.Category {
		return false
	}
	if filters.Sentiment != nil && feedback.Sentiment != *filters.Sentiment {
		return false
	}
	return true
}

func cloneFeedback(feedback *domain.Feedback) *domain.Feedback {
	if feedback == nil {
		return nil
	}
	clone := *feedback
	clone.Tags = append([]string(nil), feedback.Tags...)
	if feedback.Rating != nil {
		rating := *feedback.Rating
		clone.Rating = &rating
	}
	if feedback.SentimentScore != nil {
		score := *feedback.SentimentScore
		clone.SentimentScore = &score
	}
	if feedback.SentimentConfidence != nil {
		confidence := *feedback.SentimentConfidence
		clone.SentimentConfidence = &confidence
	}
	if feedback.ProcessedAt != nil {
		processedAt := *feedback.ProcessedAt
		clone.ProcessedAt = &processedAt
	}
	return &clone
}
