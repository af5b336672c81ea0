package domain

import "time"

type InsightType string

const (
	InsightTheme          InsightType = "theme"
	InsightRecommendation InsightType = "recommendation"
	InsightAlert          InsightType = "alert"
	InsightTrend          InsightType = "trend"
)

type InsightPriority string

const (
	InsightPriorityHigh   InsightPriority = "high"
	InsightPriorityMedium InsightPriority = "medium"
	InsightPriorityLow    InsightPriority = "low"
)

type Insight struct {
	Type        InsightType     `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    InsightPriority `json:"priority"`
}

type InsightStatistics struct {
	TotalFeedback      int     `json:"totalFeedback"`
	AverageRating      float64 `json:"averageRating"`
	PositivePercentage int     `json:"positivePercentage"`
	NegativePercentage int     `json:"negativePercentage"`
}

type InsightReport struct {
	Summary         string            `json:"summary"`
	KeyThemes       []string          `json:"keyThemes"`
	Recommendations []string          `json:"recommendations"`
	Insights        []Insight         `json:"insights"`
	Statistics      InsightStatistics `json:"statistics"`
	GeneratedAt     time.Time         `json:"generatedAt"`
	Source          AnalysisSource    `json:"source"`
}

// InsightFilters narrows the feedback rows an insight run aggregates.
type InsightFilters struct {
	StartDate *time.Time        `json:"startDate,omitempty"`
	EndDate   *time.Time        `json:"endDate,omitempty"`
	Category  *FeedbackCategory `json:"category,omitempty"`
	Sentiment *Sentiment        `json:"sentiment,omitempty"`
}

// FeedbackQuery selects rows for insight generation, newest first.
type FeedbackQuery struct {
	UserID    string
	ProjectID *string
	Filters   InsightFilters
	Limit     int
}

// InsightRecord is one appended row of the insight history store.
type InsightRecord struct {
	ID        string
	UserID    string
	ProjectID *string
	Filters   InsightFilters
	CacheKey  string
	Report    InsightReport
	CreatedAt time.Time
}
