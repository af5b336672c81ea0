package domain

import "time"

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Valid reports whether s is one of the three accepted values.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	default:
		return false
	}
}

// AnalysisSource tells callers which backend produced a result.
type AnalysisSource string

const (
	SourceModel    AnalysisSource = "model"
	SourceFallback AnalysisSource = "fallback"
	SourceEmpty    AnalysisSource = "empty"
)

// AnalysisResult is the output of sentiment classification.
type AnalysisResult struct {
	Sentiment  Sentiment      `json:"sentiment"`
	Score      float64        `json:"score"`
	Confidence float64        `json:"confidence"`
	Source     AnalysisSource `json:"source"`
	ModelID    string         `json:"model_id,omitempty"`
}

type FeedbackCategory string

const (
	CategoryBug            FeedbackCategory = "bug"
	CategoryFeatureRequest FeedbackCategory = "feature_request"
	CategoryImprovement    FeedbackCategory = "improvement"
	CategoryPraise         FeedbackCategory = "praise"
	CategoryComplaint      FeedbackCategory = "complaint"
	CategoryQuestion       FeedbackCategory = "question"
	CategoryOther          FeedbackCategory = "other"
)

func (c FeedbackCategory) Valid() bool {
	switch c {
	case CategoryBug, CategoryFeatureRequest, CategoryImprovement, CategoryPraise,
		CategoryComplaint, CategoryQuestion, CategoryOther:
		return true
	default:
		return false
	}
}

// FeedbackAnalysis is the categorical analysis run next to sentiment.
type FeedbackAnalysis struct {
	Category FeedbackCategory `json:"category"`
	Tags     []string         `json:"tags"`
	Summary  string           `json:"summary"`
	Source   AnalysisSource   `json:"source"`
}

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// Feedback is the subset of the feedback record the pipeline reads and writes.
type Feedback struct {
	ID                  string
	ProjectID           string
	Text                string
	Rating              *int
	Category            FeedbackCategory
	Tags                []string
	Sentiment           Sentiment
	SentimentScore      *float64
	SentimentConfidence *float64
	ProcessingStatus    ProcessingStatus
	CreatedAt           time.Time
	ProcessedAt         *time.Time
}

// FeedbackAnalysisUpdate is written once both analyses finish.
type FeedbackAnalysisUpdate struct {
	Sentiment AnalysisResult
	Analysis  FeedbackAnalysis
	At        time.Time
}

// Project is the subset of the project record needed for notifications.
type Project struct {
	ID         string
	OwnerID    string
	Name       string
	WebhookURL string
}
