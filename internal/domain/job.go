package domain

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	JobKindFeedbackAnalysis  JobKind = "feedback-analysis"
	JobKindInsightGeneration JobKind = "insight-generation"
)

// JobState is the state stored by queue backends.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// JobStatus is the externally visible state taxonomy returned to pollers.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusNotFound   JobStatus = "not_found"
)

const (
	PriorityUrgent   = 1
	PriorityStandard = 5
)

// Job is the canonical async unit processed by the worker pool.
type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Sequence    int64           `json:"sequence"`
	State       JobState        `json:"state"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ReadyAt     time.Time       `json:"ready_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand out to callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		clone.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		started := *j.StartedAt
		clone.StartedAt = &started
	}
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		clone.FinishedAt = &finished
	}
	return &clone
}

// StatusOf maps a stored queue state to the external taxonomy.
func StatusOf(state JobState) JobStatus {
	switch state {
	case JobStatePending:
		return JobStatusPending
	case JobStateActive:
		return JobStatusProcessing
	case JobStateCompleted:
		return JobStatusCompleted
	case JobStateFailed:
		return JobStatusFailed
	case JobStateCancelled:
		return JobStatusCancelled
	default:
		return JobStatusNotFound
	}
}

// JobStatusView is the polling snapshot for a single job.
type JobStatusView struct {
	JobID      string          `json:"job_id"`
	Kind       JobKind         `json:"kind,omitempty"`
	Status     JobStatus       `json:"status"`
	Progress   *int            `json:"progress,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  *time.Time      `json:"created_at,omitempty"`
	UpdatedAt  *time.Time      `json:"updated_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// FeedbackJobPayload is the payload of a feedback-analysis job.
type FeedbackJobPayload struct {
	FeedbackID string         `json:"feedback_id"`
	ProjectID  string         `json:"project_id"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// InsightJobPayload is the payload of an insight-generation job.
type InsightJobPayload struct {
	UserID    string         `json:"user_id"`
	ProjectID *string        `json:"project_id,omitempty"`
	Filters   InsightFilters `json:"filters"`
	CacheKey  string         `json:"cache_key"`
}

// InsightEnqueueResult is returned to producers requesting insights.
type InsightEnqueueResult struct {
	JobID  string         `json:"job_id,omitempty"`
	Status JobStatus      `json:"status"`
	Cached bool           `json:"cached"`
	Report *InsightReport `json:"report,omitempty"`
}
