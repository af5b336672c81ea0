package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/iago/feedback-pipeline/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 2000 * time.Millisecond
	DefaultKeepComplete = 10
	DefaultKeepFailed   = 5
	DefaultKeepCancel   = 10
)

// EnqueueOptions overrides per-job retry policy. Zero values use the queue defaults.
type EnqueueOptions struct {
	JobID       string
	MaxAttempts int
	BackoffBase time.Duration
}

// Producer sends async jobs to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, kind domain.JobKind, payload json.RawMessage, priority int, opts EnqueueOptions) (string, error)
}

// Queue is the single source of truth for job lifecycle state.
type Queue interface {
	Producer
	// Dequeue blocks until a ready job is claimed or ctx is done.
	Dequeue(ctx context.Context) (*domain.Job, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateProgress(ctx context.Context, jobID string, percent int) error
	Complete(ctx context.Context, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, jobID string, cause error) error
	Cancel(ctx context.Context, jobID string) error
}

// RetentionConfig bounds how many terminal jobs stay queryable.
type RetentionConfig struct {
	KeepCompleted int
	KeepFailed    int
	KeepCancelled int
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = DefaultKeepComplete
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = DefaultKeepFailed
	}
	if c.KeepCancelled <= 0 {
		c.KeepCancelled = DefaultKeepCancel
	}
	return c
}

type skipRetryError struct {
	err error
}

func (e *skipRetryError) Error() string { return e.err.Error() }
func (e *skipRetryError) Unwrap() error { return e.err }

// SkipRetry marks err as permanent: Fail moves the job straight to failed.
func SkipRetry(err error) error {
	if err == nil {
		return nil
	}
	return &skipRetryError{err: err}
}

func isSkipRetry(err error) bool {
	var target *skipRetryError
	return errors.As(err, &target)
}

// BackoffDelay returns base * 2^(attempts-1) for attempts >= 1.
func BackoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempts <= 1 {
		return base
	}
	return base << uint(attempts-1)
}

func newJob(id string, kind domain.JobKind, payload json.RawMessage, priority int, seq int64, opts EnqueueOptions, now time.Time) *domain.Job {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = DefaultBackoffBase
	}
	return &domain.Job{
		ID:          id,
		Kind:        kind,
		Payload:     append(json.RawMessage(nil), payload...),
		Priority:    priority,
		Sequence:    seq,
		State:       domain.JobStatePending,
		MaxAttempts: maxAttempts,
		BackoffBase: backoff,
		CreatedAt:   now,
		UpdatedAt:   now,
		ReadyAt:     now,
	}
}

// applyFailure mutates job for a failed attempt and reports whether it was requeued.
func applyFailure(job *domain.Job, cause error, now time.Time) bool {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	job.Error = message
	job.UpdatedAt = now
	if !isSkipRetry(cause) && job.Attempts < job.MaxAttempts {
		job.State = domain.JobStatePending
		job.ReadyAt = now.Add(BackoffDelay(job.BackoffBase, job.Attempts))
		return true
	}
	job.State = domain.JobStateFailed
	job.Result = nil
	job.FinishedAt = &now
	return false
}

func applyCompletion(job *domain.Job, result json.RawMessage, now time.Time) {
	job.State = domain.JobStateCompleted
	job.Progress = 100
	job.Result = append(json.RawMessage(nil), result...)
	job.Error = ""
	job.UpdatedAt = now
	job.FinishedAt = &now
}

func applyClaim(job *domain.Job, now time.Time) {
	job.State = domain.JobStateActive
	job.Attempts++
	job.Progress = 0
	job.UpdatedAt = now
	job.StartedAt = &now
}

func clampProgress(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
