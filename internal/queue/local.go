package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/rs/zerolog"
)

// LocalQueue is the in-process queue used when Redis is not configured.
type LocalQueue struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	ready     readyHeap
	delayed   map[string]struct{}
	seq       int64
	wake      chan struct{}
	retention RetentionConfig
	terminal  map[domain.JobState][]string
	now       func() time.Time
	logger    zerolog.Logger
}

type LocalConfig struct {
	Retention RetentionConfig
	Clock     func() time.Time
}

func NewLocalQueue(cfg LocalConfig, logger zerolog.Logger) *LocalQueue {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &LocalQueue{
		jobs:      make(map[string]*domain.Job),
		delayed:   make(map[string]struct{}),
		wake:      make(chan struct{}),
		retention: cfg.Retention.withDefaults(),
		terminal:  make(map[domain.JobState][]string),
		now:       cfg.Clock,
		logger:    logger.With().Str("component", "local_queue").Logger(),
	}
}

func (q *LocalQueue) Enqueue(
	ctx context.Context,
	kind domain.JobKind,
	payload json.RawMessage,
	priority int,
	opts EnqueueOptions,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	job := newJob(id, kind, payload, priority, q.seq, opts, q.now())
	q.jobs[id] = job
	heap.Push(&q.ready, readyItem{id: id, priority: priority, seq: job.Sequence})
	q.broadcastLocked()
	return id, nil
}

func (q *LocalQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	for {
		q.mu.Lock()
		now := q.now()
		q.promoteLocked(now)
		if job := q.claimLocked(now); job != nil {
			q.mu.Unlock()
			return job, nil
		}
		wait := q.nextDelayLocked(now)
		wake := q.wake
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *LocalQueue) Get(_ context.Context, jobID string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (q *LocalQueue) UpdateProgress(_ context.Context, jobID string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != domain.JobStateActive {
		return nil
	}
	percent = clampProgress(percent)
	if percent > job.Progress {
		job.Progress = percent
		job.UpdatedAt = q.now()
	}
	return nil
}

func (q *LocalQueue) Complete(_ context.Context, jobID string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != domain.JobStateActive {
		return nil
	}
	applyCompletion(job, result, q.now())
	q.retainLocked(job)
	return nil
}

func (q *LocalQueue) Fail(_ context.Context, jobID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != domain.JobStateActive {
		return nil
	}
	if applyFailure(job, cause, q.now()) {
		q.delayed[job.ID] = struct{}{}
		q.broadcastLocked()
		q.logger.Debug().Str("job_id", job.ID).Int("attempt", job.Attempts).Time("ready_at", job.ReadyAt).Msg("job scheduled for retry")
		return nil
	}
	q.retainLocked(job)
	return nil
}

func (q *LocalQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.State.Terminal() {
		return nil
	}
	now := q.now()
	job.State = domain.JobStateCancelled
	job.UpdatedAt = now
	job.FinishedAt = &now
	delete(q.delayed, job.ID)
	q.retainLocked(job)
	return nil
}

// Len returns the number of jobs waiting to run, including delayed retries.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, job := range q.jobs {
		if job.State == domain.JobStatePending {
			count++
		}
	}
	return count
}

func (q *LocalQueue) claimLocked(now time.Time) *domain.Job {
	for q.ready.Len() > 0 {
		item := heap.Pop(&q.ready).(readyItem)
		job, ok := q.jobs[item.id]
		// Cancelled or pruned entries are dropped lazily.
		if !ok || job.State != domain.JobStatePending {
			continue
		}
		applyClaim(job, now)
		return job.Clone()
	}
	return nil
}

func (q *LocalQueue) promoteLocked(now time.Time) {
	for id := range q.delayed {
		job, ok := q.jobs[id]
		if !ok || job.State != domain.JobStatePending {
			delete(q.delayed, id)
			continue
		}
		if job.ReadyAt.After(now) {
			continue
		}
		delete(q.delayed, id)
		heap.Push(&q.ready, readyItem{id: id, priority: job.Priority, seq: job.Sequence})
	}
}

func (q *LocalQueue) nextDelayLocked(now time.Time) time.Duration {
	var next time.Duration
	for id := range q.delayed {
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		wait := job.ReadyAt.Sub(now)
		if wait <= 0 {
			return time.Millisecond
		}
		if next == 0 || wait < next {
			next = wait
		}
	}
	return next
}

func (q *LocalQueue) retainLocked(job *domain.Job) {
	limit := q.retention.KeepCompleted
	switch job.State {
	case domain.JobStateFailed:
		limit = q.retention.KeepFailed
	case domain.JobStateCancelled:
		limit = q.retention.KeepCancelled
	}

	order := append(q.terminal[job.State], job.ID)
	for len(order) > limit {
		delete(q.jobs, order[0])
		order = order[1:]
	}
	q.terminal[job.State] = order
}

func (q *LocalQueue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type readyItem struct {
	id       string
	priority int
	seq      int64
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority == h[j].priority {
		return h[i].seq < h[j].seq
	}
	return h[i].priority < h[j].priority
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(readyItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
