package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/metrics"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/rs/zerolog"
)

// ProgressFunc records a progress checkpoint for the running job.
type ProgressFunc func(ctx context.Context, percent int)

// Handler executes one job attempt and returns its result document.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job, progress ProgressFunc) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, job *domain.Job, progress ProgressFunc) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, job, progress)
}

type PoolConfig struct {
	Concurrency  int
	JobTimeout   time.Duration
	ErrorBackoff time.Duration
}

// Pool runs a fixed number of goroutines pulling from the shared queue.
type Pool struct {
	queue    queue.Queue
	handlers map[domain.JobKind]Handler
	config   PoolConfig
	logger   zerolog.Logger
}

func NewPool(q queue.Queue, handlers map[domain.JobKind]Handler, config PoolConfig, logger zerolog.Logger) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 2 * time.Minute
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = 2 * time.Second
	}
	return &Pool{
		queue:    q,
		handlers: handlers,
		config:   config,
		logger:   logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start blocks until ctx is done and every worker has returned.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	p.logger.Info().Int("concurrency", p.config.Concurrency).Msg("worker pool started")
	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error().Err(err).Int("worker", worker).Msg("dequeue failed")

			timer := time.NewTimer(p.config.ErrorBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		p.process(ctx, job)
	}
}

// process runs one claimed job and returns the recorded outcome.
func (p *Pool) process(ctx context.Context, job *domain.Job) string {
	started := time.Now()
	logger := p.logger.With().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("attempt", job.Attempts).
		Logger()

	// Lifecycle writes must land even if the pool is shutting down.
	lifecycleCtx := context.WithoutCancel(ctx)

	result, err := p.run(ctx, job)
	elapsed := time.Since(started)
	if err == nil {
		if completeErr := p.queue.Complete(lifecycleCtx, job.ID, result); completeErr != nil {
			logger.Error().Err(completeErr).Msg("complete job failed")
		}
		outcome := p.settledOutcome(lifecycleCtx, job.ID, outcomeCompleted)
		metrics.ObserveJobAttempt(string(job.Kind), outcome, elapsed)
		if outcome == outcomeCancelled {
			logger.Info().Dur("elapsed", elapsed).Msg("job cancelled while running, result discarded")
			return outcome
		}
		logger.Info().Dur("elapsed", elapsed).Msg("job completed")
		return outcome
	}

	if failErr := p.queue.Fail(lifecycleCtx, job.ID, err); failErr != nil {
		logger.Error().Err(failErr).Msg("fail job failed")
	}
	outcome := p.settledOutcome(lifecycleCtx, job.ID, outcomeFailed)
	metrics.ObserveJobAttempt(string(job.Kind), outcome, elapsed)
	logger.Warn().Err(err).Str("outcome", outcome).Dur("elapsed", elapsed).Msg("job attempt failed")
	return outcome
}

const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// settledOutcome reads the job back after Complete/Fail, since a cancel that
// raced the handler turns both into no-ops.
func (p *Pool) settledOutcome(ctx context.Context, jobID, assumed string) string {
	current, err := p.queue.Get(ctx, jobID)
	if err != nil {
		return assumed
	}
	switch current.State {
	case domain.JobStatePending:
		return outcomeRetry
	case domain.JobStateCancelled:
		return outcomeCancelled
	case domain.JobStateCompleted:
		return outcomeCompleted
	case domain.JobStateFailed:
		return outcomeFailed
	default:
		return assumed
	}
}

func (p *Pool) run(ctx context.Context, job *domain.Job) (result json.RawMessage, err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return nil, queue.SkipRetry(fmt.Errorf("unsupported job kind: %s", job.Kind))
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error().
				Str("job_id", job.ID).
				Str("stack", string(debug.Stack())).
				Msgf("handler panic: %v", recovered)
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	progress := func(progressCtx context.Context, percent int) {
		if updateErr := p.queue.UpdateProgress(progressCtx, job.ID, percent); updateErr != nil && !errors.Is(updateErr, context.Canceled) {
			p.logger.Warn().Err(updateErr).Str("job_id", job.ID).Int("progress", percent).Msg("progress update failed")
		}
	}

	return handler.Handle(jobCtx, job, progress)
}
