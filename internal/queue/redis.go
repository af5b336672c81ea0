package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	priorityWeight = 1e12
	maxTxRetries   = 16
)

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PollInterval time.Duration
	Retention    RetentionConfig
	Clock        func() time.Time
}

// RedisQueue implements Queue on Redis. Job documents are JSON strings; ready jobs
// live in a sorted set scored by priority then sequence, retries in a delay set.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	retention    RetentionConfig
	now          func() time.Time
	logger       zerolog.Logger
}

// BatchItem is a fully identified enqueue request written in one pipeline.
type BatchItem struct {
	JobID    string
	Kind     domain.JobKind
	Payload  json.RawMessage
	Priority int
	Options  EnqueueOptions
}

func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg, logger), nil
}

func NewRedisQueueWithClient(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisQueue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fbq"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &RedisQueue{
		client:       client,
		prefix:       cfg.KeyPrefix,
		pollInterval: cfg.PollInterval,
		retention:    cfg.Retention.withDefaults(),
		now:          cfg.Clock,
		logger:       logger.With().Str("component", "redis_queue").Logger(),
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Client exposes the connection so other Redis-backed stores can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Enqueue(
	ctx context.Context,
	kind domain.JobKind,
	payload json.RawMessage,
	priority int,
	opts EnqueueOptions,
) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	item := BatchItem{JobID: id, Kind: kind, Payload: payload, Priority: priority, Options: opts}
	if err := q.EnqueueBatch(ctx, []BatchItem{item}); err != nil {
		return "", err
	}
	return id, nil
}

func (q *RedisQueue) EnqueueBatch(ctx context.Context, items []BatchItem) error {
	if len(items) == 0 {
		return nil
	}

	last, err := q.client.IncrBy(ctx, q.seqKey(), int64(len(items))).Result()
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	first := last - int64(len(items)) + 1

	now := q.now()
	pipeline := q.client.TxPipeline()
	for index, item := range items {
		id := item.JobID
		if id == "" {
			id = uuid.NewString()
		}
		job := newJob(id, item.Kind, item.Payload, item.Priority, first+int64(index), item.Options, now)
		encoded, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		pipeline.Set(ctx, q.jobKey(id), encoded, 0)
		pipeline.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(job), Member: id})
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch to redis: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		job, err := q.claimNext(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return q.load(ctx, q.client, jobID)
}

func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	return q.mutate(ctx, jobID, func(job *domain.Job, _ redis.Pipeliner) bool {
		if job.State != domain.JobStateActive {
			return false
		}
		percent = clampProgress(percent)
		if percent <= job.Progress {
			return false
		}
		job.Progress = percent
		job.UpdatedAt = q.now()
		return true
	})
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	var finished bool
	err := q.mutate(ctx, jobID, func(job *domain.Job, pipe redis.Pipeliner) bool {
		if job.State != domain.JobStateActive {
			return false
		}
		applyCompletion(job, result, q.now())
		q.markTerminal(ctx, pipe, job)
		finished = true
		return true
	})
	if err != nil || !finished {
		return err
	}
	return q.trim(ctx, domain.JobStateCompleted)
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, cause error) error {
	var failed bool
	err := q.mutate(ctx, jobID, func(job *domain.Job, pipe redis.Pipeliner) bool {
		if job.State != domain.JobStateActive {
			return false
		}
		if applyFailure(job, cause, q.now()) {
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.ReadyAt.UnixMilli()), Member: job.ID})
			return true
		}
		q.markTerminal(ctx, pipe, job)
		failed = true
		return true
	})
	if err != nil || !failed {
		return err
	}
	return q.trim(ctx, domain.JobStateFailed)
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	var cancelled bool
	err := q.mutate(ctx, jobID, func(job *domain.Job, pipe redis.Pipeliner) bool {
		if job.State.Terminal() {
			return false
		}
		now := q.now()
		job.State = domain.JobStateCancelled
		job.UpdatedAt = now
		job.FinishedAt = &now
		pipe.ZRem(ctx, q.readyKey(), job.ID)
		pipe.ZRem(ctx, q.delayedKey(), job.ID)
		q.markTerminal(ctx, pipe, job)
		cancelled = true
		return true
	})
	if err != nil || !cancelled {
		return err
	}
	return q.trim(ctx, domain.JobStateCancelled)
}

// Len returns ready plus delayed job counts.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	ready, err := q.client.ZCard(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

func (q *RedisQueue) claimNext(ctx context.Context) (*domain.Job, error) {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		ids, err := q.client.ZRange(ctx, q.readyKey(), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("peek ready set: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id := ids[0]

		var claimed *domain.Job
		err = q.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := q.load(ctx, tx, id)
			if errors.Is(err, ErrJobNotFound) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, q.readyKey(), id)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			if job.State != domain.JobStatePending {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, q.readyKey(), id)
					return nil
				})
				return err
			}

			applyClaim(job, q.now())
			encoded, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, q.readyKey(), id)
				pipe.Set(ctx, q.jobKey(id), encoded, 0)
				return nil
			})
			if err == nil {
				claimed = job
			}
			return err
		}, q.jobKey(id), q.readyKey())

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed set: %w", err)
	}

	for _, id := range ids {
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := q.load(ctx, tx, id)
			if err != nil && !errors.Is(err, ErrJobNotFound) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, q.delayedKey(), id)
				if job != nil && job.State == domain.JobStatePending {
					pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(job), Member: id})
				}
				return nil
			})
			return err
		}, q.jobKey(id))
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
	}
	return nil
}

// mutate applies fn to the stored job inside an optimistic transaction.
// fn returns false to leave the job untouched.
func (q *RedisQueue) mutate(ctx context.Context, jobID string, fn func(*domain.Job, redis.Pipeliner) bool) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := q.load(ctx, tx, jobID)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if !fn(job, pipe) {
					return nil
				}
				encoded, err := json.Marshal(job)
				if err != nil {
					return fmt.Errorf("encode job: %w", err)
				}
				pipe.Set(ctx, q.jobKey(jobID), encoded, 0)
				return nil
			})
			return err
		}, q.jobKey(jobID))

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: %w", jobID, redis.TxFailedErr)
}

func (q *RedisQueue) markTerminal(ctx context.Context, pipe redis.Pipeliner, job *domain.Job) {
	pipe.ZAdd(ctx, q.terminalKey(job.State), redis.Z{
		Score:  float64(q.now().UnixNano()),
		Member: job.ID,
	})
}

// trim drops the oldest terminal jobs beyond the retention cap for state.
func (q *RedisQueue) trim(ctx context.Context, state domain.JobState) error {
	limit := q.retention.KeepCompleted
	switch state {
	case domain.JobStateFailed:
		limit = q.retention.KeepFailed
	case domain.JobStateCancelled:
		limit = q.retention.KeepCancelled
	}

	key := q.terminalKey(state)
	total, err := q.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("count %s jobs: %w", state, err)
	}
	excess := total - int64(limit)
	if excess <= 0 {
		return nil
	}
	ids, err := q.client.ZRange(ctx, key, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("list %s jobs: %w", state, err)
	}

	pipeline := q.client.TxPipeline()
	for _, id := range ids {
		pipeline.Del(ctx, q.jobKey(id))
		pipeline.ZRem(ctx, key, id)
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("prune %s jobs: %w", state, err)
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, client redis.Cmdable, jobID string) (*domain.Job, error) {
	raw, err := client.Get(ctx, q.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func readyScore(job *domain.Job) float64 {
	return float64(job.Priority)*priorityWeight + float64(job.Sequence)
}

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *RedisQueue) readyKey() string        { return q.prefix + ":ready" }
func (q *RedisQueue) delayedKey() string      { return q.prefix + ":delayed" }
func (q *RedisQueue) seqKey() string          { return q.prefix + ":seq" }

func (q *RedisQueue) terminalKey(state domain.JobState) string {
	return q.prefix + ":terminal:" + string(state)
}
