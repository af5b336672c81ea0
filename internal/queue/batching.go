package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/feedback-pipeline/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	QueueCapacity int
}

func (c BatchingConfig) withDefaults() BatchingConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 32
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 25 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 3 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2048
	}
	return c
}

// BatchWriter persists several jobs in one round trip.
type BatchWriter interface {
	EnqueueBatch(ctx context.Context, items []BatchItem) error
}

// sequentialWriter adapts a plain Producer to BatchWriter.
type sequentialWriter struct {
	producer Producer
}

func (w sequentialWriter) EnqueueBatch(ctx context.Context, items []BatchItem) error {
	for _, item := range items {
		if _, err := w.producer.Enqueue(ctx, item.Kind, item.Payload, item.Priority, item.Options); err != nil {
			return err
		}
	}
	return nil
}

type pendingEnqueue struct {
	ctx  context.Context
	item BatchItem
	done chan error
}

// BatchingProducer coalesces concurrent Enqueue calls into batch writes.
// A single writer flushes in arrival order, so sequence numbers stay FIFO
// across batches. Once QueueCapacity requests are waiting, Enqueue fails fast
// with ErrQueueBackpressure.
type BatchingProducer struct {
	writer   BatchWriter
	config   BatchingConfig
	requests chan pendingEnqueue
	closing  chan struct{}
	finished chan struct{}
	once     sync.Once
}

func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	writer, ok := base.(BatchWriter)
	if !ok {
		writer = sequentialWriter{producer: base}
	}
	cfg = cfg.withDefaults()

	producer := &BatchingProducer{
		writer:   writer,
		config:   cfg,
		requests: make(chan pendingEnqueue, cfg.QueueCapacity),
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	go producer.loop(parent.Done())
	return producer
}

// Enqueue assigns the job id up front and waits until its batch is written.
func (p *BatchingProducer) Enqueue(
	ctx context.Context,
	kind domain.JobKind,
	payload json.RawMessage,
	priority int,
	opts EnqueueOptions,
) (string, error) {
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	request := pendingEnqueue{
		ctx: ctx,
		item: BatchItem{
			JobID:    opts.JobID,
			Kind:     kind,
			Payload:  payload,
			Priority: priority,
			Options:  opts,
		},
		done: make(chan error, 1),
	}
	if err := p.submit(ctx, request); err != nil {
		return "", err
	}

	select {
	case err := <-request.done:
		return resultID(opts.JobID, err)
	case <-p.finished:
		// The final flush answers before finished closes.
		select {
		case err := <-request.done:
			return resultID(opts.JobID, err)
		default:
			return "", ErrBatchingClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func resultID(jobID string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (p *BatchingProducer) submit(ctx context.Context, request pendingEnqueue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.finished:
		return ErrBatchingClosed
	case <-p.closing:
		return ErrBatchingClosed
	default:
	}
	select {
	case p.requests <- request:
		return nil
	default:
		return ErrQueueBackpressure
	}
}

// Close flushes buffered requests and stops the writer.
func (p *BatchingProducer) Close() {
	p.once.Do(func() { close(p.closing) })
	<-p.finished
}

func (p *BatchingProducer) loop(parentDone <-chan struct{}) {
	defer close(p.finished)

	batch := make([]pendingEnqueue, 0, p.config.MaxBatchSize)
	timer := time.NewTimer(p.config.FlushInterval)
	timer.Stop()
	var deadline <-chan time.Time

	for {
		select {
		case request := <-p.requests:
			batch = append(batch, request)
			if len(batch) == 1 {
				timer.Reset(p.config.FlushInterval)
				deadline = timer.C
			}
			if len(batch) < p.config.MaxBatchSize {
				continue
			}
		case <-deadline:
		case <-p.closing:
			timer.Stop()
			p.drain(batch)
			return
		case <-parentDone:
			timer.Stop()
			p.drain(batch)
			return
		}

		timer.Stop()
		deadline = nil
		p.flush(batch)
		batch = batch[:0]
	}
}

// drain writes whatever is still buffered, in at most MaxBatchSize chunks.
func (p *BatchingProducer) drain(batch []pendingEnqueue) {
	for {
		select {
		case request := <-p.requests:
			batch = append(batch, request)
			if len(batch) < p.config.MaxBatchSize {
				continue
			}
			p.flush(batch)
			batch = batch[:0]
		default:
			p.flush(batch)
			return
		}
	}
}

func (p *BatchingProducer) flush(batch []pendingEnqueue) {
	items := make([]BatchItem, 0, len(batch))
	waiting := make([]pendingEnqueue, 0, len(batch))
	for _, request := range batch {
		if err := request.ctx.Err(); err != nil {
			request.done <- err
			continue
		}
		items = append(items, request.item)
		waiting = append(waiting, request)
	}
	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.FlushTimeout)
	defer cancel()
	err := p.writer.EnqueueBatch(ctx, items)
	for _, request := range waiting {
		request.done <- err
	}
}
