package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/feedback-pipeline/internal/analysis"
	"github.com/iago/feedback-pipeline/internal/cache"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/insight"
	"github.com/iago/feedback-pipeline/internal/notify"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/iago/feedback-pipeline/internal/repository"
	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	urls []string
}

func (n *recordingNotifier) Notify(_ context.Context, webhookURL string, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	n.urls = append(n.urls, webhookURL)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func intPtr(value int) *int { return &value }

func startPool(t *testing.T, q queue.Queue, handlers map[domain.JobKind]Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pool := NewPool(q, handlers, PoolConfig{Concurrency: 2, ErrorBackoff: 10 * time.Millisecond}, zerolog.Nop())
	go func() {
		defer close(done)
		pool.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForTerminal(t *testing.T, q queue.Queue, jobID string) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

func enqueue(t *testing.T, q queue.Queue, kind domain.JobKind, payload any, opts queue.EnqueueOptions) string {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	id, err := q.Enqueue(context.Background(), kind, encoded, domain.PriorityStandard, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func newFeedbackFixture(notifier notify.Notifier) (*repository.MemoryStore, *FeedbackHandler) {
	store := repository.NewMemoryStore()
	store.PutProject(domain.Project{ID: "p1", OwnerID: "u1", Name: "Widget", WebhookURL: "https://hooks.example.com/x"})
	handler := NewFeedbackHandler(FeedbackHandlerDeps{
		Feedback: store,
		Projects: store,
		Analyzer: analysis.NewAnalyzer(analysis.Dependencies{Logger: zerolog.Nop()}),
		Notifier: notifier,
		Logger:   zerolog.Nop(),
	})
	return store, handler
}

func TestFeedbackJobAnalyzesPersistsAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	store, handler := newFeedbackFixture(notifier)
	store.PutFeedback(domain.Feedback{
		ID: "f1", ProjectID: "p1", Text: "This is broken and terrible", Rating: intPtr(4),
		ProcessingStatus: domain.ProcessingPending, CreatedAt: time.Now().UTC(),
	})

	q := queue.NewLocalQueue(queue.LocalConfig{}, zerolog.Nop())
	startPool(t, q, map[domain.JobKind]Handler{domain.JobKindFeedbackAnalysis: handler})

	id := enqueue(t, q, domain.JobKindFeedbackAnalysis, domain.FeedbackJobPayload{
		FeedbackID: "f1", ProjectID: "p1", Text: "This is broken and terrible",
	}, queue.EnqueueOptions{})
	job := waitForTerminal(t, q, id)

	if job.State != domain.JobStateCompleted || job.Progress != 100 {
		t.Fatalf("expected completed job at 100%%, got %s at %d (%s)", job.State, job.Progress, job.Error)
	}
	var result FeedbackJobResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Sentiment.Sentiment != domain.SentimentNegative || result.Sentiment.Score != 0.76 || result.Sentiment.Confidence != 0.532 {
		t.Fatalf("unexpected sentiment %+v", result.Sentiment)
	}
	if !result.Notified || notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", notifier.count())
	}
	if notifier.urls[0] != "https://hooks.example.com/x" || notifier.sent[0].ProjectName != "Widget" {
		t.Fatalf("unexpected notification target %+v", notifier.sent[0])
	}

	record, err := store.GetFeedback(context.Background(), "f1")
	if err != nil {
		t.Fatalf("get feedback: %v", err)
	}
	if record.ProcessingStatus != domain.ProcessingCompleted || record.Sentiment != domain.SentimentNegative {
		t.Fatalf("analysis not persisted: %+v", record)
	}
}

func TestFeedbackJobNotifiesOnLowRating(t *testing.T) {
	notifier := &recordingNotifier{}
	store, handler := newFeedbackFixture(notifier)
	store.PutFeedback(domain.Feedback{ID: "f2", ProjectID: "p1", Text: "It works", Rating: intPtr(2)})

	job := &domain.Job{ID: "j", Payload: json.RawMessage(`{"feedback_id":"f2","project_id":"p1","text":"It works"}`)}
	if _, err := handler.Handle(context.Background(), job, func(context.Context, int) {}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected notification for rating 2, got %d", notifier.count())
	}
}

func TestFeedbackJobSkipsNotificationForHappyFeedback(t *testing.T) {
	notifier := &recordingNotifier{}
	store, handler := newFeedbackFixture(notifier)
	store.PutFeedback(domain.Feedback{ID: "f3", ProjectID: "p1", Text: "I love it, great work", Rating: intPtr(5)})

	var checkpoints []int
	job := &domain.Job{ID: "j", Payload: json.RawMessage(`{"feedback_id":"f3","project_id":"p1","text":"I love it, great work"}`)}
	if _, err := handler.Handle(context.Background(), job, func(_ context.Context, percent int) {
		checkpoints = append(checkpoints, percent)
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if notifier.count() != 0 {
		t.Fatalf("expected no notification, got %d", notifier.count())
	}
	if len(checkpoints) != 3 || checkpoints[0] != 20 || checkpoints[1] != 60 || checkpoints[2] != 90 {
		t.Fatalf("unexpected progress checkpoints %v", checkpoints)
	}
}

func TestFeedbackJobForMissingRecordFailsWithoutRetry(t *testing.T) {
	_, handler := newFeedbackFixture(&recordingNotifier{})
	q := queue.NewLocalQueue(queue.LocalConfig{}, zerolog.Nop())
	startPool(t, q, map[domain.JobKind]Handler{domain.JobKindFeedbackAnalysis: handler})

	id := enqueue(t, q, domain.JobKindFeedbackAnalysis, domain.FeedbackJobPayload{FeedbackID: "missing"}, queue.EnqueueOptions{})
	job := waitForTerminal(t, q, id)

	if job.State != domain.JobStateFailed || job.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s after %d", job.State, job.Attempts)
	}
	if !strings.Contains(job.Error, repository.ErrNotFound.Error()) {
		t.Fatalf("expected not found error, got %q", job.Error)
	}
}

func TestPoolRetriesUntilMaxAttempts(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{}, zerolog.Nop())
	var mu sync.Mutex
	calls := 0
	startPool(t, q, map[domain.JobKind]Handler{
		domain.JobKindFeedbackAnalysis: HandlerFunc(func(context.Context, *domain.Job, ProgressFunc) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, errors.New("downstream unavailable")
		}),
	})

	id := enqueue(t, q, domain.JobKindFeedbackAnalysis, map[string]string{}, queue.EnqueueOptions{MaxAttempts: 2, BackoffBase: 10 * time.Millisecond})
	job := waitForTerminal(t, q, id)

	mu.Lock()
	defer mu.Unlock()
	if job.State != domain.JobStateFailed || job.Attempts != 2 || calls != 2 {
		t.Fatalf("expected 2 failed attempts, got state=%s attempts=%d calls=%d", job.State, job.Attempts, calls)
	}
	if job.Error != "downstream unavailable" {
		t.Fatalf("expected verbatim error, got %q", job.Error)
	}
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{}, zerolog.Nop())
	startPool(t, q, map[domain.JobKind]Handler{
		domain.JobKindInsightGeneration: HandlerFunc(func(context.Context, *domain.Job, ProgressFunc) (json.RawMessage, error) {
			panic("nil map")
		}),
	})

	id := enqueue(t, q, domain.JobKindInsightGeneration, map[string]string{}, queue.EnqueueOptions{MaxAttempts: 1})
	job := waitForTerminal(t, q, id)
	if job.State != domain.JobStateFailed || !strings.Contains(job.Error, "handler panic: nil map") {
		t.Fatalf("expected recovered panic, got %s %q", job.State, job.Error)
	}
}

func TestPoolFailsUnknownKindImmediately(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{}, zerolog.Nop())
	startPool(t, q, map[domain.JobKind]Handler{})

	id := enqueue(t, q, domain.JobKindInsightGeneration, map[string]string{}, queue.EnqueueOptions{})
	job := waitForTerminal(t, q, id)
	if job.State != domain.JobStateFailed || job.Attempts != 1 {
		t.Fatalf("expected permanent failure, got %s after %d", job.State, job.Attempts)
	}
}

func TestPoolReportsJobCancelledWhileRunning(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{}, zerolog.Nop())
	var logs bytes.Buffer
	pool := NewPool(q, map[domain.JobKind]Handler{
		domain.JobKindFeedbackAnalysis: HandlerFunc(func(ctx context.Context, job *domain.Job, _ ProgressFunc) (json.RawMessage, error) {
			if err := q.Cancel(ctx, job.ID); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"sentiment":"positive"}`), nil
		}),
	}, PoolConfig{Concurrency: 1}, zerolog.New(&logs))

	id := enqueue(t, q, domain.JobKindFeedbackAnalysis, map[string]string{}, queue.EnqueueOptions{})
	job, err := q.Dequeue(context.Background())
	if err != nil || job.ID != id {
		t.Fatalf("dequeue: %v", err)
	}

	if outcome := pool.process(context.Background(), job); outcome != "cancelled" {
		t.Fatalf("expected cancelled outcome, got %q", outcome)
	}
	current, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if current.State != domain.JobStateCancelled || current.Result != nil {
		t.Fatalf("expected cancelled job without result, got %s %s", current.State, current.Result)
	}
	if strings.Contains(logs.String(), "job completed") {
		t.Fatalf("cancelled job logged as completed: %s", logs.String())
	}
	if !strings.Contains(logs.String(), "result discarded") {
		t.Fatalf("expected discard log line, got %s", logs.String())
	}
}

func TestInsightJobPersistsHistoryAndCache(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutProject(domain.Project{ID: "p1", OwnerID: "u1"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		sentiment := domain.SentimentPositive
		if i == 0 {
			sentiment = domain.SentimentNegative
		}
		store.PutFeedback(domain.Feedback{
			ID: "f" + string(rune('a'+i)), ProjectID: "p1", Text: "feedback", Rating: intPtr(4),
			Sentiment: sentiment, CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}

	insightCache := cache.NewMemoryInsightCache(cache.MemoryConfig{})
	handler := NewInsightHandler(InsightHandlerDeps{
		Feedback:  store,
		History:   store,
		Cache:     insightCache,
		Generator: insight.NewGenerator(insight.GeneratorDependencies{Logger: zerolog.Nop()}),
		Logger:    zerolog.Nop(),
	})

	projectID := "p1"
	key := cache.BuildKey("u1", &projectID, domain.InsightFilters{})
	payload, _ := json.Marshal(domain.InsightJobPayload{UserID: "u1", ProjectID: &projectID, CacheKey: key})

	var checkpoints []int
	raw, err := handler.Handle(context.Background(), &domain.Job{ID: "j1", Payload: payload}, func(_ context.Context, percent int) {
		checkpoints = append(checkpoints, percent)
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	var report domain.InsightReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Statistics.TotalFeedback != 4 || report.Statistics.NegativePercentage != 25 {
		t.Fatalf("unexpected statistics %+v", report.Statistics)
	}
	if report.Source != domain.SourceFallback {
		t.Fatalf("expected fallback report without a model, got %s", report.Source)
	}
	if store.InsightCount(key) != 1 {
		t.Fatalf("expected one history record")
	}
	if _, ok, _ := insightCache.Get(context.Background(), key); !ok {
		t.Fatalf("expected cached report")
	}
	if len(checkpoints) != 2 || checkpoints[0] != 20 || checkpoints[1] != 80 {
		t.Fatalf("unexpected progress checkpoints %v", checkpoints)
	}
}

func TestInsightJobWithoutRowsReturnsEmptyReport(t *testing.T) {
	store := repository.NewMemoryStore()
	handler := NewInsightHandler(InsightHandlerDeps{
		Feedback:  store,
		History:   store,
		Generator: insight.NewGenerator(insight.GeneratorDependencies{Logger: zerolog.Nop()}),
		Logger:    zerolog.Nop(),
	})

	raw, err := handler.Handle(context.Background(), &domain.Job{ID: "j", Payload: json.RawMessage(`{"user_id":"nobody"}`)}, func(context.Context, int) {})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var report domain.InsightReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Summary != insight.EmptySummary || report.Source != domain.SourceEmpty {
		t.Fatalf("unexpected empty report %+v", report)
	}
}
