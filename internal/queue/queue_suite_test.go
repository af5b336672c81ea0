package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/feedback-pipeline/internal/domain"
)

type queueFactory func(t *testing.T) Queue

func runQueueSuite(t *testing.T, factory queueFactory) {
	t.Run("pending after enqueue", func(t *testing.T) { testPendingAfterEnqueue(t, factory(t)) })
	t.Run("strict priority then fifo", func(t *testing.T) { testPriorityOrdering(t, factory(t)) })
	t.Run("retry exhaustion", func(t *testing.T) { testRetryExhaustion(t, factory(t)) })
	t.Run("skip retry", func(t *testing.T) { testSkipRetry(t, factory(t)) })
	t.Run("cancel pending", func(t *testing.T) { testCancelPending(t, factory(t)) })
	t.Run("cancel completed is no-op", func(t *testing.T) { testCancelCompleted(t, factory(t)) })
	t.Run("cancel active suppresses completion", func(t *testing.T) { testCancelActive(t, factory(t)) })
	t.Run("progress is monotonic", func(t *testing.T) { testProgressMonotonic(t, factory(t)) })
	t.Run("completed retention", func(t *testing.T) { testCompletedRetention(t, factory(t)) })
	t.Run("failed retention", func(t *testing.T) { testFailedRetention(t, factory(t)) })
	t.Run("concurrent claims are exclusive", func(t *testing.T) { testExclusiveClaims(t, factory(t)) })
	t.Run("dequeue honours context", func(t *testing.T) { testDequeueContext(t, factory(t)) })
}

func mustEnqueue(t *testing.T, q Queue, priority int, opts EnqueueOptions) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), domain.JobKindFeedbackAnalysis, json.RawMessage(`{"text":"hello"}`), priority, opts)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return id
}

func mustDequeue(t *testing.T, q Queue) *domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	return job
}

func mustGet(t *testing.T, q Queue, id string) *domain.Job {
	t.Helper()
	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s failed: %v", id, err)
	}
	return job
}

func testPendingAfterEnqueue(t *testing.T, q Queue) {
	id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	job := mustGet(t, q, id)
	if job.State != domain.JobStatePending {
		t.Fatalf("expected pending, got %s", job.State)
	}
	if len(job.Result) != 0 || job.Error != "" {
		t.Fatalf("expected no result or error, got result=%s error=%q", job.Result, job.Error)
	}
	if job.MaxAttempts != DefaultMaxAttempts || job.BackoffBase != DefaultBackoffBase {
		t.Fatalf("unexpected retry policy: attempts=%d backoff=%s", job.MaxAttempts, job.BackoffBase)
	}
}

func testPriorityOrdering(t *testing.T, q Queue) {
	standardFirst := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	standardSecond := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	urgent := mustEnqueue(t, q, domain.PriorityUrgent, EnqueueOptions{})

	order := []string{mustDequeue(t, q).ID, mustDequeue(t, q).ID, mustDequeue(t, q).ID}
	expected := []string{urgent, standardFirst, standardSecond}
	for index := range expected {
		if order[index] != expected[index] {
			t.Fatalf("position %d: expected %s, got %s", index, expected[index], order[index])
		}
	}
}

func testRetryExhaustion(t *testing.T, q Queue) {
	base := 40 * time.Millisecond
	id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{BackoffBase: base})

	claims := make([]time.Time, 0, DefaultMaxAttempts)
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		job := mustDequeue(t, q)
		if job.ID != id {
			t.Fatalf("unexpected job %s", job.ID)
		}
		if job.Attempts != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, job.Attempts)
		}
		claims = append(claims, time.Now())
		if err := q.Fail(context.Background(), id, fmt.Errorf("boom %d", attempt)); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	job := mustGet(t, q, id)
	if job.State != domain.JobStateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.Error != "boom 3" {
		t.Fatalf("expected last error verbatim, got %q", job.Error)
	}
	if job.Attempts != DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxAttempts, job.Attempts)
	}
	if gap := claims[1].Sub(claims[0]); gap < base {
		t.Fatalf("first retry gap %s shorter than %s", gap, base)
	}
	if gap := claims[2].Sub(claims[1]); gap < 2*base {
		t.Fatalf("second retry gap %s shorter than %s", gap, 2*base)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if extra, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected no further attempts, got job %s", extra.ID)
	}
}

func testSkipRetry(t *testing.T, q Queue) {
	id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	mustDequeue(t, q)
	if err := q.Fail(context.Background(), id, SkipRetry(errors.New("feedback not found"))); err != nil {
		t.Fatalf("fail: %v", err)
	}
	job := mustGet(t, q, id)
	if job.State != domain.JobStateFailed || job.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s attempts=%d", job.State, job.Attempts)
	}
	if job.Error != "feedback not found" {
		t.Fatalf("unexpected error %q", job.Error)
	}
}

func testCancelPending(t *testing.T, q Queue) {
	id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	if err := q.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if job := mustGet(t, q, id); job.State != domain.JobStateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}
	if err := q.Cancel(context.Background(), id); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if job, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("cancelled job must not be dequeued, got %s", job.ID)
	}
}

func testCancelCompleted(t *testing.T, q Queue) {
	id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	mustDequeue(t, q)
	if err := q.Complete(context.Background(), id, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job := mustGet(t, q, id)
	if job.State != domain.JobStateCompleted {
		t.Fatalf("expected completed, got %s", job.State)
	}
	if string(job.Result) != `{"ok":true}` {
		t.Fatalf("result changed: %s", job.Result)
	}
}

func testCancelActive(t *testing.T, q Queue) {
	id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	mustDequeue(t, q)
	if err := q.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := q.Fail(context.Background(), id, errors.New("late failure")); err != nil {
		t.Fatalf("fail after cancel: %v", err)
	}
	if err := q.Complete(context.Background(), id, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("complete after cancel: %v", err)
	}
	if job := mustGet(t, q, id); job.State != domain.JobStateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}
}

func testProgressMonotonic(t *testing.T, q Queue) {
	id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	mustDequeue(t, q)
	ctx := context.Background()
	for _, value := range []int{20, 60, 40, 150} {
		if err := q.UpdateProgress(ctx, id, value); err != nil {
			t.Fatalf("update progress: %v", err)
		}
	}
	if job := mustGet(t, q, id); job.Progress != 100 {
		t.Fatalf("expected clamped monotonic progress 100, got %d", job.Progress)
	}
}

func testCompletedRetention(t *testing.T, q Queue) {
	ids := make([]string, 0, DefaultKeepComplete+2)
	for i := 0; i < DefaultKeepComplete+2; i++ {
		id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
		mustDequeue(t, q)
		if err := q.Complete(context.Background(), id, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("complete: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids[:2] {
		if _, err := q.Get(context.Background(), id); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected %s pruned, got %v", id, err)
		}
	}
	for _, id := range ids[2:] {
		mustGet(t, q, id)
	}
}

func testFailedRetention(t *testing.T, q Queue) {
	ids := make([]string, 0, DefaultKeepFailed+1)
	for i := 0; i < DefaultKeepFailed+1; i++ {
		id := mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{MaxAttempts: 1})
		mustDequeue(t, q)
		if err := q.Fail(context.Background(), id, errors.New("nope")); err != nil {
			t.Fatalf("fail: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := q.Get(context.Background(), ids[0]); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected oldest failed job pruned, got %v", err)
	}
	if job := mustGet(t, q, ids[len(ids)-1]); job.State != domain.JobStateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
}

func testExclusiveClaims(t *testing.T, q Queue) {
	const total = 40
	for i := 0; i < total; i++ {
		mustEnqueue(t, q, domain.PriorityStandard, EnqueueOptions{})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for worker := 0; worker < 6; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				claimed := len(seen)
				mu.Unlock()
				if claimed >= total {
					return
				}
				pollCtx, pollCancel := context.WithTimeout(ctx, 100*time.Millisecond)
				job, err := q.Dequeue(pollCtx)
				pollCancel()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct claims, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
}

func testDequeueContext(t *testing.T, q Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
