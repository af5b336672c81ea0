package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/feedback-pipeline/internal/cache"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/http/handlers"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/iago/feedback-pipeline/internal/repository"
	"github.com/iago/feedback-pipeline/internal/service"
	"github.com/rs/zerolog"
)

type testServer struct {
	handler http.Handler
	queue   *queue.LocalQueue
	cache   *cache.MemoryInsightCache
	store   *repository.MemoryStore
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	q := queue.NewLocalQueue(queue.LocalConfig{}, zerolog.Nop())
	insightCache := cache.NewMemoryInsightCache(cache.MemoryConfig{})
	store := repository.NewMemoryStore()
	jobs := service.NewJobsService(service.JobsServiceDeps{
		Queue:   q,
		Cache:   insightCache,
		History: store,
		Logger:  zerolog.Nop(),
	})
	handler := NewRouter(ctx, RouterDependencies{
		API:            handlers.NewAPI(jobs),
		Logger:         zerolog.Nop(),
		AuthToken:      token,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
	return &testServer{handler: handler, queue: q, cache: insightCache, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch value := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(value))
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestFeedbackJobLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t, "")

	created := server.do(t, http.MethodPost, "/v1/feedback-jobs", map[string]any{
		"feedback_id": "f1",
		"project_id":  "p1",
		"text":        "checkout is broken",
	}, nil)
	if created.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", created.Code, created.Body.String())
	}
	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	decodeBody(t, created, &accepted)
	if accepted.JobID == "" || accepted.Status != "pending" {
		t.Fatalf("unexpected accept body %+v", accepted)
	}

	job, err := server.queue.Get(context.Background(), accepted.JobID)
	if err != nil || job.Priority != domain.PriorityUrgent {
		t.Fatalf("expected urgent job, got %+v (%v)", job, err)
	}

	status := server.do(t, http.MethodGet, "/v1/jobs/"+accepted.JobID, nil, nil)
	var view domain.JobStatusView
	decodeBody(t, status, &view)
	if status.Code != http.StatusOK || view.Status != domain.JobStatusPending {
		t.Fatalf("unexpected status %d %+v", status.Code, view)
	}

	cancelled := server.do(t, http.MethodDelete, "/v1/jobs/"+accepted.JobID, nil, nil)
	decodeBody(t, cancelled, &view)
	if cancelled.Code != http.StatusOK || view.Status != domain.JobStatusCancelled {
		t.Fatalf("unexpected cancel response %d %+v", cancelled.Code, view)
	}

	again := server.do(t, http.MethodDelete, "/v1/jobs/"+accepted.JobID, nil, nil)
	if again.Code != http.StatusOK {
		t.Fatalf("expected idempotent cancel, got %d", again.Code)
	}
}

func TestFeedbackJobIdempotencyKey(t *testing.T) {
	server := newTestServer(t, "")
	headers := map[string]string{"Idempotency-Key": "abc"}
	body := map[string]any{"feedback_id": "f1", "project_id": "p1", "text": "nice"}

	first := server.do(t, http.MethodPost, "/v1/feedback-jobs", body, headers)
	second := server.do(t, http.MethodPost, "/v1/feedback-jobs", body, headers)
	var a, b struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	if a.JobID == "" || a.JobID != b.JobID {
		t.Fatalf("expected replayed job id, got %q and %q", a.JobID, b.JobID)
	}

	conflict := server.do(t, http.MethodPost, "/v1/feedback-jobs", map[string]any{"feedback_id": "f2", "project_id": "p1"}, headers)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", conflict.Code)
	}
}

type slowProducer struct {
	queue.Queue
	delay time.Duration
	calls atomic.Int32
}

func (p *slowProducer) Enqueue(ctx context.Context, kind domain.JobKind, payload json.RawMessage, priority int, opts queue.EnqueueOptions) (string, error) {
	p.calls.Add(1)
	time.Sleep(p.delay)
	return p.Queue.Enqueue(ctx, kind, payload, priority, opts)
}

func TestFeedbackJobIdempotencyKeyUnderConcurrentRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	q := queue.NewLocalQueue(queue.LocalConfig{}, zerolog.Nop())
	producer := &slowProducer{Queue: q, delay: 20 * time.Millisecond}
	jobs := service.NewJobsService(service.JobsServiceDeps{
		Queue:    q,
		Producer: producer,
		Cache:    cache.NewMemoryInsightCache(cache.MemoryConfig{}),
		History:  repository.NewMemoryStore(),
		Logger:   zerolog.Nop(),
	})
	server := &testServer{handler: NewRouter(ctx, RouterDependencies{
		API:            handlers.NewAPI(jobs),
		Logger:         zerolog.Nop(),
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}), queue: q}

	headers := map[string]string{"Idempotency-Key": "double-submit"}
	body := map[string]any{"feedback_id": "f1", "project_id": "p1", "text": "nice"}

	recorders := make([]*httptest.ResponseRecorder, 2)
	var wg sync.WaitGroup
	for i := range recorders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorders[i] = server.do(t, http.MethodPost, "/v1/feedback-jobs", body, headers)
		}()
	}
	wg.Wait()

	ids := make([]string, len(recorders))
	for i, recorder := range recorders {
		if recorder.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, recorder.Code)
		}
		var accepted struct {
			JobID string `json:"job_id"`
		}
		decodeBody(t, recorder, &accepted)
		ids[i] = accepted.JobID
	}
	if ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("expected both requests to share one job, got %q and %q", ids[0], ids[1])
	}
	if calls := producer.calls.Load(); calls != 1 || q.Len() != 1 {
		t.Fatalf("expected one enqueued job, got %d producer calls and %d queued", calls, q.Len())
	}
}

func TestFeedbackJobRejectsInvalidPayload(t *testing.T) {
	server := newTestServer(t, "")

	for _, body := range []any{`{"feedback_id":`, map[string]any{"feedback_id": "f1"}, map[string]any{"feedback_id": "f1", "project_id": "p1", "extra": true}} {
		recorder := server.do(t, http.MethodPost, "/v1/feedback-jobs", body, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", body, recorder.Code)
		}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
			RequestID string `json:"request_id"`
		}
		decodeBody(t, recorder, &envelope)
		if envelope.Error.Code != "invalid_request" || envelope.RequestID == "" {
			t.Fatalf("unexpected envelope %+v", envelope)
		}
	}
}

func TestUnknownJobReturnsNotFoundStatus(t *testing.T) {
	server := newTestServer(t, "")
	recorder := server.do(t, http.MethodGet, "/v1/jobs/missing", nil, nil)
	var view domain.JobStatusView
	decodeBody(t, recorder, &view)
	if recorder.Code != http.StatusNotFound || view.Status != domain.JobStatusNotFound {
		t.Fatalf("unexpected response %d %+v", recorder.Code, view)
	}
}

func TestInsightJobCacheHitAndMiss(t *testing.T) {
	server := newTestServer(t, "")
	projectID := "p1"

	miss := server.do(t, http.MethodPost, "/v1/insight-jobs", map[string]any{"user_id": "u1", "project_id": projectID}, nil)
	var missResult domain.InsightEnqueueResult
	decodeBody(t, miss, &missResult)
	if miss.Code != http.StatusAccepted || missResult.Cached || missResult.JobID == "" {
		t.Fatalf("unexpected miss response %d %+v", miss.Code, missResult)
	}

	key := cache.BuildKey("u1", &projectID, domain.InsightFilters{})
	if err := server.cache.Set(context.Background(), key, domain.InsightReport{Summary: "ready"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	hit := server.do(t, http.MethodPost, "/v1/insight-jobs", map[string]any{"user_id": "u1", "project_id": projectID}, nil)
	var hitResult domain.InsightEnqueueResult
	decodeBody(t, hit, &hitResult)
	if hit.Code != http.StatusOK || !hitResult.Cached || hitResult.Report == nil || hitResult.Report.Summary != "ready" {
		t.Fatalf("unexpected hit response %d %+v", hit.Code, hitResult)
	}
}

func TestInsightJobValidatesFilters(t *testing.T) {
	server := newTestServer(t, "")
	recorder := server.do(t, http.MethodPost, "/v1/insight-jobs", map[string]any{
		"user_id": "u1",
		"filters": map[string]any{"sentiment": "angry"},
	}, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestLatestInsights(t *testing.T) {
	server := newTestServer(t, "")

	missing := server.do(t, http.MethodGet, "/v1/insights/latest?user_id=u1", nil, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any insight, got %d", missing.Code)
	}

	key := cache.BuildKey("u1", nil, domain.InsightFilters{})
	if err := server.store.AppendInsight(context.Background(), domain.InsightRecord{
		ID: "i1", UserID: "u1", CacheKey: key, Report: domain.InsightReport{Summary: "latest"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	found := server.do(t, http.MethodGet, "/v1/insights/latest?user_id=u1", nil, nil)
	var body struct {
		ID     string               `json:"id"`
		Report domain.InsightReport `json:"report"`
	}
	decodeBody(t, found, &body)
	if found.Code != http.StatusOK || body.ID != "i1" || body.Report.Summary != "latest" {
		t.Fatalf("unexpected latest response %d %+v", found.Code, body)
	}

	badDate := server.do(t, http.MethodGet, "/v1/insights/latest?user_id=u1&startDate=yesterday", nil, nil)
	if badDate.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", badDate.Code)
	}
}

func TestAuthTokenGuardsVersionedRoutes(t *testing.T) {
	server := newTestServer(t, "secret")

	if recorder := server.do(t, http.MethodGet, "/v1/jobs/x", nil, nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/v1/jobs/x", nil, map[string]string{"Authorization": "Bearer secret"}); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected authorized not_found lookup, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/healthz", nil, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected public health check, got %d", recorder.Code)
	}
}

func TestMetricsAndUnknownRoutes(t *testing.T) {
	server := newTestServer(t, "")

	if recorder := server.do(t, http.MethodGet, "/metrics", nil, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", recorder.Code)
	}
	unknown := server.do(t, http.MethodGet, "/v1/nope", nil, nil)
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", unknown.Code)
	}
	wrongMethod := server.do(t, http.MethodPut, "/v1/feedback-jobs", nil, nil)
	if wrongMethod.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", wrongMethod.Code)
	}
}
