package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iago/feedback-pipeline/internal/analysis"
	"github.com/iago/feedback-pipeline/internal/cache"
	"github.com/iago/feedback-pipeline/internal/domain"
	httpserver "github.com/iago/feedback-pipeline/internal/http"
	"github.com/iago/feedback-pipeline/internal/http/handlers"
	"github.com/iago/feedback-pipeline/internal/insight"
	"github.com/iago/feedback-pipeline/internal/logging"
	"github.com/iago/feedback-pipeline/internal/notify"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/iago/feedback-pipeline/internal/repository"
	"github.com/iago/feedback-pipeline/internal/service"
	"github.com/iago/feedback-pipeline/internal/worker"
	"github.com/rs/zerolog"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	cancel context.CancelFunc
	done   chan struct{}
}

const projectCount = 8

// loadtest drives the API in-process with the local queue and fallback analysis.
func main() {
	enqueueTotal := flag.Int("enqueue-total", 400, "total feedback enqueue requests")
	enqueueConcurrency := flag.Int("enqueue-concurrency", 32, "concurrency for feedback enqueue requests")
	endToEndTotal := flag.Int("e2e-total", 120, "feedback jobs enqueued and polled to completion")
	endToEndConcurrency := flag.Int("e2e-concurrency", 16, "concurrency for end-to-end feedback jobs")
	insightTotal := flag.Int("insight-total", 160, "total insight requests")
	insightConcurrency := flag.Int("insight-concurrency", 16, "concurrency for insight requests")
	workers := flag.Int("workers", 8, "worker pool size")
	logLevel := flag.String("log-level", "warn", "log level for the in-process pipeline")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	logger := logging.New(*logLevel, "console")
	env := startBenchmarkEnvironment(*workers, logger)
	defer env.stop()

	client := &http.Client{Timeout: 10 * time.Second}

	enqueueScenario := runScenario("feedback_enqueue", *enqueueTotal, *enqueueConcurrency, func(index int) error {
		_, err := postJSON(client, env.server.URL+"/v1/feedback-jobs", feedbackPayload(index), http.StatusAccepted)
		return err
	})

	endToEndScenario := runScenario("feedback_end_to_end", *endToEndTotal, *endToEndConcurrency, func(index int) error {
		body, err := postJSON(client, env.server.URL+"/v1/feedback-jobs", feedbackPayload(*enqueueTotal+index), http.StatusAccepted)
		if err != nil {
			return err
		}
		jobID, _ := body["job_id"].(string)
		return waitForCompletion(client, env.server.URL, jobID, 30*time.Second)
	})

	insightScenario := runScenario("insight_request", *insightTotal, *insightConcurrency, func(index int) error {
		payload := map[string]any{
			"user_id":    "load-user",
			"project_id": fmt.Sprintf("project-%d", index%projectCount),
		}
		body, err := postJSON(client, env.server.URL+"/v1/insight-jobs", payload, 0)
		if err != nil {
			return err
		}
		if cached, _ := body["cached"].(bool); cached {
			return nil
		}
		jobID, _ := body["job_id"].(string)
		return waitForCompletion(client, env.server.URL, jobID, 30*time.Second)
	})

	results := []scenarioResult{enqueueScenario, endToEndScenario, insightScenario}
	slo := map[string]bool{
		"feedback_enqueue_p95_le_200ms":     enqueueScenario.P95MS <= 200,
		"feedback_end_to_end_p95_le_5000ms": endToEndScenario.P95MS <= 5000,
		"no_errors":                         enqueueScenario.Errors+endToEndScenario.Errors+insightScenario.Errors == 0,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("marshal benchmark report")
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.Fatal().Err(err).Msg("write output file")
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func feedbackPayload(index int) map[string]any {
	texts := []string{
		"Love the new dashboard, great work",
		"Checkout is broken again and I am frustrated",
		"Could you add dark mode?",
		"It is fine I guess",
	}
	return map[string]any{
		"feedback_id": fmt.Sprintf("feedback-%d", index),
		"project_id":  fmt.Sprintf("project-%d", index%projectCount),
		"text":        texts[index%len(texts)],
	}
}

func startBenchmarkEnvironment(workers int, logger zerolog.Logger) *benchmarkEnv {
	ctx, cancel := context.WithCancel(context.Background())

	store := repository.NewMemoryStore()
	for p := 0; p < projectCount; p++ {
		store.PutProject(domain.Project{ID: fmt.Sprintf("project-%d", p), OwnerID: "load-user", Name: "Load"})
	}
	// Seed every feedback id the scenarios can reference.
	for i := 0; i < 10000; i++ {
		payload := feedbackPayload(i)
		rating := 1 + i%5
		store.PutFeedback(domain.Feedback{
			ID:        payload["feedback_id"].(string),
			ProjectID: payload["project_id"].(string),
			Text:      payload["text"].(string),
			Rating:    &rating,
			CreatedAt: time.Now().UTC().Add(-time.Duration(i) * time.Second),
		})
	}

	// Completed jobs must stay queryable until their pollers see them.
	localQueue := queue.NewLocalQueue(queue.LocalConfig{
		Retention: queue.RetentionConfig{KeepCompleted: 100000, KeepFailed: 1000},
	}, logger)
	insightCache := cache.NewMemoryInsightCache(cache.MemoryConfig{})
	jobs := service.NewJobsService(service.JobsServiceDeps{
		Queue:   localQueue,
		Cache:   insightCache,
		History: store,
		Logger:  logger,
	})

	pool := worker.NewPool(localQueue, map[domain.JobKind]worker.Handler{
		domain.JobKindFeedbackAnalysis: worker.NewFeedbackHandler(worker.FeedbackHandlerDeps{
			Feedback: store,
			Projects: store,
			Analyzer: analysis.NewAnalyzer(analysis.Dependencies{Logger: logger}),
			Notifier: notify.NewWebhookNotifier(notify.WebhookConfig{}),
			Logger:   logger,
		}),
		domain.JobKindInsightGeneration: worker.NewInsightHandler(worker.InsightHandlerDeps{
			Feedback:  store,
			History:   store,
			Cache:     insightCache,
			Generator: insight.NewGenerator(insight.GeneratorDependencies{Logger: logger}),
			Logger:    logger,
		}),
	}, worker.PoolConfig{Concurrency: workers}, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Start(ctx)
	}()

	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            handlers.NewAPI(jobs),
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})
	return &benchmarkEnv{server: httptest.NewServer(router), cancel: cancel, done: done}
}

func (e *benchmarkEnv) stop() {
	e.server.Close()
	e.cancel()
	<-e.done
}

func runScenario(name string, total int, concurrency int, requestFn func(index int) error) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	indexes := make(chan int, total)
	samples := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				samples <- s
			}
		}()
	}
	wg.Wait()
	close(samples)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range samples {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

// postJSON checks the status when expectedStatus is non-zero; otherwise any 2xx passes.
func postJSON(client *http.Client, url string, payload any, expectedStatus int) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	response, err := client.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	ok := response.StatusCode == expectedStatus
	if expectedStatus == 0 {
		ok = response.StatusCode >= 200 && response.StatusCode < 300
	}
	if !ok {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return nil, fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}

	var decoded map[string]any
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

func waitForCompletion(client *http.Client, baseURL, jobID string, timeout time.Duration) error {
	if jobID == "" {
		return fmt.Errorf("missing job id")
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		response, err := client.Get(baseURL + "/v1/jobs/" + jobID)
		if err != nil {
			return err
		}
		var body map[string]any
		decodeErr := json.NewDecoder(response.Body).Decode(&body)
		response.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("decode status: %w", decodeErr)
		}

		switch body["status"] {
		case "completed":
			return nil
		case "failed", "cancelled", "not_found":
			return fmt.Errorf("job %s ended as %v: %v", jobID, body["status"], body["error"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for job %s", jobID)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
