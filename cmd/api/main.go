package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iago/feedback-pipeline/internal/ai"
	"github.com/iago/feedback-pipeline/internal/analysis"
	"github.com/iago/feedback-pipeline/internal/cache"
	"github.com/iago/feedback-pipeline/internal/config"
	"github.com/iago/feedback-pipeline/internal/domain"
	httpserver "github.com/iago/feedback-pipeline/internal/http"
	"github.com/iago/feedback-pipeline/internal/http/handlers"
	"github.com/iago/feedback-pipeline/internal/insight"
	"github.com/iago/feedback-pipeline/internal/logging"
	"github.com/iago/feedback-pipeline/internal/metrics"
	"github.com/iago/feedback-pipeline/internal/notify"
	"github.com/iago/feedback-pipeline/internal/prompts"
	"github.com/iago/feedback-pipeline/internal/quality"
	"github.com/iago/feedback-pipeline/internal/queue"
	"github.com/iago/feedback-pipeline/internal/repository"
	"github.com/iago/feedback-pipeline/internal/service"
	"github.com/iago/feedback-pipeline/internal/worker"
	"github.com/rs/zerolog"
)

// store is everything the pipeline needs from persistence.
type store interface {
	repository.FeedbackRepository
	repository.ProjectRepository
	repository.InsightHistoryRepository
}

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg, err := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("failed loading .env files")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, dataCloser := setupStore(ctx, cfg, logger)
	defer dataCloser()

	jobQueue, producer, insightCache, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	modelRouter := ai.NewModelRouter(ai.ModelRouterConfig{
		SentimentPrimary:  cfg.AI.SentimentModelPrimary,
		SentimentFallback: cfg.AI.SentimentModelFallback,
		AnalysisPrimary:   cfg.AI.AnalysisModelPrimary,
		AnalysisFallback:  cfg.AI.AnalysisModelFallback,
		InsightsPrimary:   cfg.AI.InsightsModelPrimary,
		InsightsFallback:  cfg.AI.InsightsModelFallback,
	})
	aiClient := ai.NewChatClient(ai.ChatClientConfig{
		Provider:     ai.Provider(cfg.AI.Provider),
		APIKey:       cfg.AI.APIKey,
		BaseURL:      cfg.AI.BaseURL,
		Timeout:      cfg.AI.Timeout,
		MaxRetries:   cfg.AI.MaxRetries,
		Organization: cfg.AI.Organization,
		SiteURL:      cfg.AI.SiteURL,
		AppName:      cfg.AI.AppName,
	})
	if !aiClient.Available() {
		logger.Warn().Msg("AI_API_KEY not configured, analysis runs on local fallbacks")
	}
	renderer := prompts.NewRenderer(cfg.AI.PromptsDir)
	validator := quality.NewOutputValidator()

	jobsService := service.NewJobsService(service.JobsServiceDeps{
		Queue:    jobQueue,
		Producer: producer,
		Cache:    insightCache,
		History:  data,
		Logger:   logger,
	})

	var workers sync.WaitGroup
	if cfg.Worker.Enabled {
		analyzer := analysis.NewAnalyzer(analysis.Dependencies{
			Client:    aiClient,
			Router:    modelRouter,
			Prompts:   renderer,
			Validator: validator,
			Timeout:   cfg.AI.Timeout,
			Logger:    logger,
		})
		generator := insight.NewGenerator(insight.GeneratorDependencies{
			Client:          aiClient,
			Router:          modelRouter,
			Prompts:         renderer,
			Validator:       validator,
			Timeout:         cfg.AI.InsightTimeout,
			TranscriptLimit: cfg.AI.TranscriptTokens,
			Logger:          logger,
		})
		notifier := notify.NewWebhookNotifier(notify.WebhookConfig{
			Timeout:       cfg.Webhook.Timeout,
			RatePerSecond: cfg.Webhook.RPS,
			Burst:         cfg.Webhook.Burst,
		})

		pool := worker.NewPool(jobQueue, map[domain.JobKind]worker.Handler{
			domain.JobKindFeedbackAnalysis: worker.NewFeedbackHandler(worker.FeedbackHandlerDeps{
				Feedback: data,
				Projects: data,
				Analyzer: analyzer,
				Notifier: notifier,
				Logger:   logger,
			}),
			domain.JobKindInsightGeneration: worker.NewInsightHandler(worker.InsightHandlerDeps{
				Feedback:  data,
				History:   data,
				Cache:     insightCache,
				Generator: generator,
				Logger:    logger,
			}),
		}, worker.PoolConfig{
			Concurrency: cfg.Worker.Concurrency,
			JobTimeout:  cfg.Worker.JobTimeout,
		}, logger)

		workers.Add(1)
		go func() {
			defer workers.Done()
			pool.Start(ctx)
		}()
	} else {
		logger.Info().Msg("worker disabled by configuration")
	}

	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            handlers.NewAPI(jobsService),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	workers.Wait()
}

func setupStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), func() {}
	}

	pgStore, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize postgres store, fallback to memory")
		return repository.NewMemoryStore(), func() {}
	}
	logger.Info().Msg("postgres store initialized")
	return pgStore, pgStore.Close
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
) (queue.Queue, queue.Producer, cache.InsightCache, func()) {
	retention := queue.RetentionConfig{
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		KeepCancelled: cfg.Queue.KeepCancelled,
	}
	memoryCache := func() cache.InsightCache {
		return cache.NewMemoryInsightCache(cache.MemoryConfig{
			TTL:        cfg.Cache.InsightTTL,
			MaxEntries: cfg.Cache.InsightMaxEntries,
		})
	}

	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(queue.LocalConfig{Retention: retention}, logger)
		return local, local, memoryCache(), func() {}
	}

	redisQueue, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		KeyPrefix:    cfg.Redis.KeyPrefix,
		PollInterval: cfg.Redis.PollInterval,
		Retention:    retention,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize redis queue, fallback to local")
		local := queue.NewLocalQueue(queue.LocalConfig{Retention: retention}, logger)
		return local, local, memoryCache(), func() {}
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis queue initialized")

	insightCache := cache.NewRedisInsightCache(redisQueue.Client(), cache.RedisConfig{
		KeyPrefix: cfg.Redis.KeyPrefix + ":insights",
		TTL:       cfg.Cache.InsightTTL,
	})

	if !cfg.Queue.BatchingEnabled {
		return redisQueue, redisQueue, insightCache, func() { _ = redisQueue.Close() }
	}

	batching := queue.NewBatchingProducer(ctx, redisQueue, queue.BatchingConfig{
		MaxBatchSize:  cfg.Queue.BatchSize,
		FlushInterval: cfg.Queue.BatchFlush,
		FlushTimeout:  cfg.Queue.BatchFlushTimeout,
		QueueCapacity: cfg.Queue.BatchQueueCapacity,
	})
	logger.Info().
		Int("batch_size", cfg.Queue.BatchSize).
		Dur("flush", cfg.Queue.BatchFlush).
		Int("queue_capacity", cfg.Queue.BatchQueueCapacity).
		Msg("queue batching enabled")

	return redisQueue, batching, insightCache, func() {
		batching.Close()
		_ = redisQueue.Close()
	}
}
