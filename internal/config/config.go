package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	AuthToken string `env:"API_AUTH_TOKEN"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	DatabaseURL string `env:"DATABASE_URL"`

	AI     AIConfig
	Redis  RedisConfig
	Queue  QueueConfig
	Worker WorkerConfig
	Cache  CacheConfig

	Webhook WebhookConfig

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
}

type AIConfig struct {
	Provider     string        `env:"AI_PROVIDER" envDefault:"openai"`
	APIKey       string        `env:"AI_API_KEY"`
	BaseURL      string        `env:"AI_BASE_URL"`
	Timeout      time.Duration `env:"AI_TIMEOUT" envDefault:"15s"`
	MaxRetries   int           `env:"AI_MAX_RETRIES" envDefault:"2"`
	Organization string        `env:"AI_ORGANIZATION"`
	SiteURL      string        `env:"AI_SITE_URL"`
	AppName      string        `env:"AI_APP_NAME"`
	PromptsDir   string        `env:"PROMPTS_DIR"`

	SentimentModelPrimary  string `env:"AI_MODEL_SENTIMENT_PRIMARY"`
	SentimentModelFallback string `env:"AI_MODEL_SENTIMENT_FALLBACK"`
	AnalysisModelPrimary   string `env:"AI_MODEL_ANALYSIS_PRIMARY"`
	AnalysisModelFallback  string `env:"AI_MODEL_ANALYSIS_FALLBACK"`
	InsightsModelPrimary   string `env:"AI_MODEL_INSIGHTS_PRIMARY"`
	InsightsModelFallback  string `env:"AI_MODEL_INSIGHTS_FALLBACK"`

	InsightTimeout   time.Duration `env:"AI_INSIGHT_TIMEOUT" envDefault:"30s"`
	TranscriptTokens int           `env:"AI_TRANSCRIPT_TOKENS" envDefault:"6000"`
}

type RedisConfig struct {
	Addr         string        `env:"REDIS_ADDR"`
	Password     string        `env:"REDIS_PASSWORD"`
	DB           int           `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix    string        `env:"REDIS_KEY_PREFIX" envDefault:"fbq"`
	PollInterval time.Duration `env:"REDIS_POLL_INTERVAL" envDefault:"200ms"`
}

type QueueConfig struct {
	KeepCompleted int `env:"QUEUE_KEEP_COMPLETED" envDefault:"10"`
	KeepFailed    int `env:"QUEUE_KEEP_FAILED" envDefault:"5"`
	KeepCancelled int `env:"QUEUE_KEEP_CANCELLED" envDefault:"10"`

	BatchingEnabled    bool          `env:"QUEUE_BATCHING_ENABLED" envDefault:"true"`
	BatchSize          int           `env:"QUEUE_BATCH_SIZE" envDefault:"32"`
	BatchFlush         time.Duration `env:"QUEUE_BATCH_FLUSH" envDefault:"25ms"`
	BatchFlushTimeout  time.Duration `env:"QUEUE_BATCH_FLUSH_TIMEOUT" envDefault:"3s"`
	BatchQueueCapacity int           `env:"QUEUE_BATCH_QUEUE_CAPACITY" envDefault:"2048"`
}

type WorkerConfig struct {
	Enabled     bool          `env:"WORKER_ENABLED" envDefault:"true"`
	Concurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	JobTimeout  time.Duration `env:"WORKER_JOB_TIMEOUT" envDefault:"2m"`
}

type CacheConfig struct {
	InsightTTL        time.Duration `env:"INSIGHT_CACHE_TTL" envDefault:"24h"`
	InsightMaxEntries int           `env:"INSIGHT_CACHE_MAX_ENTRIES" envDefault:"1000"`
}

type WebhookConfig struct {
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	RPS     float64       `env:"WEBHOOK_RPS" envDefault:"5"`
	Burst   int           `env:"WEBHOOK_BURST" envDefault:"10"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
