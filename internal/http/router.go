package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/iago/feedback-pipeline/internal/http/handlers"
	"github.com/iago/feedback-pipeline/internal/http/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
	// MetricsHandler defaults to the default Prometheus registry.
	MetricsHandler http.Handler
}

func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Trace(deps.Logger.With().Str("component", "http").Logger()))
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst))
	router.Use(middleware.Auth(deps.AuthToken))

	router.NotFound(handlers.NotFound)
	router.MethodNotAllowed(handlers.MethodNotAllowed)

	router.Get("/healthz", deps.API.Health)
	router.Method(http.MethodGet, "/metrics", metricsHandler)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/feedback-jobs", deps.API.CreateFeedbackJob)
		r.Post("/insight-jobs", deps.API.CreateInsightJob)
		r.Get("/jobs/{jobID}", deps.API.JobStatus)
		r.Delete("/jobs/{jobID}", deps.API.CancelJob)
		r.Get("/insights/latest", deps.API.LatestInsights)
	})

	return router
}
