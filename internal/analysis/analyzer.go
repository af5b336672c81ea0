// Package analysis classifies feedback text. Model answers are validated and
// any failure degrades to the keyword fallback, so callers never see an error.
package analysis

import (
	"context"
	"strings"
	"time"

	"github.com/iago/feedback-pipeline/internal/ai"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/metrics"
	"github.com/iago/feedback-pipeline/internal/policy"
	"github.com/iago/feedback-pipeline/internal/prompts"
	"github.com/iago/feedback-pipeline/internal/quality"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	Client    ai.TextGenerator
	Router    *ai.ModelRouter
	Prompts   *prompts.Renderer
	Validator *quality.OutputValidator
	Scorer    *KeywordScorer
	Timeout   time.Duration
	Logger    zerolog.Logger
}

type Analyzer struct {
	client    ai.TextGenerator
	router    *ai.ModelRouter
	prompts   *prompts.Renderer
	validator *quality.OutputValidator
	scorer    *KeywordScorer
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewAnalyzer(deps Dependencies) *Analyzer {
	if deps.Client == nil {
		deps.Client = ai.Disabled{}
	}
	if deps.Router == nil {
		deps.Router = ai.NewModelRouter(ai.ModelRouterConfig{})
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.NewRenderer("")
	}
	if deps.Validator == nil {
		deps.Validator = quality.NewOutputValidator()
	}
	if deps.Scorer == nil {
		deps.Scorer = DefaultKeywordScorer()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 15 * time.Second
	}
	return &Analyzer{
		client:    deps.Client,
		router:    deps.Router,
		prompts:   deps.Prompts,
		validator: deps.Validator,
		scorer:    deps.Scorer,
		timeout:   deps.Timeout,
		logger:    deps.Logger.With().Str("component", "analyzer").Logger(),
	}
}

// AnalyzeSentiment never fails. Confidence equals score for model answers and
// is discounted for fallback answers.
func (a *Analyzer) AnalyzeSentiment(ctx context.Context, text string) domain.AnalysisResult {
	if strings.TrimSpace(text) == "" {
		return a.scorer.Score(text)
	}
	if !a.client.Available() {
		metrics.IncAnalysisFallback(string(ai.TaskSentiment))
		return a.scorer.Score(text)
	}

	raw, modelID, err := a.generate(ctx, ai.TaskSentiment, prompts.Sentiment, map[string]any{
		"Text": policy.MaskPII(text),
	})
	if err == nil {
		var sentiment domain.Sentiment
		var score float64
		sentiment, score, err = a.validator.ValidateSentiment(raw)
		if err == nil {
			return domain.AnalysisResult{
				Sentiment:  sentiment,
				Score:      score,
				Confidence: score,
				Source:     domain.SourceModel,
				ModelID:    modelID,
			}
		}
	}

	a.logger.Warn().Err(err).Msg("sentiment model unavailable, using keyword fallback")
	metrics.IncAnalysisFallback(string(ai.TaskSentiment))
	return a.scorer.Score(text)
}

// AnalyzeFeedback returns category, tags and summary. It never fails.
func (a *Analyzer) AnalyzeFeedback(ctx context.Context, text string, rating *int) domain.FeedbackAnalysis {
	if strings.TrimSpace(text) == "" || !a.client.Available() {
		metrics.IncAnalysisFallback(string(ai.TaskFeedbackAnalysis))
		return FallbackAnalysis(text, rating)
	}

	ratingValue := 0
	if rating != nil {
		ratingValue = *rating
	}
	raw, _, err := a.generate(ctx, ai.TaskFeedbackAnalysis, prompts.FeedbackAnalysis, map[string]any{
		"Text":   policy.MaskPII(text),
		"Rating": ratingValue,
	})
	if err == nil {
		var analysis domain.FeedbackAnalysis
		analysis, err = a.validator.ValidateFeedbackAnalysis(raw)
		if err == nil {
			return analysis
		}
	}

	a.logger.Warn().Err(err).Msg("feedback analysis model unavailable, using keyword fallback")
	metrics.IncAnalysisFallback(string(ai.TaskFeedbackAnalysis))
	return FallbackAnalysis(text, rating)
}

func (a *Analyzer) generate(ctx context.Context, task ai.TaskKind, promptName string, data any) ([]byte, string, error) {
	prompt, err := a.prompts.Render(promptName, data)
	if err != nil {
		return nil, "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, modelID, err := ai.GenerateJSON(callCtx, a.client, a.router.Select(task), prompt)
	if err != nil {
		return nil, "", err
	}
	raw, err := ai.ExtractJSON(text)
	if err != nil {
		return nil, "", err
	}
	return raw, modelID, nil
}
