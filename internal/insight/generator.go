package insight

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/feedback-pipeline/internal/ai"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/metrics"
	"github.com/iago/feedback-pipeline/internal/prompts"
	"github.com/iago/feedback-pipeline/internal/quality"
	"github.com/rs/zerolog"
)

const (
	EmptySummary = "No feedback available for analysis."

	alertNegativeThreshold = 30
	trendRatingThreshold   = 3.0
)

type GeneratorDependencies struct {
	Client          ai.TextGenerator
	Router          *ai.ModelRouter
	Prompts         *prompts.Renderer
	Validator       *quality.OutputValidator
	Timeout         time.Duration
	TranscriptLimit int
	Clock           func() time.Time
	Logger          zerolog.Logger
}

// Generator turns a set of feedback rows into an InsightReport. Model failures
// of any kind fall back to rule-based insights.
type Generator struct {
	client          ai.TextGenerator
	router          *ai.ModelRouter
	prompts         *prompts.Renderer
	validator       *quality.OutputValidator
	timeout         time.Duration
	transcriptLimit int
	now             func() time.Time
	logger          zerolog.Logger
}

func NewGenerator(deps GeneratorDependencies) *Generator {
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
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Generator{
		client:          deps.Client,
		router:          deps.Router,
		prompts:         deps.Prompts,
		validator:       deps.Validator,
		timeout:         deps.Timeout,
		transcriptLimit: deps.TranscriptLimit,
		now:             deps.Clock,
		logger:          deps.Logger.With().Str("component", "insight_generator").Logger(),
	}
}

func (g *Generator) Generate(ctx context.Context, rows []domain.Feedback) domain.InsightReport {
	if len(rows) == 0 {
		return EmptyReport(g.now())
	}

	stats := ComputeStatistics(rows)
	report, err := g.generateWithModel(ctx, rows, stats)
	if err == nil {
		return report
	}

	g.logger.Warn().Err(err).Int("rows", len(rows)).Msg("insight model unavailable, using rule-based report")
	metrics.IncAnalysisFallback(string(ai.TaskInsights))
	return RuleBasedReport(rows, stats, g.now())
}

func (g *Generator) generateWithModel(ctx context.Context, rows []domain.Feedback, stats domain.InsightStatistics) (domain.InsightReport, error) {
	if !g.client.Available() {
		return domain.InsightReport{}, ai.ErrProviderUnavailable
	}

	transcript, count := BuildTranscript(rows, g.transcriptLimit)
	prompt, err := g.prompts.Render(prompts.Insights, map[string]any{
		"Stats":      stats,
		"Count":      count,
		"Transcript": transcript,
	})
	if err != nil {
		return domain.InsightReport{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, modelID, err := ai.GenerateJSON(callCtx, g.client, g.router.Select(ai.TaskInsights), prompt)
	if err != nil {
		return domain.InsightReport{}, err
	}
	raw, err := ai.ExtractJSON(text)
	if err != nil {
		return domain.InsightReport{}, err
	}
	report, score, err := g.validator.ValidateInsightReport(raw)
	if err != nil {
		return domain.InsightReport{}, err
	}

	g.logger.Debug().Str("model", modelID).Float64("quality_score", score).Msg("insight report generated")
	report.Statistics = stats
	report.GeneratedAt = g.now()
	return report, nil
}

func EmptyReport(now time.Time) domain.InsightReport {
	return domain.InsightReport{
		Summary:         EmptySummary,
		KeyThemes:       []string{},
		Recommendations: []string{},
		Insights:        []domain.Insight{},
		Statistics:      domain.InsightStatistics{},
		GeneratedAt:     now,
		Source:          domain.SourceEmpty,
	}
}

// RuleBasedReport is the deterministic report used when the model cannot answer.
func RuleBasedReport(rows []domain.Feedback, stats domain.InsightStatistics, now time.Time) domain.InsightReport {
	insights := []domain.Insight{{
		Type:        domain.InsightTheme,
		Title:       "Feedback volume",
		Description: fmt.Sprintf("%d feedback entries were analyzed for this period.", stats.TotalFeedback),
		Priority:    domain.InsightPriorityMedium,
	}}

	if stats.NegativePercentage > alertNegativeThreshold {
		insights = append(insights, domain.Insight{
			Type:        domain.InsightAlert,
			Title:       "High share of negative feedback",
			Description: fmt.Sprintf("%d%% of feedback is negative. Review recent complaints for recurring issues.", stats.NegativePercentage),
			Priority:    domain.InsightPriorityHigh,
		})
	}
	if ratedRows(rows) > 0 && stats.AverageRating < trendRatingThreshold {
		insights = append(insights, domain.Insight{
			Type:        domain.InsightTrend,
			Title:       "Low average rating",
			Description: fmt.Sprintf("The average rating is %.1f out of 5.", stats.AverageRating),
			Priority:    domain.InsightPriorityHigh,
		})
	}
	if stats.PositivePercentage >= 60 {
		insights = append(insights, domain.Insight{
			Type:        domain.InsightRecommendation,
			Title:       "Build on what customers like",
			Description: fmt.Sprintf("%d%% of feedback is positive. Highlight these strengths in onboarding and marketing.", stats.PositivePercentage),
			Priority:    domain.InsightPriorityLow,
		})
	}

	return domain.InsightReport{
		Summary: fmt.Sprintf(
			"Analyzed %d feedback entries: %d%% positive, %d%% negative, average rating %.1f.",
			stats.TotalFeedback, stats.PositivePercentage, stats.NegativePercentage, stats.AverageRating,
		),
		KeyThemes: []string{
			"Overall customer sentiment",
			"Product experience",
			"Feature requests and improvements",
		},
		Recommendations: []string{
			"Review negative feedback for recurring issues",
			"Follow up with customers who left low ratings",
			"Track sentiment changes after each release",
		},
		Insights:    insights,
		Statistics:  stats,
		GeneratedAt: now,
		Source:      domain.SourceFallback,
	}
}
