package ai

import "testing"

func TestModelRouterDefaults(t *testing.T) {
	router := NewModelRouter(ModelRouterConfig{})

	sentiment := router.Select(TaskSentiment)
	if sentiment.PrimaryModel != "gpt-4.1-mini" || sentiment.FallbackModel != "gpt-4.1-nano" {
		t.Fatalf("unexpected sentiment models %+v", sentiment)
	}
	if sentiment.Temperature != 0 || sentiment.MaxOutputTokens != 60 {
		t.Fatalf("unexpected sentiment tuning %+v", sentiment)
	}

	insights := router.Select(TaskInsights)
	if insights.PrimaryModel != "gpt-4.1" || insights.MaxOutputTokens != 1400 {
		t.Fatalf("unexpected insights profile %+v", insights)
	}
}

func TestModelRouterAppliesOverridesPerTask(t *testing.T) {
	router := NewModelRouter(ModelRouterConfig{
		InsightsPrimary:   "  gpt-4o ",
		SentimentFallback: "tiny",
	})

	insights := router.Select(TaskInsights)
	if insights.PrimaryModel != "gpt-4o" || insights.FallbackModel != "gpt-4.1-mini" {
		t.Fatalf("unexpected insights models %+v", insights)
	}
	if got := router.Select(TaskSentiment).FallbackModel; got != "tiny" {
		t.Fatalf("expected sentiment fallback override, got %q", got)
	}
	if got := router.Select(TaskFeedbackAnalysis).PrimaryModel; got != "gpt-4.1-mini" {
		t.Fatalf("expected untouched analysis default, got %q", got)
	}
}

func TestModelRouterUnknownTaskUsesAnalysisProfile(t *testing.T) {
	router := NewModelRouter(ModelRouterConfig{AnalysisPrimary: "custom"})
	if got := router.Select(TaskKind("translation")); got != router.Select(TaskFeedbackAnalysis) {
		t.Fatalf("expected analysis profile for unknown task, got %+v", got)
	}
}
