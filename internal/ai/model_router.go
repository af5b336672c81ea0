package ai

type TaskKind string

const (
	TaskSentiment        TaskKind = "sentiment"
	TaskFeedbackAnalysis TaskKind = "feedback_analysis"
	TaskInsights         TaskKind = "insights"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

// ModelRouterConfig overrides the default model pair per task. Empty fields
// keep the defaults.
type ModelRouterConfig struct {
	SentimentPrimary  string
	SentimentFallback string

	AnalysisPrimary  string
	AnalysisFallback string

	InsightsPrimary  string
	InsightsFallback string
}

// defaultProfiles holds the tuning per task. Sentiment answers are tiny and
// deterministic; insight reports need room and some variety.
var defaultProfiles = map[TaskKind]ModelProfile{
	TaskSentiment: {
		PrimaryModel:    "gpt-4.1-mini",
		FallbackModel:   "gpt-4.1-nano",
		Temperature:     0,
		MaxOutputTokens: 60,
	},
	TaskFeedbackAnalysis: {
		PrimaryModel:    "gpt-4.1-mini",
		FallbackModel:   "gpt-4.1-nano",
		Temperature:     0.2,
		MaxOutputTokens: 300,
	},
	TaskInsights: {
		PrimaryModel:    "gpt-4.1",
		FallbackModel:   "gpt-4.1-mini",
		Temperature:     0.3,
		MaxOutputTokens: 1400,
	},
}

// ModelRouter resolves the model profile for a task.
type ModelRouter struct {
	profiles map[TaskKind]ModelProfile
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	overrides := map[TaskKind][2]string{
		TaskSentiment:        {config.SentimentPrimary, config.SentimentFallback},
		TaskFeedbackAnalysis: {config.AnalysisPrimary, config.AnalysisFallback},
		TaskInsights:         {config.InsightsPrimary, config.InsightsFallback},
	}

	profiles := make(map[TaskKind]ModelProfile, len(defaultProfiles))
	for task, profile := range defaultProfiles {
		models := overrides[task]
		profile.PrimaryModel = firstNonEmpty(models[0], profile.PrimaryModel)
		profile.FallbackModel = firstNonEmpty(models[1], profile.FallbackModel)
		profiles[task] = profile
	}
	return &ModelRouter{profiles: profiles}
}

// Select returns the profile for task. Tasks without their own entry run with
// the feedback analysis profile, the general-purpose classification setup.
func (r *ModelRouter) Select(task TaskKind) ModelProfile {
	if profile, ok := r.profiles[task]; ok {
		return profile
	}
	return r.profiles[TaskFeedbackAnalysis]
}
