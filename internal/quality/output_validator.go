package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/policy"
)

var ErrQualityRejected = errors.New("output failed quality checks")

const (
	minStructuredScore = 0.50

	maxTags        = 5
	maxTagLength   = 40
	maxSummaryLen  = 200
	maxListItems   = 5
	maxInsights    = 8
	maxTitleLen    = 120
	maxDescription = 600
)

type OutputValidator struct{}

func NewOutputValidator() *OutputValidator {
	return &OutputValidator{}
}

// ValidateSentiment accepts only an exact enum value and a finite score in [0,1].
func (v *OutputValidator) ValidateSentiment(body []byte) (domain.Sentiment, float64, error) {
	var payload struct {
		Sentiment string   `json:"sentiment"`
		Score     *float64 `json:"score"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("%w: decode sentiment payload: %v", ErrQualityRejected, err)
	}

	sentiment := domain.Sentiment(payload.Sentiment)
	if !sentiment.Valid() {
		return "", 0, fmt.Errorf("%w: unknown sentiment %q", ErrQualityRejected, payload.Sentiment)
	}
	if payload.Score == nil {
		return "", 0, fmt.Errorf("%w: score is missing", ErrQualityRejected)
	}
	score := *payload.Score
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
		return "", 0, fmt.Errorf("%w: score %v out of range", ErrQualityRejected, score)
	}
	return sentiment, score, nil
}

func (v *OutputValidator) ValidateFeedbackAnalysis(body []byte) (domain.FeedbackAnalysis, error) {
	var payload struct {
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
		Summary  string   `json:"summary"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.FeedbackAnalysis{}, fmt.Errorf("%w: decode analysis payload: %v", ErrQualityRejected, err)
	}

	category := domain.FeedbackCategory(strings.ToLower(strings.TrimSpace(payload.Category)))
	if !category.Valid() {
		return domain.FeedbackAnalysis{}, fmt.Errorf("%w: unknown category %q", ErrQualityRejected, payload.Category)
	}

	summary := normalizeText(policy.MaskPII(payload.Summary))
	if utf8.RuneCountInString(summary) > maxSummaryLen {
		summary = truncateAtWord(summary, maxSummaryLen)
	}

	return domain.FeedbackAnalysis{
		Category: category,
		Tags:     NormalizeTags(payload.Tags),
		Summary:  summary,
		Source:   domain.SourceModel,
	}, nil
}

// NormalizeTags lowercases, de-duplicates and caps keyword tags.
func NormalizeTags(tags []string) []string {
	output := make([]string, 0, maxTags)
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		normalized := strings.ToLower(normalizeText(policy.MaskPII(tag)))
		if normalized == "" || utf8.RuneCountInString(normalized) > maxTagLength {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		output = append(output, normalized)
		if len(output) == maxTags {
			break
		}
	}
	return output
}

// ValidateInsightReport normalizes the model-written parts of a report.
// Statistics are left zero; callers fill them from the fetched rows.
func (v *OutputValidator) ValidateInsightReport(body []byte) (domain.InsightReport, float64, error) {
	var payload struct {
		Summary         string   `json:"summary"`
		KeyThemes       []string `json:"keyThemes"`
		Recommendations []string `json:"recommendations"`
		Insights        []struct {
			Type        string `json:"type"`
			Title       string `json:"title"`
			Description string `json:"description"`
			Priority    string `json:"priority"`
		} `json:"insights"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.InsightReport{}, 0, fmt.Errorf("%w: decode insight payload: %v", ErrQualityRejected, err)
	}

	penalty := 0.0
	summary := normalizeText(policy.MaskPII(payload.Summary))
	if summary == "" {
		return domain.InsightReport{}, 0, fmt.Errorf("%w: summary text is empty", ErrQualityRejected)
	}
	if utf8.RuneCountInString(summary) > 1200 {
		summary = truncateAtWord(summary, 1200)
		penalty += 0.05
	}

	themes := normalizeList(payload.KeyThemes, maxListItems)
	recommendations := normalizeList(payload.Recommendations, maxListItems)
	if len(themes) == 0 && len(recommendations) == 0 {
		return domain.InsightReport{}, 0, fmt.Errorf("%w: report has no themes or recommendations", ErrQualityRejected)
	}
	if len(themes) < 3 {
		penalty += 0.10
	}
	if len(recommendations) < 3 {
		penalty += 0.10
	}

	insights := make([]domain.Insight, 0, len(payload.Insights))
	for _, item := range payload.Insights {
		kind := domain.InsightType(strings.ToLower(strings.TrimSpace(item.Type)))
		if !validInsightType(kind) {
			penalty += 0.05
			continue
		}
		title := normalizeText(policy.MaskPII(item.Title))
		if title == "" {
			penalty += 0.05
			continue
		}
		if utf8.RuneCountInString(title) > maxTitleLen {
			title = truncateAtWord(title, maxTitleLen)
		}
		description := normalizeText(policy.MaskPII(item.Description))
		if utf8.RuneCountInString(description) > maxDescription {
			description = truncateAtWord(description, maxDescription)
		}
		priority := domain.InsightPriority(strings.ToLower(strings.TrimSpace(item.Priority)))
		if !validInsightPriority(priority) {
			priority = domain.InsightPriorityMedium
			penalty += 0.02
		}
		insights = append(insights, domain.Insight{
			Type:        kind,
			Title:       title,
			Description: description,
			Priority:    priority,
		})
		if len(insights) == maxInsights {
			break
		}
	}

	score := clamp01(1.0 - penalty)
	if score < minStructuredScore {
		return domain.InsightReport{}, 0, fmt.Errorf("%w: low insight quality score %.2f", ErrQualityRejected, score)
	}

	return domain.InsightReport{
		Summary:         summary,
		KeyThemes:       themes,
		Recommendations: recommendations,
		Insights:        insights,
		Source:          domain.SourceModel,
	}, round2(score), nil
}

func validInsightType(kind domain.InsightType) bool {
	switch kind {
	case domain.InsightTheme, domain.InsightRecommendation, domain.InsightAlert, domain.InsightTrend:
		return true
	default:
		return false
	}
}

func validInsightPriority(priority domain.InsightPriority) bool {
	switch priority {
	case domain.InsightPriorityHigh, domain.InsightPriorityMedium, domain.InsightPriorityLow:
		return true
	default:
		return false
	}
}

func normalizeList(items []string, limit int) []string {
	output := make([]string, 0, limit)
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		normalized := normalizeText(policy.MaskPII(item))
		if normalized == "" {
			continue
		}
		if utf8.RuneCountInString(normalized) > 220 {
			normalized = truncateAtWord(normalized, 220)
		}
		key := strings.ToLower(normalized)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		output = append(output, normalized)
		if len(output) == limit {
			break
		}
	}
	return output
}

func normalizeText(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	parts := strings.Fields(trimmed)
	return strings.Join(parts, " ")
}

// truncateAtWord caps value at maxRunes runes, preferring the last space in
// the second half of the cut.
func truncateAtWord(value string, maxRunes int) string {
	runes := []rune(value)
	if maxRunes <= 0 || len(runes) <= maxRunes {
		return value
	}
	cut := string(runes[:maxRunes])
	if lastSpace := strings.LastIndex(cut, " "); lastSpace > len(cut)/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
