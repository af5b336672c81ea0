package analysis

import (
	"math"
	"strings"

	"github.com/iago/feedback-pipeline/internal/domain"
)

const (
	fallbackBaseScore    = 0.6
	fallbackIncrement    = 0.08
	fallbackMaxScore     = 0.95
	fallbackNeutralScore = 0.5
	fallbackDiscount     = 0.7
)

var (
	DefaultPositiveWords = []string{
		"good", "great", "excellent", "amazing", "love", "awesome", "perfect", "helpful",
		"fantastic", "wonderful", "easy", "fast", "happy", "satisfied", "recommend",
	}
	DefaultNegativeWords = []string{
		"bad", "terrible", "awful", "hate", "poor", "horrible", "disappointed", "frustrated",
		"angry", "broken", "error", "bug", "slow", "useless", "worst", "confusing",
	}
)

// KeywordScorer is the deterministic sentiment fallback. Each listed word
// counts at most once, matched case-insensitively as a substring.
type KeywordScorer struct {
	positive []string
	negative []string
}

func NewKeywordScorer(positive, negative []string) *KeywordScorer {
	return &KeywordScorer{
		positive: lowerAll(positive),
		negative: lowerAll(negative),
	}
}

func DefaultKeywordScorer() *KeywordScorer {
	return NewKeywordScorer(DefaultPositiveWords, DefaultNegativeWords)
}

func (s *KeywordScorer) Score(text string) domain.AnalysisResult {
	lowered := strings.ToLower(text)
	positive := countMatches(lowered, s.positive)
	negative := countMatches(lowered, s.negative)

	sentiment := domain.SentimentNeutral
	score := fallbackNeutralScore
	switch {
	case positive > negative:
		sentiment = domain.SentimentPositive
		score = sideScore(positive)
	case negative > positive:
		sentiment = domain.SentimentNegative
		score = sideScore(negative)
	}

	return domain.AnalysisResult{
		Sentiment:  sentiment,
		Score:      score,
		Confidence: round3(score * fallbackDiscount),
		Source:     domain.SourceFallback,
	}
}

func sideScore(matches int) float64 {
	return round3(math.Min(fallbackBaseScore+float64(matches)*fallbackIncrement, fallbackMaxScore))
}

func countMatches(text string, words []string) int {
	count := 0
	for _, word := range words {
		if word != "" && strings.Contains(text, word) {
			count++
		}
	}
	return count
}

func lowerAll(words []string) []string {
	output := make([]string, 0, len(words))
	for _, word := range words {
		output = append(output, strings.ToLower(strings.TrimSpace(word)))
	}
	return output
}

// round3 keeps results stable across float formatting, e.g. 0.76*0.7 = 0.532.
func round3(value float64) float64 {
	return math.Round(value*1000) / 1000
}

type categoryRule struct {
	category domain.FeedbackCategory
	words    []string
}

// Order matters: the first rule with a hit wins.
var categoryRules = []categoryRule{
	{domain.CategoryBug, []string{"bug", "broken", "crash", "error", "not working", "doesn't work", "fails", "glitch"}},
	{domain.CategoryFeatureRequest, []string{"feature", "would be nice", "please add", "wish", "could you add", "support for"}},
	{domain.CategoryQuestion, []string{"how do", "how can", "is it possible", "?"}},
	{domain.CategoryComplaint, []string{"terrible", "awful", "hate", "worst", "disappointed", "frustrated", "angry", "useless"}},
	{domain.CategoryImprovement, []string{"improve", "better", "slow", "confusing", "should", "could be"}},
	{domain.CategoryPraise, []string{"love", "great", "excellent", "amazing", "awesome", "perfect", "fantastic", "thank"}},
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {}, "you": {}, "are": {},
	"was": {}, "but": {}, "have": {}, "not": {}, "your": {}, "its": {}, "it's": {}, "very": {},
	"just": {}, "when": {}, "from": {}, "they": {}, "would": {}, "there": {}, "been": {}, "can": {},
}

// FallbackAnalysis derives a category and tags from keywords only.
func FallbackAnalysis(text string, rating *int) domain.FeedbackAnalysis {
	lowered := strings.ToLower(text)
	category := domain.CategoryOther
	for _, rule := range categoryRules {
		if countMatches(lowered, rule.words) > 0 {
			category = rule.category
			break
		}
	}
	if category == domain.CategoryOther && rating != nil {
		switch {
		case *rating <= 2:
			category = domain.CategoryComplaint
		case *rating >= 4:
			category = domain.CategoryPraise
		}
	}

	return domain.FeedbackAnalysis{
		Category: category,
		Tags:     keywordTags(lowered, 5),
		Summary:  summarize(text, 200),
		Source:   domain.SourceFallback,
	}
}

func keywordTags(lowered string, limit int) []string {
	tags := make([]string, 0, limit)
	seen := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(lowered, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '\''
	}) {
		if len(field) < 4 {
			continue
		}
		if _, stop := stopWords[field]; stop {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		tags = append(tags, field)
		if len(tags) == limit {
			break
		}
	}
	return tags
}

func summarize(text string, limit int) string {
	normalized := strings.Join(strings.Fields(text), " ")
	runes := []rune(normalized)
	if len(runes) <= limit {
		return normalized
	}
	cut := string(runes[:limit])
	if space := strings.LastIndex(cut, " "); space > len(cut)/2 {
		cut = cut[:space]
	}
	return strings.TrimSpace(cut) + "..."
}
