package insight

import (
	"fmt"
	"strings"

	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/policy"
)

const (
	defaultTranscriptTokens = 6000
	maxEntryChars           = 500
)

// BuildTranscript formats rows for the insight prompt, newest first, skipping
// entries that would overflow the token budget.
func BuildTranscript(rows []domain.Feedback, maxTokens int) (string, int) {
	if maxTokens <= 0 {
		maxTokens = defaultTranscriptTokens
	}

	builder := strings.Builder{}
	included := 0
	totalTokens := 0
	for _, row := range rows {
		text := strings.Join(strings.Fields(policy.MaskPII(row.Text)), " ")
		if text == "" {
			continue
		}
		if runes := []rune(text); len(runes) > maxEntryChars {
			text = string(runes[:maxEntryChars]) + "..."
		}

		line := fmt.Sprintf("[%d] %s%s\n", included+1, describe(row), text)
		tokens := estimateTokens(line)
		if totalTokens+tokens > maxTokens {
			continue
		}
		builder.WriteString(line)
		totalTokens += tokens
		included++
	}
	return strings.TrimSpace(builder.String()), included
}

func describe(row domain.Feedback) string {
	labels := make([]string, 0, 3)
	if row.Rating != nil {
		labels = append(labels, fmt.Sprintf("rating %d/5", *row.Rating))
	}
	if row.Sentiment != "" {
		labels = append(labels, "sentiment "+string(row.Sentiment))
	}
	if row.Category != "" {
		labels = append(labels, "category "+string(row.Category))
	}
	if len(labels) == 0 {
		return ""
	}
	return "(" + strings.Join(labels, ", ") + ") "
}

func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	count := len([]rune(trimmed)) / 4
	if count < 1 {
		count = 1
	}
	return count
}
