package insight

import (
	"math"

	"github.com/iago/feedback-pipeline/internal/domain"
)

// MaxFeedbackRows caps how many newest rows one generation aggregates.
const MaxFeedbackRows = 100

// ComputeStatistics derives report statistics from the fetched rows.
// Average rating only considers rated rows; percentages use every row.
func ComputeStatistics(rows []domain.Feedback) domain.InsightStatistics {
	total := len(rows)
	if total == 0 {
		return domain.InsightStatistics{}
	}

	var (
		positive  int
		negative  int
		rated     int
		ratingSum int
	)
	for _, row := range rows {
		switch row.Sentiment {
		case domain.SentimentPositive:
			positive++
		case domain.SentimentNegative:
			negative++
		}
		if row.Rating != nil {
			rated++
			ratingSum += *row.Rating
		}
	}

	stats := domain.InsightStatistics{
		TotalFeedback:      total,
		PositivePercentage: percentage(positive, total),
		NegativePercentage: percentage(negative, total),
	}
	if rated > 0 {
		stats.AverageRating = math.Round(float64(ratingSum)/float64(rated)*100) / 100
	}
	return stats
}

func ratedRows(rows []domain.Feedback) int {
	count := 0
	for _, row := range rows {
		if row.Rating != nil {
			count++
		}
	}
	return count
}

func percentage(count, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(count) / float64(total) * 100))
}
