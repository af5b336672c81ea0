package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/iago/feedback-pipeline/internal/metrics"
	"golang.org/x/time/rate"
)

const maxTextRunes = 1000

var ErrThrottled = errors.New("webhook dispatch throttled")

// Notification describes a feedback entry that needs human attention.
type Notification struct {
	FeedbackID     string
	ProjectID      string
	ProjectName    string
	Text           string
	Rating         *int
	Category       domain.FeedbackCategory
	Sentiment      domain.Sentiment
	SentimentScore float64
}

type Notifier interface {
	Notify(ctx context.Context, webhookURL string, notification Notification) error
}

type WebhookConfig struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	UserAgent     string
	HTTPClient    *http.Client
}

// WebhookNotifier POSTs a chat-style JSON message to a project webhook.
type WebhookNotifier struct {
	client  *resty.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 5
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if strings.TrimSpace(config.UserAgent) == "" {
		config.UserAgent = "feedback-pipeline-webhook/1.0"
	}

	var client *resty.Client
	if config.HTTPClient != nil {
		client = resty.NewWithClient(config.HTTPClient)
	} else {
		client = resty.New()
	}
	client.
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", config.UserAgent)

	return &WebhookNotifier{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		timeout: config.Timeout,
	}
}

type webhookPayload struct {
	Text           string  `json:"text"`
	FeedbackID     string  `json:"feedback_id"`
	ProjectID      string  `json:"project_id"`
	Rating         *int    `json:"rating"`
	Category       string  `json:"category"`
	Sentiment      string  `json:"sentiment"`
	SentimentScore float64 `json:"sentiment_score"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, webhookURL string, notification Notification) error {
	if strings.TrimSpace(webhookURL) == "" {
		return errors.New("webhook url is required")
	}
	if !n.limiter.Allow() {
		metrics.IncWebhookDispatch("throttled")
		return ErrThrottled
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	response, err := n.client.R().
		SetContext(timeoutCtx).
		SetBody(webhookPayload{
			Text:           FormatMessage(notification),
			FeedbackID:     notification.FeedbackID,
			ProjectID:      notification.ProjectID,
			Rating:         notification.Rating,
			Category:       string(notification.Category),
			Sentiment:      string(notification.Sentiment),
			SentimentScore: notification.SentimentScore,
		}).
		Post(webhookURL)
	if err != nil {
		metrics.IncWebhookDispatch("failed")
		return fmt.Errorf("post webhook: %w", err)
	}
	if response.StatusCode() < 200 || response.StatusCode() > 299 {
		metrics.IncWebhookDispatch("failed")
		return fmt.Errorf("webhook returned status %d", response.StatusCode())
	}

	metrics.IncWebhookDispatch("sent")
	return nil
}

// FormatMessage renders the human-readable notification body.
func FormatMessage(notification Notification) string {
	builder := strings.Builder{}
	builder.WriteString("*Negative feedback received*")
	if notification.ProjectName != "" {
		builder.WriteString(" for " + notification.ProjectName)
	}
	builder.WriteString("\n")
	builder.WriteString("Rating: " + Stars(notification.Rating) + "\n")

	category := string(notification.Category)
	if category == "" {
		category = string(domain.CategoryOther)
	}
	builder.WriteString("Category: " + category + "\n")
	builder.WriteString(fmt.Sprintf("Sentiment: %s (%d%%)\n",
		notification.Sentiment, int(math.Round(notification.SentimentScore*100))))
	builder.WriteString("Feedback: " + Truncate(notification.Text, maxTextRunes) + "\n")
	builder.WriteString("Feedback ID: " + notification.FeedbackID)
	return builder.String()
}

// Stars renders a 1-5 rating as filled and empty stars.
func Stars(rating *int) string {
	if rating == nil {
		return "not provided"
	}
	value := *rating
	if value < 0 {
		value = 0
	}
	if value > 5 {
		value = 5
	}
	return strings.Repeat("★", value) + strings.Repeat("☆", 5-value) + fmt.Sprintf(" (%d/5)", value)
}

func Truncate(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}
