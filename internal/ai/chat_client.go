package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/iago/feedback-pipeline/internal/metrics"
)

type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
)

var defaultBaseURLs = map[Provider]string{
	ProviderOpenAI:     "https://api.openai.com/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
}

type ChatClientConfig struct {
	Provider     Provider
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	HTTPClient   *http.Client
	Organization string
	SiteURL      string
	AppName      string
}

// ChatClient talks to any OpenAI-compatible /chat/completions endpoint.
type ChatClient struct {
	provider   Provider
	apiKey     string
	timeout    time.Duration
	maxRetries int
	client     *resty.Client
}

func NewChatClient(config ChatClientConfig) *ChatClient {
	if config.Provider == "" {
		config.Provider = ProviderOpenAI
	}
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = defaultBaseURLs[config.Provider]
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.Provider == ProviderOpenRouter && strings.TrimSpace(config.AppName) == "" {
		config.AppName = "Feedback Pipeline"
	}

	var client *resty.Client
	if config.HTTPClient != nil {
		client = resty.NewWithClient(config.HTTPClient)
	} else {
		client = resty.New()
	}
	apiKey := strings.TrimSpace(config.APIKey)
	client.
		SetBaseURL(strings.TrimSuffix(config.BaseURL, "/")).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if org := strings.TrimSpace(config.Organization); org != "" && config.Provider == ProviderOpenAI {
		client.SetHeader("OpenAI-Organization", org)
	}
	if site := strings.TrimSpace(config.SiteURL); site != "" {
		client.SetHeader("HTTP-Referer", site)
	}
	if app := strings.TrimSpace(config.AppName); app != "" {
		client.SetHeader("X-Title", app)
	}

	return &ChatClient{
		provider:   config.Provider,
		apiKey:     apiKey,
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		client:     client,
	}
}

func (c *ChatClient) Available() bool {
	return c.apiKey != ""
}

func (c *ChatClient) Provider() Provider {
	return c.provider
}

func (c *ChatClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrProviderUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return GenerateResult{}, errors.New("model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return GenerateResult{}, errors.New("input is required")
	}

	messages := make([]chatMessage, 0, 2)
	if instructions := strings.TrimSpace(request.Instructions); instructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: instructions})
	}
	messages = append(messages, chatMessage{Role: "user", Content: request.Input})

	payload := chatCompletionsRequest{
		Model:       request.Model,
		Messages:    messages,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxOutputTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, retryDelay(attempt)); err != nil {
				return GenerateResult{}, err
			}
		}

		started := time.Now()
		result, err := c.complete(ctx, payload)
		metrics.ObserveAICall(string(c.provider), request.Model, result.Usage.TotalTokens, time.Since(started), err == nil)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return GenerateResult{}, lastErr
}

// retryDelay grows linearly: 350ms, 700ms, 1050ms.
func retryDelay(attempt int) time.Duration {
	return time.Duration(attempt) * 350 * time.Millisecond
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *ChatClient) complete(ctx context.Context, payload chatCompletionsRequest) (GenerateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.client.R().
		SetContext(callCtx).
		SetBody(payload).
		Post("/chat/completions")
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return GenerateResult{}, fmt.Errorf("%s call exceeded %s: %w", c.provider, c.timeout, context.DeadlineExceeded)
		}
		return GenerateResult{}, fmt.Errorf("%s transport: %w", c.provider, err)
	}
	if !response.IsSuccess() {
		return GenerateResult{}, &ProviderError{
			Provider:   c.provider,
			StatusCode: response.StatusCode(),
			Body:       limitBody(response.Body(), 700),
		}
	}

	var decoded chatCompletionsResponse
	if err := json.Unmarshal(response.Body(), &decoded); err != nil {
		return GenerateResult{}, fmt.Errorf("decode %s response: %w", c.provider, err)
	}
	text := extractChatText(decoded)
	if text == "" {
		return GenerateResult{}, fmt.Errorf("%s response without text output", c.provider)
	}

	return GenerateResult{
		Text:    text,
		ModelID: firstNonEmpty(decoded.Model, payload.Model),
		Usage: TokenUsage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}, nil
}

func limitBody(body []byte, limit int) string {
	runes := []rune(strings.TrimSpace(string(body)))
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionsResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// extractChatText accepts both string content and the array-of-parts form.
func extractChatText(response chatCompletionsResponse) string {
	if len(response.Choices) == 0 {
		return ""
	}
	switch typed := response.Choices[0].Message.Content.(type) {
	case string:
		return strings.TrimSpace(typed)
	case []any:
		fragments := make([]string, 0, len(typed))
		for _, item := range typed {
			fragment, ok := item.(map[string]any)
			if !ok {
				continue
			}
			textValue, _ := fragment["text"].(string)
			if strings.TrimSpace(textValue) == "" {
				continue
			}
			fragments = append(fragments, strings.TrimSpace(textValue))
		}
		return strings.TrimSpace(strings.Join(fragments, "\n"))
	default:
		return ""
	}
}
