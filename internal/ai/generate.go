package ai

import (
	"context"
	"fmt"
	"strings"
)

const jsonOnlyInstructions = "Return only valid JSON. Do not use markdown code fences."

// GenerateJSON asks the primary model of profile for a JSON answer and retries
// once on the fallback model. It returns the raw text and the model that answered.
func GenerateJSON(ctx context.Context, client TextGenerator, profile ModelProfile, prompt string) (string, string, error) {
	if client == nil || !client.Available() {
		return "", "", ErrProviderUnavailable
	}

	primaryResult, err := client.Generate(ctx, GenerateRequest{
		Model:           profile.PrimaryModel,
		Instructions:    jsonOnlyInstructions,
		Input:           prompt,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
	})
	if err == nil {
		return primaryResult.Text, firstNonEmpty(primaryResult.ModelID, profile.PrimaryModel), nil
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}

	if strings.TrimSpace(profile.FallbackModel) == "" || profile.FallbackModel == profile.PrimaryModel {
		return "", "", err
	}

	fallbackResult, fallbackErr := client.Generate(ctx, GenerateRequest{
		Model:           profile.FallbackModel,
		Instructions:    jsonOnlyInstructions,
		Input:           prompt,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
	})
	if fallbackErr != nil {
		return "", "", fmt.Errorf("primary model failed: %v; fallback failed: %w", err, fallbackErr)
	}
	return fallbackResult.Text, firstNonEmpty(fallbackResult.ModelID, profile.FallbackModel), nil
}
