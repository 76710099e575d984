// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/parleyhq/sentinel/services/sentinel/envelope"
)

// CompletionClient is the narrow completion-service interface the
// reasoner depends on. The service side may not enforce a timeout, so
// implementations must bound every call from the caller side.
type CompletionClient interface {
	// Complete sends a system and user prompt and returns the raw text
	// response. The response is requested as JSON but callers must
	// still tolerate non-JSON output.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// EstimateCost returns the estimated dollar cost of the last
	// completed call, for the spend ledger.
	EstimateCost(promptChars, responseChars int) float64
}

// OpenAIClient implements CompletionClient on the OpenAI chat API.
//
// A process-local rate limiter sits in front of every call as a second
// line of defense behind the shared window in the safety envelope.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	local   *rate.Limiter
}

// NewOpenAIClient reads the API key from OPENAI_API_KEY or the
// container secret, matching the rest of the platform.
func NewOpenAIClient(model string, timeout time.Duration) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		data, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(data))
		slog.Info("read the OpenAI API key from container secrets")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
		// Burst of 5, refilling at 1 call per second. The shared
		// hourly window is the real budget; this only smooths spikes.
		local: rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// Complete sends the prompts with a JSON response format and a hard
// caller-side timeout. Exceeding the timeout is a failure, not a slow
// success.
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.local.Wait(ctx); err != nil {
		return "", classifyOpenAIError(err)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion service returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// EstimateCost approximates spend from character counts, ~4 characters
// per token. Rates are rough upper bounds; the ledger is a circuit
// breaker, not an invoice.
func (c *OpenAIClient) EstimateCost(promptChars, responseChars int) float64 {
	inputTokens := float64(promptChars) / 4
	outputTokens := float64(responseChars) / 4
	return inputTokens*0.000005 + outputTokens*0.000015
}

// classifyOpenAIError maps transport errors onto the envelope's
// failure taxonomy so the backoff gate can classify without knowing
// this client library.
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", envelope.ErrUpstreamTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %v", envelope.ErrUpstreamRateLimited, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", envelope.ErrUpstreamServer, err)
		}
	}
	return err
}
