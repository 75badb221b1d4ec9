package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AnthropicProvider is the hosted Claude fallback.
type AnthropicProvider struct {
	baseProvider
}

// NewAnthropicProvider creates the Claude provider.
func NewAnthropicProvider(cfg *ProviderConfig) *AnthropicProvider {
	return &AnthropicProvider{
		baseProvider: newBaseProvider(cfg, "claude"),
	}
}

func (p *AnthropicProvider) Name() string { return "claude" }

// Available reports whether an API key is configured.
func (p *AnthropicProvider) Available() bool {
	return p.config.APIKey != ""
}

// Generate sends one message to the Anthropic messages API.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, params *Params) (*Response, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured: %w", ErrNotAvailable)
	}
	if params == nil {
		params = &Params{}
	}

	start := time.Now()

	apiReq := anthropicRequest{
		Model:     p.config.Model,
		MaxTokens: params.MaxTokens,
		System:    params.SystemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = 1024
	}
	if params.Temperature > 0 {
		apiReq.Temperature = params.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("anthropic: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("anthropic: %v: %w", err, ErrNotAvailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("anthropic status %d: %s: %w", resp.StatusCode, string(bodyBytes), ErrRefused)
	}

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %v: %w", err, ErrMalformed)
	}

	var content string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, fmt.Errorf("empty completion: %w", ErrMalformed)
	}

	return &Response{Text: content, LatencyMS: time.Since(start).Milliseconds()}, nil
}

// Anthropic API types
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}
