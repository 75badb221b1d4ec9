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

// PerplexityProvider is the hosted synthesis fallback. The API speaks the
// OpenAI chat-completions shape.
type PerplexityProvider struct {
	baseProvider
}

// NewPerplexityProvider creates the Perplexity provider.
func NewPerplexityProvider(cfg *ProviderConfig) *PerplexityProvider {
	return &PerplexityProvider{
		baseProvider: newBaseProvider(cfg, "perplexity"),
	}
}

func (p *PerplexityProvider) Name() string { return "perplexity" }

// Available reports whether an API key is configured.
func (p *PerplexityProvider) Available() bool {
	return p.config.APIKey != ""
}

// Generate sends one chat completion request.
func (p *PerplexityProvider) Generate(ctx context.Context, prompt string, params *Params) (*Response, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("perplexity API key not configured: %w", ErrNotAvailable)
	}
	if params == nil {
		params = &Params{}
	}

	start := time.Now()

	messages := []chatMessage{}
	if params.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: params.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	apiReq := chatCompletionRequest{
		Model:    p.config.Model,
		Messages: messages,
	}
	if params.MaxTokens > 0 {
		apiReq.MaxTokens = params.MaxTokens
	}
	if params.Temperature > 0 {
		apiReq.Temperature = params.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("perplexity: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("perplexity: %v: %w", err, ErrNotAvailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("perplexity status %d: %s: %w", resp.StatusCode, string(bodyBytes), ErrRefused)
	}

	var apiResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %v: %w", err, ErrMalformed)
	}
	if len(apiResp.Choices) == 0 || apiResp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("empty completion: %w", ErrMalformed)
	}

	return &Response{
		Text:      apiResp.Choices[0].Message.Content,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

// OpenAI-compatible API types
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}
