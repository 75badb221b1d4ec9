// Package llm provides the model adapters: the local child-process model
// plus the hosted fallback providers (Anthropic Claude, Perplexity).
package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits total response size (10MB)
	MaxResponseSize = 10 * 1024 * 1024
)

// Adapter-level failure classes. The pipeline controller is the only place
// these flatten into user-visible messages.
var (
	ErrTimeout      = errors.New("provider timed out")
	ErrNotAvailable = errors.New("provider not available")
	ErrRefused      = errors.New("provider refused the request")
	ErrMalformed    = errors.New("malformed provider response")
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Params is the generation parameter bag. Zero values fall back to the
// provider's defaults.
type Params struct {
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Threads       int      `json:"threads,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	ContextSize   int      `json:"context_size,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	StopTokens    []string `json:"stop_tokens,omitempty"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
}

// Response is a completed generation.
type Response struct {
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
}

// Provider is the contract every model adapter satisfies. Generate must
// honor the context deadline and never hang.
type Provider interface {
	Generate(ctx context.Context, prompt string, params *Params) (*Response, error)
	Name() string
	Available() bool
}

// ═══════════════════════════════════════════════════════════════════════════
// Shared HTTP plumbing
// ═══════════════════════════════════════════════════════════════════════════

// ProviderConfig configures one hosted provider.
type ProviderConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// DefaultProviderConfig returns sensible defaults for a hosted provider.
func DefaultProviderConfig(name string) *ProviderConfig {
	switch name {
	case "claude":
		return &ProviderConfig{
			Name:     "claude",
			Endpoint: "https://api.anthropic.com",
			Model:    "claude-3-5-sonnet-20241022",
			Timeout:  30 * time.Second,
		}
	case "perplexity":
		return &ProviderConfig{
			Name:     "perplexity",
			Endpoint: "https://api.perplexity.ai",
			Model:    "sonar",
			Timeout:  30 * time.Second,
		}
	}
	return &ProviderConfig{Name: name, Timeout: 30 * time.Second}
}

// baseProvider provides common state for HTTP-based providers.
type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

// newBaseProvider applies defaults and builds the HTTP client.
func newBaseProvider(cfg *ProviderConfig, providerName string) baseProvider {
	if cfg == nil {
		cfg = DefaultProviderConfig(providerName)
	}
	defaults := DefaultProviderConfig(providerName)
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	cfg.Name = providerName

	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}
