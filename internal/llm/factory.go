package llm

import (
	"fmt"
	"time"

	"github.com/normanking/genesis/internal/config"
)

// NewProvider constructs a provider from the application configuration.
// API keys fall back to the standard environment variables when the config
// leaves them blank.
func NewProvider(name string, cfg *config.Config) (Provider, error) {
	pc := cfg.LLM.Providers[name]

	switch name {
	case "local":
		return NewLocalProvider(LocalConfig{
			Command:   pc.Command,
			ModelPath: pc.Model,
			Timeout:   time.Duration(pc.TimeoutSec) * time.Second,
		}), nil

	case "claude", "anthropic":
		return NewAnthropicProvider(&ProviderConfig{
			Endpoint: pc.Endpoint,
			APIKey:   cfg.APIKeyFor("claude"),
			Model:    pc.Model,
			Timeout:  time.Duration(pc.TimeoutSec) * time.Second,
		}), nil

	case "perplexity":
		return NewPerplexityProvider(&ProviderConfig{
			Endpoint: pc.Endpoint,
			APIKey:   cfg.APIKeyFor("perplexity"),
			Model:    pc.Model,
			Timeout:  time.Duration(pc.TimeoutSec) * time.Second,
		}), nil
	}

	return nil, fmt.Errorf("unknown provider %q", name)
}
