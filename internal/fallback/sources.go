package fallback

import (
	"context"
	"fmt"

	"github.com/normanking/genesis/internal/llm"
	"github.com/normanking/genesis/internal/websearch"
)

// WebSearchSource adapts the search aggregator to the cascade.
type WebSearchSource struct {
	agg *websearch.Aggregator
}

// NewWebSearchSource wraps an aggregator.
func NewWebSearchSource(agg *websearch.Aggregator) *WebSearchSource {
	return &WebSearchSource{agg: agg}
}

func (s *WebSearchSource) Name() string { return "websearch" }

func (s *WebSearchSource) Available() bool { return s.agg != nil }

func (s *WebSearchSource) Ask(ctx context.Context, prompt string) (string, float64, error) {
	ans, err := s.agg.Search(ctx, prompt)
	if err != nil {
		return "", 0, err
	}
	return ans.Text, ans.Confidence, nil
}

// ProviderSource adapts a hosted model provider to the cascade. The gate
// function, when set, can veto the source per call; the claude leg uses it
// for the assist enable-flag.
type ProviderSource struct {
	provider   llm.Provider
	confidence float64
	gate       func() bool
}

// NewProviderSource wraps a provider. confidence is the static trust the
// cascade reports for the source's answers; gate may be nil.
func NewProviderSource(p llm.Provider, confidence float64, gate func() bool) *ProviderSource {
	return &ProviderSource{provider: p, confidence: confidence, gate: gate}
}

func (s *ProviderSource) Name() string { return s.provider.Name() }

func (s *ProviderSource) Available() bool {
	if s.gate != nil && !s.gate() {
		return false
	}
	return s.provider.Available()
}

func (s *ProviderSource) Ask(ctx context.Context, prompt string) (string, float64, error) {
	resp, err := s.provider.Generate(ctx, prompt, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", s.provider.Name(), err)
	}
	return resp.Text, s.confidence, nil
}
