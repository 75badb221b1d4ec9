package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newAnthropicTest(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicProvider(&ProviderConfig{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Model:    "claude-3-5-sonnet-20241022",
		Timeout:  2 * time.Second,
	})
}

func TestAnthropicGenerate(t *testing.T) {
	p := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		fmt.Fprint(w, `{"model":"claude-3-5-sonnet-20241022","content":[{"type":"text","text":"The answer "},{"type":"text","text":"is 42."}]}`)
	})

	resp, err := p.Generate(context.Background(), "what is the answer?", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "The answer is 42." {
		t.Errorf("got %q", resp.Text)
	}
}

func TestAnthropicStatusErrorIsRefused(t *testing.T) {
	p := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusTooManyRequests)
	})
	_, err := p.Generate(context.Background(), "hi", nil)
	if !errors.Is(err, ErrRefused) {
		t.Errorf("want ErrRefused, got %v", err)
	}
}

func TestAnthropicEmptyContentIsMalformed(t *testing.T) {
	p := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[]}`)
	})
	_, err := p.Generate(context.Background(), "hi", nil)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("want ErrMalformed, got %v", err)
	}
}

func TestAnthropicWithoutKeyNotAvailable(t *testing.T) {
	p := NewAnthropicProvider(&ProviderConfig{})
	if p.Available() {
		t.Error("provider without key must not report available")
	}
	_, err := p.Generate(context.Background(), "hi", nil)
	if !errors.Is(err, ErrNotAvailable) {
		t.Errorf("want ErrNotAvailable, got %v", err)
	}
}

func newPerplexityTest(t *testing.T, handler http.HandlerFunc) *PerplexityProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPerplexityProvider(&ProviderConfig{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Model:    "sonar",
		Timeout:  2 * time.Second,
	})
}

func TestPerplexityGenerate(t *testing.T) {
	p := newPerplexityTest(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Paris is the capital of France."}}]}`)
	})

	resp, err := p.Generate(context.Background(), "capital of France?", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "Paris is the capital of France." {
		t.Errorf("got %q", resp.Text)
	}
}

func TestPerplexitySystemPromptSentFirst(t *testing.T) {
	var gotBody string
	p := newPerplexityTest(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	})

	_, err := p.Generate(context.Background(), "hello", &Params{SystemPrompt: "be brief"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(gotBody, `"role":"system"`) || !strings.Contains(gotBody, "be brief") {
		t.Errorf("system prompt not sent: %s", gotBody)
	}
}

func TestPerplexityNoChoicesIsMalformed(t *testing.T) {
	p := newPerplexityTest(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})
	_, err := p.Generate(context.Background(), "hi", nil)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("want ErrMalformed, got %v", err)
	}
}

func TestLocalBuildArgs(t *testing.T) {
	p := NewLocalProvider(LocalConfig{ModelPath: "/models/q4.gguf"})
	args := p.buildArgs("2+2?", &Params{
		MaxTokens:   256,
		Threads:     4,
		Temperature: 0.7,
		StopTokens:  []string{"User:"},
	})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-p 2+2?",
		"--no-display-prompt",
		"-m /models/q4.gguf",
		"-n 256",
		"-t 4",
		"--temp 0.7",
		"--reverse-prompt User:",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestLocalBuildArgsSystemPrompt(t *testing.T) {
	p := NewLocalProvider(LocalConfig{ModelPath: "/models/q4.gguf"})
	instruction := "Answer in two sentences.\nFollow this plan:\n1. recall"
	args := p.buildArgs("what is 2+2", &Params{SystemPrompt: instruction})

	for i, a := range args {
		if a == "-sys" {
			if args[i+1] != instruction {
				t.Errorf("-sys carries %q, want the full instruction", args[i+1])
			}
			return
		}
	}
	t.Errorf("system prompt missing from args: %v", args)
}

func TestTruncateForLogRuneBoundary(t *testing.T) {
	s := strings.Repeat("模型", 300)
	got := truncateForLog(s, 500)
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got[:20])
	}
	if utf8.RuneCountInString(got) != 501 {
		t.Errorf("rune count = %d, want 500 plus the ellipsis", utf8.RuneCountInString(got))
	}
}

func TestCleanOutputStripsPromptEcho(t *testing.T) {
	cases := []struct {
		raw, prompt, want string
	}{
		{"2+2? Assistant: 4", "", "2+2? Assistant: 4"},
		{"2+2?\nAssistant: 4", "2+2?", "4"},
		{"Assistant: the answer", "", "the answer"},
		{"  plain answer  ", "", "plain answer"},
	}
	for _, c := range cases {
		if got := cleanOutput(c.raw, c.prompt); got != c.want {
			t.Errorf("cleanOutput(%q, %q) = %q, want %q", c.raw, c.prompt, got, c.want)
		}
	}
}

func TestLocalMissingBinaryNotAvailable(t *testing.T) {
	p := NewLocalProvider(LocalConfig{Command: "no-such-inference-binary"})
	if p.Available() {
		t.Fatal("missing binary must not report available")
	}
	_, err := p.Generate(context.Background(), "hi", nil)
	if !errors.Is(err, ErrNotAvailable) {
		t.Errorf("want ErrNotAvailable, got %v", err)
	}
}

func TestDefaultProviderConfig(t *testing.T) {
	c := DefaultProviderConfig("claude")
	if c.Endpoint != "https://api.anthropic.com" {
		t.Errorf("claude endpoint: %s", c.Endpoint)
	}
	p := DefaultProviderConfig("perplexity")
	if p.Model != "sonar" {
		t.Errorf("perplexity model: %s", p.Model)
	}
}
