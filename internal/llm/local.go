package llm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/genesis/internal/logging"
)

// DefaultLocalTimeout is the hard wall-clock limit on one local inference.
const DefaultLocalTimeout = 120 * time.Second

// LocalConfig configures the child-process model.
type LocalConfig struct {
	// Command is the inference binary (llama-cli style).
	Command string
	// ModelPath is passed as the -m argument.
	ModelPath string
	// Timeout bounds one generation end to end.
	Timeout time.Duration
	// ExtraArgs are appended verbatim.
	ExtraArgs []string
}

// LocalProvider runs the local model as a child process per request.
// stdout is the answer; stderr goes to the debug log. The process is killed
// at the deadline; a hung model never hangs the pipeline.
type LocalProvider struct {
	cfg LocalConfig
	log *logging.Logger
}

// NewLocalProvider creates the local adapter.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	if cfg.Command == "" {
		cfg.Command = "llama-cli"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLocalTimeout
	}
	return &LocalProvider{
		cfg: cfg,
		log: logging.Global().WithComponent("LocalModel"),
	}
}

func (p *LocalProvider) Name() string { return "local" }

// Available reports whether the inference binary is on PATH.
func (p *LocalProvider) Available() bool {
	_, err := exec.LookPath(p.cfg.Command)
	return err == nil
}

// Generate spawns one inference. The prompt goes on the command line; the
// parameter bag maps onto the usual llama.cpp flags.
func (p *LocalProvider) Generate(ctx context.Context, prompt string, params *Params) (*Response, error) {
	if params == nil {
		params = &Params{}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := p.buildArgs(prompt, params)
	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	latency := time.Since(start).Milliseconds()

	if stderr.Len() > 0 {
		p.log.Debug("model stderr: %s", truncateForLog(stderr.String(), 500))
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("local model after %v: %w", p.cfg.Timeout, ErrTimeout)
	}
	if err != nil {
		if _, lookErr := exec.LookPath(p.cfg.Command); lookErr != nil {
			return nil, fmt.Errorf("%s not found: %w", p.cfg.Command, ErrNotAvailable)
		}
		return nil, fmt.Errorf("local model failed: %v: %w", err, ErrRefused)
	}

	text := cleanOutput(stdout.String(), prompt)
	if text == "" {
		return nil, fmt.Errorf("local model produced no output: %w", ErrMalformed)
	}

	return &Response{Text: text, LatencyMS: latency}, nil
}

func (p *LocalProvider) buildArgs(prompt string, params *Params) []string {
	args := []string{"-p", prompt, "--no-display-prompt"}
	if params.SystemPrompt != "" {
		args = append(args, "-sys", params.SystemPrompt)
	}
	if p.cfg.ModelPath != "" {
		args = append(args, "-m", p.cfg.ModelPath)
	}
	if params.MaxTokens > 0 {
		args = append(args, "-n", strconv.Itoa(params.MaxTokens))
	}
	if params.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(params.Threads))
	}
	if params.Temperature > 0 {
		args = append(args, "--temp", strconv.FormatFloat(params.Temperature, 'f', -1, 64))
	}
	if params.TopP > 0 {
		args = append(args, "--top-p", strconv.FormatFloat(params.TopP, 'f', -1, 64))
	}
	if params.TopK > 0 {
		args = append(args, "--top-k", strconv.Itoa(params.TopK))
	}
	if params.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(params.ContextSize))
	}
	if params.RepeatPenalty > 0 {
		args = append(args, "--repeat-penalty", strconv.FormatFloat(params.RepeatPenalty, 'f', -1, 64))
	}
	for _, stop := range params.StopTokens {
		args = append(args, "--reverse-prompt", stop)
	}
	args = append(args, p.cfg.ExtraArgs...)
	return args
}

// cleanOutput strips a leading restatement of the prompt and any
// "Assistant:" marker the model emits before its answer.
func cleanOutput(raw, prompt string) string {
	text := strings.TrimSpace(raw)

	if prompt != "" && strings.HasPrefix(text, strings.TrimSpace(prompt)) {
		text = strings.TrimSpace(text[len(strings.TrimSpace(prompt)):])
	}

	for _, marker := range []string{"Assistant:", "assistant:", "A:"} {
		if strings.HasPrefix(text, marker) {
			text = strings.TrimSpace(strings.TrimPrefix(text, marker))
			break
		}
	}
	return text
}

func truncateForLog(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
