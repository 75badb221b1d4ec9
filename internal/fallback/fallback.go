// Package fallback runs the external-source cascade when the local answer
// is not trustworthy.
package fallback

import (
	"context"
	"time"

	"github.com/normanking/genesis/internal/feedback"
	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/memory"
	"github.com/normanking/genesis/internal/store"
)

const (
	// DefaultSourceTimeout bounds each cascade source call.
	DefaultSourceTimeout = 30 * time.Second

	// DefaultWebSearchMinConfidence is the acceptance bar for the websearch
	// source. The hosted providers are accepted on any successful answer.
	DefaultWebSearchMinConfidence = 0.5

	// ExhaustedSource marks a result where every source failed and the
	// uncertain local answer was returned instead.
	ExhaustedSource = "no-fallback-available"

	// CautionBanner prefixes an uncertain local answer returned after the
	// whole cascade failed.
	CautionBanner = "⚠ UNCERTAIN: no external source could verify this answer.\n\n"

	logFile = "logs/fallback.jsonl"
)

// Source is one leg of the cascade.
type Source interface {
	Name() string
	Available() bool
	// Ask returns the answer text and the source's own confidence in it.
	Ask(ctx context.Context, prompt string) (string, float64, error)
}

// Result is the outcome of one cascade run.
type Result struct {
	Text       string
	Source     string
	Confidence float64
	Attempts   []memory.Attempt
	Exhausted  bool
}

// Config tunes the cascade.
type Config struct {
	SourceTimeout          time.Duration
	WebSearchMinConfidence float64
}

// DefaultConfig returns the standard cascade tuning.
func DefaultConfig() *Config {
	return &Config{
		SourceTimeout:          DefaultSourceTimeout,
		WebSearchMinConfidence: DefaultWebSearchMinConfidence,
	}
}

// Orchestrator tries external sources in a fixed order and returns the first
// acceptable answer. The ledger is consulted for advisory ranking only; the
// cascade order itself never changes.
type Orchestrator struct {
	cfg     *Config
	sources []Source
	ledger  *feedback.Ledger
	store   *store.Store
	log     *logging.Logger
}

// New creates the orchestrator. Sources are tried in the order given.
func New(cfg *Config, st *store.Store, ledger *feedback.Ledger, sources ...Source) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.WebSearchMinConfidence <= 0 {
		cfg.WebSearchMinConfidence = DefaultWebSearchMinConfidence
	}
	return &Orchestrator{
		cfg:     cfg,
		sources: sources,
		ledger:  ledger,
		store:   st,
		log:     logging.Global().WithComponent("Fallback"),
	}
}

type logEntry struct {
	Timestamp  string  `json:"ts"`
	Source     string  `json:"source"`
	OK         bool    `json:"ok"`
	Confidence float64 `json:"confidence"`
	LatencyMS  int64   `json:"latency_ms"`
	Error      string  `json:"error,omitempty"`
}

// Run walks the cascade. localText and localConfidence are the uncertain
// local answer; they are returned, tagged, when every source fails. tags feed
// the ledger's advisory ranking.
func (o *Orchestrator) Run(ctx context.Context, prompt, localText string, localConfidence float64, tags []string) *Result {
	res := &Result{}

	if o.ledger != nil {
		if best := o.ledger.BestSourceFor(tags); best != "" {
			o.log.Debug("ledger suggests %s for tags %v", best, tags)
		}
	}

	for _, src := range o.sources {
		if !src.Available() {
			o.log.Debug("source %s unavailable, skipping", src.Name())
			continue
		}

		attempt, text := o.askOne(ctx, src, prompt)
		res.Attempts = append(res.Attempts, attempt)

		if !attempt.OK {
			continue
		}
		if src.Name() == "websearch" && attempt.Confidence < o.cfg.WebSearchMinConfidence {
			o.log.Info("websearch answer below confidence bar (%.2f < %.2f), cascading",
				attempt.Confidence, o.cfg.WebSearchMinConfidence)
			continue
		}

		res.Text = text
		res.Source = src.Name()
		res.Confidence = attempt.Confidence
		return res
	}

	// Every source failed or was rejected. Return the local answer with a
	// caution banner so the user can judge it.
	res.Exhausted = true
	res.Source = ExhaustedSource
	res.Text = CautionBanner + localText
	res.Confidence = localConfidence
	return res
}

// askOne runs one source under its own deadline and records the attempt.
func (o *Orchestrator) askOne(ctx context.Context, src Source, prompt string) (memory.Attempt, string) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
	defer cancel()

	start := time.Now()
	text, confidence, err := src.Ask(ctx, prompt)
	latency := time.Since(start).Milliseconds()

	attempt := memory.Attempt{
		Source:     src.Name(),
		OK:         err == nil && text != "",
		Confidence: confidence,
		LatencyMS:  latency,
	}
	if err != nil {
		attempt.Error = err.Error()
		o.log.Warn("source %s failed after %dms: %v", src.Name(), latency, err)
	}

	if o.store != nil {
		entry := logEntry{
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Source:     src.Name(),
			OK:         attempt.OK,
			Confidence: confidence,
			LatencyMS:  latency,
			Error:      attempt.Error,
		}
		if err := o.store.AppendLine(logFile, entry); err != nil {
			o.log.Warn("fallback log append failed: %v", err)
		}
	}

	return attempt, text
}
