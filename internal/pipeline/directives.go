package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/normanking/genesis/internal/bus"
	"github.com/normanking/genesis/internal/feedback"
	"github.com/normanking/genesis/internal/memory"
	"github.com/normanking/genesis/internal/tone"
)

const helpText = `Directives:
  #exit                     quit
  #help                     this text
  #reset                    clear the session conversation
  #stats                    session and memory counters
  #memory                   memory usage summary
  #prune_memory             prune low-value long-term entries
  #export_memory            write a full memory export
  #context                  show the recent-conversation block
  #feedback                 show learned source weights
  #correct [ - note]        mark the last answer correct
  #incorrect [ - note]      mark the last answer wrong
  #tone <t>                 technical|conversational|advisory|concise
  #verbosity <v>            short|medium|long
  #performance              performance rating and totals
  #reset_metrics            clear the metrics database
  #assist                   toggle the claude fallback assist
  #assist-stats             assist usage counters
  #bridge                   local bridge status
  #pwd                      working directory
Prefixes: "search web:", "ask claude:", "ask perplexity:" force one source.`

// handleDirective resolves the #-commands synchronously. Unknown directives
// are rejected without touching any state.
func (c *Controller) handleDirective(ctx context.Context, input string) *Reply {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "#exit":
		c.d.Memory.Flush()
		return &Reply{Directive: true, Exit: true, Text: "Goodbye."}

	case "#help":
		return &Reply{Directive: true, Text: helpText}

	case "#reset":
		c.d.Memory.ResetSession()
		c.lastReply = nil
		c.lastQuestionID = ""
		c.lastPrompt = ""
		c.persistState()
		return &Reply{Directive: true, Text: "Session conversation cleared."}

	case "#stats":
		return &Reply{Directive: true, Text: c.renderStats()}

	case "#pwd":
		wd, err := os.Getwd()
		if err != nil {
			return &Reply{Directive: true, Text: fmt.Sprintf("cannot read working directory: %v", err)}
		}
		return &Reply{Directive: true, Text: wd}

	case "#bridge":
		return &Reply{Directive: true, Text: c.bridgeStatus(ctx)}

	case "#assist":
		return c.toggleAssist()

	case "#assist-stats":
		return &Reply{Directive: true, Text: c.assistStats()}

	case "#performance":
		if c.d.Metrics == nil {
			return &Reply{Directive: true, Text: "Metrics are disabled."}
		}
		report, err := c.d.Metrics.Report()
		if err != nil {
			return &Reply{Directive: true, Text: fmt.Sprintf("metrics read failed: %v", err)}
		}
		return &Reply{Directive: true, Text: report.Render()}

	case "#reset_metrics":
		if c.d.Metrics == nil {
			return &Reply{Directive: true, Text: "Metrics are disabled."}
		}
		if err := c.d.Metrics.Reset(); err != nil {
			return &Reply{Directive: true, Text: fmt.Sprintf("metrics reset failed: %v", err)}
		}
		c.lastMetricID = 0
		return &Reply{Directive: true, Text: "Metrics cleared."}

	case "#memory":
		s := c.d.Memory.Snapshot()
		return &Reply{Directive: true, Text: fmt.Sprintf(
			"Memory: %d session, %d/%d long-term (%.0f%% full), %d preferences.",
			s.SessionCount, s.LongTermCount, s.Capacity, s.FillRatio*100, s.Preferences)}

	case "#prune_memory":
		n := c.d.Memory.Prune()
		return &Reply{Directive: true, Text: fmt.Sprintf("Pruned %d long-term entries.", n)}

	case "#export_memory":
		name := fmt.Sprintf("export_%s.json", time.Now().Format("20060102_150405"))
		path, err := c.d.Memory.Export(name)
		if err != nil {
			return &Reply{Directive: true, Text: fmt.Sprintf("export failed: %v", err)}
		}
		return &Reply{Directive: true, Text: "Exported to " + path}

	case "#context":
		block := contextBlock(c.d.Memory.Recent(contextWindow))
		if block == "" {
			return &Reply{Directive: true, Text: "No conversation yet."}
		}
		return &Reply{Directive: true, Text: strings.TrimSpace(block)}

	case "#feedback":
		return &Reply{Directive: true, Text: c.renderWeights()}

	case "#tone":
		if len(fields) < 2 || !c.d.Tone.SetTone(fields[1]) {
			return &Reply{Directive: true,
				Text: "Usage: #tone technical|conversational|advisory|concise"}
		}
		t, v := c.d.Tone.Overrides()
		c.d.Memory.SetToneDefaults(t, v)
		return &Reply{Directive: true, Text: "Tone set to " + fields[1] + "."}

	case "#verbosity":
		if len(fields) < 2 || !c.d.Tone.SetVerbosity(fields[1]) {
			return &Reply{Directive: true, Text: "Usage: #verbosity short|medium|long"}
		}
		t, v := c.d.Tone.Overrides()
		c.d.Memory.SetToneDefaults(t, v)
		return &Reply{Directive: true, Text: "Verbosity set to " + fields[1] + "."}

	case "#correct":
		return c.applyVerdict(input, cmd, true)

	case "#incorrect":
		return c.applyVerdict(input, cmd, false)
	}

	return &Reply{Directive: true, Text: "Unknown directive. #help lists them."}
}

// applyVerdict attaches user feedback to the last interaction and routes it
// to the ledger, the metrics store, and (for noted corrections) the learning
// log.
func (c *Controller) applyVerdict(input, cmd string, correct bool) *Reply {
	last := c.d.Memory.Last()
	if last == nil {
		return &Reply{Directive: true, Text: "No answer to rate yet."}
	}

	note := parseNote(strings.TrimPrefix(input, cmd))
	fb := memory.Feedback{IsCorrect: correct, Note: note, Timestamp: time.Now()}
	c.d.Memory.AttachFeedback(last.QuestionID, fb)
	c.d.Ledger.AddFeedback(ledgerSource(last.Source), correct, last.Confidence)

	if c.d.Metrics != nil && c.lastMetricID > 0 {
		if err := c.d.Metrics.SetVerdict(c.lastMetricID, correct); err != nil {
			c.log.Warn("verdict write failed: %v", err)
		}
	}

	ev := bus.NewQuestionEvent(bus.EventFeedback, last.QuestionID)
	ev.Source = last.Source
	if !correct {
		ev.Content = note
	}
	c.publish(ev)

	if !correct && note != "" && c.d.Learning != nil {
		c.d.Learning.Record(feedback.LearningEvent{
			Timestamp:  time.Now(),
			QuestionID: last.QuestionID,
			Prompt:     last.Prompt,
			Answer:     last.FinalText,
			Source:     last.Source,
			Note:       note,
		})
	}

	if correct {
		return &Reply{Directive: true, Text: "Noted, thanks."}
	}
	return &Reply{Directive: true, Text: "Noted. The source's weight has been adjusted."}
}

// parseNote extracts the optional feedback note after " - " or " — ".
func parseNote(rest string) string {
	rest = strings.TrimSpace(rest)
	for _, sep := range []string{"—", "-"} {
		if strings.HasPrefix(rest, sep) {
			return strings.TrimSpace(strings.TrimPrefix(rest, sep))
		}
	}
	return rest
}

func (c *Controller) renderStats() string {
	s := c.d.Memory.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s, up %s\n", c.d.Memory.SessionID(),
		time.Since(c.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "Memory: %d session, %d/%d long-term, %d preferences",
		s.SessionCount, s.LongTermCount, s.Capacity, s.Preferences)
	if c.d.Clock != nil {
		snap := c.d.Clock.Now()
		fmt.Fprintf(&b, "\nClock: %s (%s), cutoff %s",
			snap.Now.Format("2006-01-02 15:04"), snap.TZ,
			snap.KnowledgeCutoff.Format("2006-01-02"))
	}
	return b.String()
}

func (c *Controller) renderWeights() string {
	weights := c.d.Ledger.Weights()
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Source weights:\n")
	for _, name := range names {
		w := weights[name]
		fmt.Fprintf(&b, "  %-10s base=%.3f  %d/%d correct\n",
			name, w.BaseConfidence, w.Success, w.Total)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ═══════════════════════════════════════════════════════════════════════════
// Assist gate
// ═══════════════════════════════════════════════════════════════════════════

// AssistEnabled reports whether the claude fallback assist flag file exists.
func (c *Controller) AssistEnabled() bool {
	_, err := os.Stat(c.d.Config.AssistFlagPath())
	return err == nil
}

func (c *Controller) toggleAssist() *Reply {
	path := c.d.Config.AssistFlagPath()
	if c.AssistEnabled() {
		if err := os.Remove(path); err != nil {
			return &Reply{Directive: true, Text: fmt.Sprintf("cannot disable assist: %v", err)}
		}
		return &Reply{Directive: true, Text: "Claude assist disabled."}
	}
	if err := os.WriteFile(path, []byte("enabled\n"), 0644); err != nil {
		return &Reply{Directive: true, Text: fmt.Sprintf("cannot enable assist: %v", err)}
	}
	return &Reply{Directive: true, Text: "Claude assist enabled."}
}

// assistStats counts claude fallback activity from the fallback log and the
// retrain set.
func (c *Controller) assistStats() string {
	attempts, successes := 0, 0
	if data, err := os.ReadFile(c.d.Store.Path("logs/fallback.jsonl")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var entry struct {
				Source string `json:"source"`
				OK     bool   `json:"ok"`
			}
			if json.Unmarshal([]byte(line), &entry) != nil {
				continue
			}
			if entry.Source == "claude" {
				attempts++
				if entry.OK {
					successes++
				}
			}
		}
	}

	var examples []retrainExample
	c.d.Store.Load(retrainFile, &examples)

	state := "disabled"
	if c.AssistEnabled() {
		state = "enabled"
	}
	return fmt.Sprintf("Assist %s. Claude fallbacks: %d attempted, %d succeeded. Retrain set: %d examples.",
		state, attempts, successes, len(examples))
}

// bridgeStatus probes the configured bridge address.
func (c *Controller) bridgeStatus(ctx context.Context) string {
	addr := fmt.Sprintf("%s:%d", c.d.Config.Bridge.Host, c.d.Config.Bridge.Port)

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return fmt.Sprintf("Bridge configured at %s.", addr)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Sprintf("Bridge configured at %s, not responding.", addr)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return fmt.Sprintf("Bridge running at %s.", addr)
	}
	return fmt.Sprintf("Bridge at %s answered %d.", addr, resp.StatusCode)
}

// ToneState exposes the current overrides for the REPL prompt line.
func (c *Controller) ToneState() (string, string) {
	t, v := c.d.Tone.Overrides()
	if t == "" {
		t = string(tone.ToneConversational)
	}
	if v == "" {
		v = string(tone.VerbosityMedium)
	}
	return t, v
}
