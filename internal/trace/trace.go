// Package trace builds the reasoning step list shown before an answer and
// owns the question-id boundary. The tracer stores at most one solver
// result at a time; beginning a new question clears it, so a previous
// question's number can never leak into the next answer.
package trace

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/normanking/genesis/internal/classify"
	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/solver"
)

// Tracer holds per-question reasoning state.
type Tracer struct {
	mu         sync.Mutex
	questionID string
	steps      []solver.Step
	solved     *solver.Result
	log        *logging.Logger
}

// New creates an empty Tracer.
func New() *Tracer {
	return &Tracer{log: logging.Global().WithComponent("Tracer")}
}

// Begin marks the start of a question. A new id clears the stored trace
// and solver result; the same id (a retry) leaves them intact.
func (t *Tracer) Begin(questionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if questionID == t.questionID {
		return
	}
	t.questionID = questionID
	t.steps = nil
	t.solved = nil
}

// QuestionID returns the id of the question currently being traced.
func (t *Tracer) QuestionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.questionID
}

// RecordSolverResult stores a symbolic solution for the current question.
func (t *Tracer) RecordSolverResult(res *solver.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.solved = res
	if res != nil {
		t.steps = append([]solver.Step(nil), res.Steps...)
	}
}

// CalculatedAnswer returns the stored solver result for the current
// question, or nil. The caller decides whether Verified allows a
// short-circuit.
func (t *Tracer) CalculatedAnswer() *solver.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.solved
}

// Steps returns a copy of the current trace.
func (t *Tracer) Steps() []solver.Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]solver.Step(nil), t.steps...)
}

// PrependStep inserts a step at the front of the trace, renumbering the
// rest. Used for the clock-context header on time-sensitive prompts.
func (t *Tracer) PrependStep(description, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	steps := make([]solver.Step, 0, len(t.steps)+1)
	steps = append(steps, solver.Step{N: 1, Description: description, Detail: detail})
	for _, s := range t.steps {
		s.N = len(steps) + 1
		steps = append(steps, s)
	}
	t.steps = steps
}

// StepsFor generates a generic trace for the prompt when no solver shape
// matched. The shape depends on the classification kind.
func (t *Tracer) StepsFor(prompt string, c classify.Classification) []solver.Step {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.solved != nil {
		return append([]solver.Step(nil), t.steps...)
	}

	var steps []solver.Step
	add := func(desc, detail string) {
		steps = append(steps, solver.Step{N: len(steps) + 1, Description: desc, Detail: detail})
	}

	add(fmt.Sprintf("Read the question and classify it as %s", c.Kind),
		fmt.Sprintf("confidence %.2f", c.Confidence))

	switch c.Kind {
	case classify.KindMath:
		add("Identify the quantities and what is being asked", "")
		add("Set up the relationship between the quantities", "")
		add("Compute the result and sanity-check it", "")
	case classify.KindCode:
		add("Outline the approach before writing code", "")
		add("Write the implementation", "")
		add("Walk through it with a sample input", "")
	case classify.KindWebResearch:
		add("The answer depends on current information", "")
		add("Consult external sources and compare what they report", "")
	case classify.KindFollowUp:
		add("Recall the previous exchange for context", "")
		add("Extend the earlier answer in the requested direction", "")
	case classify.KindMeta:
		add("Inspect the stored reasoning and state for the last answer", "")
	default:
		add("Recall what is known about the topic", "")
		add("Compose an explanation from the most relevant parts", "")
	}
	if c.TimeSensitive {
		add("Verify the answer against the current date", "")
	}

	t.steps = steps
	return append([]solver.Step(nil), steps...)
}

// PseudocodeFor sketches a short plan for code prompts. Purely structural;
// the model writes the real code.
func (t *Tracer) PseudocodeFor(prompt string) string {
	task := strings.TrimSpace(prompt)
	if len(task) > 80 {
		task = task[:80] + "…"
	}
	var b strings.Builder
	b.WriteString("plan:\n")
	b.WriteString(fmt.Sprintf("  1. parse the requirement: %s\n", task))
	b.WriteString("  2. choose data structures and edge cases to cover\n")
	b.WriteString("  3. implement the core logic\n")
	b.WriteString("  4. handle errors and empty input\n")
	b.WriteString("  5. test with at least one normal and one boundary case")
	return b.String()
}

var (
	numericAnswerRe = regexp.MustCompile(`\d`)
	calculationRe   = regexp.MustCompile(`[=×+]|\btimes\b|\bdivided\b|\bper\b|\brate\b|/`)
)

// Validate checks the final answer against its trace and returns advisory
// warnings. Warnings never block the answer.
func (t *Tracer) Validate(steps []solver.Step, finalText string) (bool, []string) {
	var warnings []string

	if strings.TrimSpace(finalText) == "" {
		warnings = append(warnings, "answer is empty")
	}
	if len(steps) < 3 {
		warnings = append(warnings, fmt.Sprintf("only %d reasoning steps recorded", len(steps)))
	}
	if numericAnswerRe.MatchString(finalText) {
		hasCalc := false
		for _, s := range steps {
			if calculationRe.MatchString(s.Description) || calculationRe.MatchString(s.Detail) {
				hasCalc = true
				break
			}
		}
		if !hasCalc {
			warnings = append(warnings, "numeric answer without calculation steps in the trace")
		}
	}

	if len(warnings) > 0 {
		t.log.Debug("validation warnings: %s", strings.Join(warnings, "; "))
	}
	return len(warnings) == 0, warnings
}

// Format renders steps for display, one line each.
func Format(steps []solver.Step) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "  %d. %s", s.N, s.Description)
		if s.Detail != "" {
			fmt.Fprintf(&b, " (%s)", s.Detail)
		}
		if s.Result != "" {
			fmt.Fprintf(&b, " → %s", s.Result)
		}
		b.WriteString("\n")
	}
	return b.String()
}
