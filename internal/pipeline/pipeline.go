// Package pipeline sequences one prompt at a time through the full answer
// path: direct commands, classification, symbolic solving, local generation,
// the uncertainty gate, and the external fallback cascade. The controller is
// the only place adapter errors flatten into user-visible text.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/genesis/internal/accel"
	"github.com/normanking/genesis/internal/bus"
	"github.com/normanking/genesis/internal/classify"
	"github.com/normanking/genesis/internal/config"
	"github.com/normanking/genesis/internal/direct"
	"github.com/normanking/genesis/internal/fallback"
	"github.com/normanking/genesis/internal/feedback"
	"github.com/normanking/genesis/internal/llm"
	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/memory"
	"github.com/normanking/genesis/internal/metrics"
	"github.com/normanking/genesis/internal/solver"
	"github.com/normanking/genesis/internal/store"
	"github.com/normanking/genesis/internal/timesync"
	"github.com/normanking/genesis/internal/tone"
	"github.com/normanking/genesis/internal/trace"
	"github.com/normanking/genesis/internal/uncertainty"
)

const (
	// SourceLocalCalculated labels a verified symbolic answer.
	SourceLocalCalculated = "local_calculated"

	// SourceLocalModel labels an answer the local model produced and the
	// uncertainty gate accepted.
	SourceLocalModel = "local_model"

	// SourceDirect labels a syntactic command resolved without any model.
	SourceDirect = "direct"

	retrainFile     = "memory/retrain_set.json"
	systemStateFile = "memory/system_state.json"

	// contextWindow is how many recent exchanges ride along in the LLM prompt.
	contextWindow = 5

	// snippetLen truncates context-block answers.
	snippetLen = 200

	systemInstruction = "You are Genesis, a local assistant. Answer directly, " +
		"show your working for calculations, and say plainly when you are unsure."
)

// systemState is the cross-prompt state persisted after every answer.
type systemState struct {
	LastQuestionID string    `json:"last_question_id"`
	LastPrompt     string    `json:"last_prompt"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// retrainExample is one successful claude fallback kept for future
// fine-tuning.
type retrainExample struct {
	Timestamp time.Time `json:"ts"`
	Prompt    string    `json:"prompt"`
	Answer    string    `json:"answer"`
}

// Reply is the controller's output for one input line.
type Reply struct {
	QuestionID string
	Text       string
	Source     string
	Confidence float64
	Kind       string
	Steps      []solver.Step
	Warnings   []string
	Header     string

	// Directive marks replies from the control surface; they carry no
	// reasoning trace or tone header.
	Directive bool
	// Exit asks the REPL to terminate.
	Exit bool
}

// Render composes the user-visible output.
func (r *Reply) Render() string {
	if r.Directive {
		return r.Text
	}
	var b strings.Builder
	if r.Header != "" {
		b.WriteString(r.Header)
		b.WriteString("\n")
	}
	if len(r.Steps) > 0 {
		b.WriteString("Reasoning:\n")
		b.WriteString(trace.Format(r.Steps))
	}
	b.WriteString(r.Text)
	for _, w := range r.Warnings {
		b.WriteString("\nnote: ")
		b.WriteString(w)
	}
	return b.String()
}

// Deps are the components the controller sequences. Config, Store, Memory,
// Classifier, Direct, Solver, Tracer, Detector, Tone, and Ledger are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Clock      *timesync.Service
	Memory     *memory.Manager
	Classifier *classify.Classifier
	Direct     *direct.Handler
	Solver     *solver.Solver
	Tracer     *trace.Tracer
	Detector   *uncertainty.Detector
	Tone       *tone.Controller
	Ledger     *feedback.Ledger

	// Local is the on-device model; nil means generation always fails into
	// the fallback gate.
	Local llm.Provider
	// Fallback runs the cascade; nil disables it.
	Fallback *fallback.Orchestrator
	// Sources backs the forced-source prefixes, keyed by cascade name.
	Sources map[string]fallback.Source

	Learning *feedback.LearningLog
	Metrics  *metrics.Store
	Bus      *bus.Bus
	Accel    *accel.Manager
}

// Controller owns the per-session pipeline state. One prompt is processed at
// a time; persistence for a prompt completes before the next is accepted.
type Controller struct {
	d   Deps
	log *logging.Logger

	lastQuestionID string
	lastPrompt     string
	lastReply      *Reply
	lastMetricID   int64

	startedAt time.Time
}

// New creates a Controller and rehydrates the last-question state.
func New(d Deps) (*Controller, error) {
	switch {
	case d.Config == nil, d.Store == nil, d.Memory == nil, d.Classifier == nil,
		d.Direct == nil, d.Solver == nil, d.Tracer == nil, d.Detector == nil,
		d.Tone == nil, d.Ledger == nil:
		return nil, errors.New("pipeline: missing required dependency")
	}

	c := &Controller{
		d:         d,
		log:       logging.Global().WithComponent("Pipeline"),
		startedAt: time.Now(),
	}

	var st systemState
	if found, err := d.Store.Load(systemStateFile, &st); err == nil && found {
		c.lastQuestionID = st.LastQuestionID
		c.lastPrompt = st.LastPrompt
	}
	return c, nil
}

// Process handles one input line: directives and forced-source prefixes
// first, then retry detection, then the full answer path.
func (c *Controller) Process(ctx context.Context, input string) *Reply {
	input = strings.TrimSpace(input)
	if input == "" {
		return &Reply{Directive: true}
	}

	if strings.HasPrefix(input, "#") {
		return c.handleDirective(ctx, input)
	}
	if name, query, ok := forcedSource(input); ok {
		return c.askForced(ctx, name, query)
	}
	if classify.IsRetry(input) {
		return c.retry()
	}
	return c.answer(ctx, input)
}

// retry replays the last answer under the same question id. No model or
// cascade call happens; the stored reply is authoritative.
func (c *Controller) retry() *Reply {
	if c.lastReply == nil || c.lastQuestionID == "" {
		return &Reply{Directive: true, Text: "Nothing to retry yet."}
	}
	c.d.Tracer.Begin(c.lastQuestionID)
	c.log.Info("retry of question %s, replaying stored answer", c.lastQuestionID)
	replay := *c.lastReply
	return &replay
}

// answer runs the full pipeline for a fresh prompt.
func (c *Controller) answer(ctx context.Context, prompt string) *Reply {
	questionID := uuid.NewString()
	c.d.Tracer.Begin(questionID)
	start := time.Now()

	ev := bus.NewQuestionEvent(bus.EventQuestionReceived, questionID)
	ev.Content = snippet(prompt, 120)
	c.publish(ev)

	// Direct commands resolve without classification or any model.
	if text, ok := c.d.Direct.Handle(prompt); ok {
		return c.finish(ctx, &outcome{
			questionID: questionID,
			prompt:     prompt,
			text:       text,
			source:     SourceDirect,
			confidence: 1.0,
			kind:       classify.Classification{Kind: classify.KindDirect, Confidence: 1.0},
			start:      start,
		})
	}

	clock := c.clockSnapshot()
	cls := c.d.Classifier.Classify(prompt, clock)

	ev = bus.NewQuestionEvent(bus.EventClassified, questionID)
	ev.Kind = cls.Kind.String()
	ev.Confidence = cls.Confidence
	c.publish(ev)

	// Symbolic shapes are solved before the model is consulted. The tracer
	// holds the result so a later retry of the same id sees it unchanged.
	if res := c.d.Solver.TrySolve(prompt); res != nil {
		c.d.Tracer.RecordSolverResult(res)
	}

	steps := c.d.Tracer.StepsFor(prompt, cls)
	if cls.TimeSensitive {
		c.d.Tracer.PrependStep("Note the current clock before answering",
			clock.Now.Format("2006-01-02 15:04 MST"))
		steps = c.d.Tracer.Steps()
	}

	o := &outcome{
		questionID: questionID,
		prompt:     prompt,
		kind:       cls,
		steps:      steps,
		start:      start,
	}

	if solved := c.d.Tracer.CalculatedAnswer(); solved != nil && solved.Verified {
		ev = bus.NewQuestionEvent(bus.EventSolverVerified, questionID)
		ev.Source = SourceLocalCalculated
		ev.Content = solved.Answer
		c.publish(ev)

		o.text = solved.Answer
		o.source = SourceLocalCalculated
		o.confidence = 1.0
		o.steps = c.d.Tracer.Steps()
		return c.finish(ctx, o)
	}

	tpl := c.d.Tone.Infer(prompt)
	localText, localLatency := c.generateLocal(ctx, prompt, cls, tpl)

	report := c.d.Detector.Assess(localText)
	localConfidence := report.Confidence
	if cls.TimeSensitive && localConfidence > 0.5 {
		// A post-cutoff question can sound confident and still be stale.
		localConfidence = 0.5
	}

	if report.ShouldFallback || cls.TimeSensitive {
		return c.finish(ctx, c.cascade(ctx, o, localText, localConfidence))
	}

	ev = bus.NewQuestionEvent(bus.EventLocalGenerated, questionID)
	ev.Confidence = localConfidence
	ev.DurationMS = localLatency
	c.publish(ev)

	o.text = localText
	o.source = SourceLocalModel
	o.confidence = localConfidence
	return c.finish(ctx, o)
}

// generateLocal runs the local model. Any failure yields empty text, which
// the uncertainty gate turns into a guaranteed fallback.
func (c *Controller) generateLocal(ctx context.Context, prompt string, cls classify.Classification, tpl tone.Template) (string, int64) {
	if c.d.Local == nil {
		return "", 0
	}

	instruction := systemInstruction
	if mod := tpl.PromptModifier(); mod != "" {
		instruction += "\n" + mod
	}
	if cls.Kind == classify.KindCode {
		instruction += "\nFollow this plan:\n" + c.d.Tracer.PseudocodeFor(prompt)
	}

	full := c.promptContext(prompt) + prompt
	resp, err := c.d.Local.Generate(ctx, full, &llm.Params{SystemPrompt: instruction})
	if err != nil {
		c.log.Warn("local model failed: %v", err)
		c.recordError("local_model", err)
		return "", 0
	}
	if c.d.Accel != nil {
		c.d.Accel.NoteInference()
	}
	return resp.Text, resp.LatencyMS
}

// cascade runs the fallback orchestrator and folds its result into the
// outcome. A successful claude answer also feeds the retrain set.
func (c *Controller) cascade(ctx context.Context, o *outcome, localText string, localConfidence float64) *outcome {
	o.fallbackUsed = true

	ev := bus.NewQuestionEvent(bus.EventFallbackStarted, o.questionID)
	ev.Confidence = localConfidence
	c.publish(ev)

	if c.d.Fallback == nil {
		o.text = fallback.CautionBanner + localText
		o.source = fallback.ExhaustedSource
		o.confidence = localConfidence
		o.exhausted = true
		return o
	}

	res := c.d.Fallback.Run(ctx, o.prompt, localText, localConfidence, tagsFor(o.kind))
	o.attempts = res.Attempts
	o.text = res.Text
	o.source = res.Source
	o.confidence = res.Confidence
	o.exhausted = res.Exhausted

	for _, a := range res.Attempts {
		ev := bus.NewQuestionEvent(bus.EventFallbackSource, o.questionID)
		ev.Source = a.Source
		ev.Confidence = a.Confidence
		ev.DurationMS = a.LatencyMS
		ev.Error = a.Error
		c.publish(ev)
	}

	if res.Source == "claude" && !res.Exhausted {
		c.appendRetrainExample(o.prompt, res.Text)
	}
	return o
}

// outcome accumulates one answer on its way to finish.
type outcome struct {
	questionID   string
	prompt       string
	text         string
	source       string
	confidence   float64
	kind         classify.Classification
	steps        []solver.Step
	attempts     []memory.Attempt
	fallbackUsed bool
	exhausted    bool
	start        time.Time
}

// finish validates, persists, and records the answer, then builds the Reply.
func (c *Controller) finish(_ context.Context, o *outcome) *Reply {
	var warnings []string
	if o.source != SourceDirect {
		_, warnings = c.d.Tracer.Validate(o.steps, o.text)
	}

	latency := time.Since(o.start).Milliseconds()

	c.d.Memory.Append(memory.Interaction{
		QuestionID:    o.questionID,
		Prompt:        o.prompt,
		FinalText:     o.text,
		Source:        o.source,
		Confidence:    o.confidence,
		Kind:          o.kind.Kind.String(),
		TimeSensitive: o.kind.TimeSensitive,
		Attempts:      o.attempts,
		Reasoning:     o.steps,
		Timestamp:     time.Now(),
	})

	c.lastMetricID = 0
	if c.d.Metrics != nil {
		id, err := c.d.Metrics.RecordQuery(&metrics.QueryMetric{
			Kind:         o.kind.Kind.String(),
			Source:       o.source,
			LatencyMS:    latency,
			Success:      !o.exhausted && strings.TrimSpace(o.text) != "",
			FallbackUsed: o.fallbackUsed,
		})
		if err != nil {
			c.log.Warn("metrics write failed: %v", err)
		} else {
			c.lastMetricID = id
		}
	}

	ev := bus.NewQuestionEvent(bus.EventAnswerReady, o.questionID)
	ev.Source = o.source
	ev.Confidence = o.confidence
	ev.DurationMS = latency
	c.publish(ev)

	reply := &Reply{
		QuestionID: o.questionID,
		Text:       o.text,
		Source:     o.source,
		Confidence: o.confidence,
		Kind:       o.kind.Kind.String(),
		Steps:      o.steps,
		Warnings:   warnings,
		Header:     c.toneHeader(o.prompt),
	}

	c.lastQuestionID = o.questionID
	c.lastPrompt = o.prompt
	c.lastReply = reply
	c.persistState()
	return reply
}

func (c *Controller) toneHeader(prompt string) string {
	tpl := c.d.Tone.Infer(prompt)
	return fmt.Sprintf("[Tone: %s | Length: %s]", tpl.Style, tpl.Verbosity)
}

// askForced routes a prefixed prompt straight to one cascade source,
// bypassing the local model and the gate.
func (c *Controller) askForced(ctx context.Context, name, query string) *Reply {
	src, ok := c.d.Sources[name]
	if !ok || !src.Available() {
		return &Reply{Directive: true, Text: fmt.Sprintf("Source %q is not available.", name)}
	}

	questionID := uuid.NewString()
	c.d.Tracer.Begin(questionID)
	start := time.Now()

	timeout := fallback.DefaultSourceTimeout
	if c.d.Config.Fallback.SourceTimeoutSec > 0 {
		timeout = time.Duration(c.d.Config.Fallback.SourceTimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, confidence, err := src.Ask(ctx, query)
	if err != nil {
		c.recordError(name, err)
		return &Reply{Directive: true, Text: userMessage(name, err)}
	}

	return c.finish(ctx, &outcome{
		questionID:   questionID,
		prompt:       query,
		text:         text,
		source:       name,
		confidence:   confidence,
		kind:         classify.Classification{Kind: classify.KindWebResearch, Confidence: 1.0},
		fallbackUsed: true,
		start:        start,
	})
}

// forcedSource recognizes the source-forcing prefixes.
func forcedSource(input string) (name, query string, ok bool) {
	lower := strings.ToLower(input)
	for prefix, source := range map[string]string{
		"search web:":     "websearch",
		"ask claude:":     "claude",
		"ask perplexity:": "perplexity",
	} {
		if strings.HasPrefix(lower, prefix) {
			q := strings.TrimSpace(input[len(prefix):])
			if q == "" {
				return "", "", false
			}
			return source, q, true
		}
	}
	return "", "", false
}

// userMessage flattens adapter errors into a sentence for the user.
func userMessage(source string, err error) string {
	switch {
	case errors.Is(err, llm.ErrTimeout):
		return fmt.Sprintf("%s timed out. Try again, or rephrase the question.", source)
	case errors.Is(err, llm.ErrNotAvailable):
		return fmt.Sprintf("%s is not available. Check the API key and network.", source)
	case errors.Is(err, llm.ErrRefused):
		return fmt.Sprintf("%s refused the request.", source)
	case errors.Is(err, llm.ErrMalformed):
		return fmt.Sprintf("%s returned an unreadable response.", source)
	}
	return fmt.Sprintf("%s failed: %v", source, err)
}

// tagsFor maps a classification onto the ledger's tag vocabulary.
func tagsFor(cls classify.Classification) []string {
	var tags []string
	if cls.TimeSensitive {
		tags = append(tags, "time_sensitive")
	}
	switch cls.Kind {
	case classify.KindCode:
		tags = append(tags, "coding")
	case classify.KindMath:
		tags = append(tags, "math")
	case classify.KindWebResearch, classify.KindConceptual:
		tags = append(tags, "synthesis")
	}
	return tags
}

// ledgerSource maps answer source labels onto ledger weight names.
func ledgerSource(source string) string {
	switch source {
	case SourceLocalCalculated, SourceLocalModel, SourceDirect, fallback.ExhaustedSource:
		return "local"
	}
	return source
}

func (c *Controller) clockSnapshot() timesync.Snapshot {
	if c.d.Clock != nil {
		return c.d.Clock.Now()
	}
	return timesync.Snapshot{Now: time.Now()}
}

func (c *Controller) publish(e bus.Event) {
	if c.d.Bus != nil {
		c.d.Bus.Publish(e)
	}
}

func (c *Controller) recordError(stage string, err error) {
	ev := bus.NewEvent(bus.EventError)
	ev.Stage = stage
	ev.Error = err.Error()
	c.publish(ev)
	if c.d.Metrics != nil {
		if rerr := c.d.Metrics.RecordError(stage, err.Error()); rerr != nil {
			c.log.Warn("error record failed: %v", rerr)
		}
	}
}

func (c *Controller) persistState() {
	st := systemState{
		LastQuestionID: c.lastQuestionID,
		LastPrompt:     c.lastPrompt,
		UpdatedAt:      time.Now(),
	}
	if err := c.d.Store.Save(systemStateFile, st); err != nil {
		c.log.Warn("system state write failed: %v", err)
	}
}

func (c *Controller) appendRetrainExample(prompt, answer string) {
	var examples []retrainExample
	if _, err := c.d.Store.Load(retrainFile, &examples); err != nil {
		c.log.Warn("retrain set read failed: %v", err)
		return
	}
	examples = append(examples, retrainExample{
		Timestamp: time.Now().UTC(),
		Prompt:    prompt,
		Answer:    answer,
	})
	if err := c.d.Store.Save(retrainFile, examples); err != nil {
		c.log.Warn("retrain set write failed: %v", err)
	}
}

// promptContext merges the session window with long-term exchanges related
// to the prompt. Related items already inside the window are not repeated.
func (c *Controller) promptContext(prompt string) string {
	recent := c.d.Memory.Recent(contextWindow)
	inWindow := make(map[string]bool, len(recent))
	for _, it := range recent {
		inWindow[it.QuestionID] = true
	}

	var related []memory.Interaction
	for _, it := range c.d.Memory.Relevant(prompt) {
		if !inWindow[it.QuestionID] {
			related = append(related, it)
		}
	}
	return contextBlock(recent) + relatedBlock(related)
}

// contextBlock formats the recent exchanges carried in the LLM prompt.
func contextBlock(items []memory.Interaction) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", snippet(it.Prompt, snippetLen), snippet(it.FinalText, snippetLen))
	}
	b.WriteString("\n")
	return b.String()
}

// relatedBlock formats long-term exchanges recalled for the current prompt.
func relatedBlock(items []memory.Interaction) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Related past exchanges:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", snippet(it.Prompt, snippetLen), snippet(it.FinalText, snippetLen))
	}
	b.WriteString("\n")
	return b.String()
}

func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
