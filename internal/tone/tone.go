// Package tone infers a response style and verbosity from prompt cues and
// produces the prompt modifier appended to the model's system instruction.
// Everything here is advisory; there are no failure modes.
package tone

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Tone is the response style.
type Tone string

const (
	ToneTechnical      Tone = "technical"
	ToneConversational Tone = "conversational"
	ToneAdvisory       Tone = "advisory"
	ToneConcise        Tone = "concise"
)

// Verbosity is the target answer length.
type Verbosity string

const (
	VerbosityShort  Verbosity = "short"
	VerbosityMedium Verbosity = "medium"
	VerbosityLong   Verbosity = "long"
)

// ValidTone reports whether s names a known tone.
func ValidTone(s string) bool {
	switch Tone(s) {
	case ToneTechnical, ToneConversational, ToneAdvisory, ToneConcise:
		return true
	}
	return false
}

// ValidVerbosity reports whether s names a known verbosity.
func ValidVerbosity(s string) bool {
	switch Verbosity(s) {
	case VerbosityShort, VerbosityMedium, VerbosityLong:
		return true
	}
	return false
}

// Template describes how the final answer should be rendered.
type Template struct {
	Style           Tone      `json:"style"`
	Verbosity       Verbosity `json:"verbosity"`
	MaxLines        int       `json:"max_lines"`
	IncludeCode     bool      `json:"include_code"`
	IncludeExamples bool      `json:"include_examples"`
	Format          string    `json:"format"`
}

var (
	briefRe     = regexp.MustCompile(`(?i)\b(be brief|briefly|tldr|tl;dr|in short|one (line|word|sentence)|short answer|quick(ly)?)\b`)
	longRe      = regexp.MustCompile(`(?i)\b(in detail|detailed|thorough(ly)?|explain fully|deep dive|step[- ]by[- ]step|comprehensive)\b`)
	technicalRe = regexp.MustCompile(`(?i)\b(code|function|api|implement|algorithm|debug|regex|sql|config|protocol|architecture)\b`)
	advisoryRe  = regexp.MustCompile(`(?i)\b(should i|recommend|advice|best (way|practice)|which (one|is better)|pros and cons)\b`)
	casualRe    = regexp.MustCompile(`(?i)\b(hey|hi|hello|thanks|thank you|please)\b|^\s*(what'?s up|how are you)`)
)

// Controller infers tone per prompt and remembers explicit overrides set
// with the #tone and #verbosity directives.
type Controller struct {
	mu                sync.Mutex
	toneOverride      Tone
	verbosityOverride Verbosity
}

// New creates a Controller seeded with optional session defaults ("" means
// no override).
func New(defaultTone, defaultVerbosity string) *Controller {
	c := &Controller{}
	if ValidTone(defaultTone) {
		c.toneOverride = Tone(defaultTone)
	}
	if ValidVerbosity(defaultVerbosity) {
		c.verbosityOverride = Verbosity(defaultVerbosity)
	}
	return c
}

// SetTone pins the tone for the rest of the session.
func (c *Controller) SetTone(t string) bool {
	if !ValidTone(t) {
		return false
	}
	c.mu.Lock()
	c.toneOverride = Tone(t)
	c.mu.Unlock()
	return true
}

// SetVerbosity pins the verbosity for the rest of the session.
func (c *Controller) SetVerbosity(v string) bool {
	if !ValidVerbosity(v) {
		return false
	}
	c.mu.Lock()
	c.verbosityOverride = Verbosity(v)
	c.mu.Unlock()
	return true
}

// Overrides returns the pinned tone and verbosity, empty when unset.
func (c *Controller) Overrides() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.toneOverride), string(c.verbosityOverride)
}

// Infer derives the template for one prompt. Session overrides win over
// per-prompt cues; cues win over defaults.
func (c *Controller) Infer(prompt string) Template {
	c.mu.Lock()
	toneOverride, verbOverride := c.toneOverride, c.verbosityOverride
	c.mu.Unlock()

	t := inferTone(prompt)
	if toneOverride != "" {
		t = toneOverride
	}

	v := inferVerbosity(prompt)
	if verbOverride != "" && !briefRe.MatchString(prompt) && !longRe.MatchString(prompt) {
		v = verbOverride
	}

	return buildTemplate(t, v)
}

func inferTone(prompt string) Tone {
	switch {
	case briefRe.MatchString(prompt):
		return ToneConcise
	case technicalRe.MatchString(prompt):
		return ToneTechnical
	case advisoryRe.MatchString(prompt):
		return ToneAdvisory
	case casualRe.MatchString(prompt):
		return ToneConversational
	}
	return ToneConversational
}

func inferVerbosity(prompt string) Verbosity {
	switch {
	case briefRe.MatchString(prompt):
		return VerbosityShort
	case longRe.MatchString(prompt):
		return VerbosityLong
	}
	return VerbosityMedium
}

func buildTemplate(t Tone, v Verbosity) Template {
	tpl := Template{Style: t, Verbosity: v, Format: "prose"}

	switch v {
	case VerbosityShort:
		tpl.MaxLines = 5
	case VerbosityLong:
		tpl.MaxLines = 60
	default:
		tpl.MaxLines = 20
	}

	switch t {
	case ToneTechnical:
		tpl.IncludeCode = true
		tpl.IncludeExamples = v != VerbosityShort
		tpl.Format = "markdown"
	case ToneAdvisory:
		tpl.IncludeExamples = true
		tpl.Format = "bullets"
	case ToneConcise:
		tpl.MaxLines = 5
	}
	return tpl
}

// PromptModifier renders the template as an instruction fragment for the
// model's system prompt.
func (tpl Template) PromptModifier() string {
	var parts []string
	switch tpl.Style {
	case ToneTechnical:
		parts = append(parts, "Answer precisely with technical detail.")
	case ToneAdvisory:
		parts = append(parts, "Give a recommendation with brief reasoning.")
	case ToneConcise:
		parts = append(parts, "Answer as briefly as possible.")
	default:
		parts = append(parts, "Answer in a natural, conversational way.")
	}

	parts = append(parts, fmt.Sprintf("Keep the answer under %d lines.", tpl.MaxLines))
	if tpl.IncludeCode {
		parts = append(parts, "Include code when it helps.")
	}
	if tpl.IncludeExamples {
		parts = append(parts, "Include a concrete example.")
	}
	return strings.Join(parts, " ")
}
