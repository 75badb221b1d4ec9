// Package uncertainty scores a model response and decides whether the
// fallback cascade should run. Scoring is a pure function over the text:
// confidence starts at 1.0 and each trigger deducts a fixed amount.
package uncertainty

import (
	"regexp"
	"strings"
)

// DefaultThreshold is the confidence below which fallback fires.
const DefaultThreshold = 0.6

// Trigger identifies one reason confidence was deducted.
type Trigger string

const (
	TriggerEmpty          Trigger = "empty"
	TriggerTooShort       Trigger = "too_short"
	TriggerUncertainWords Trigger = "uncertain_language"
	TriggerRepetition     Trigger = "repetition"
	TriggerErrorMarker    Trigger = "error_marker"
	TriggerIncompleteCode Trigger = "incomplete_code"
)

// Report is the detector's verdict for one response.
type Report struct {
	Confidence     float64   `json:"confidence"`
	Triggers       []Trigger `json:"triggers,omitempty"`
	ShouldFallback bool      `json:"should_fallback"`
}

// Has reports whether the given trigger fired.
func (r Report) Has(t Trigger) bool {
	for _, x := range r.Triggers {
		if x == t {
			return true
		}
	}
	return false
}

var uncertainPhrases = []string{
	"not sure", "i'm unsure", "i am unsure", "maybe", "i don't know",
	"i do not know", "perhaps", "might be", "could be", "i think",
	"possibly", "hard to say", "can't be certain", "cannot be certain",
}

var (
	errorMarkerRe = regexp.MustCompile(`(?i)\b(error|failed|failure|traceback|exception|panic)\b|⚠`)
	// Exception-name shapes on top of the plain markers: SomethingError,
	// SomethingException.
	exceptionNameRe = regexp.MustCompile(`\b[A-Z][A-Za-z]*(Error|Exception)\b`)
	codeBlockRe     = regexp.MustCompile("(?s)```(?:[a-z]*)?\\s*\\n(.*?)```")
	incompleteRe    = regexp.MustCompile(`(?m)\.\.\.|…|\bTODO\b|\bFIXME\b|^\s*pass\s*$`)
)

// Detector assesses responses against a configurable fallback threshold.
type Detector struct {
	threshold float64
}

// New creates a Detector. A non-positive threshold uses the default.
func New(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// Assess scores the response text.
func (d *Detector) Assess(text string) Report {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Report{Confidence: 0, Triggers: []Trigger{TriggerEmpty}, ShouldFallback: true}
	}

	confidence := 1.0
	var triggers []Trigger

	if len(trimmed) < 20 {
		confidence -= 0.4
		triggers = append(triggers, TriggerTooShort)
	}

	if ded := uncertainLanguageDeduction(trimmed); ded > 0 {
		confidence -= ded
		triggers = append(triggers, TriggerUncertainWords)
	}

	if repetitionRatio(trimmed) > 0.5 {
		confidence -= 0.3
		triggers = append(triggers, TriggerRepetition)
	}

	if errorMarkerRe.MatchString(trimmed) || exceptionNameRe.MatchString(trimmed) {
		confidence -= 0.4
		triggers = append(triggers, TriggerErrorMarker)
	}

	if hasIncompleteCode(trimmed) {
		confidence -= 0.3
		triggers = append(triggers, TriggerIncompleteCode)
	}

	if confidence < 0 {
		confidence = 0
	}
	return Report{
		Confidence:     confidence,
		Triggers:       triggers,
		ShouldFallback: confidence < d.threshold,
	}
}

// uncertainLanguageDeduction returns 0.4 for the first hedge plus 0.1 per
// extra match, capped at 0.6.
func uncertainLanguageDeduction(text string) float64 {
	lower := strings.ToLower(text)
	matches := 0
	for _, phrase := range uncertainPhrases {
		matches += strings.Count(lower, phrase)
	}
	if matches == 0 {
		return 0
	}
	d := 0.4 + 0.1*float64(matches-1)
	if d > 0.6 {
		d = 0.6
	}
	return d
}

// repetitionRatio is 1 − unique/total over words; high values mean the
// model is looping.
func repetitionRatio(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 10 {
		return 0
	}
	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[w] = true
	}
	return 1 - float64(len(unique))/float64(len(words))
}

// hasIncompleteCode checks fenced blocks for placeholder content. An empty
// block counts as incomplete.
func hasIncompleteCode(text string) bool {
	blocks := codeBlockRe.FindAllStringSubmatch(text, -1)
	for _, b := range blocks {
		body := strings.TrimSpace(b[1])
		if body == "" || incompleteRe.MatchString(body) {
			return true
		}
	}
	return false
}
