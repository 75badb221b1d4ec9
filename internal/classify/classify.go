// Package classify maps a raw prompt to a question kind with a confidence
// score and temporal flags. Classification is weighted keyword matching over
// disjoint vocabularies; ties resolve by a fixed priority so the result is
// deterministic for a given prompt.
package classify

import (
	"regexp"
	"strings"

	"github.com/normanking/genesis/internal/timesync"
)

// Kind is the classification of a user prompt.
type Kind string

const (
	// KindDirect is a syntactic command resolved without the model.
	KindDirect Kind = "direct"
	// KindMath is arithmetic, word problems, and logic puzzles.
	KindMath Kind = "math"
	// KindCode is code generation or programming help.
	KindCode Kind = "code"
	// KindWebResearch needs information beyond the local model.
	KindWebResearch Kind = "web_research"
	// KindConceptual is general explanation; the default.
	KindConceptual Kind = "conceptual"
	// KindFollowUp refers back to the previous exchange.
	KindFollowUp Kind = "follow_up"
	// KindMeta asks about the assistant itself.
	KindMeta Kind = "metacognitive"
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	return string(k)
}

// Classification is the classifier's verdict for one prompt.
type Classification struct {
	Kind          Kind    `json:"kind"`
	Confidence    float64 `json:"confidence"`
	TimeSensitive bool    `json:"time_sensitive"`
	NeedsLiveData bool    `json:"needs_live_data"`
}

// priority breaks score ties: meta > follow_up > web_research ≥ code >
// math > conceptual. Lower index wins.
var priority = []Kind{KindMeta, KindFollowUp, KindWebResearch, KindCode, KindMath, KindConceptual}

// pattern is one weighted signal for a kind.
type pattern struct {
	regex  *regexp.Regexp
	weight float64
}

// Classifier scores prompts against per-kind pattern tables.
type Classifier struct {
	patterns map[Kind][]pattern
	temporal []pattern
}

// New creates a Classifier with the built-in vocabularies.
func New() *Classifier {
	return &Classifier{
		patterns: buildPatterns(),
		temporal: buildTemporalPatterns(),
	}
}

var (
	retryRe       = regexp.MustCompile(`(?i)^\s*(please\s+)?(try\s+(that\s+|it\s+)?again|retry|recalculate|do\s+it\s+again|redo\s+that)(\s+please)?[\s.!]*$`)
	whoIsNowRe    = regexp.MustCompile(`(?i)\b(who|what)\s+(is|are)\b.*\b(now|currently|today|right now|president)\b`)
	liveKeywordRe = regexp.MustCompile(`(?i)\b(latest|breaking|live|real[- ]time)\b`)
)

// IsRetry reports whether the prompt is a retry directive. The controller
// uses this to reuse the previous question id and replay the last prompt.
func IsRetry(prompt string) bool {
	return retryRe.MatchString(prompt)
}

// Classify scores the prompt and returns the winning kind plus temporal
// flags derived from the clock snapshot.
func (c *Classifier) Classify(prompt string, clock timesync.Snapshot) Classification {
	lower := strings.ToLower(prompt)

	// Retry directives are follow-ups with high confidence, no scoring.
	if IsRetry(prompt) {
		return Classification{Kind: KindFollowUp, Confidence: 0.95}
	}

	scores := make(map[Kind]float64)
	counts := make(map[Kind]int)
	for kind, pats := range c.patterns {
		for _, p := range pats {
			if p.regex.MatchString(lower) {
				scores[kind] += p.weight
				counts[kind]++
			}
		}
	}

	var temporalScore float64
	for _, p := range c.temporal {
		if p.regex.MatchString(lower) {
			temporalScore += p.weight
		}
	}

	timeSensitive := temporalScore > 0 || whoIsNowRe.MatchString(prompt)
	// A question about the live world only matters once the clock has moved
	// past what the local model can know.
	if timeSensitive && !clock.IsPostCutoff() && !liveKeywordRe.MatchString(prompt) {
		timeSensitive = whoIsNowRe.MatchString(prompt)
	}

	best := KindConceptual
	var bestScore float64
	for _, kind := range priority {
		if s := scores[kind]; s > bestScore {
			best = kind
			bestScore = s
		}
	}

	confidence := 0.4
	if bestScore > 0 {
		confidence = 0.5 + 0.15*bestScore
		if counts[best] >= 2 {
			confidence += 0.1
		}
		if confidence > 0.95 {
			confidence = 0.95
		}
	}

	needsLive := timeSensitive || scores[KindWebResearch] >= 2
	return Classification{
		Kind:          best,
		Confidence:    confidence,
		TimeSensitive: timeSensitive,
		NeedsLiveData: needsLive,
	}
}

// buildPatterns creates the weighted vocabularies. The kinds are disjoint by
// construction; overlap resolves through scoring plus the priority order.
func buildPatterns() map[Kind][]pattern {
	return map[Kind][]pattern{
		KindMeta: {
			{regexp.MustCompile(`\b(your|the)\s+reasoning\b`), 1.2},
			{regexp.MustCompile(`\bhow\s+did\s+you\b`), 1.1},
			{regexp.MustCompile(`\bwhy\s+did\s+you\b`), 1.1},
			{regexp.MustCompile(`\bare\s+you\s+(sure|certain|confident)\b`), 1.0},
			{regexp.MustCompile(`\bwhat\s+(model|llm)\s+are\s+you\b`), 1.2},
			{regexp.MustCompile(`\byour\s+(memory|confidence|sources)\b`), 1.0},
		},
		KindFollowUp: {
			{regexp.MustCompile(`\bexplain\s+(further|more)\b`), 1.2},
			{regexp.MustCompile(`\bgive\s+(me\s+)?an?\s+example\b`), 1.1},
			{regexp.MustCompile(`\b(tell\s+me\s+more|elaborate|go\s+on)\b`), 1.0},
			{regexp.MustCompile(`\bwhat\s+about\b`), 0.8},
			{regexp.MustCompile(`^\s*(and|but|also)\b`), 0.6},
			{regexp.MustCompile(`\b(that|it)\s+(again|didn'?t)\b`), 0.7},
		},
		KindWebResearch: {
			{regexp.MustCompile(`\bsearch\b`), 1.1},
			{regexp.MustCompile(`\blook\s+up\b`), 1.1},
			{regexp.MustCompile(`\bfind\s+out\b`), 0.9},
			{regexp.MustCompile(`\b(news|headlines)\b`), 1.0},
			{regexp.MustCompile(`\b(weather|forecast)\b`), 1.0},
			{regexp.MustCompile(`\b(stock|share)\s+price\b`), 1.1},
			{regexp.MustCompile(`\bwho\s+(is|won|are)\b`), 0.7},
			{regexp.MustCompile(`\bwhat\s+happened\b`), 0.9},
		},
		KindCode: {
			{regexp.MustCompile(`\bwrite\s+(a\s+|some\s+)?(code|function|program|script|class)\b`), 1.3},
			{regexp.MustCompile(`\b(implement|refactor)\b`), 1.0},
			{regexp.MustCompile(`\b(python|golang|javascript|rust|java)\b`), 0.8},
			{regexp.MustCompile(`\b(debug|fix)\s+(this|my|the)\s+(code|bug|function)\b`), 1.1},
			{regexp.MustCompile(`\b(regex|algorithm|api|sql)\b`), 0.7},
			{regexp.MustCompile("```"), 1.0},
		},
		KindMath: {
			{regexp.MustCompile(`\b(calculate|compute|solve)\b`), 1.1},
			{regexp.MustCompile(`\bhow\s+(many|much)\b`), 0.9},
			{regexp.MustCompile(`\b(percent|percentage)\b|%`), 0.9},
			{regexp.MustCompile(`\b(plus|minus|times|divided|sum|difference)\b`), 0.8},
			{regexp.MustCompile(`\b(equation|equals)\b|=`), 0.7},
			{regexp.MustCompile(`\b(puzzle|riddle)\b`), 0.9},
			{regexp.MustCompile(`\bcosts?\b.*\bmore\s+than\b`), 1.0},
			{regexp.MustCompile(`\d+\s*(machines?|widgets?|workers?)`), 0.9},
		},
		KindConceptual: {
			{regexp.MustCompile(`\bexplain\b`), 0.6},
			{regexp.MustCompile(`\bwhat\s+is\s+(a|an|the)\b`), 0.6},
			{regexp.MustCompile(`\b(difference\s+between|compare)\b`), 0.7},
			{regexp.MustCompile(`\bwhy\s+(is|are|do|does)\b`), 0.6},
		},
	}
}

// buildTemporalPatterns creates the signals that mark a prompt as being
// about the live, current world.
func buildTemporalPatterns() []pattern {
	return []pattern{
		{regexp.MustCompile(`\b(now|currently|right\s+now)\b`), 1.0},
		{regexp.MustCompile(`\btoday\b`), 1.0},
		{regexp.MustCompile(`\b(latest|current|recent)\b`), 0.9},
		{regexp.MustCompile(`\bthis\s+(year|month|week)\b`), 0.9},
		{regexp.MustCompile(`\bpresident\b`), 0.8},
		{regexp.MustCompile(`\b(news|weather|stock\s+price)\b`), 0.8},
	}
}
