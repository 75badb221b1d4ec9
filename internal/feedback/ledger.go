// Package feedback tracks how often each answer source is right and turns
// that history into per-source confidence weights. Weights move by a small
// learning rate on every verdict and stay clamped, so no source can be
// talked into certainty or written off entirely.
package feedback

import (
	"sort"
	"sync"

	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/store"
)

const (
	weightsFile = "memory/source_weights.json"

	// learningRate nudges base confidence toward the target on each verdict.
	learningRate = 0.05
	targetRight  = 0.9
	targetWrong  = 0.5

	// Clamp bounds for base confidence.
	minConfidence = 0.40
	maxConfidence = 0.95
)

// SourceWeight is the learned state for one answer source.
type SourceWeight struct {
	BaseConfidence float64            `json:"base_confidence"`
	Success        int                `json:"success"`
	Total          int                `json:"total"`
	Bonuses        map[string]float64 `json:"bonuses,omitempty"`
}

// multiplier is a per-source domain boost applied in BestSourceFor.
type multiplier struct {
	tag    string
	factor float64
}

// defaultWeights seeds the ledger on first run. Bonuses reward a source on
// queries tagged with its specialty.
func defaultWeights() map[string]*SourceWeight {
	return map[string]*SourceWeight{
		"websearch": {BaseConfidence: 0.70, Bonuses: map[string]float64{"time_sensitive": 0.15}},
		"perplexity": {BaseConfidence: 0.75, Bonuses: map[string]float64{"synthesis": 0.10}},
		"claude":     {BaseConfidence: 0.85, Bonuses: map[string]float64{"coding": 0.20}},
		"local":      {BaseConfidence: 0.60, Bonuses: map[string]float64{"math": 0.30}},
	}
}

// domainMultipliers boost a source's score when the query carries its tag.
var domainMultipliers = map[string]multiplier{
	"websearch":  {tag: "time_sensitive", factor: 1.3},
	"claude":     {tag: "coding", factor: 1.4},
	"perplexity": {tag: "synthesis", factor: 1.2},
	"local":      {tag: "math", factor: 1.2},
}

// Ledger owns the source weights. Updates happen only on feedback arrival.
type Ledger struct {
	mu      sync.Mutex
	weights map[string]*SourceWeight
	store   *store.Store
	log     *logging.Logger
}

// NewLedger creates a Ledger, restoring persisted weights when present.
func NewLedger(st *store.Store) *Ledger {
	l := &Ledger{
		weights: defaultWeights(),
		store:   st,
		log:     logging.Global().WithComponent("Feedback"),
	}
	var persisted map[string]*SourceWeight
	if found, err := st.Load(weightsFile, &persisted); err != nil {
		l.log.Warn("failed to read source weights: %v", err)
	} else if found {
		for name, w := range persisted {
			if w.BaseConfidence < minConfidence || w.BaseConfidence > maxConfidence {
				w.BaseConfidence = clamp(w.BaseConfidence)
			}
			l.weights[name] = w
		}
	}
	return l
}

// AddFeedback records a verdict for source and moves its weight.
func (l *Ledger) AddFeedback(source string, isCorrect bool, confidence float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.weights[source]
	if !ok {
		w = &SourceWeight{BaseConfidence: 0.5, Bonuses: map[string]float64{}}
		l.weights[source] = w
	}

	w.Total++
	if isCorrect {
		w.Success++
	}

	target := targetWrong
	if isCorrect {
		target = targetRight
	}
	w.BaseConfidence = clamp(w.BaseConfidence + learningRate*(target-w.BaseConfidence))

	l.log.Debug("%s: correct=%v confidence=%.2f base=%.3f (%d/%d)",
		source, isCorrect, confidence, w.BaseConfidence, w.Success, w.Total)
	l.persistLocked()
}

// Score returns base confidence plus any bonuses matching the query tags.
func (l *Ledger) Score(source string, tags []string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scoreLocked(source, tags)
}

func (l *Ledger) scoreLocked(source string, tags []string) float64 {
	w, ok := l.weights[source]
	if !ok {
		return 0
	}
	score := w.BaseConfidence
	for _, tag := range tags {
		score += w.Bonuses[tag]
	}
	return score
}

// BestSourceFor picks the highest-scoring source for the query tags,
// applying the domain multipliers. The result is advisory: the cascade
// order stays fixed and any reordering by learned weight happens here and
// nowhere else.
func (l *Ledger) BestSourceFor(tags []string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.weights))
	for name := range l.weights {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestScore := "", -1.0
	for _, name := range names {
		score := l.scoreLocked(name, tags)
		if m, ok := domainMultipliers[name]; ok {
			for _, tag := range tags {
				if tag == m.tag {
					score *= m.factor
				}
			}
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	return best
}

// Weights returns a deep copy of the current weights.
func (l *Ledger) Weights() map[string]SourceWeight {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]SourceWeight, len(l.weights))
	for name, w := range l.weights {
		cp := *w
		cp.Bonuses = make(map[string]float64, len(w.Bonuses))
		for k, v := range w.Bonuses {
			cp.Bonuses[k] = v
		}
		out[name] = cp
	}
	return out
}

func (l *Ledger) persistLocked() {
	if err := l.store.Save(weightsFile, l.weights); err != nil {
		l.log.Warn("failed to persist source weights: %v", err)
	}
}

func clamp(v float64) float64 {
	if v < minConfidence {
		return minConfidence
	}
	if v > maxConfidence {
		return maxConfidence
	}
	return v
}

// SuccessRate returns success/total for source, and 0 when unseen.
func (l *Ledger) SuccessRate(source string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.weights[source]
	if !ok || w.Total == 0 {
		return 0
	}
	return float64(w.Success) / float64(w.Total)
}
