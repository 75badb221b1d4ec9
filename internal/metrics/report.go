package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// Rating weights. Correctness dominates; speed and reliability round it out.
const (
	weightCorrectness = 0.5
	weightSpeed       = 0.3
	weightReliability = 0.2

	// speedZeroMS is the average latency at which the speed component
	// bottoms out at 0.
	speedZeroMS = 500.0
)

// Report is the computed performance rating.
type Report struct {
	Totals      *Totals
	Correctness float64
	Speed       float64
	Reliability float64
	Rating      float64
	Grade       string
}

// Compute derives the rating from raw totals.
func Compute(t *Totals) *Report {
	r := &Report{Totals: t}

	// No verdicts yet: assume full marks rather than punishing silence.
	r.Correctness = 100
	if t.Rated > 0 {
		r.Correctness = float64(t.RatedCorrect) / float64(t.Rated) * 100
	}

	r.Speed = 100 - t.AvgLatencyMS/speedZeroMS*100
	if r.Speed < 0 {
		r.Speed = 0
	}
	if r.Speed > 100 {
		r.Speed = 100
	}

	fallbackRate := 0.0
	if t.Queries > 0 {
		fallbackRate = float64(t.Fallbacks) / float64(t.Queries) * 100
	}
	r.Reliability = 100 - fallbackRate*2
	if r.Reliability < 0 {
		r.Reliability = 0
	}

	r.Rating = r.Correctness*weightCorrectness + r.Speed*weightSpeed + r.Reliability*weightReliability

	switch {
	case r.Rating >= 90:
		r.Grade = "EXCELLENT"
	case r.Rating >= 75:
		r.Grade = "GOOD"
	case r.Rating >= 60:
		r.Grade = "FAIR"
	default:
		r.Grade = "POOR"
	}
	return r
}

// Report aggregates the store and computes the rating in one step.
func (s *Store) Report() (*Report, error) {
	t, err := s.Totals()
	if err != nil {
		return nil, err
	}
	return Compute(t), nil
}

// Render formats the report for the REPL.
func (r *Report) Render() string {
	var b strings.Builder
	t := r.Totals

	fmt.Fprintf(&b, "Performance: %.1f/100 (%s)\n", r.Rating, r.Grade)
	fmt.Fprintf(&b, "  correctness %.1f · speed %.1f · reliability %.1f\n",
		r.Correctness, r.Speed, r.Reliability)
	fmt.Fprintf(&b, "  queries: %d  avg latency: %.0fms  fallbacks: %d  errors: %d\n",
		t.Queries, t.AvgLatencyMS, t.Fallbacks, t.Errors)

	if len(t.SourceCounts) > 0 {
		sources := make([]string, 0, len(t.SourceCounts))
		for s := range t.SourceCounts {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		parts := make([]string, 0, len(sources))
		for _, s := range sources {
			parts = append(parts, fmt.Sprintf("%s=%d", s, t.SourceCounts[s]))
		}
		fmt.Fprintf(&b, "  sources: %s\n", strings.Join(parts, " "))
	}
	return b.String()
}
