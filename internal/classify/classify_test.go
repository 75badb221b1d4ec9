package classify

import (
	"testing"
	"time"

	"github.com/normanking/genesis/internal/timesync"
)

func postCutoffClock() timesync.Snapshot {
	cutoff, _ := time.Parse("2006-01-02", "2023-12-31")
	return timesync.Snapshot{
		Now:             cutoff.AddDate(1, 0, 0),
		TZ:              "UTC",
		LastSync:        cutoff.AddDate(1, 0, 0),
		KnowledgeCutoff: cutoff,
	}
}

func TestClassifyKinds(t *testing.T) {
	c := New()
	clock := postCutoffClock()

	tests := []struct {
		prompt string
		want   Kind
	}{
		{"Write a function to reverse a linked list in Python", KindCode},
		{"Calculate 15% of 2400", KindMath},
		{"A bat and a ball cost $1.10. The bat costs $1.00 more than the ball. How much does the ball cost?", KindMath},
		{"Search for the latest golang release notes", KindWebResearch},
		{"What happened in the election today?", KindWebResearch},
		{"Explain further", KindFollowUp},
		{"Give me an example", KindFollowUp},
		{"How did you arrive at that answer?", KindMeta},
		{"Are you sure about that?", KindMeta},
		{"Explain what photosynthesis is", KindConceptual},
		{"hello there", KindConceptual},
	}

	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			got := c.Classify(tt.prompt, clock)
			if got.Kind != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.prompt, got.Kind, tt.want)
			}
		})
	}
}

func TestTimeSensitive(t *testing.T) {
	c := New()
	clock := postCutoffClock()

	tests := []struct {
		prompt string
		want   bool
	}{
		{"Who is the president of the United States right now?", true},
		{"What is the weather today?", true},
		{"What are the latest AI headlines?", true},
		{"Explain how a binary tree works", false},
		{"Calculate 2+2", false},
	}

	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			got := c.Classify(tt.prompt, clock)
			if got.TimeSensitive != tt.want {
				t.Errorf("TimeSensitive(%q) = %v, want %v", tt.prompt, got.TimeSensitive, tt.want)
			}
			if tt.want && !got.NeedsLiveData {
				t.Errorf("time-sensitive prompt %q should need live data", tt.prompt)
			}
		})
	}
}

func TestRetryDirective(t *testing.T) {
	for _, prompt := range []string{"try again", "Try Again", "retry", "recalculate", "  try again please"} {
		if !IsRetry(prompt) {
			t.Errorf("IsRetry(%q) should be true", prompt)
		}
	}
	for _, prompt := range []string{"should I try again later?", "retry logic in Go", ""} {
		if IsRetry(prompt) {
			t.Errorf("IsRetry(%q) should be false", prompt)
		}
	}

	c := New()
	got := c.Classify("try again", postCutoffClock())
	if got.Kind != KindFollowUp {
		t.Errorf("retry should classify as follow_up, got %s", got.Kind)
	}
	if got.Confidence < 0.9 {
		t.Errorf("retry confidence should be high, got %.2f", got.Confidence)
	}
}

func TestConfidenceBounds(t *testing.T) {
	c := New()
	clock := postCutoffClock()

	prompts := []string{
		"", "hello", "write a python function to debug this code with regex and sql",
		"search the latest news headlines about the weather today right now",
	}
	for _, p := range prompts {
		got := c.Classify(p, clock)
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Errorf("confidence out of range for %q: %.2f", p, got.Confidence)
		}
	}
}

func TestUnmatchedDefaultsToConceptual(t *testing.T) {
	c := New()
	got := c.Classify("zzz qqq", postCutoffClock())
	if got.Kind != KindConceptual {
		t.Errorf("expected conceptual default, got %s", got.Kind)
	}
	if got.Confidence != 0.4 {
		t.Errorf("expected floor confidence 0.4, got %.2f", got.Confidence)
	}
}
