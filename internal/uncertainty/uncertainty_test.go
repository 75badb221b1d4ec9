package uncertainty

import (
	"math"
	"strings"
	"testing"
)

func TestEmptyResponse(t *testing.T) {
	d := New(0)
	for _, text := range []string{"", "   ", "\n\t"} {
		r := d.Assess(text)
		if r.Confidence != 0 {
			t.Errorf("Assess(%q).Confidence = %v, want 0", text, r.Confidence)
		}
		if !r.ShouldFallback {
			t.Errorf("Assess(%q) must trigger fallback", text)
		}
		if !r.Has(TriggerEmpty) {
			t.Errorf("Assess(%q) must report the empty trigger", text)
		}
	}
}

func TestConfidentResponse(t *testing.T) {
	d := New(0)
	r := d.Assess("The capital of France is Paris. It has been the seat of government since the tenth century.")
	if r.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 (triggers: %v)", r.Confidence, r.Triggers)
	}
	if r.ShouldFallback {
		t.Error("confident answer must not fall back")
	}
}

func TestTooShort(t *testing.T) {
	d := New(0)
	r := d.Assess("Paris is nice.")
	if !r.Has(TriggerTooShort) {
		t.Errorf("expected too_short trigger, got %v", r.Triggers)
	}
	if math.Abs(r.Confidence-0.6) > 1e-9 {
		t.Errorf("confidence = %v, want 0.6", r.Confidence)
	}
}

func TestUncertainLanguage(t *testing.T) {
	d := New(0)

	r := d.Assess("I'm not sure, but the answer could be related to network latency in the cluster.")
	if !r.Has(TriggerUncertainWords) {
		t.Fatalf("expected uncertain_language trigger, got %v", r.Triggers)
	}
	// Two hedges: 0.4 + 0.1
	if math.Abs(r.Confidence-0.5) > 1e-9 {
		t.Errorf("confidence = %v, want 0.5", r.Confidence)
	}
	if !r.ShouldFallback {
		t.Error("hedged answer must fall back")
	}

	// Deduction caps at 0.6 no matter how many hedges
	many := "maybe, perhaps, I think, not sure, might be, could be, possibly it works somehow in the end"
	r = d.Assess(many)
	if r.Confidence < 0.4 {
		t.Errorf("hedge deduction must cap at 0.6, confidence = %v (triggers %v)", r.Confidence, r.Triggers)
	}
}

func TestRepetition(t *testing.T) {
	d := New(0)
	text := strings.Repeat("the same words again and again ", 8)
	r := d.Assess(text)
	if !r.Has(TriggerRepetition) {
		t.Errorf("expected repetition trigger, got %v", r.Triggers)
	}
}

func TestErrorMarkers(t *testing.T) {
	d := New(0)
	tests := []string{
		"An error occurred while generating the response for this request.",
		"Traceback (most recent call last): something went wrong in the interpreter",
		"The call raised a ValueError because the input string was not numeric at all.",
		"⚠ the result may be entirely wrong and should not be trusted by anyone",
	}
	for _, text := range tests {
		r := d.Assess(text)
		if !r.Has(TriggerErrorMarker) {
			t.Errorf("expected error_marker for %q, got %v", text, r.Triggers)
		}
	}
}

func TestIncompleteCode(t *testing.T) {
	d := New(0)

	full := "Here is the function:\n```go\nfunc add(a, b int) int { return a + b }\n```\nIt adds two integers together as requested."
	if r := d.Assess(full); r.Has(TriggerIncompleteCode) {
		t.Errorf("complete code must not trigger, got %v", r.Triggers)
	}

	tests := []string{
		"Here you go:\n```python\ndef solve():\n    pass\n```\nThat should be a reasonable starting point.",
		"Sketch:\n```\n# TODO implement the parser here\n```\nFill in the details for your use case later.",
		"Partial:\n```go\nfunc run() {\n  ...\n}\n```\nThe rest follows the same structural pattern throughout.",
		"Empty block:\n```\n```\nNothing was generated for this particular request unfortunately today.",
	}
	for _, text := range tests {
		r := d.Assess(text)
		if !r.Has(TriggerIncompleteCode) {
			t.Errorf("expected incomplete_code for %q, got %v", text, r.Triggers)
		}
	}
}

func TestThresholdOverride(t *testing.T) {
	// Threshold 0.7: a single too_short deduction (0.6) now falls back
	d := New(0.7)
	r := d.Assess("Yes, it does.")
	if !r.ShouldFallback {
		t.Errorf("confidence %v under threshold 0.7 must fall back", r.Confidence)
	}

	// Default threshold keeps it
	r = New(0).Assess("Yes, it does.")
	if r.ShouldFallback {
		t.Errorf("confidence %v at default threshold must not fall back", r.Confidence)
	}
}

func TestConfidenceNeverNegative(t *testing.T) {
	d := New(0)
	text := "error: not sure, maybe... ```\npass\n``` " + strings.Repeat("loop ", 30)
	r := d.Assess(text)
	if r.Confidence < 0 {
		t.Errorf("confidence must clamp at 0, got %v", r.Confidence)
	}
}
