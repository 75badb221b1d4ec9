package direct

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubPrefs map[string]string

func (p stubPrefs) Preference(key string) string   { return p[key] }
func (p stubPrefs) Preferences() map[string]string { return p }

func newTestHandler() *Handler {
	return New(stubPrefs{"tone": "concise", "favorite_editor": "vim"}, func() string {
		return "provider: local\nmemory: 20/1000"
	})
}

func TestIdentity(t *testing.T) {
	h := newTestHandler()
	for _, prompt := range []string{"who are you?", "What are you", "what is your name?"} {
		out, ok := h.Handle(prompt)
		if !ok {
			t.Errorf("expected identity match for %q", prompt)
			continue
		}
		if !strings.Contains(out, "Genesis") {
			t.Errorf("unexpected identity answer: %q", out)
		}
	}
}

func TestConfigDump(t *testing.T) {
	h := newTestHandler()
	out, ok := h.Handle("show your config")
	if !ok {
		t.Fatal("expected config dump match")
	}
	if !strings.Contains(out, "provider: local") {
		t.Errorf("unexpected config dump: %q", out)
	}
}

func TestArithmetic(t *testing.T) {
	h := newTestHandler()
	tests := []struct {
		prompt string
		want   string
	}{
		{"what is 8*7+6", "62"},
		{"What is 2 + 2?", "4"},
		{"what is (10 - 4) / 3", "2"},
		{"what is 8×7+6", "62"},
		{"2^10", "1024"},
	}
	for _, tt := range tests {
		out, ok := h.Handle(tt.prompt)
		if !ok {
			t.Errorf("expected arithmetic match for %q", tt.prompt)
			continue
		}
		if out != tt.want {
			t.Errorf("Handle(%q) = %q, want %q", tt.prompt, out, tt.want)
		}
	}
}

func TestArithmeticRejectsIdentifiers(t *testing.T) {
	if _, err := Eval("os.system(1)"); err == nil {
		t.Error("identifiers must be rejected")
	}
	if _, err := Eval("x + 1"); err == nil {
		t.Error("identifiers must be rejected")
	}
	if _, err := Eval("1/0"); err == nil {
		t.Error("division by zero must be rejected")
	}
}

func TestEval(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"-4 + 10", 6},
		{"2 ^ 3 ^ 2", 512}, // right-associative
		{"1,000 + 24", 1024},
		{"10 / 4", 2.5},
	}
	for _, tt := range tests {
		got, err := Eval(tt.expr)
		if err != nil {
			t.Errorf("Eval(%q) failed: %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestStringReversal(t *testing.T) {
	h := newTestHandler()
	out, ok := h.Handle(`reverse the string "hello"`)
	if !ok {
		t.Fatal("expected reversal match")
	}
	if out != "olleh" {
		t.Errorf("expected 'olleh', got %q", out)
	}

	// Prompts that merely begin with "reverse" fall through to the model
	if _, ok := h.Handle("reverse a linked list in Python"); ok {
		t.Error("code prompt should not match string reversal")
	}
}

func TestJSONUserSynthesis(t *testing.T) {
	h := newTestHandler()
	out, ok := h.Handle("create a json object for a user named Alice who works as an engineer")
	if !ok {
		t.Fatal("expected JSON synthesis match")
	}
	if !strings.Contains(out, `"name": "Alice"`) {
		t.Errorf("missing name field: %q", out)
	}
	if !strings.Contains(out, `"role": "engineer"`) {
		t.Errorf("missing role field: %q", out)
	}
}

func TestPreferenceRecall(t *testing.T) {
	h := newTestHandler()
	out, ok := h.Handle("what is my favorite editor?")
	if !ok {
		t.Fatal("expected preference match")
	}
	if out != "vim" {
		t.Errorf("expected 'vim', got %q", out)
	}

	// Unknown preference falls through
	if _, ok := h.Handle("what is my shoe size?"); ok {
		t.Error("unknown preference should not match")
	}
}

func TestFilesystemCommands(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("alpha\nbeta\ngamma\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	orig, _ := os.Getwd()
	defer os.Chdir(orig)

	h := newTestHandler()

	out, ok := h.Handle("cd " + dir)
	if !ok || !strings.Contains(out, "now in") {
		t.Fatalf("cd failed: %q (ok=%v)", out, ok)
	}

	out, ok = h.Handle("pwd")
	if !ok {
		t.Fatal("expected pwd match")
	}

	out, ok = h.Handle("ls")
	if !ok || !strings.Contains(out, "notes.txt") {
		t.Errorf("ls should list notes.txt, got %q", out)
	}

	out, ok = h.Handle("cat notes.txt")
	if !ok || !strings.Contains(out, "beta") {
		t.Errorf("cat should show file contents, got %q", out)
	}

	out, ok = h.Handle("grep beta notes.txt")
	if !ok || !strings.Contains(out, "2: beta") {
		t.Errorf("grep should report line 2, got %q", out)
	}

	out, ok = h.Handle("find *.txt")
	if !ok || !strings.Contains(out, "notes.txt") {
		t.Errorf("find should locate notes.txt, got %q", out)
	}
}

func TestShellAllowlistClosed(t *testing.T) {
	h := newTestHandler()

	// Anything outside the allowlist falls through untouched
	for _, prompt := range []string{"rm -rf /", "curl http://example.com", "reboot"} {
		if out, ok := h.Handle(prompt); ok {
			t.Errorf("%q must not be handled, got %q", prompt, out)
		}
	}
}

func TestGitAllowlist(t *testing.T) {
	h := newTestHandler()
	out, ok := h.Handle("git push origin main")
	if !ok {
		t.Fatal("git prompts are always claimed")
	}
	if !strings.Contains(out, "read-only") {
		t.Errorf("mutating git commands must be refused, got %q", out)
	}
}

func TestUnmatchedFallsThrough(t *testing.T) {
	h := newTestHandler()
	for _, prompt := range []string{
		"Explain how DNS resolution works",
		"Who is the president right now?",
		"",
	} {
		if out, ok := h.Handle(prompt); ok {
			t.Errorf("%q should fall through, got %q", prompt, out)
		}
	}
}
