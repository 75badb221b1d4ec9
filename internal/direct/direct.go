// Package direct resolves recognized syntactic commands without invoking
// the language model: identity queries, filesystem listing, safe shell
// commands from a closed allowlist, inline arithmetic, string operations,
// and preference recall. Matchers run in table order; the first hit wins.
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/normanking/genesis/internal/logging"
)

// commandTimeout bounds every child process the handler spawns.
const commandTimeout = 5 * time.Second

// maxFilePreview caps how much of a file a read command returns.
const maxFilePreview = 4096

// shellAllowlist is the closed set of safe passthrough commands. It is
// fixed at compile time and cannot be extended at runtime.
var shellAllowlist = map[string]bool{
	"whoami":   true,
	"hostname": true,
	"date":     true,
	"uptime":   true,
	"uname":    true,
}

// gitAllowlist limits git passthrough to read-only subcommands.
var gitAllowlist = map[string]bool{
	"status": true,
	"log":    true,
	"diff":   true,
	"branch": true,
	"remote": true,
}

// PreferenceReader supplies stored user preferences for recall queries.
type PreferenceReader interface {
	Preference(key string) string
	Preferences() map[string]string
}

// matcher pairs a match function with its action. A nil, false return means
// "not mine, try the next one".
type matcher func(prompt string) (string, bool)

// Handler is the ordered dispatch table.
type Handler struct {
	matchers   []matcher
	prefs      PreferenceReader
	configDump func() string
	log        *logging.Logger
}

// New creates a Handler. configDump renders the running configuration for
// self-description queries; it may be nil.
func New(prefs PreferenceReader, configDump func() string) *Handler {
	h := &Handler{
		prefs:      prefs,
		configDump: configDump,
		log:        logging.Global().WithComponent("Direct"),
	}
	h.matchers = []matcher{
		h.matchIdentity,
		h.matchConfigDump,
		h.matchPwd,
		h.matchCd,
		h.matchLs,
		h.matchReadFile,
		h.matchFind,
		h.matchGrep,
		h.matchGit,
		h.matchShell,
		h.matchReverse,
		h.matchJSONUser,
		h.matchPreference,
		h.matchArithmetic,
	}
	return h
}

// Handle runs the prompt through the table. ok is false when no matcher
// claimed it and the pipeline should continue.
func (h *Handler) Handle(prompt string) (string, bool) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", false
	}
	for _, m := range h.matchers {
		if out, ok := m(trimmed); ok {
			h.log.Debug("direct match for %q", truncate(trimmed, 60))
			return out, true
		}
	}
	return "", false
}

// ═══════════════════════════════════════════════════════════════════════════
// Identity and self-description
// ═══════════════════════════════════════════════════════════════════════════

var identityRe = regexp.MustCompile(`(?i)^(who|what)\s+are\s+you\??$|^what('?s| is)\s+your\s+name\??$`)

func (h *Handler) matchIdentity(prompt string) (string, bool) {
	if !identityRe.MatchString(prompt) {
		return "", false
	}
	return "I'm Genesis, a local assistant. I answer what I can on this machine and fall back to web search or a hosted model when I'm not confident.", true
}

var configDumpRe = regexp.MustCompile(`(?i)^(show|dump|print)\s+(your\s+)?config(uration)?$`)

func (h *Handler) matchConfigDump(prompt string) (string, bool) {
	if !configDumpRe.MatchString(prompt) || h.configDump == nil {
		return "", false
	}
	return h.configDump(), true
}

// ═══════════════════════════════════════════════════════════════════════════
// Filesystem
// ═══════════════════════════════════════════════════════════════════════════

func (h *Handler) matchPwd(prompt string) (string, bool) {
	if prompt != "pwd" {
		return "", false
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Sprintf("cannot read working directory: %v", err), true
	}
	return wd, true
}

var cdRe = regexp.MustCompile(`^cd\s+(\S+)$`)

func (h *Handler) matchCd(prompt string) (string, bool) {
	m := cdRe.FindStringSubmatch(prompt)
	if m == nil {
		return "", false
	}
	target := expandHome(m[1])
	if err := os.Chdir(target); err != nil {
		return fmt.Sprintf("cd: %v", err), true
	}
	wd, _ := os.Getwd()
	return "now in " + wd, true
}

var lsRe = regexp.MustCompile(`^ls(?:\s+(\S+))?$`)

func (h *Handler) matchLs(prompt string) (string, bool) {
	m := lsRe.FindStringSubmatch(prompt)
	if m == nil {
		return "", false
	}
	dir := "."
	if m[1] != "" {
		dir = expandHome(m[1])
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("ls: %v", err), true
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "(empty)", true
	}
	return strings.Join(names, "\n"), true
}

var readFileRe = regexp.MustCompile(`^(?:cat|read(?:\s+file)?)\s+(\S+)$`)

func (h *Handler) matchReadFile(prompt string) (string, bool) {
	m := readFileRe.FindStringSubmatch(prompt)
	if m == nil {
		return "", false
	}
	data, err := os.ReadFile(expandHome(m[1]))
	if err != nil {
		return fmt.Sprintf("read: %v", err), true
	}
	if len(data) > maxFilePreview {
		return string(data[:maxFilePreview]) + "\n… (truncated)", true
	}
	return string(data), true
}

var findRe = regexp.MustCompile(`^find\s+(\S+)$`)

func (h *Handler) matchFind(prompt string) (string, bool) {
	m := findRe.FindStringSubmatch(prompt)
	if m == nil {
		return "", false
	}
	pattern := m[1]
	var hits []string
	root := "."
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if matched, _ := filepath.Match(pattern, d.Name()); matched {
			hits = append(hits, path)
		}
		if len(hits) >= 50 {
			return fs.SkipAll
		}
		return nil
	})
	if len(hits) == 0 {
		return "no matches for " + pattern, true
	}
	return strings.Join(hits, "\n"), true
}

var grepRe = regexp.MustCompile(`^grep\s+(\S+)\s+(\S+)$`)

func (h *Handler) matchGrep(prompt string) (string, bool) {
	m := grepRe.FindStringSubmatch(prompt)
	if m == nil {
		return "", false
	}
	re, err := regexp.Compile(m[1])
	if err != nil {
		return fmt.Sprintf("grep: bad pattern: %v", err), true
	}
	data, err := os.ReadFile(expandHome(m[2]))
	if err != nil {
		return fmt.Sprintf("grep: %v", err), true
	}
	var hits []string
	for i, line := range strings.Split(string(data), "\n") {
		if re.MatchString(line) {
			hits = append(hits, fmt.Sprintf("%d: %s", i+1, line))
			if len(hits) >= 50 {
				break
			}
		}
	}
	if len(hits) == 0 {
		return "no matches", true
	}
	return strings.Join(hits, "\n"), true
}

// ═══════════════════════════════════════════════════════════════════════════
// Command passthrough
// ═══════════════════════════════════════════════════════════════════════════

func (h *Handler) matchGit(prompt string) (string, bool) {
	if !strings.HasPrefix(prompt, "git ") {
		return "", false
	}
	fields := strings.Fields(prompt)
	if len(fields) < 2 || !gitAllowlist[fields[1]] {
		return "only read-only git subcommands are allowed (status, log, diff, branch, remote)", true
	}
	return h.runCommand(fields[0], fields[1:]...), true
}

func (h *Handler) matchShell(prompt string) (string, bool) {
	if !shellAllowlist[prompt] {
		return "", false
	}
	return h.runCommand(prompt), true
}

func (h *Handler) runCommand(name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("%s: timed out after %v", name, commandTimeout)
	}
	if err != nil {
		return fmt.Sprintf("%s: %v\n%s", name, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out))
}

// ═══════════════════════════════════════════════════════════════════════════
// String and data operations
// ═══════════════════════════════════════════════════════════════════════════

// Requires quotes or the explicit "the string" wording so prompts that
// merely start with "reverse" ("reverse a linked list…") fall through.
var reverseRe = regexp.MustCompile(`(?i)^reverse\s+(?:the\s+string\s+["']?(.+?)["']?|["'](.+?)["'])$`)

func (h *Handler) matchReverse(prompt string) (string, bool) {
	m := reverseRe.FindStringSubmatch(prompt)
	if m == nil {
		return "", false
	}
	text := m[1]
	if text == "" {
		text = m[2]
	}
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), true
}

var jsonUserRe = regexp.MustCompile(`(?i)(?:create|make|generate)\s+(?:a\s+)?json\s+(?:object\s+)?for\s+a\s+user\s+named\s+(\w+)\s+who\s+(?:does|works\s+as|is)\s+(?:a\s+|an\s+)?(.+?)\.?$`)

func (h *Handler) matchJSONUser(prompt string) (string, bool) {
	m := jsonUserRe.FindStringSubmatch(prompt)
	if m == nil {
		return "", false
	}
	obj := map[string]string{"name": m[1], "role": strings.TrimSpace(m[2])}
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return "", false
	}
	return string(data), true
}

var preferenceRe = regexp.MustCompile(`(?i)^what(?:'s| is)\s+my\s+([\w ]+?)\??$`)

func (h *Handler) matchPreference(prompt string) (string, bool) {
	m := preferenceRe.FindStringSubmatch(prompt)
	if m == nil || h.prefs == nil {
		return "", false
	}
	key := strings.ToLower(strings.TrimSpace(m[1]))
	key = strings.ReplaceAll(key, " ", "_")
	if v := h.prefs.Preference(key); v != "" {
		return v, true
	}
	return "", false
}

// ═══════════════════════════════════════════════════════════════════════════
// Arithmetic
// ═══════════════════════════════════════════════════════════════════════════

var (
	arithPromptRe = regexp.MustCompile(`(?i)^what(?:'s| is)\s+([\d\s+\-*/().%×÷^]+?)\??$`)
	bareExprRe    = regexp.MustCompile(`^[\d\s+\-*/().×÷^]+$`)
)

func (h *Handler) matchArithmetic(prompt string) (string, bool) {
	var expr string
	if m := arithPromptRe.FindStringSubmatch(prompt); m != nil {
		expr = m[1]
	} else if bareExprRe.MatchString(prompt) && strings.ContainsAny(prompt, "+-*/×÷^") {
		expr = prompt
	} else {
		return "", false
	}

	val, err := Eval(expr)
	if err != nil {
		return "", false
	}
	return formatResult(val), true
}

func formatResult(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
