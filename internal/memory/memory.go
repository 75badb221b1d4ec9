// Package memory holds the assistant's conversation state: a fixed-size
// session ring, a long-term pool with promotion rules and auto-pruning, and
// a small preference bag. Relevance lookup is a cheap lexical intersection
// so retrieval stays deterministic and dependency-free; a better retriever
// can replace it behind the same interface.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/solver"
	"github.com/normanking/genesis/internal/store"
)

const (
	sessionFile     = "memory/session.json"
	longTermFile    = "memory/long_term.json"
	preferencesFile = "memory/preferences.json"
)

// Attempt records one fallback source call made while answering a prompt.
type Attempt struct {
	Source     string  `json:"source"`
	OK         bool    `json:"ok"`
	Confidence float64 `json:"confidence"`
	LatencyMS  int64   `json:"latency_ms"`
	Error      string  `json:"error,omitempty"`
}

// Feedback is the user's verdict on an interaction. At most one per
// interaction; a later correction overwrites it.
type Feedback struct {
	IsCorrect bool      `json:"is_correct"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Interaction is one completed prompt/answer exchange.
type Interaction struct {
	QuestionID    string        `json:"question_id"`
	Prompt        string        `json:"prompt"`
	FinalText     string        `json:"final_text"`
	Source        string        `json:"source"`
	Confidence    float64       `json:"confidence"`
	Kind          string        `json:"classification"`
	TimeSensitive bool          `json:"time_sensitive"`
	Attempts      []Attempt     `json:"attempts,omitempty"`
	Reasoning     []solver.Step `json:"reasoning,omitempty"`
	Feedback      *Feedback     `json:"feedback,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// SessionMeta is the cross-session context carried through rehydration.
type SessionMeta struct {
	SessionID string    `json:"session_id"`
	LastTopic string    `json:"last_topic,omitempty"`
	Tone      string    `json:"tone,omitempty"`
	Verbosity string    `json:"verbosity,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config controls capacities and retrieval behavior.
type Config struct {
	SessionSize        int
	LongTermSize       int
	PruneThreshold     float64
	PruneKeepRatio     float64
	RelevanceThreshold float64
	RelevanceWindow    int
	TopK               int
	RehydrateCount     int
}

// DefaultConfig returns the default memory configuration.
func DefaultConfig() *Config {
	return &Config{
		SessionSize:        20,
		LongTermSize:       1000,
		PruneThreshold:     0.8,
		PruneKeepRatio:     0.7,
		RelevanceThreshold: 0.2,
		RelevanceWindow:    100,
		TopK:               5,
		RehydrateCount:     10,
	}
}

// sessionDoc is the on-disk shape of the session file.
type sessionDoc struct {
	Meta  SessionMeta   `json:"meta"`
	Items []Interaction `json:"items"`
}

// longTermDoc is the on-disk shape of the long-term pool.
type longTermDoc struct {
	Items []Interaction `json:"items"`
}

// Manager owns the three stores. Safe for concurrent use, though the
// pipeline drives it from a single goroutine.
type Manager struct {
	mu       sync.Mutex
	cfg      *Config
	store    *store.Store
	session  []Interaction
	longTerm []Interaction
	prefs    map[string]string
	meta     SessionMeta
	log      *logging.Logger
}

// New creates a Manager and rehydrates the previous session's tail.
func New(cfg *Config, st *store.Store) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PruneKeepRatio <= 0 || cfg.PruneKeepRatio > 1 {
		cfg.PruneKeepRatio = DefaultConfig().PruneKeepRatio
	}
	m := &Manager{
		cfg:   cfg,
		store: st,
		prefs: make(map[string]string),
		log:   logging.Global().WithComponent("Memory"),
	}
	m.rehydrate()
	return m
}

// rehydrate restores the last session's tail and carried metadata, plus the
// long-term pool and preferences. Missing or corrupt files start fresh.
func (m *Manager) rehydrate() {
	var sess sessionDoc
	if found, err := m.store.Load(sessionFile, &sess); err != nil {
		m.log.Warn("failed to read session file: %v", err)
	} else if found {
		items := sess.Items
		if len(items) > m.cfg.RehydrateCount {
			items = items[len(items)-m.cfg.RehydrateCount:]
		}
		m.session = append(m.session, items...)
		m.meta = sess.Meta
		m.log.Info("rehydrated %d interactions from previous session", len(items))
	}

	// Fresh session id every process start; topic/tone carry forward.
	m.meta.SessionID = uuid.New().String()
	m.meta.UpdatedAt = time.Now()

	var lt longTermDoc
	if _, err := m.store.Load(longTermFile, &lt); err != nil {
		m.log.Warn("failed to read long-term pool: %v", err)
	}
	m.longTerm = lt.Items

	if _, err := m.store.Load(preferencesFile, &m.prefs); err != nil {
		m.log.Warn("failed to read preferences: %v", err)
	}
	if m.prefs == nil {
		m.prefs = make(map[string]string)
	}
}

// SessionID returns the id assigned to the current session.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.SessionID
}

// ═══════════════════════════════════════════════════════════════════════════
// Session ring
// ═══════════════════════════════════════════════════════════════════════════

// Append records a completed interaction in the session ring and, when the
// promotion rules fire, in the long-term pool. Persistence failures are
// logged and do not interrupt the session.
func (m *Manager) Append(it Interaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now()
	}

	m.session = append(m.session, it)
	if len(m.session) > m.cfg.SessionSize {
		m.session = m.session[len(m.session)-m.cfg.SessionSize:]
	}

	if shouldPromote(it) {
		m.promoteLocked(it)
	}

	m.meta.LastTopic = topicOf(it.Prompt)
	m.meta.UpdatedAt = time.Now()
	m.persistLocked()
}

// Recent returns up to n most recent interactions, oldest first.
func (m *Manager) Recent(n int) []Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.session) {
		n = len(m.session)
	}
	out := make([]Interaction, n)
	copy(out, m.session[len(m.session)-n:])
	return out
}

// Last returns the most recent interaction, or nil.
func (m *Manager) Last() *Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.session) == 0 {
		return nil
	}
	it := m.session[len(m.session)-1]
	return &it
}

// AttachFeedback sets feedback on the interaction with questionID. The
// interaction is promoted to long-term if it was not already there; an
// explicit verdict always makes an exchange worth keeping.
func (m *Manager) AttachFeedback(questionID string, fb Feedback) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *Interaction
	for i := len(m.session) - 1; i >= 0; i-- {
		if m.session[i].QuestionID == questionID {
			m.session[i].Feedback = &fb
			target = &m.session[i]
			break
		}
	}
	if target == nil {
		return false
	}

	promoted := false
	for i := range m.longTerm {
		if m.longTerm[i].QuestionID == questionID {
			m.longTerm[i].Feedback = &fb
			promoted = true
			break
		}
	}
	if !promoted {
		m.promoteLocked(*target)
	}

	m.persistLocked()
	return true
}

// ═══════════════════════════════════════════════════════════════════════════
// Long-term pool
// ═══════════════════════════════════════════════════════════════════════════

// shouldPromote applies the promotion rules: explicit feedback, high
// confidence, a substantial prompt, fallback involvement, or a code/math
// classification.
func shouldPromote(it Interaction) bool {
	switch {
	case it.Feedback != nil:
		return true
	case it.Confidence >= 0.8:
		return true
	case len(strings.Fields(it.Prompt)) > 15:
		return true
	case len(it.Attempts) > 0:
		return true
	case it.Kind == "code" || it.Kind == "math":
		return true
	}
	return false
}

func (m *Manager) promoteLocked(it Interaction) {
	m.longTerm = append(m.longTerm, it)
	if len(m.longTerm) > m.cfg.LongTermSize {
		m.longTerm = m.longTerm[len(m.longTerm)-m.cfg.LongTermSize:]
	}
	if float64(len(m.longTerm)) > m.cfg.PruneThreshold*float64(m.cfg.LongTermSize) {
		m.pruneLocked()
	}
}

// Relevant returns up to TopK long-term interactions whose prompts share
// vocabulary with q, scored by lexical overlap over the most recent
// RelevanceWindow items. Deterministic for a given pool.
func (m *Manager) Relevant(q string) []Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	qTokens := tokenize(q)
	if len(qTokens) == 0 {
		return nil
	}

	window := m.longTerm
	if len(window) > m.cfg.RelevanceWindow {
		window = window[len(window)-m.cfg.RelevanceWindow:]
	}

	type scored struct {
		it    Interaction
		score float64
		idx   int
	}
	var hits []scored
	for i, it := range window {
		overlap := 0
		seen := tokenize(it.Prompt)
		for tok := range qTokens {
			if seen[tok] {
				overlap++
			}
		}
		score := float64(overlap) / float64(len(qTokens))
		if score >= m.cfg.RelevanceThreshold {
			hits = append(hits, scored{it, score, i})
		}
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return hits[a].idx > hits[b].idx
	})

	if len(hits) > m.cfg.TopK {
		hits = hits[:m.cfg.TopK]
	}
	out := make([]Interaction, len(hits))
	for i, h := range hits {
		out[i] = h.it
	}
	return out
}

// Prune trims the long-term pool to the configured keep ratio of capacity
// by retention score.
// Idempotent: a second prune with no intervening writes removes nothing.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.pruneLocked()
	m.persistLocked()
	return removed
}

func (m *Manager) pruneLocked() int {
	keep := int(m.cfg.PruneKeepRatio * float64(m.cfg.LongTermSize))
	if len(m.longTerm) <= keep {
		return 0
	}

	type scored struct {
		it    Interaction
		score float64
		idx   int
	}
	items := make([]scored, len(m.longTerm))
	n := float64(len(m.longTerm))
	for i, it := range m.longTerm {
		// Newer items score higher; bonuses for substance, an explicit
		// verdict, and fallback involvement; stored errors score down.
		score := float64(i) / n
		if len(strings.Fields(it.Prompt)) > 15 {
			score += 0.1
		}
		if it.Feedback != nil {
			score += 0.3
		}
		if len(it.Attempts) > 0 {
			score += 0.2
		}
		if strings.Contains(strings.ToLower(it.FinalText), "error") ||
			strings.Contains(it.FinalText, "⚠") {
			score -= 0.3
		}
		items[i] = scored{it, score, i}
	}

	sort.Slice(items, func(a, b int) bool {
		if items[a].score != items[b].score {
			return items[a].score > items[b].score
		}
		return items[a].idx > items[b].idx
	})

	kept := items[:keep]
	// Restore chronological order
	sort.Slice(kept, func(a, b int) bool { return kept[a].idx < kept[b].idx })

	removed := len(m.longTerm) - keep
	next := make([]Interaction, keep)
	for i, s := range kept {
		next[i] = s.it
	}
	m.longTerm = next
	m.log.Info("pruned %d long-term interactions, %d kept", removed, keep)
	return removed
}

// LongTermCount returns the current size of the long-term pool.
func (m *Manager) LongTermCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.longTerm)
}

// ═══════════════════════════════════════════════════════════════════════════
// Preferences and session metadata
// ═══════════════════════════════════════════════════════════════════════════

// Preference returns the stored value for key, or "".
func (m *Manager) Preference(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs[key]
}

// SetPreference stores a preference and persists the bag.
func (m *Manager) SetPreference(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[key] = value
	if err := m.store.Save(preferencesFile, m.prefs); err != nil {
		m.log.Warn("failed to persist preferences: %v", err)
	}
}

// Preferences returns a copy of the preference bag.
func (m *Manager) Preferences() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.prefs))
	for k, v := range m.prefs {
		out[k] = v
	}
	return out
}

// Meta returns the current session metadata.
func (m *Manager) Meta() SessionMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta
}

// SetToneDefaults records the session's tone and verbosity so the next
// session starts with them.
func (m *Manager) SetToneDefaults(tone, verbosity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tone != "" {
		m.meta.Tone = tone
	}
	if verbosity != "" {
		m.meta.Verbosity = verbosity
	}
	m.meta.UpdatedAt = time.Now()
	m.persistLocked()
}

// ═══════════════════════════════════════════════════════════════════════════
// Persistence and export
// ═══════════════════════════════════════════════════════════════════════════

// persistLocked writes session and long-term state. Failures are warnings;
// in-memory state continues either way.
func (m *Manager) persistLocked() {
	if err := m.store.Save(sessionFile, sessionDoc{Meta: m.meta, Items: m.session}); err != nil {
		m.log.Warn("failed to persist session: %v", err)
	}
	if err := m.store.Save(longTermFile, longTermDoc{Items: m.longTerm}); err != nil {
		m.log.Warn("failed to persist long-term pool: %v", err)
	}
}

// ResetSession clears the session ring, keeping the long-term pool and
// preferences. Used by the #reset directive.
func (m *Manager) ResetSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	m.meta.LastTopic = ""
	m.meta.UpdatedAt = time.Now()
	m.persistLocked()
}

// Flush persists all state immediately.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked()
	if err := m.store.Save(preferencesFile, m.prefs); err != nil {
		m.log.Warn("failed to persist preferences: %v", err)
	}
}

// exportDoc is the combined document written by Export.
type exportDoc struct {
	ExportedAt time.Time         `json:"exported_at"`
	Meta       SessionMeta       `json:"meta"`
	Session    []Interaction     `json:"session"`
	LongTerm   []Interaction     `json:"long_term"`
	Prefs      map[string]string `json:"preferences"`
}

// Export writes the full memory state to name under the store root and
// returns the resolved path.
func (m *Manager) Export(name string) (string, error) {
	m.mu.Lock()
	prefs := make(map[string]string, len(m.prefs))
	for k, v := range m.prefs {
		prefs[k] = v
	}
	doc := exportDoc{
		ExportedAt: time.Now(),
		Meta:       m.meta,
		Session:    append([]Interaction(nil), m.session...),
		LongTerm:   append([]Interaction(nil), m.longTerm...),
		Prefs:      prefs,
	}
	m.mu.Unlock()

	if err := m.store.Save(name, doc); err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}
	return m.store.Path(name), nil
}

// Stats summarizes memory state for the #memory directive.
type Stats struct {
	SessionCount  int     `json:"session_count"`
	LongTermCount int     `json:"long_term_count"`
	Capacity      int     `json:"capacity"`
	FillRatio     float64 `json:"fill_ratio"`
	Preferences   int     `json:"preferences"`
}

// Snapshot returns current counts.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		SessionCount:  len(m.session),
		LongTermCount: len(m.longTerm),
		Capacity:      m.cfg.LongTermSize,
		FillRatio:     float64(len(m.longTerm)) / float64(m.cfg.LongTermSize),
		Preferences:   len(m.prefs),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Tokenization
// ═══════════════════════════════════════════════════════════════════════════

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"what": true, "how": true, "who": true, "why": true, "does": true,
	"this": true, "that": true, "with": true, "you": true, "your": true,
}

// tokenize lowercases and splits on non-alphanumerics, dropping short words
// and stopwords.
func tokenize(text string) map[string]bool {
	out := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		out[f] = true
	}
	return out
}

// topicOf derives a short topic string from a prompt for session metadata.
func topicOf(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
