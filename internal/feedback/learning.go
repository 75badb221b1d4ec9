package feedback

import (
	"sync"
	"time"

	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/store"
)

const (
	learningEventsFile = "memory/learning_events.json"

	// maxLearningEvents caps the stored corpus.
	maxLearningEvents = 1000
	// learningHorizon drops events older than 90 days on load and append.
	learningHorizon = 90 * 24 * time.Hour

	// Stored text is truncated so one pathological exchange cannot bloat
	// the corpus.
	maxPromptLen = 500
	maxAnswerLen = 1000
)

// LearningEvent is one correction worth learning from: the user marked the
// answer wrong and said why. Future fine-tuning pipelines consume these.
type LearningEvent struct {
	Timestamp  time.Time `json:"ts"`
	QuestionID string    `json:"question_id"`
	Prompt     string    `json:"prompt"`
	Answer     string    `json:"answer"`
	Source     string    `json:"source"`
	Note       string    `json:"note,omitempty"`
}

// LearningLog accumulates correction events with a bounded, age-limited
// store.
type LearningLog struct {
	mu     sync.Mutex
	events []LearningEvent
	store  *store.Store
	log    *logging.Logger
}

// NewLearningLog restores persisted events, dropping any past the horizon.
func NewLearningLog(st *store.Store) *LearningLog {
	l := &LearningLog{
		store: st,
		log:   logging.Global().WithComponent("Learning"),
	}
	var persisted []LearningEvent
	if _, err := st.Load(learningEventsFile, &persisted); err != nil {
		l.log.Warn("failed to read learning events: %v", err)
	}
	l.events = pruneEvents(persisted, time.Now())
	return l
}

// Record appends an event, truncating oversized text and enforcing the cap
// and horizon.
func (l *LearningLog) Record(ev LearningEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Prompt = truncate(ev.Prompt, maxPromptLen)
	ev.Answer = truncate(ev.Answer, maxAnswerLen)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(pruneEvents(l.events, time.Now()), ev)
	if len(l.events) > maxLearningEvents {
		l.events = l.events[len(l.events)-maxLearningEvents:]
	}
	if err := l.store.Save(learningEventsFile, l.events); err != nil {
		l.log.Warn("failed to persist learning events: %v", err)
	}
}

// Events returns a copy of the stored events, oldest first.
func (l *LearningLog) Events() []LearningEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LearningEvent(nil), l.events...)
}

// Count returns the number of stored events.
func (l *LearningLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func pruneEvents(events []LearningEvent, now time.Time) []LearningEvent {
	cutoff := now.Add(-learningHorizon)
	out := events[:0]
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
