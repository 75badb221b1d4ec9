// Package bus provides the pipeline event stream: every stage of answering a
// question publishes an event here, and the optional WebSocket observer
// mirrors the stream to external monitors.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType labels a pipeline event.
type EventType string

const (
	// Question lifecycle
	EventQuestionReceived EventType = "question_received"
	EventClassified       EventType = "classified"
	EventSolverVerified   EventType = "solver_verified"
	EventLocalGenerated   EventType = "local_generated"
	EventAnswerReady      EventType = "answer_ready"

	// Fallback cascade
	EventFallbackStarted EventType = "fallback_started"
	EventFallbackSource  EventType = "fallback_source"

	// User feedback
	EventFeedback EventType = "feedback"

	// System
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one pipeline occurrence. QuestionID threads the events of a
// single question together.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       EventType `json:"type"`
	QuestionID string    `json:"question_id,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Source     string    `json:"source,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Content    string    `json:"content,omitempty"`
	Error      string    `json:"error,omitempty"`
}

var eventIDCounter atomic.Uint64

func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter.Add(1))
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}

// NewQuestionEvent creates an event bound to a question.
func NewQuestionEvent(eventType EventType, questionID string) Event {
	e := NewEvent(eventType)
	e.QuestionID = questionID
	return e
}
