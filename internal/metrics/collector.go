package metrics

import (
	"sync"
	"time"

	"github.com/normanking/genesis/internal/bus"
)

// Collector subscribes to the pipeline event stream and keeps live session
// stats alongside the durable SQLite store.
type Collector struct {
	bus   *bus.Bus
	store *Store

	mu      sync.RWMutex
	session SessionStats
	subs    []bus.SubscriptionID
	stopped bool
}

// SessionStats holds the current session's counters.
type SessionStats struct {
	StartTime      time.Time
	QuestionCount  int
	SuccessCount   int
	FailureCount   int
	FallbackCount  int
	TotalLatencyMS int64
	LastEvent      string
	LastEventTime  time.Time
}

// NewCollector creates a collector. The store may be nil; session stats
// still accumulate.
func NewCollector(eventBus *bus.Bus, store *Store) *Collector {
	return &Collector{
		bus:     eventBus,
		store:   store,
		session: SessionStats{StartTime: time.Now()},
	}
}

// Start subscribes to the pipeline events the collector cares about.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	c.subs = append(c.subs,
		c.bus.Subscribe(bus.EventAnswerReady, c.handleAnswerReady),
		c.bus.Subscribe(bus.EventFallbackStarted, c.handleFallbackStarted),
		c.bus.Subscribe(bus.EventError, c.handleError),
	)
}

// Stop unsubscribes from the bus.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true

	for _, id := range c.subs {
		c.bus.Unsubscribe(id)
	}
	c.subs = nil
}

// SessionStats returns a copy of the current session counters.
func (c *Collector) SessionStats() SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Collector) handleAnswerReady(e bus.Event) {
	c.mu.Lock()
	c.session.QuestionCount++
	c.session.TotalLatencyMS += e.DurationMS
	if e.Error == "" {
		c.session.SuccessCount++
	} else {
		c.session.FailureCount++
	}
	c.session.LastEvent = "answer ready"
	c.session.LastEventTime = e.Timestamp
	c.mu.Unlock()
}

func (c *Collector) handleFallbackStarted(e bus.Event) {
	c.mu.Lock()
	c.session.FallbackCount++
	c.session.LastEvent = "fallback started"
	c.session.LastEventTime = e.Timestamp
	c.mu.Unlock()
}

func (c *Collector) handleError(e bus.Event) {
	c.mu.Lock()
	c.session.LastEvent = "error: " + e.Error
	c.session.LastEventTime = e.Timestamp
	c.mu.Unlock()

	if c.store != nil {
		c.store.RecordError(e.Stage, e.Error)
	}
}
