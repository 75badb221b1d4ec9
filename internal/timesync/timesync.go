// Package timesync maintains the process-wide clock state used for temporal
// awareness. A background refresher re-reads the OS clock on an interval;
// readers always receive a snapshot. Queries about events after the local
// model's knowledge cutoff are flagged so the pipeline can force a fallback.
package timesync

import (
	"sync"
	"time"

	"github.com/normanking/genesis/internal/logging"
)

const (
	// DefaultRefreshInterval is how often the refresher samples the OS clock.
	DefaultRefreshInterval = 60 * time.Second

	// StaleAge is the boundary beyond which a past timestamp counts as stale.
	StaleAge = 3600 * time.Second
)

// Snapshot is an immutable view of the clock state.
type Snapshot struct {
	Now             time.Time `json:"now"`
	TZ              string    `json:"tz"`
	LastSync        time.Time `json:"last_sync"`
	KnowledgeCutoff time.Time `json:"knowledge_cutoff"`
}

// IsPostCutoff reports whether the snapshot's wall clock is past the cutoff.
func (s Snapshot) IsPostCutoff() bool {
	return s.Now.After(s.KnowledgeCutoff)
}

// Metadata is the temporal context attached to time-sensitive prompts.
type Metadata struct {
	CurrentDatetime string `json:"current_datetime"`
	CurrentDate     string `json:"current_date"`
	TZ              string `json:"tz"`
	LastSync        string `json:"last_sync"`
	KnowledgeCutoff string `json:"knowledge_cutoff"`
	IsPostCutoff    bool   `json:"is_post_cutoff"`
}

// Diff describes the distance between a past timestamp and now.
type Diff struct {
	Seconds float64 `json:"seconds"`
	Minutes float64 `json:"minutes"`
	Hours   float64 `json:"hours"`
	IsStale bool    `json:"is_stale"`
}

// Config configures the service.
type Config struct {
	RefreshInterval time.Duration
	KnowledgeCutoff time.Time
}

// DefaultConfig returns the default time sync configuration.
func DefaultConfig() *Config {
	cutoff, _ := time.Parse("2006-01-02", "2023-12-31")
	return &Config{
		RefreshInterval: DefaultRefreshInterval,
		KnowledgeCutoff: cutoff,
	}
}

// Service tracks wall-clock time and the knowledge cutoff. All operations are
// infallible; the refresher only re-reads the OS clock, never the network.
type Service struct {
	mu       sync.RWMutex
	snapshot Snapshot
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	log    *logging.Logger
}

// New creates a Service. The clock is sampled once immediately so Now() is
// valid before Start().
func New(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	now := time.Now()
	tz, _ := now.Zone()
	return &Service{
		snapshot: Snapshot{
			Now:             now,
			TZ:              tz,
			LastSync:        now,
			KnowledgeCutoff: cfg.KnowledgeCutoff,
		},
		interval: interval,
		log:      logging.Global().WithComponent("TimeSync"),
	}
}

// Start launches the background refresher. Calling Start on a running
// service is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.log.Debug("refresher started (interval %v)", s.interval)

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.refresh()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the refresher and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
	s.log.Debug("refresher stopped")
}

// refresh re-samples the OS clock.
func (s *Service) refresh() {
	now := time.Now()
	tz, _ := now.Zone()

	s.mu.Lock()
	s.snapshot.Now = now
	s.snapshot.TZ = tz
	s.snapshot.LastSync = now
	s.mu.Unlock()
}

// Now returns the latest clock snapshot. Cheap; reads the cached sample.
func (s *Service) Now() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// IsAfterCutoff reports whether t is past the knowledge cutoff. A zero t
// means "compare the current clock".
func (s *Service) IsAfterCutoff(t time.Time) bool {
	snap := s.Now()
	if t.IsZero() {
		t = snap.Now
	}
	return t.After(snap.KnowledgeCutoff)
}

// Metadata returns the temporal context block for prompt construction.
func (s *Service) Metadata() Metadata {
	snap := s.Now()
	return Metadata{
		CurrentDatetime: snap.Now.Format(time.RFC3339),
		CurrentDate:     snap.Now.Format("2006-01-02"),
		TZ:              snap.TZ,
		LastSync:        snap.LastSync.Format(time.RFC3339),
		KnowledgeCutoff: snap.KnowledgeCutoff.Format("2006-01-02"),
		IsPostCutoff:    snap.IsPostCutoff(),
	}
}

// TimeDiff computes the age of a past RFC3339 timestamp relative to the
// current snapshot. Malformed input yields a zero Diff marked stale, with a
// logged warning; the operation never fails.
func (s *Service) TimeDiff(pastISO string) Diff {
	past, err := time.Parse(time.RFC3339, pastISO)
	if err != nil {
		s.log.Warn("unparseable timestamp %q: %v", pastISO, err)
		return Diff{IsStale: true}
	}

	age := s.Now().Now.Sub(past)
	return Diff{
		Seconds: age.Seconds(),
		Minutes: age.Minutes(),
		Hours:   age.Hours(),
		IsStale: age > StaleAge,
	}
}
