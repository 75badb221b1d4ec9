package timesync

import (
	"testing"
	"time"
)

func TestSnapshotBeforeStart(t *testing.T) {
	svc := New(nil)

	snap := svc.Now()
	if snap.Now.IsZero() {
		t.Error("expected clock to be sampled at construction")
	}
	if snap.LastSync.IsZero() {
		t.Error("expected last_sync to be set at construction")
	}
	if snap.KnowledgeCutoff.Year() != 2023 {
		t.Errorf("unexpected cutoff: %v", snap.KnowledgeCutoff)
	}
}

func TestStartStop(t *testing.T) {
	svc := New(&Config{
		RefreshInterval: 5 * time.Millisecond,
		KnowledgeCutoff: DefaultConfig().KnowledgeCutoff,
	})

	before := svc.Now().LastSync
	svc.Start()
	svc.Start() // second Start is a no-op

	// Wait for at least one refresh tick
	deadline := time.After(time.Second)
	for {
		if svc.Now().LastSync.After(before) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("refresher never updated last_sync")
		case <-time.After(2 * time.Millisecond):
		}
	}

	svc.Stop()
	svc.Stop() // second Stop is a no-op

	after := svc.Now().LastSync
	time.Sleep(20 * time.Millisecond)
	if !svc.Now().LastSync.Equal(after) {
		t.Error("refresher kept running after Stop")
	}
}

func TestIsAfterCutoff(t *testing.T) {
	svc := New(nil)

	before, _ := time.Parse("2006-01-02", "2023-06-15")
	if svc.IsAfterCutoff(before) {
		t.Error("2023-06-15 should not be after cutoff")
	}

	after, _ := time.Parse("2006-01-02", "2024-03-01")
	if !svc.IsAfterCutoff(after) {
		t.Error("2024-03-01 should be after cutoff")
	}

	// Zero time compares the current clock, which is past the cutoff
	if !svc.IsAfterCutoff(time.Time{}) {
		t.Error("current clock should be after cutoff")
	}
}

func TestMetadata(t *testing.T) {
	svc := New(nil)

	md := svc.Metadata()
	if md.KnowledgeCutoff != "2023-12-31" {
		t.Errorf("unexpected cutoff string: %s", md.KnowledgeCutoff)
	}
	if !md.IsPostCutoff {
		t.Error("expected is_post_cutoff true for current clock")
	}
	if _, err := time.Parse(time.RFC3339, md.CurrentDatetime); err != nil {
		t.Errorf("current_datetime not RFC3339: %v", err)
	}
	if _, err := time.Parse("2006-01-02", md.CurrentDate); err != nil {
		t.Errorf("current_date malformed: %v", err)
	}
}

func TestTimeDiff(t *testing.T) {
	svc := New(nil)

	recent := time.Now().Add(-30 * time.Second).Format(time.RFC3339)
	d := svc.TimeDiff(recent)
	if d.IsStale {
		t.Error("30s-old timestamp should not be stale")
	}
	if d.Seconds < 29 || d.Seconds > 35 {
		t.Errorf("unexpected age: %.1fs", d.Seconds)
	}

	old := time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	d = svc.TimeDiff(old)
	if !d.IsStale {
		t.Error("2h-old timestamp should be stale")
	}
	if d.Hours < 1.9 || d.Hours > 2.1 {
		t.Errorf("unexpected age: %.2fh", d.Hours)
	}
}

func TestTimeDiffMalformed(t *testing.T) {
	svc := New(nil)

	d := svc.TimeDiff("last tuesday")
	if !d.IsStale {
		t.Error("malformed timestamp should be reported stale")
	}
	if d.Seconds != 0 {
		t.Errorf("expected zero age for malformed input, got %.1f", d.Seconds)
	}
}
