package logging

import (
	"context"
	"testing"
	"time"
)

func TestDetachContextSurvivesParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	detached := DetachContext(parent)
	cancel()

	if parent.Err() == nil {
		t.Fatal("parent should be cancelled")
	}
	if detached.Err() != nil {
		t.Fatalf("detached context cancelled with parent: %v", detached.Err())
	}
}

func TestDetachContextKeepsValues(t *testing.T) {
	type key struct{}
	parent := context.WithValue(context.Background(), key{}, "v")

	if got := DetachContext(parent).Value(key{}); got != "v" {
		t.Errorf("value not carried across detach: %v", got)
	}
}

func TestDetachContextWithTimeoutHasOwnDeadline(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	detached, stop := DetachContextWithTimeout(parent, 30*time.Millisecond)
	defer stop()
	cancel()

	if detached.Err() != nil {
		t.Fatal("detached context must outlive the parent")
	}
	<-detached.Done()
	if detached.Err() != context.DeadlineExceeded {
		t.Errorf("want deadline exceeded, got %v", detached.Err())
	}
}
