package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	b := New()
	if b == nil {
		t.Fatal("New returned nil")
	}
	if b.historySize != DefaultHistorySize {
		t.Errorf("Expected history size %d, got %d", DefaultHistorySize, b.historySize)
	}
	b.Close()
}

func TestNewWithHistory(t *testing.T) {
	b := NewWithHistory(500)
	if b.historySize != 500 {
		t.Errorf("Expected history size 500, got %d", b.historySize)
	}
	b.Close()
}

func TestSubscribeAndPublish(t *testing.T) {
	b := New()
	defer b.Close()

	done := make(chan Event, 1)
	id := b.Subscribe(EventQuestionReceived, func(e Event) {
		done <- e
	})
	if id == "" {
		t.Fatal("Subscribe returned empty ID")
	}

	event := NewQuestionEvent(EventQuestionReceived, "q-1")
	event.Content = "what is 2+2?"
	if err := b.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-done:
		if got.QuestionID != "q-1" {
			t.Errorf("Expected question q-1, got %s", got.QuestionID)
		}
	case <-time.After(time.Second):
		t.Fatal("Handler was not called")
	}
}

func TestTypedSubscriptionFilters(t *testing.T) {
	b := New()
	defer b.Close()

	var calls atomic.Int64
	b.Subscribe(EventAnswerReady, func(e Event) {
		calls.Add(1)
	})

	b.Publish(NewEvent(EventQuestionReceived))
	b.Publish(NewEvent(EventClassified))
	b.Publish(NewEvent(EventAnswerReady))

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	var calls atomic.Int64
	b.Subscribe(EventType(""), func(e Event) {
		calls.Add(1)
	})

	b.Publish(NewEvent(EventQuestionReceived))
	b.Publish(NewEvent(EventFallbackStarted))
	b.Publish(NewEvent(EventAnswerReady))

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	var calls atomic.Int64
	id := b.Subscribe(EventAnswerReady, func(e Event) {
		calls.Add(1)
	})

	b.Publish(NewEvent(EventAnswerReady))
	time.Sleep(50 * time.Millisecond)

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	b.Publish(NewEvent(EventAnswerReady))
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("Expected 1 call after unsubscribe, got %d", calls.Load())
	}
	if b.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions, got %d", b.SubscriptionCount())
	}
}

func TestUnsubscribeUnknownID(t *testing.T) {
	b := New()
	defer b.Close()

	if err := b.Unsubscribe("sub_999"); err == nil {
		t.Error("Expected error for unknown subscription ID")
	}
}

func TestHistoryRetention(t *testing.T) {
	b := NewWithHistory(3)
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(EventHeartbeat))
	}

	history := b.History()
	if len(history) != 3 {
		t.Errorf("Expected 3 retained events, got %d", len(history))
	}
}

func TestRecentHistory(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish(NewQuestionEvent(EventQuestionReceived, "q-1"))
	b.Publish(NewQuestionEvent(EventAnswerReady, "q-1"))
	b.Publish(NewQuestionEvent(EventQuestionReceived, "q-2"))

	recent := b.RecentHistory(2)
	if len(recent) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(recent))
	}
	if recent[1].QuestionID != "q-2" {
		t.Errorf("Expected newest event last, got %s", recent[1].QuestionID)
	}

	all := b.RecentHistory(100)
	if len(all) != 3 {
		t.Errorf("Expected 3 events when asking past the end, got %d", len(all))
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Close()

	if err := b.Publish(NewEvent(EventHeartbeat)); err == nil {
		t.Error("Expected error publishing to closed bus")
	}
	if id := b.Subscribe(EventHeartbeat, func(Event) {}); id != "" {
		t.Error("Expected empty subscription ID on closed bus")
	}
}

func TestDoubleCloseFails(t *testing.T) {
	b := New()
	if err := b.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := b.Close(); err == nil {
		t.Error("Expected error on second Close")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	defer b.Close()

	var received atomic.Int64
	b.Subscribe(EventType(""), func(e Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.Publish(NewEvent(EventHeartbeat))
			}
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if received.Load() != 50 {
		t.Errorf("Expected 50 deliveries, got %d", received.Load())
	}
}

func TestEventIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		e := NewEvent(EventHeartbeat)
		if seen[e.ID] {
			t.Fatalf("duplicate event ID %s", e.ID)
		}
		seen[e.ID] = true
	}
}
