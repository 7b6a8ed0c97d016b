package events

import (
	"testing"
	"time"
)

func TestPublishDelivers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch, cancel := h.Subscribe(8)
	defer cancel()

	h.Publish(KindUserJoined, "alice", "General")

	select {
	case ev := <-ch:
		if ev.Kind != KindUserJoined || ev.Username != "alice" || ev.Channel != "General" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if _, err := time.Parse(time.RFC3339, ev.At); err != nil {
			t.Fatalf("At %q is not RFC 3339: %v", ev.At, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch1, cancel1 := h.Subscribe(8)
	defer cancel1()
	ch2, cancel2 := h.Subscribe(8)
	defer cancel2()

	if h.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", h.SubscriberCount())
	}

	h.Publish(KindUserLogin, "bob", "")

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Username != "bob" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel() // idempotent

	if h.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", h.SubscriberCount())
	}

	// Publishing after cancel must not panic on the closed channel.
	h.Publish(KindUserDisconnected, "alice", "")

	if _, ok := <-ch; ok {
		t.Fatal("cancelled channel should be closed and drained")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	// The buffer holds one event; the rest are dropped after SendTimeout
	// instead of blocking the publisher.
	start := time.Now()
	h.Publish(KindUserJoined, "alice", "General")
	h.Publish(KindUserLeft, "alice", "General")
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("publish blocked for %v", elapsed)
	}
	if len(ch) != 1 {
		t.Fatalf("buffered events = %d, want 1", len(ch))
	}
	ev := <-ch
	if ev.Kind != KindUserJoined {
		t.Fatalf("kept event = %+v, want the first publish", ev)
	}
}
