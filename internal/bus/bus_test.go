package bus

import (
	"testing"
	"time"
)

func waitCount(t *testing.T, b *Bus, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d (have %d)", want, b.SubscriberCount())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	waitCount(t, b, 2)

	b.Unsubscribe(ch1)
	waitCount(t, b, 1)

	// Unsubscribe closes the channel.
	select {
	case _, ok := <-ch1:
		if ok {
			t.Error("got event on unsubscribed channel")
		}
	case <-time.After(time.Second):
		t.Error("unsubscribed channel not closed")
	}

	b.Unsubscribe(ch2)
	waitCount(t, b, 0)
}

func TestPublishFanout(t *testing.T) {
	b := New()
	defer b.Close()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	waitCount(t, b, 2)

	b.Publish(Event{Type: EventNoteCreated, NoteID: "n1"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventNoteCreated || ev.NoteID != "n1" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestUnsubscribedReceivesNothing(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe()
	waitCount(t, b, 1)
	b.Unsubscribe(ch)
	waitCount(t, b, 0)

	b.Publish(Event{Type: EventListRefresh})
	// Channel is closed; a zero-value read means no event was delivered.
	if ev, ok := <-ch; ok {
		t.Errorf("unsubscribed channel got %+v", ev)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	defer b.Close()

	slow := b.Subscribe()
	waitCount(t, b, 1)

	// Overfill the subscriber buffer; the loop must keep going.
	for i := 0; i < 500; i++ {
		b.Publish(Event{Type: EventListRefresh})
	}

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: EventNoteCreated})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	_ = slow
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	waitCount(t, b, 1)

	b.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				goto closed
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed on bus close")
		}
	}
closed:
	// Operations after close are safe no-ops.
	b.Publish(Event{Type: EventListRefresh})
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("count after close = %d", n)
	}
	b.Close()
}
