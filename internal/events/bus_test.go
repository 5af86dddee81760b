package events_test

import (
	"testing"
	"time"

	"github.com/micro-nova/bmsnode/internal/events"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := events.NewBus()

	ch := bus.Subscribe("test1")

	bus.Publish(events.Event{Kind: events.KindUpdateProgress, Session: "s1", Received: 512, Expected: 1024})

	select {
	case got := <-ch:
		if got.Kind != events.KindUpdateProgress || got.Session != "s1" {
			t.Errorf("got %+v", got)
		}
		if got.Time.IsZero() {
			t.Error("expected Publish to stamp the event time")
		}
		if p := got.Percent(); p != 50 {
			t.Errorf("Percent() = %v, want 50", p)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusKeepsExplicitTime(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("t")
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	bus.Publish(events.Event{Kind: events.KindRestarting, Time: at})

	if got := <-ch; !got.Time.Equal(at) {
		t.Errorf("Time = %v, want %v", got.Time, at)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("test-unsub")

	bus.Unsubscribe("test-unsub")

	// Channel should be closed
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusDropsEventsWhenFull(t *testing.T) {
	bus := events.NewBus()
	bus.Subscribe("slow-reader")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			bus.Publish(events.Event{Kind: events.KindUpdateProgress, Received: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Publish blocked for too long (should drop events)")
	}

	bus.Unsubscribe("slow-reader")
}

func TestBusSubscriberCount(t *testing.T) {
	bus := events.NewBus()
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
	bus.Subscribe("s1")
	bus.Subscribe("s2")
	if n := bus.SubscriberCount(); n != 2 {
		t.Errorf("expected 2 subscribers, got %d", n)
	}
	bus.Unsubscribe("s1")
	if n := bus.SubscriberCount(); n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}
}

func TestPercentWithoutLength(t *testing.T) {
	if p := (events.Event{Received: 10}).Percent(); p != 0 {
		t.Errorf("Percent() = %v, want 0", p)
	}
}
