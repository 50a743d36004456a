package eventbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jxucoder/ClassPod/pkg/model"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe(1)

	bus.Publish(&model.Event{CourseID: 1, Type: model.EventProvisioned, Sandbox: "cloud-1002"})

	select {
	case got := <-ch:
		if got.Sandbox != "cloud-1002" || got.Type != model.EventProvisioned {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.CreatedAt.IsZero() {
			t.Fatal("expected CreatedAt to be stamped")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not receive event")
	}

	bus.Unsubscribe(1, ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if n := bus.Subscribers(1); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	var drops atomic.Int32
	bus.OnDrop(func(int64) { drops.Add(1) })
	ch := bus.Subscribe(2)

	for i := 0; i < subscriberBuffer; i++ {
		bus.Publish(&model.Event{CourseID: 2, Type: model.EventTornDown})
	}

	done := make(chan struct{})
	go func() {
		bus.Publish(&model.Event{CourseID: 2, Type: model.EventCourseEnded})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full channel")
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", drops.Load())
	}

	bus.Unsubscribe(2, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ch1 := bus.Subscribe(3)
	ch2 := bus.Subscribe(3)

	bus.Publish(&model.Event{CourseID: 3, Type: model.EventProvisioned, StudentID: 7})

	for _, ch := range []chan *model.Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.StudentID != 7 {
				t.Fatalf("unexpected student: %d", got.StudentID)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("subscriber did not receive event")
		}
	}

	bus.Unsubscribe(3, ch1)
	if n := bus.Subscribers(3); n != 1 {
		t.Fatalf("expected 1 subscriber left, got %d", n)
	}
	bus.Unsubscribe(3, ch2)
}

func TestPublishToOtherCourse(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe(4)

	bus.Publish(&model.Event{CourseID: 5, Type: model.EventProvisioned})

	select {
	case ev := <-ch:
		t.Fatalf("should not receive events for another course, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Unsubscribe(4, ch)
}
