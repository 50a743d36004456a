// Package eventbus fans sandbox lifecycle events out to the teachers
// watching a course.
package eventbus

import (
	"sync"
	"time"

	"github.com/jxucoder/ClassPod/pkg/model"
)

// subscriberBuffer is how many events a subscriber may fall behind
// before new events are dropped for it.
const subscriberBuffer = 64

// Bus provides pub/sub for course lifecycle events.
type Bus interface {
	Subscribe(courseID int64) chan *model.Event
	Unsubscribe(courseID int64, ch chan *model.Event)
	Publish(event *model.Event)
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	mu      sync.RWMutex
	subs    map[int64][]chan *model.Event
	dropped func(courseID int64)
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[int64][]chan *model.Event),
	}
}

// OnDrop registers a callback invoked whenever an event is dropped for a
// slow subscriber.
func (b *InMemoryBus) OnDrop(fn func(courseID int64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = fn
}

// Subscribe returns a channel receiving events for a course.
func (b *InMemoryBus) Subscribe(courseID int64) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, subscriberBuffer)
	b.subs[courseID] = append(b.subs[courseID], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *InMemoryBus) Unsubscribe(courseID int64, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[courseID]
	for i, s := range subs {
		if s != ch {
			continue
		}
		subs = append(subs[:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(b.subs, courseID)
		} else {
			b.subs[courseID] = subs
		}
		close(ch)
		return
	}
}

// Publish delivers an event to every subscriber of its course without
// blocking.
func (b *InMemoryBus) Publish(event *model.Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.CourseID] {
		select {
		case ch <- event:
		default:
			if b.dropped != nil {
				b.dropped(event.CourseID)
			}
		}
	}
}

// Subscribers returns the number of live subscribers for a course.
func (b *InMemoryBus) Subscribers(courseID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[courseID])
}
