package poller

import (
	"sync"
	"time"

	"icspoll/internal/model"
)

// EventKind tags the four signals a Poller emits.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
	EventData    EventKind = "data"
	EventError   EventKind = "error"
)

// Event is delivered to subscribers. Window is set for EventData, Err
// for EventError.
type Event struct {
	Kind   EventKind
	Source string
	Time   time.Time
	Window *model.Window
	Err    error
}

// fanout is a minimal in-memory broadcaster.
//
// Contract:
//   - publish never blocks.
//   - Subscribers get buffered channels; a full buffer drops the event.
type fanout struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan Event
}

func newFanout() *fanout {
	return &fanout{subs: map[uint64]chan Event{}}
}

func (f *fanout) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// publish holds f.mu while sending so an unsubscribe cannot close a
// channel mid-send.
func (f *fanout) publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
