package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/nr-scheduler/timectrl"
)

// EventQueue runs callbacks at a later slot. The cell uses it for every
// report the air interface delivers with a delay: HARQ feedback after K1,
// uplink decoding after K2, RRC attach after Msg3.
type EventQueue interface {
	// Schedule registers f to run once the clock reaches slot at. It returns
	// an id usable with Cancel.
	Schedule(at uint64, f func()) (id string)

	// Cancel drops a pending event. Unknown or already run ids are ignored.
	Cancel(id string)

	// Len counts the events still pending.
	Len() int

	// RunDue runs, in slot order, every event due at or before the clock's
	// current slot and returns how many ran. Events scheduled by a callback
	// for the current slot run in the same call.
	RunDue() int
}

type slotEvent struct {
	id        string
	at        uint64
	f         func()
	cancelled bool
}

type eventQueue struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*slotEvent // ordered by at, then insertion
	index   map[string]*slotEvent
}

// NewEventQueue creates an event queue driven by clock.
func NewEventQueue(clock timectrl.SimClock) EventQueue {
	return &eventQueue{
		clock: clock,
		index: make(map[string]*slotEvent),
	}
}

func (q *eventQueue) Schedule(at uint64, f func()) (id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	id = fmt.Sprintf("ev-%d", q.counter)
	ev := &slotEvent{id: id, at: at, f: f}

	// after every event of the same slot, keeping FIFO order within a slot
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].at > at
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev
	q.index[id] = ev
	return id
}

func (q *eventQueue) Cancel(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev, ok := q.index[id]
	if !ok {
		return
	}
	// removal from events is lazy
	ev.cancelled = true
	delete(q.index, id)
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// popDueLocked removes and returns the next due event, or nil.
func (q *eventQueue) popDueLocked(now uint64) *slotEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.at > now {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

func (q *eventQueue) RunDue() int {
	now := q.clock.Slot()
	ran := 0
	for {
		q.mu.Lock()
		ev := q.popDueLocked(now)
		q.mu.Unlock()
		if ev == nil {
			return ran
		}
		// outside the lock so callbacks may schedule more events
		if ev.f != nil {
			ev.f()
		}
		ran++
	}
}
