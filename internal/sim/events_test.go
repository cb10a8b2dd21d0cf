package sim

import (
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/nr-scheduler/model"
	"github.com/signalsfoundry/nr-scheduler/timectrl"
)

// fakeClock is a test-only SimClock advanced by hand.
type fakeClock struct {
	mu   sync.RWMutex
	slot uint64
}

func (c *fakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Unix(0, 0).Add(time.Duration(c.slot) * time.Millisecond)
}

func (c *fakeClock) Slot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot
}

func (c *fakeClock) SfnSf() model.SfnSf { return timectrl.SlotToSfnSf(c.Slot(), 0) }

func (c *fakeClock) AdvanceTo(slot uint64) {
	c.mu.Lock()
	c.slot = slot
	c.mu.Unlock()
}

func TestEventQueueSingleEvent(t *testing.T) {
	clock := &fakeClock{}
	q := NewEventQueue(clock)

	var counter int
	id := q.Schedule(4, func() { counter++ })
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	if ran := q.RunDue(); ran != 0 || counter != 0 {
		t.Fatalf("got %d run and counter=%d before the slot, want 0", ran, counter)
	}

	clock.AdvanceTo(4)
	if ran := q.RunDue(); ran != 1 || counter != 1 {
		t.Fatalf("got %d run and counter=%d at the slot, want 1", ran, counter)
	}

	q.RunDue()
	if counter != 1 {
		t.Fatalf("event ran twice: counter=%d", counter)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestEventQueueRunsInSlotThenFifoOrder(t *testing.T) {
	clock := &fakeClock{}
	q := NewEventQueue(clock)

	var order []string
	q.Schedule(3, func() { order = append(order, "c") })
	q.Schedule(1, func() { order = append(order, "a") })
	q.Schedule(3, func() { order = append(order, "d") })
	q.Schedule(2, func() { order = append(order, "b") })

	clock.AdvanceTo(5)
	q.RunDue()

	want := []string{"a", "b", "c", "d"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestEventQueueCancel(t *testing.T) {
	clock := &fakeClock{}
	q := NewEventQueue(clock)

	var ran bool
	id := q.Schedule(1, func() { ran = true })
	q.Cancel(id)
	q.Cancel("ev-unknown")

	clock.AdvanceTo(1)
	if n := q.RunDue(); n != 0 || ran {
		t.Fatalf("cancelled event ran")
	}
}

func TestEventQueueCallbackMaySchedule(t *testing.T) {
	clock := &fakeClock{}
	q := NewEventQueue(clock)

	var chain []int
	q.Schedule(0, func() {
		chain = append(chain, 0)
		q.Schedule(0, func() { chain = append(chain, 1) })
		q.Schedule(2, func() { chain = append(chain, 2) })
	})

	if n := q.RunDue(); n != 2 {
		t.Fatalf("got %d run, want 2", n)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want the future event pending", q.Len())
	}
	clock.AdvanceTo(2)
	q.RunDue()
	if len(chain) != 3 || chain[2] != 2 {
		t.Fatalf("got %v, want [0 1 2]", chain)
	}
}
