// Package timectrl drives simulated slot time.
package timectrl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// SimClock is the read side of simulated time. Components that only need to
// know where the cell is depend on it rather than on a concrete controller.
type SimClock interface {
	// Now returns the wall time of the current slot boundary.
	Now() time.Time
	// Slot returns the absolute index of the current slot.
	Slot() uint64
	// SfnSf returns the current slot as frame, subframe and slot.
	SfnSf() model.SfnSf
}

// Mode describes how the SlotClock advances.
type Mode int

const (
	// RealTime waits one slot duration of wall time per slot.
	RealTime Mode = iota
	// Accelerated advances as fast as the listeners return.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// Listener runs once per slot, in registration order. An error stops the
// clock.
type Listener func(ctx context.Context, sfn model.SfnSf) error

// SlotClock steps through slots of one numerology and notifies registered
// listeners at each slot boundary.
type SlotClock struct {
	mu         sync.RWMutex
	StartTime  time.Time
	Numerology uint8
	Mode       Mode

	slot      uint64
	listeners []Listener
}

var _ SimClock = (*SlotClock)(nil)

// NewSlotClock constructs a clock positioned at slot 0.
func NewSlotClock(start time.Time, numerology uint8, mode Mode) *SlotClock {
	return &SlotClock{
		StartTime:  start,
		Numerology: numerology,
		Mode:       mode,
	}
}

// Period returns the slot duration, 1 ms divided by 2^numerology.
func (c *SlotClock) Period() time.Duration {
	return time.Millisecond >> c.Numerology
}

// Now returns the start of the current slot. Implements SimClock.
func (c *SlotClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StartTime.Add(time.Duration(c.slot) * c.Period())
}

// Slot returns the absolute index of the current slot. Implements SimClock.
func (c *SlotClock) Slot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot
}

// SfnSf returns the current slot identifier. Implements SimClock.
func (c *SlotClock) SfnSf() model.SfnSf {
	return SlotToSfnSf(c.Slot(), c.Numerology)
}

// SetSlot moves the clock without notifying listeners.
func (c *SlotClock) SetSlot(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = n
}

// AddListener registers fn to run on every slot.
func (c *SlotClock) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Run fires the listeners for n consecutive slots starting at the current
// one, then leaves the clock on the slot after the last. n == 0 runs until
// ctx is cancelled. It returns ctx.Err() when cancelled early and the first
// listener error otherwise, leaving the clock on the failed slot.
func (c *SlotClock) Run(ctx context.Context, n uint64) error {
	var tick <-chan time.Time
	if c.Mode == RealTime {
		ticker := time.NewTicker(c.Period())
		defer ticker.Stop()
		tick = ticker.C
	}

	for i := uint64(0); n == 0 || i < n; i++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.RLock()
		sfn := SlotToSfnSf(c.slot, c.Numerology)
		listeners := c.listeners
		c.mu.RUnlock()

		for _, fn := range listeners {
			if err := fn(ctx, sfn); err != nil {
				return fmt.Errorf("slot %s: %w", sfn, err)
			}
		}

		c.mu.Lock()
		c.slot++
		c.mu.Unlock()
	}
	return nil
}

// SlotToSfnSf converts an absolute slot index to frame, subframe and slot.
// Frames wrap at 1024 as on the air interface.
func SlotToSfnSf(slot uint64, numerology uint8) model.SfnSf {
	perSf := uint64(1) << numerology
	perFrame := perSf * model.SubframesPerFrame
	return model.SfnSf{
		Frame:      uint32((slot / perFrame) % 1024),
		Subframe:   uint8((slot % perFrame) / perSf),
		Slot:       uint8(slot % perSf),
		Numerology: numerology,
	}
}
