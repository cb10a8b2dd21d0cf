// Package harq tracks HARQ state: the decoding history the error model needs
// for soft combining, and the per-UE process vector the scheduler drives.
package harq

import (
	"fmt"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// DefaultNumProcesses is the usual HARQ process count per UE and direction.
const DefaultNumProcesses = 16

// Tracker stores, per UE and process, every decode outcome since the last
// new transmission. One instance serves one direction of a cell.
type Tracker struct {
	numProcesses uint8
	histories    map[uint16][]model.DecodeHistory
}

// NewTracker returns a tracker sized for numProcesses processes per UE.
func NewTracker(numProcesses uint8) *Tracker {
	if numProcesses == 0 {
		numProcesses = DefaultNumProcesses
	}
	return &Tracker{
		numProcesses: numProcesses,
		histories:    make(map[uint16][]model.DecodeHistory),
	}
}

// NewCellTrackers returns the downlink and uplink trackers of one cell.
func NewCellTrackers(numProcesses uint8) (dl, ul *Tracker) {
	return NewTracker(numProcesses), NewTracker(numProcesses)
}

// NumProcesses returns the configured process count.
func (t *Tracker) NumProcesses() uint8 { return t.numProcesses }

// ProcessHistory returns the history of (rnti, pid), creating an empty one
// if the UE was not seen yet. The returned slice must not be modified.
func (t *Tracker) ProcessHistory(rnti uint16, pid uint8) model.DecodeHistory {
	return t.ue(rnti, pid)[pid]
}

// UpdateProcessStatus appends a decode outcome to the process history.
func (t *Tracker) UpdateProcessStatus(rnti uint16, pid uint8, out model.DecodeOutput) {
	h := t.ue(rnti, pid)
	h[pid] = append(h[pid], out)
}

// ResetProcessStatus clears the process history after a successful decode
// or when the process is reused for new data.
func (t *Tracker) ResetProcessStatus(rnti uint16, pid uint8) {
	h := t.ue(rnti, pid)
	h[pid] = nil
}

// RemoveUe drops every history of rnti.
func (t *Tracker) RemoveUe(rnti uint16) {
	delete(t.histories, rnti)
}

// Resize changes the process count and resizes every existing history;
// shrinking drops the histories of removed processes.
func (t *Tracker) Resize(numProcesses uint8) {
	if numProcesses == 0 {
		panic("harq: tracker resized to zero processes")
	}
	for rnti, h := range t.histories {
		resized := make([]model.DecodeHistory, numProcesses)
		copy(resized, h)
		t.histories[rnti] = resized
	}
	t.numProcesses = numProcesses
}

func (t *Tracker) ue(rnti uint16, pid uint8) []model.DecodeHistory {
	if pid >= t.numProcesses {
		panic(fmt.Sprintf("harq: process %d out of range for rnti %d (%d processes)", pid, rnti, t.numProcesses))
	}
	h, ok := t.histories[rnti]
	if !ok {
		h = make([]model.DecodeHistory, t.numProcesses)
		t.histories[rnti] = h
	}
	return h
}
