package harq

import (
	"fmt"
	"iter"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// Status is the state of one HARQ process.
type Status uint8

const (
	Inactive Status = iota
	WaitingFeedback
	ReceivedFeedback
)

func (s Status) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case WaitingFeedback:
		return "WAITING_FEEDBACK"
	case ReceivedFeedback:
		return "RECEIVED_FEEDBACK"
	default:
		return "unknown"
	}
}

// MaxRv is the last redundancy version; a NACK at this RV ends the process.
const MaxRv = 3

// Process is one slot of the HARQ process vector.
type Process struct {
	Active bool
	Status Status
	// Timer counts slots since the last (re)transmission.
	Timer  uint32
	Dci    *model.DCI
	Rbgs   []uint16
	LcPdus []model.RlcPduInfo
}

// ProcessVector is the fixed-size array of HARQ processes of one UE in one
// direction.
type ProcessVector struct {
	procs  []Process
	active int
}

// NewProcessVector returns n inactive processes.
func NewProcessVector(n uint8) *ProcessVector {
	if n == 0 {
		n = DefaultNumProcesses
	}
	return &ProcessVector{procs: make([]Process, n)}
}

// Len returns the process count.
func (v *ProcessVector) Len() int { return len(v.procs) }

// NumActive returns the number of processes in use.
func (v *ProcessVector) NumActive() int { return v.active }

// CanInsert reports whether a free process exists.
func (v *ProcessVector) CanInsert() bool { return v.active < len(v.procs) }

// FirstAvailable returns the lowest free process id.
func (v *ProcessVector) FirstAvailable() (uint8, bool) {
	for i := range v.procs {
		if !v.procs[i].Active {
			return uint8(i), true
		}
	}
	return 0, false
}

// Insert starts a new transmission on the first free process. The DCI's
// process id is updated to the chosen one.
func (v *ProcessVector) Insert(dci *model.DCI, rbgs []uint16) (uint8, bool) {
	pid, ok := v.FirstAvailable()
	if !ok {
		return 0, false
	}
	dci.HarqProcess = pid
	v.procs[pid] = Process{
		Active: true,
		Status: WaitingFeedback,
		Dci:    dci,
		Rbgs:   rbgs,
	}
	v.active++
	return pid, true
}

// Get returns the process pid. Out of range ids are a contract breach.
func (v *ProcessVector) Get(pid uint8) *Process {
	if int(pid) >= len(v.procs) {
		panic(fmt.Sprintf("harq: process %d out of range (%d processes)", pid, len(v.procs)))
	}
	return &v.procs[pid]
}

// Erase returns the process to Inactive.
func (v *ProcessVector) Erase(pid uint8) {
	p := v.Get(pid)
	if p.Active {
		v.active--
	}
	*p = Process{}
}

// ReceivedFeedback marks a NACKed process as ready for retransmission.
func (v *ProcessVector) ReceivedFeedback(pid uint8) {
	p := v.Get(pid)
	if !p.Active {
		panic(fmt.Sprintf("harq: feedback for inactive process %d", pid))
	}
	p.Status = ReceivedFeedback
}

// Retransmitted records that pid was rescheduled with dci.
func (v *ProcessVector) Retransmitted(pid uint8, dci *model.DCI) {
	p := v.Get(pid)
	p.Status = WaitingFeedback
	p.Timer = 0
	p.Dci = dci
}

// ExpireTimers ages every active process by one slot and erases those whose
// timer already reached timeout. It returns the erased ids.
func (v *ProcessVector) ExpireTimers(timeout uint32) []uint8 {
	var expired []uint8
	for i := range v.procs {
		p := &v.procs[i]
		if !p.Active {
			continue
		}
		if p.Timer < timeout {
			p.Timer++
			continue
		}
		v.Erase(uint8(i))
		expired = append(expired, uint8(i))
	}
	return expired
}

// Resize changes the process count. Active processes beyond the new size are
// dropped.
func (v *ProcessVector) Resize(n uint8) {
	if int(n) == len(v.procs) {
		return
	}
	resized := make([]Process, n)
	copy(resized, v.procs)
	v.procs = resized
	v.active = 0
	for i := range v.procs {
		if v.procs[i].Active {
			v.active++
		}
	}
}

// EraseMismatched erases every active process whose grant mask does not
// span numRbg groups, as left behind by a bandwidth change. It returns the
// erased ids.
func (v *ProcessVector) EraseMismatched(numRbg uint32) []uint8 {
	var erased []uint8
	for i := range v.procs {
		p := &v.procs[i]
		if !p.Active || p.Dci == nil || p.Dci.RbgMask.Len() == uint(numRbg) {
			continue
		}
		v.Erase(uint8(i))
		erased = append(erased, uint8(i))
	}
	return erased
}

// All yields every process in id order.
func (v *ProcessVector) All() iter.Seq2[uint8, *Process] {
	return func(yield func(uint8, *Process) bool) {
		for i := range v.procs {
			if !yield(uint8(i), &v.procs[i]) {
				return
			}
		}
	}
}
