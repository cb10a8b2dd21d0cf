package sched

import (
	"github.com/signalsfoundry/nr-scheduler/cqi"
	"github.com/signalsfoundry/nr-scheduler/harq"
	"github.com/signalsfoundry/nr-scheduler/lcg"
	"github.com/signalsfoundry/nr-scheduler/model"
)

// DirState is the per-direction part of a UE record.
type DirState struct {
	// Rbgs holds one entry per assigned (RBG, symbol) unit of the slot being
	// built; Syms is parallel to it.
	Rbgs []uint16
	Syms []uint8
	Tbs  uint32

	Cqi  cqi.State
	Lcgs map[uint8]*lcg.LCG
	Harq *harq.ProcessVector
}

func newDirState(startMcs, harqProcesses uint8) DirState {
	return DirState{
		Cqi:  cqi.NewState(startMcs),
		Lcgs: make(map[uint8]*lcg.LCG),
		Harq: harq.NewProcessVector(harqProcesses),
	}
}

// Mcs returns the MCS currently used for new data.
func (d *DirState) Mcs() uint8 { return d.Cqi.Mcs }

// Rank returns the layer count, at least one.
func (d *DirState) Rank() uint8 { return max(d.Cqi.Rank, 1) }

// BufferSize returns every byte queued in the direction.
func (d *DirState) BufferSize() uint32 { return lcg.TotalBytes(d.Lcgs) }

// UniqueRbgs returns the distinct RBGs of the slot assignment, ascending.
func (d *DirState) UniqueRbgs() []uint16 {
	seen := make(map[uint16]struct{}, len(d.Rbgs))
	var out []uint16
	for _, r := range d.Rbgs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sortUint16(out)
	return out
}

func (d *DirState) resetSlot() {
	d.Rbgs = d.Rbgs[:0]
	d.Syms = d.Syms[:0]
	d.Tbs = 0
}

// UeInfo is the scheduler's record of one attached UE.
type UeInfo struct {
	Rnti   uint16
	Beam   model.BeamID
	TxMode uint8
	Dl     DirState
	Ul     DirState
	// SrsOffset is the slot inside the sounding period this UE uses.
	SrsOffset uint32
}

// Side returns the state of dir.
func (u *UeInfo) Side(dir model.Direction) *DirState {
	if dir == model.DL {
		return &u.Dl
	}
	return &u.Ul
}
