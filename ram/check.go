package ram

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// BeamLookup resolves the beam of a UE.
type BeamLookup func(rnti uint16) (model.BeamID, bool)

// CheckSlotAllocation replays every grant of alloc into a fresh matrix and
// returns the first violation found: overlapping grants, two beams on one
// symbol, data on a notched RBG or a grant outside the slot. Control and
// random access grants use the omni beam.
func CheckSlotAllocation(alloc *model.SlotAllocation, beamOf BeamLookup, notch *bitset.BitSet, numRbg uint32, numSym uint8) (*Matrix, error) {
	m := New(notch, numRbg, numSym)
	for i, a := range alloc.Allocs {
		d := a.DCI
		if d.RbgMask == nil || d.RbgMask.Len() != uint(numRbg) {
			return m, fmt.Errorf("ram: alloc %d (%s): mask length mismatch, want %d", i, d, numRbg)
		}
		if int(d.SymEnd()) > int(numSym) {
			return m, fmt.Errorf("%w: alloc %d (%s) ends after symbol %d", ErrOutOfGrid, i, d, numSym)
		}

		beam := model.OmniBeam
		if d.Type == model.DciData || d.Type == model.DciSrs {
			b, ok := beamOf(d.Rnti)
			if !ok {
				return m, fmt.Errorf("ram: alloc %d: unknown rnti %d", i, d.Rnti)
			}
			beam = b
		}
		if err := m.assignBeam(beam, d.SymStart, d.NumSym); err != nil {
			return m, fmt.Errorf("alloc %d (%s): %w", i, d, err)
		}

		typ, owner := cellOwner(d)
		for sym := d.SymStart; sym < d.SymEnd(); sym++ {
			for rbg, ok := d.RbgMask.NextSet(0); ok; rbg, ok = d.RbgMask.NextSet(rbg + 1) {
				if err := m.assign(owner, typ, uint32(rbg), sym); err != nil {
					return m, fmt.Errorf("alloc %d: %w", i, err)
				}
			}
		}
	}
	return m, nil
}

func cellOwner(d *model.DCI) (AllocType, uint16) {
	switch d.Type {
	case model.DciCtrl:
		if d.Format == model.DL {
			return DlDci, Ctrl
		}
		return UlDci, Ctrl
	case model.DciSrs:
		return Srs, d.Rnti
	case model.DciMsg3:
		return Msg3, d.Rnti
	}
	switch {
	case d.IsRetx():
		return Harq, d.Rnti
	case d.Format == model.DL:
		return DlData, d.Rnti
	default:
		return UlData, d.Rnti
	}
}
