package sched

import (
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// TDMA gives each data symbol, whole, to a single UE. The UE with the fewest
// units so far and still unserved bytes takes the next symbol.
type TDMA struct{}

var _ Placement = TDMA{}

func (TDMA) AssignRbg(dir model.Direction, ctx *PlacementContext, symAvail uint8, active ActiveUeMap) map[model.BeamID]uint8 {
	out := make(map[model.BeamID]uint8)
	usable := ctx.usable(dir)
	if symAvail == 0 || usable == 0 || len(active) == 0 {
		return out
	}
	notch := ctx.Notch(dir)

	var ues []UeBuffer
	for _, b := range active {
		ues = append(ues, b.Ues...)
	}
	for sym := uint8(0); sym < symAvail; sym++ {
		sortByFewestRbgs(dir, ues)
		idx := slices.IndexFunc(ues, func(u UeBuffer) bool { return wantsMore(dir, u) })
		if idx < 0 {
			break
		}
		ue := ues[idx].Ue
		s := ue.Side(dir)
		for rbg, ok := notch.NextSet(0); ok; rbg, ok = notch.NextSet(rbg + 1) {
			s.Rbgs = append(s.Rbgs, uint16(rbg))
			s.Syms = append(s.Syms, sym)
		}
		s.Tbs = ctx.tbs(dir, ue)
	}

	for _, b := range active {
		for _, u := range b.Ues {
			if n := uint32(len(u.Ue.Side(dir).Rbgs)) / usable; n > 0 {
				out[b.Beam] += uint8(n)
			}
		}
	}
	return out
}

// CreateDci places the UE's symbols contiguously at sp and advances it.
func (TDMA) CreateDci(dir model.Direction, ctx *PlacementContext, sp *PointInFTPlane, ue *UeInfo, beamSym uint8) *model.DCI {
	s := ue.Side(dir)
	tbs := ctx.Amc(dir).CalculateTbSize(s.Mcs(), s.Rank(), uint32(len(s.Rbgs))*ctx.RbPerRbg)
	if tbs < minTbs(dir) {
		return nil
	}
	numSym := max(uint8(uint32(len(s.Rbgs))/ctx.usable(dir)), 1)
	var start uint8
	if dir == model.DL {
		start = sp.Sym
		sp.Sym += numSym
	} else {
		numSym = min(numSym, beamSym)
		sp.Sym -= numSym
		start = sp.Sym
	}
	return newDataDci(dir, ctx, ue, tbs, start, numSym, ctx.Notch(dir).Clone())
}

// ChangeBeam only rewinds the frequency cursor: CreateDci already moved the
// symbol cursor.
func (TDMA) ChangeBeam(_ model.Direction, sp *PointInFTPlane, _ uint8) {
	sp.Rbg = 0
}

func newDataDci(dir model.Direction, ctx *PlacementContext, ue *UeInfo, tbs uint32, start, numSym uint8, mask *bitset.BitSet) *model.DCI {
	s := ue.Side(dir)
	d := model.NewDci(ue.Rnti, dir, ctx.NumRbg)
	d.SymStart = start
	d.NumSym = numSym
	d.Mcs = s.Mcs()
	d.Rank = s.Rank()
	d.Precoding = s.Cqi.Precoding
	d.Tbs = tbs
	d.BwpID = ctx.BwpID
	d.Tpc = 1
	d.RbgMask = mask
	return d
}
