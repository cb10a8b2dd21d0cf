package sched

import (
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// subbandCqiSpread is how far below the first RBG's subband CQI a further
// RBG may be before the UE stops taking more.
const subbandCqiSpread = 4

// BeamSymbols selects how OFDMA splits the data symbols across beams.
type BeamSymbols uint8

const (
	// BeamSymbolsLoadBased shares symbols in proportion to queued bytes.
	BeamSymbolsLoadBased BeamSymbols = iota
	// BeamSymbolsRoundRobin hands out symbols one at a time, rotating over the
	// active beams across slots.
	BeamSymbolsRoundRobin
)

func (b BeamSymbols) String() string {
	switch b {
	case BeamSymbolsLoadBased:
		return "load"
	case BeamSymbolsRoundRobin:
		return "rr"
	default:
		return "unknown"
	}
}

// OFDMA serves one beam per symbol range and shares the RBGs of that range
// among the UEs of the beam. Every UE of a beam spans all its symbols.
type OFDMA struct {
	mode BeamSymbols
	// rr is the rotation queue for BeamSymbolsRoundRobin.
	rr []model.BeamID
}

var _ Placement = (*OFDMA)(nil)

// NewOFDMA returns an OFDMA placement splitting symbols with mode.
func NewOFDMA(mode BeamSymbols) *OFDMA {
	return &OFDMA{mode: mode}
}

func (o *OFDMA) symbolsPerBeam(symAvail uint8, active ActiveUeMap) map[model.BeamID]uint8 {
	if o.mode == BeamSymbolsRoundRobin {
		return o.roundRobinSymbols(symAvail, active)
	}
	return loadBasedSymbols(symAvail, active)
}

func loadBasedSymbols(symAvail uint8, active ActiveUeMap) map[model.BeamID]uint8 {
	out := make(map[model.BeamID]uint8, len(active))
	var total uint64
	for _, b := range active {
		total += b.Bytes()
	}
	if total == 0 {
		return out
	}
	var assigned uint8
	for _, b := range active {
		n := uint8(b.Bytes() * uint64(symAvail) / total)
		out[b.Beam] = n
		assigned += n
	}
	for left := symAvail - assigned; left > 0; left-- {
		least := active[0].Beam
		for _, b := range active[1:] {
			if out[b.Beam] < out[least] {
				least = b.Beam
			}
		}
		out[least]++
	}
	return out
}

func (o *OFDMA) roundRobinSymbols(symAvail uint8, active ActiveUeMap) map[model.BeamID]uint8 {
	out := make(map[model.BeamID]uint8, len(active))
	if len(active) == 0 {
		return out
	}
	q := make([]model.BeamID, 0, len(active))
	for _, b := range o.rr {
		if slices.ContainsFunc(active, func(a BeamUes) bool { return a.Beam == b }) {
			q = append(q, b)
		}
	}
	for _, a := range active {
		if !slices.Contains(q, a.Beam) {
			q = append(q, a.Beam)
		}
	}
	for range symAvail {
		b := q[0]
		q = append(q[1:], b)
		out[b]++
	}
	o.rr = q
	return out
}

func (o *OFDMA) AssignRbg(dir model.Direction, ctx *PlacementContext, symAvail uint8, active ActiveUeMap) map[model.BeamID]uint8 {
	out := make(map[model.BeamID]uint8)
	if symAvail == 0 || len(active) == 0 {
		return out
	}
	perBeam := o.symbolsPerBeam(symAvail, active)
	for _, b := range active {
		n := perBeam[b.Beam]
		if n == 0 {
			continue
		}
		if assignBeam(dir, ctx, n, b.Ues) {
			out[b.Beam] = n
		}
	}
	return out
}

// assignBeam shares the usable RBGs among ues, each RBG taken for all
// beamSym symbols. UEs that end below the minimum transport block, or that
// the capacity limiter refuses, give their RBGs back.
func assignBeam(dir model.Direction, ctx *PlacementContext, beamSym uint8, ues []UeBuffer) bool {
	remaining := ctx.Notch(dir).Clone()
	cands := slices.Clone(ues)
	for {
		fill(dir, ctx, beamSym, cands, remaining)
		victim := -1
		for i, u := range cands {
			s := u.Ue.Side(dir)
			if len(s.Rbgs) == 0 || s.Tbs >= minTbs(dir) {
				continue
			}
			if victim < 0 || s.Tbs < cands[victim].Ue.Side(dir).Tbs {
				victim = i
			}
		}
		if victim < 0 {
			break
		}
		release(dir, cands[victim].Ue, remaining)
		cands = slices.Delete(cands, victim, victim+1)
	}

	assigned := false
	for _, u := range cands {
		s := u.Ue.Side(dir)
		if len(s.Rbgs) == 0 {
			continue
		}
		if !limiterFits(ctx.Limiter, dir, s.Mcs(), s.Rank(), uint32(len(s.Rbgs))) {
			release(dir, u.Ue, remaining)
			continue
		}
		assigned = true
	}
	return assigned
}

func fill(dir model.Direction, ctx *PlacementContext, beamSym uint8, cands []UeBuffer, remaining *bitset.BitSet) {
	for remaining.Any() {
		sortByFewestRbgs(dir, cands)
		idx := slices.IndexFunc(cands, func(u UeBuffer) bool { return wantsMore(dir, u) })
		if idx < 0 || !allocate(dir, ctx, cands[idx].Ue, beamSym, remaining) {
			return
		}
	}
}

// allocate gives ue one more RBG. Downlink UEs with subband reports take the
// best remaining subband, and refuse one that is much worse than what they
// already hold.
func allocate(dir model.Direction, ctx *PlacementContext, ue *UeInfo, beamSym uint8, remaining *bitset.BitSet) bool {
	s := ue.Side(dir)
	rbg, ok := remaining.NextSet(0)
	if !ok {
		return false
	}
	if dir == model.DL && len(s.Cqi.RbgToSb) > 0 {
		var best uint8
		for r, ok := remaining.NextSet(0); ok; r, ok = remaining.NextSet(r + 1) {
			if c, _ := s.Cqi.SubbandCqiForRbg(uint32(r)); c > best {
				best, rbg = c, r
			}
		}
		if best == 0 {
			return false
		}
		if len(s.Rbgs) > 0 {
			first, _ := s.Cqi.SubbandCqiForRbg(uint32(s.Rbgs[0]))
			if int(best) < int(first)-subbandCqiSpread {
				return false
			}
		}
	}
	for i := range beamSym {
		s.Rbgs = append(s.Rbgs, uint16(rbg))
		s.Syms = append(s.Syms, i)
	}
	remaining.Clear(rbg)
	s.Tbs = ctx.tbs(dir, ue)
	return true
}

func release(dir model.Direction, ue *UeInfo, remaining *bitset.BitSet) {
	s := ue.Side(dir)
	for _, r := range s.Rbgs {
		remaining.Set(uint(r))
	}
	s.resetSlot()
}

func (o *OFDMA) CreateDci(dir model.Direction, ctx *PlacementContext, sp *PointInFTPlane, ue *UeInfo, beamSym uint8) *model.DCI {
	s := ue.Side(dir)
	tbs := ctx.tbs(dir, ue)
	if tbs < minTbs(dir) {
		return nil
	}
	start := sp.Sym
	if dir == model.UL {
		start = sp.Sym - beamSym
	}
	return newDataDci(dir, ctx, ue, tbs, start, beamSym, maskOf(ctx.NumRbg, s.UniqueRbgs()))
}

func (o *OFDMA) ChangeBeam(dir model.Direction, sp *PointInFTPlane, beamSym uint8) {
	if dir == model.DL {
		sp.Sym += beamSym
	} else {
		sp.Sym -= beamSym
	}
	sp.Rbg = 0
}
