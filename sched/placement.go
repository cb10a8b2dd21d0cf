package sched

import (
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/signalsfoundry/nr-scheduler/amc"
	"github.com/signalsfoundry/nr-scheduler/model"
)

// Grants smaller than these byte counts are not worth a DCI.
const (
	minTbsDl uint32 = 10
	minTbsUl uint32 = 12
)

func minTbs(dir model.Direction) uint32 {
	if dir == model.DL {
		return minTbsDl
	}
	return minTbsUl
}

// PointInFTPlane is the cursor of the slot being built. In downlink it moves
// forward from the first data symbol; in uplink it moves backward from the
// first control symbol at the end of the slot.
type PointInFTPlane struct {
	Rbg uint32
	Sym uint8
}

// PlacementContext carries the cell parameters a placement strategy needs.
type PlacementContext struct {
	NumRbg   uint32
	RbPerRbg uint32
	DlNotch  *bitset.BitSet
	UlNotch  *bitset.BitSet
	AmcDl    *amc.Amc
	AmcUl    *amc.Amc
	Limiter  CapacityLimiter
	BwpID    uint16
}

// Notch returns the usable RBG mask of dir.
func (c *PlacementContext) Notch(dir model.Direction) *bitset.BitSet {
	if dir == model.DL {
		return c.DlNotch
	}
	return c.UlNotch
}

// Amc returns the AMC of dir.
func (c *PlacementContext) Amc(dir model.Direction) *amc.Amc {
	if dir == model.DL {
		return c.AmcDl
	}
	return c.AmcUl
}

// usable counts the RBGs of dir that may carry data.
func (c *PlacementContext) usable(dir model.Direction) uint32 {
	return uint32(c.Notch(dir).Count())
}

// tbs sizes the transport block of the RBG-symbol units ue holds in dir.
func (c *PlacementContext) tbs(dir model.Direction, ue *UeInfo) uint32 {
	s := ue.Side(dir)
	return c.Amc(dir).CalculateTbSize(s.Mcs(), s.Rank(), uint32(len(s.Rbgs))*c.RbPerRbg)
}

// UeBuffer pairs an active UE with the bytes it has queued.
type UeBuffer struct {
	Ue    *UeInfo
	Bytes uint32
}

// BeamUes is the set of active UEs sharing one beam.
type BeamUes struct {
	Beam model.BeamID
	Ues  []UeBuffer
}

// Bytes returns the bytes queued over the whole beam.
func (b BeamUes) Bytes() uint64 {
	var total uint64
	for _, u := range b.Ues {
		total += uint64(u.Bytes)
	}
	return total
}

// ActiveUeMap is the active set of one trigger, ordered by beam.
type ActiveUeMap []BeamUes

// NumUes counts the UEs of every beam.
func (m ActiveUeMap) NumUes() int {
	n := 0
	for _, b := range m {
		n += len(b.Ues)
	}
	return n
}

// Placement decides which RBGs and symbols each active UE receives. The
// scheduler only sees this interface.
type Placement interface {
	// AssignRbg fills the per-slot Rbgs of the active UEs and returns the
	// symbols each beam occupies.
	AssignRbg(dir model.Direction, ctx *PlacementContext, symAvail uint8, active ActiveUeMap) map[model.BeamID]uint8
	// CreateDci turns the assignment of ue into a grant positioned at sp, or
	// returns nil when the transport block would be too small.
	CreateDci(dir model.Direction, ctx *PlacementContext, sp *PointInFTPlane, ue *UeInfo, beamSym uint8) *model.DCI
	// ChangeBeam moves sp past the symbols of a finished beam.
	ChangeBeam(dir model.Direction, sp *PointInFTPlane, beamSym uint8)
}

// wantsMore reports whether ue would still use more resources.
func wantsMore(dir model.Direction, ub UeBuffer) bool {
	return ub.Ue.Side(dir).Tbs < max(ub.Bytes, minTbs(dir))
}

// sortByFewestRbgs orders ues by assigned units, keeping ties in place.
func sortByFewestRbgs(dir model.Direction, ues []UeBuffer) {
	slices.SortStableFunc(ues, func(a, b UeBuffer) int {
		return len(a.Ue.Side(dir).Rbgs) - len(b.Ue.Side(dir).Rbgs)
	})
}

func maskOf(numRbg uint32, rbgs []uint16) *bitset.BitSet {
	m := bitset.New(uint(numRbg))
	for _, r := range rbgs {
		m.Set(uint(r))
	}
	return m
}

func sortUint16(s []uint16) { slices.Sort(s) }

func compareBeams(a, b model.BeamID) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
