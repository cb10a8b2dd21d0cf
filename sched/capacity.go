package sched

import (
	"github.com/signalsfoundry/nr-scheduler/amc"
	"github.com/signalsfoundry/nr-scheduler/model"
)

// CapacityLimiter caps what a slot may carry on top of the symbol budget,
// for instance the bandwidth of the fronthaul link. rbgSym is the number of
// RBG-symbol units of the grant.
type CapacityLimiter interface {
	StartSlot(sfn model.SfnSf, dir model.Direction)
	Fits(dir model.Direction, mcs, rank uint8, rbgSym uint32) bool
	Commit(dir model.Direction, mcs, rank uint8, rbgSym uint32)
}

func limiterFits(l CapacityLimiter, dir model.Direction, mcs, rank uint8, rbgSym uint32) bool {
	return l == nil || l.Fits(dir, mcs, rank, rbgSym)
}

func limiterCommit(l CapacityLimiter, dir model.Direction, mcs, rank uint8, rbgSym uint32) {
	if l != nil {
		l.Commit(dir, mcs, rank, rbgSym)
	}
}

// FronthaulLimiter bounds the modulated bits each slot may push over the
// fronthaul, per direction.
type FronthaulLimiter struct {
	capacityBits uint64
	rbPerRbg     uint32
	dl, ul       amc.ErrorModel
	used         [2]uint64
}

var _ CapacityLimiter = (*FronthaulLimiter)(nil)

// NewFronthaulLimiter returns a limiter allowing capacityBits per slot and
// direction.
func NewFronthaulLimiter(capacityBits uint64, rbPerRbg uint32, dl, ul *amc.Amc) *FronthaulLimiter {
	return &FronthaulLimiter{
		capacityBits: capacityBits,
		rbPerRbg:     rbPerRbg,
		dl:           dl.ErrorModel(),
		ul:           ul.ErrorModel(),
	}
}

// StartSlot clears the budget of dir.
func (f *FronthaulLimiter) StartSlot(_ model.SfnSf, dir model.Direction) {
	f.used[dir] = 0
}

func (f *FronthaulLimiter) cost(dir model.Direction, mcs, rank uint8, rbgSym uint32) uint64 {
	em := f.dl
	if dir == model.UL {
		em = f.ul
	}
	qm := uint64(em.ModulationOrder(mcs))
	return uint64(rbgSym) * uint64(f.rbPerRbg) * 12 * qm * uint64(max(rank, 1))
}

// Fits reports whether the grant still fits in the remaining budget.
func (f *FronthaulLimiter) Fits(dir model.Direction, mcs, rank uint8, rbgSym uint32) bool {
	return f.used[dir]+f.cost(dir, mcs, rank, rbgSym) <= f.capacityBits
}

// Commit charges the grant against the budget.
func (f *FronthaulLimiter) Commit(dir model.Direction, mcs, rank uint8, rbgSym uint32) {
	f.used[dir] += f.cost(dir, mcs, rank, rbgSym)
}

// Used returns the bits charged to dir in the current slot.
func (f *FronthaulLimiter) Used(dir model.Direction) uint64 { return f.used[dir] }
