package sched

import (
	"context"
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/signalsfoundry/nr-scheduler/harq"
	"github.com/signalsfoundry/nr-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-scheduler/model"
)

// PendingFeedback is HARQ feedback waiting to be acted on. Carried entries
// come from an earlier slot whose budget could not hold the retransmission.
type PendingFeedback struct {
	model.HarqFeedback
	Carried bool
}

type harqKey struct {
	rnti uint16
	pid  uint8
}

// MergeFeedback joins the carried feedback with the feedback of this slot.
// Carried entries come first. When both name the same process the entry
// keeps its first position and takes the newest content.
func MergeFeedback(carried, fresh []model.HarqFeedback) []PendingFeedback {
	out := make([]PendingFeedback, 0, len(carried)+len(fresh))
	index := make(map[harqKey]int, cap(out))
	add := func(fb model.HarqFeedback, isCarried bool) {
		k := harqKey{fb.Rnti, fb.HarqProcessID}
		if i, ok := index[k]; ok {
			out[i].HarqFeedback = fb
			return
		}
		index[k] = len(out)
		out = append(out, PendingFeedback{HarqFeedback: fb, Carried: isCarried})
	}
	for _, fb := range carried {
		add(fb, true)
	}
	for _, fb := range fresh {
		add(fb, false)
	}
	return out
}

// SortDlHarq puts carried retransmissions first, then the tallest ones.
func SortDlHarq(retx []PendingFeedback, ues map[uint16]*UeInfo) {
	numSym := func(p PendingFeedback) int {
		return int(ues[p.Rnti].Dl.Harq.Get(p.HarqProcessID).Dci.NumSym)
	}
	slices.SortStableFunc(retx, func(a, b PendingFeedback) int {
		if c := carriedFirst(a, b); c != 0 {
			return c
		}
		return numSym(b) - numSym(a)
	})
}

// SortUlHarq puts carried retransmissions first.
func SortUlHarq(retx []PendingFeedback) {
	slices.SortStableFunc(retx, carriedFirst)
}

func carriedFirst(a, b PendingFeedback) int {
	switch {
	case a.Carried == b.Carried:
		return 0
	case a.Carried:
		return -1
	default:
		return 1
	}
}

// HarqRR places HARQ retransmissions of one direction. Beams are served in
// a rotation that starts one beam later on every call.
type HarqRR struct {
	dir   model.Direction
	beams []model.BeamID
	next  int
	log   logging.Logger
}

// NewHarqRR returns an empty rotation for dir.
func NewHarqRR(dir model.Direction, log logging.Logger) *HarqRR {
	if log == nil {
		log = logging.Noop()
	}
	return &HarqRR{dir: dir, log: log}
}

// ProcessFeedback applies feedback to the process vectors. An ACK, or a NACK
// of a transmission already at the last redundancy version, frees the
// process. Other NACKs mark it for retransmission and are returned. Feedback
// for detached UEs or inactive processes is dropped.
func (h *HarqRR) ProcessFeedback(ctx context.Context, pending []PendingFeedback, ues map[uint16]*UeInfo) []PendingFeedback {
	var retx []PendingFeedback
	for _, fb := range pending {
		ue, ok := ues[fb.Rnti]
		if !ok {
			h.log.Debug(ctx, "harq feedback for detached ue", logging.Rnti(fb.Rnti))
			continue
		}
		pv := ue.Side(h.dir).Harq
		if int(fb.HarqProcessID) >= pv.Len() {
			h.log.Debug(ctx, "harq feedback for unknown process", logging.Rnti(fb.Rnti), logging.Uint("pid", uint64(fb.HarqProcessID)))
			continue
		}
		proc := pv.Get(fb.HarqProcessID)
		if !proc.Active {
			continue
		}
		if fb.Ack || proc.Dci.Rv >= harq.MaxRv {
			pv.Erase(fb.HarqProcessID)
			continue
		}
		pv.ReceivedFeedback(fb.HarqProcessID)
		retx = append(retx, fb)
	}
	return retx
}

// track adds beams never seen before, in beam order.
func (h *HarqRR) track(beams []model.BeamID) {
	var fresh []model.BeamID
	for _, b := range beams {
		if !slices.Contains(h.beams, b) && !slices.Contains(fresh, b) {
			fresh = append(fresh, b)
		}
	}
	slices.SortFunc(fresh, compareBeams)
	h.beams = append(h.beams, fresh...)
}

// rotation returns the beams of groups in serving order for this call.
func (h *HarqRR) rotation(groups map[model.BeamID][]PendingFeedback) []model.BeamID {
	if len(h.beams) == 0 {
		return nil
	}
	start := h.next % len(h.beams)
	h.next = start + 1
	order := make([]model.BeamID, 0, len(groups))
	for i := range h.beams {
		b := h.beams[(start+i)%len(h.beams)]
		if _, ok := groups[b]; ok {
			order = append(order, b)
		}
	}
	return order
}

// harqBlock is a symbol range opened for one beam. Further retransmissions
// of the beam may share it when their RBGs are disjoint.
type harqBlock struct {
	start  uint8
	height uint8
	used   *bitset.BitSet
}

func fitBlock(blocks []harqBlock, d *model.DCI) (int, bool) {
	for i, b := range blocks {
		if d.NumSym <= b.height && b.used.IntersectionCardinality(d.RbgMask) == 0 {
			return i, true
		}
	}
	return 0, false
}

// ScheduleDlHarq places downlink retransmissions forward from sp.
func (h *HarqRR) ScheduleDlHarq(ctx context.Context, pc *PlacementContext, sp *PointInFTPlane, symAvail uint8,
	retx []PendingFeedback, ues map[uint16]*UeInfo, alloc *model.SlotAllocation, m MetricsRecorder) (uint8, []model.HarqFeedback) {
	SortDlHarq(retx, ues)
	return h.schedule(ctx, pc, sp, symAvail, retx, ues, alloc, m)
}

// ScheduleUlHarq places uplink retransmissions backward from sp.
func (h *HarqRR) ScheduleUlHarq(ctx context.Context, pc *PlacementContext, sp *PointInFTPlane, symAvail uint8,
	retx []PendingFeedback, ues map[uint16]*UeInfo, alloc *model.SlotAllocation, m MetricsRecorder) (uint8, []model.HarqFeedback) {
	SortUlHarq(retx)
	return h.schedule(ctx, pc, sp, symAvail, retx, ues, alloc, m)
}

// schedule reuses the footprint, MCS and rank of the original grant. Once the
// budget cannot open a block, the rest of the beam and every later beam is
// carried. So is a second process of a UE already served and any grant the
// capacity limiter refuses.
func (h *HarqRR) schedule(ctx context.Context, pc *PlacementContext, sp *PointInFTPlane, symAvail uint8,
	retx []PendingFeedback, ues map[uint16]*UeInfo, alloc *model.SlotAllocation, m MetricsRecorder) (uint8, []model.HarqFeedback) {
	if len(retx) == 0 {
		return 0, nil
	}
	groups := make(map[model.BeamID][]PendingFeedback)
	var beams []model.BeamID
	for _, fb := range retx {
		ue, ok := ues[fb.Rnti]
		if !ok {
			panic(fmt.Sprintf("sched: retransmission for unknown rnti %d", fb.Rnti))
		}
		if _, seen := groups[ue.Beam]; !seen {
			beams = append(beams, ue.Beam)
		}
		groups[ue.Beam] = append(groups[ue.Beam], fb)
	}
	h.track(beams)

	var (
		used      uint8
		exhausted bool
		placed    []model.VarTtiAlloc
		carry     []model.HarqFeedback
		served    = make(map[uint16]bool)
	)
	for _, beam := range h.rotation(groups) {
		var blocks []harqBlock
		for _, fb := range groups[beam] {
			side := ues[fb.Rnti].Side(h.dir)
			proc := side.Harq.Get(fb.HarqProcessID)
			d := proc.Dci
			rbgSym := d.NumRbg() * uint32(d.NumSym)
			if exhausted || served[fb.Rnti] || !limiterFits(pc.Limiter, h.dir, d.Mcs, d.Rank, rbgSym) {
				carry = append(carry, fb.HarqFeedback)
				continue
			}

			i, ok := fitBlock(blocks, d)
			if !ok {
				if int(used)+int(d.NumSym) > int(symAvail) {
					exhausted = true
					carry = append(carry, fb.HarqFeedback)
					continue
				}
				start := sp.Sym + used
				if h.dir == model.UL {
					start = sp.Sym - used - d.NumSym
				}
				blocks = append(blocks, harqBlock{start: start, height: d.NumSym, used: bitset.New(uint(pc.NumRbg))})
				i = len(blocks) - 1
				used += d.NumSym
			}
			blocks[i].used.InPlaceUnion(d.RbgMask)

			re := d.Clone()
			re.Ndi = 0
			re.Rv = d.Rv + 1
			re.SymStart = blocks[i].start
			side.Harq.Retransmitted(fb.HarqProcessID, re)
			placed = append(placed, model.VarTtiAlloc{DCI: re, RlcPdus: proc.LcPdus})
			limiterCommit(pc.Limiter, h.dir, re.Mcs, re.Rank, rbgSym)
			served[fb.Rnti] = true
			m.AddDci(h.dir, true)
			h.log.Debug(ctx, "harq retransmission placed",
				logging.Rnti(fb.Rnti),
				logging.Uint("pid", uint64(fb.HarqProcessID)),
				logging.Uint("rv", uint64(re.Rv)),
				logging.Uint("sym_start", uint64(re.SymStart)),
			)
		}
	}

	if h.dir == model.DL {
		alloc.Allocs = append(alloc.Allocs, placed...)
		sp.Sym += used
	} else {
		alloc.Allocs = append(placed, alloc.Allocs...)
		sp.Sym -= used
	}
	if len(carry) > 0 {
		h.log.Debug(ctx, "harq retransmissions carried over",
			logging.String("direction", h.dir.String()),
			logging.Int("count", len(carry)),
		)
	}
	return used, carry
}
