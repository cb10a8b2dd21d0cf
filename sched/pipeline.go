package sched

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/signalsfoundry/nr-scheduler/cqi"
	"github.com/signalsfoundry/nr-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-scheduler/lcg"
	"github.com/signalsfoundry/nr-scheduler/model"
	"github.com/signalsfoundry/nr-scheduler/ram"
)

// srMinTbs is the smallest grant answering a scheduling request: enough for
// a buffer status report.
const srMinTbs uint32 = 4

// reservationFrames is how long, in frames, the grants of a past slot are
// remembered for uplink CQI lookup.
const reservationFrames = 2

// reservation records what each direction already took from one slot. The
// uplink of a slot is usually decided several slots before its downlink.
type reservation struct {
	sfn    model.SfnSf
	dlSym  uint8
	ulSym  uint8
	dl     []model.VarTtiAlloc
	ul     []model.VarTtiAlloc
	dlDone bool
	ulDone bool
}

func (r *reservation) record(dir model.Direction, alloc *model.SlotAllocation, used uint8) {
	if dir == model.DL {
		r.dl, r.dlSym, r.dlDone = slices.Clone(alloc.Allocs), used, true
		return
	}
	r.ul, r.ulSym, r.ulDone = slices.Clone(alloc.Allocs), used, true
}

// forget drops the grants of a released UE.
func (r *reservation) forget(rnti uint16) {
	owned := func(a model.VarTtiAlloc) bool { return a.DCI.Type != model.DciCtrl && a.DCI.Rnti == rnti }
	r.dl = slices.DeleteFunc(r.dl, owned)
	r.ul = slices.DeleteFunc(r.ul, owned)
}

// takeUlData removes and returns the uplink data grant of rnti, if any.
func (r *reservation) takeUlData(rnti uint16) *model.DCI {
	i := slices.IndexFunc(r.ul, func(a model.VarTtiAlloc) bool {
		return a.DCI.Type == model.DciData && a.DCI.Rnti == rnti
	})
	if i < 0 {
		return nil
	}
	d := r.ul[i].DCI
	r.ul = slices.Delete(r.ul, i, i+1)
	return d
}

func (s *Scheduler) reservation(sfn model.SfnSf) *reservation {
	key := sfn.Encode()
	r, ok := s.reservations[key]
	if !ok {
		r = &reservation{sfn: sfn}
		s.reservations[key] = r
	}
	return r
}

func (s *Scheduler) pruneReservations(now model.SfnSf) {
	keep := uint64(reservationFrames) * uint64(now.SlotsPerFrame())
	cur := now.Normalize()
	for key, r := range s.reservations {
		if r.sfn.Normalize()+keep < cur {
			delete(s.reservations, key)
		}
	}
}

// ReservedSymbols returns the data symbols dir already took from sfn.
func (s *Scheduler) ReservedSymbols(sfn model.SfnSf, dir model.Direction) uint8 {
	r, ok := s.reservations[sfn.Encode()]
	if !ok {
		return 0
	}
	if dir == model.DL {
		return r.dlSym
	}
	return r.ulSym
}

// SchedDlTrigger decides the downlink grants of req.SfnSf.
func (s *Scheduler) SchedDlTrigger(ctx context.Context, req model.TriggerReq) *model.SlotAllocation {
	return s.trigger(ctx, model.DL, req)
}

// SchedUlTrigger decides the uplink grants of req.SfnSf.
func (s *Scheduler) SchedUlTrigger(ctx context.Context, req model.TriggerReq) *model.SlotAllocation {
	return s.trigger(ctx, model.UL, req)
}

// trigger runs one pass of the pipeline. CQI refresh, HARQ expiry and
// feedback processing happen on every trigger; grants are only built when
// the slot carries dir. Otherwise every pending retransmission is carried.
func (s *Scheduler) trigger(ctx context.Context, dir model.Direction, req model.TriggerReq) *model.SlotAllocation {
	begin := time.Now()
	ctx, span := observability.StartTriggerSpan(ctx, s.tracer, dir, req)

	if s.limiter != nil {
		s.limiter.StartSlot(req.SfnSf, dir)
	}
	s.pruneReservations(req.SfnSf)
	res := s.reservation(req.SfnSf)
	alloc := &model.SlotAllocation{SfnSf: req.SfnSf, BwpID: s.cfg.BwpID}

	if dir == model.DL {
		s.cqi.RefreshDlCqiMaps(ctx, s.cqiStates(dir))
	} else {
		s.cqi.RefreshUlCqiMaps(ctx, s.cqiStates(dir))
	}
	s.expireHarq(ctx, dir)
	retx := s.harqRR(dir).ProcessFeedback(ctx, MergeFeedback(s.carried(dir), req.HarqFeedback), s.ues)

	var used uint8
	var active int
	switch {
	case !req.SlotType.Carries(dir):
		carry := make([]model.HarqFeedback, 0, len(retx))
		for _, p := range retx {
			carry = append(carry, p.HarqFeedback)
		}
		s.setCarried(dir, carry)
	case dir == model.DL:
		used, active = s.buildDl(ctx, res, alloc, retx)
	default:
		used, active = s.buildUl(ctx, req.SfnSf, res, alloc, retx)
	}
	res.record(dir, alloc, used)
	if s.cfg.CheckResourceMatrix {
		s.checkSlot(ctx, dir, res)
	}

	carried := len(s.carried(dir))
	s.metrics.ObserveSlot(dir, used, active)
	s.metrics.SetHarqCarryOver(dir, carried)
	s.metrics.ObserveTriggerDuration(dir, time.Since(begin))
	observability.EndTriggerSpan(span, alloc, used, active, carried)
	s.log.Debug(ctx, "slot scheduled",
		logging.Slot(req.SfnSf),
		logging.String("direction", dir.String()),
		logging.Int("dci", len(alloc.Allocs)),
		logging.Uint("symbols", uint64(used)),
		logging.Int("carry_over", carried),
	)
	return alloc
}

func (s *Scheduler) buildDl(ctx context.Context, res *reservation, alloc *model.SlotAllocation, retx []PendingFeedback) (uint8, int) {
	cfg := s.cfg
	for sym := range cfg.DlCtrlSymbols {
		alloc.Allocs = append(alloc.Allocs, model.VarTtiAlloc{
			DCI:    model.NewCtrlDci(model.DL, sym, cfg.NumRbg, cfg.BwpID),
			IsOmni: true,
		})
	}
	symAvail := cfg.DataSymbols() - min(res.ulSym, cfg.DataSymbols())
	sp := &PointInFTPlane{Sym: cfg.DlCtrlSymbols}
	pc := s.placementContext()

	harqSym, carry := s.harqDl.ScheduleDlHarq(ctx, pc, sp, symAvail, retx, s.ues, alloc, s.metrics)
	s.carryDl = carry
	symAvail -= harqSym

	active := s.computeActiveUe(ctx, model.DL, alloc)
	s.scheduleData(ctx, model.DL, pc, sp, symAvail, active, alloc)

	used := sp.Sym - cfg.DlCtrlSymbols
	alloc.NumSymAlloc = uint32(cfg.DlCtrlSymbols) + uint32(used)
	return used, active.NumUes()
}

func (s *Scheduler) buildUl(ctx context.Context, sfn model.SfnSf, res *reservation, alloc *model.SlotAllocation, retx []PendingFeedback) (uint8, int) {
	cfg := s.cfg
	symAvail := cfg.DataSymbols()
	if res.dlDone {
		symAvail -= min(res.dlSym, symAvail)
	}
	top := cfg.SymbolsPerSlot - cfg.UlCtrlSymbols
	sp := &PointInFTPlane{Sym: top}
	pc := s.placementContext()

	symAvail -= s.scheduleSrs(ctx, sfn, sp, symAvail, alloc)

	harqSym, carry := s.harqUl.ScheduleUlHarq(ctx, pc, sp, symAvail, retx, s.ues, alloc, s.metrics)
	s.carryUl = carry
	symAvail -= harqSym

	symAvail -= s.scheduleMsg3(ctx, pc, sp, symAvail, alloc)
	symAvail -= s.scheduleSr(ctx, pc, sp, symAvail, alloc)

	active := s.computeActiveUe(ctx, model.UL, alloc)
	s.scheduleData(ctx, model.UL, pc, sp, symAvail, active, alloc)

	for i := range cfg.UlCtrlSymbols {
		alloc.Allocs = append(alloc.Allocs, model.VarTtiAlloc{
			DCI:    model.NewCtrlDci(model.UL, top+i, cfg.NumRbg, cfg.BwpID),
			IsOmni: true,
		})
	}
	used := top - sp.Sym
	alloc.NumSymAlloc = uint32(cfg.UlCtrlSymbols) + uint32(used)
	return used, active.NumUes()
}

func (s *Scheduler) cqiStates(dir model.Direction) iter.Seq[*cqi.State] {
	return func(yield func(*cqi.State) bool) {
		for _, ue := range s.sortedUes() {
			if !yield(&ue.Side(dir).Cqi) {
				return
			}
		}
	}
}

// expireHarq frees the processes whose feedback never came.
func (s *Scheduler) expireHarq(ctx context.Context, dir model.Direction) {
	for _, ue := range s.sortedUes() {
		for _, pid := range ue.Side(dir).Harq.ExpireTimers(s.cfg.HarqTimeout) {
			s.log.Debug(ctx, "harq process expired",
				logging.Rnti(ue.Rnti),
				logging.String("direction", dir.String()),
				logging.Uint("pid", uint64(pid)),
			)
		}
	}
}

func (s *Scheduler) harqRR(dir model.Direction) *HarqRR {
	if dir == model.DL {
		return s.harqDl
	}
	return s.harqUl
}

func (s *Scheduler) carried(dir model.Direction) []model.HarqFeedback {
	if dir == model.DL {
		return s.carryDl
	}
	return s.carryUl
}

func (s *Scheduler) setCarried(dir model.Direction, fb []model.HarqFeedback) {
	if dir == model.DL {
		s.carryDl = fb
	} else {
		s.carryUl = fb
	}
}

// computeActiveUe groups by beam the UEs with queued bytes, no grant yet in
// this slot and a free HARQ process.
func (s *Scheduler) computeActiveUe(ctx context.Context, dir model.Direction, alloc *model.SlotAllocation) ActiveUeMap {
	var out ActiveUeMap
	for _, ue := range s.sortedUes() {
		if alloc.HasAllocFor(ue.Rnti) {
			continue
		}
		side := ue.Side(dir)
		bytes := side.BufferSize()
		if bytes == 0 {
			continue
		}
		if !side.Harq.CanInsert() {
			s.log.Debug(ctx, "ue skipped, no free harq process", logging.Rnti(ue.Rnti), logging.String("direction", dir.String()))
			continue
		}
		i := slices.IndexFunc(out, func(b BeamUes) bool { return b.Beam == ue.Beam })
		if i < 0 {
			out = append(out, BeamUes{Beam: ue.Beam})
			i = len(out) - 1
		}
		out[i].Ues = append(out[i].Ues, UeBuffer{Ue: ue, Bytes: bytes})
	}
	slices.SortStableFunc(out, func(a, b BeamUes) int { return compareBeams(a.Beam, b.Beam) })
	return out
}

// scheduleData places new data for the active UEs. Grants whose transport
// block comes out too small are dropped, not retried.
func (s *Scheduler) scheduleData(ctx context.Context, dir model.Direction, pc *PlacementContext, sp *PointInFTPlane,
	symAvail uint8, active ActiveUeMap, alloc *model.SlotAllocation) {
	if symAvail == 0 || len(active) == 0 {
		return
	}
	defer func() {
		for _, b := range active {
			for _, u := range b.Ues {
				u.Ue.Side(dir).resetSlot()
			}
		}
	}()

	beamSym := s.placement.AssignRbg(dir, pc, symAvail, active)
	var placed []model.VarTtiAlloc
	for _, b := range active {
		assigned := false
		for _, u := range b.Ues {
			ue := u.Ue
			side := ue.Side(dir)
			if len(side.Rbgs) == 0 {
				continue
			}
			rbgSym := uint32(len(side.Rbgs))
			if !limiterFits(pc.Limiter, dir, side.Mcs(), side.Rank(), rbgSym) {
				s.log.Debug(ctx, "grant refused by capacity limiter", logging.Rnti(ue.Rnti))
				continue
			}
			dci := s.placement.CreateDci(dir, pc, sp, ue, beamSym[b.Beam])
			if dci == nil {
				s.metrics.IncZeroTbsDrop(dir)
				s.log.Debug(ctx, "grant dropped, transport block too small",
					logging.Rnti(ue.Rnti),
					logging.Uint("mcs", uint64(side.Mcs())),
					logging.Int("units", len(side.Rbgs)),
				)
				continue
			}
			assigned = true

			pid, ok := side.Harq.Insert(dci, slices.Clone(side.Rbgs))
			if !ok {
				panic(fmt.Sprintf("sched: no free %s harq process for rnti %d", dir, ue.Rnti))
			}
			pdus := s.distribute(dir, side, dci.Tbs)
			if len(pdus) == 0 {
				panic(fmt.Sprintf("sched: %s grant of %d bytes for rnti %d carries no data", dir, dci.Tbs, ue.Rnti))
			}
			side.Harq.Get(pid).LcPdus = pdus
			limiterCommit(pc.Limiter, dir, dci.Mcs, dci.Rank, rbgSym)
			s.metrics.AddDci(dir, false)
			s.metrics.AddBytes(dir, dci.Tbs)
			placed = append(placed, model.VarTtiAlloc{DCI: dci, RlcPdus: pdus})
		}
		if assigned {
			s.placement.ChangeBeam(dir, sp, beamSym[b.Beam])
		}
	}
	if dir == model.DL {
		alloc.Allocs = append(alloc.Allocs, placed...)
	} else {
		alloc.Allocs = append(placed, alloc.Allocs...)
	}
}

func (s *Scheduler) distribute(dir model.Direction, side *DirState, tbs uint32) []model.RlcPduInfo {
	var assignments []lcg.Assignment
	if dir == model.DL {
		assignments = s.distributor.AssignBytesToDlLc(side.Lcgs, tbs, s.cfg.SlotPeriod())
	} else {
		assignments = s.distributor.AssignBytesToUlLc(side.Lcgs, tbs, s.cfg.SlotPeriod())
	}
	pdus := make([]model.RlcPduInfo, 0, len(assignments))
	for _, a := range assignments {
		side.Lcgs[a.Lcg].AssignedData(a.Lc, a.Bytes)
		pdus = append(pdus, model.RlcPduInfo{Lcid: a.Lc, Size: a.Bytes})
	}
	return pdus
}

// scheduleSrs grants sounding symbols to the UEs whose offset matches the
// slot inside the period.
func (s *Scheduler) scheduleSrs(ctx context.Context, sfn model.SfnSf, sp *PointInFTPlane, symAvail uint8, alloc *model.SlotAllocation) uint8 {
	period := s.cfg.SrsPeriodicity
	if period == 0 {
		return 0
	}
	slot := uint32(sfn.Normalize() % uint64(period))
	num := s.cfg.SrsSymbols
	var used uint8
	for _, ue := range s.sortedUes() {
		if ue.SrsOffset != slot {
			continue
		}
		if int(used)+int(num) > int(symAvail) {
			s.log.Debug(ctx, "srs skipped, no room", logging.Rnti(ue.Rnti), logging.Slot(sfn))
			break
		}
		sp.Sym -= num
		used += num
		d := &model.DCI{
			Rnti:     ue.Rnti,
			Format:   model.UL,
			SymStart: sp.Sym,
			NumSym:   num,
			Rank:     1,
			Type:     model.DciSrs,
			BwpID:    s.cfg.BwpID,
			RbgMask:  s.ulNotch.Clone(),
		}
		alloc.Allocs = append([]model.VarTtiAlloc{{DCI: d}}, alloc.Allocs...)
	}
	return used
}

// scheduleMsg3 grants one omni symbol per pending random access.
func (s *Scheduler) scheduleMsg3(ctx context.Context, pc *PlacementContext, sp *PointInFTPlane, symAvail uint8, alloc *model.SlotAllocation) uint8 {
	var used uint8
	for len(s.rachList) > 0 && used < symAvail {
		rnti := s.rachList[0]
		s.rachList = s.rachList[1:]
		sp.Sym--
		used++
		d := model.NewDci(rnti, model.UL, pc.NumRbg)
		d.SymStart = sp.Sym
		d.NumSym = 1
		d.Type = model.DciMsg3
		d.BwpID = pc.BwpID
		d.Tpc = 1
		d.RbgMask = pc.UlNotch.Clone()
		d.Tbs = pc.AmcUl.CalculateTbSize(0, 1, pc.usable(model.UL)*pc.RbPerRbg)
		alloc.Allocs = append([]model.VarTtiAlloc{{DCI: d, IsOmni: true}}, alloc.Allocs...)
		s.log.Debug(ctx, "msg3 granted", logging.Rnti(rnti), logging.Uint("sym", uint64(d.SymStart)))
	}
	return used
}

// scheduleSr answers scheduling requests with the smallest grant of whole
// symbols able to carry a buffer status report. Requests that cannot be
// served stay pending.
func (s *Scheduler) scheduleSr(ctx context.Context, pc *PlacementContext, sp *PointInFTPlane, symAvail uint8, alloc *model.SlotAllocation) uint8 {
	var used uint8
	var pending []uint16
	for _, rnti := range s.srList {
		ue, ok := s.ues[rnti]
		if !ok {
			panic(fmt.Sprintf("sched: scheduling request for unknown rnti %d", rnti))
		}
		side := &ue.Ul
		if alloc.HasAllocFor(rnti) || !side.Harq.CanInsert() {
			pending = append(pending, rnti)
			continue
		}
		var numSym uint8
		for side.Tbs < srMinTbs && used+numSym < symAvail {
			for rbg, ok := pc.UlNotch.NextSet(0); ok; rbg, ok = pc.UlNotch.NextSet(rbg + 1) {
				side.Rbgs = append(side.Rbgs, uint16(rbg))
				side.Syms = append(side.Syms, numSym)
			}
			numSym++
			side.Tbs = pc.tbs(model.UL, ue)
		}
		rbgSym := uint32(len(side.Rbgs))
		if side.Tbs < srMinTbs || !limiterFits(pc.Limiter, model.UL, side.Mcs(), side.Rank(), rbgSym) {
			side.resetSlot()
			pending = append(pending, rnti)
			continue
		}

		sp.Sym -= numSym
		used += numSym
		d := newDataDci(model.UL, pc, ue, side.Tbs, sp.Sym, numSym, pc.UlNotch.Clone())
		if _, ok := side.Harq.Insert(d, slices.Clone(side.Rbgs)); !ok {
			panic(fmt.Sprintf("sched: no free ul harq process for rnti %d", rnti))
		}
		limiterCommit(pc.Limiter, model.UL, d.Mcs, d.Rank, rbgSym)
		s.metrics.AddDci(model.UL, false)
		alloc.Allocs = append([]model.VarTtiAlloc{{DCI: d}}, alloc.Allocs...)
		s.log.Debug(ctx, "scheduling request granted",
			logging.Rnti(rnti),
			logging.Uint("tbs", uint64(d.Tbs)),
			logging.Uint("symbols", uint64(numSym)),
		)
		side.resetSlot()
	}
	s.srList = pending
	return used
}

// checkSlot replays the slot into a resource matrix: first the grants of
// dir against its notch, then, once both directions are decided, the whole
// slot. A violation means the grid is corrupt and the run cannot go on.
func (s *Scheduler) checkSlot(ctx context.Context, dir model.Direction, res *reservation) {
	own, notch := res.dl, s.dlNotch
	if dir == model.UL {
		own, notch = res.ul, s.ulNotch
	}
	if _, err := ram.CheckSlotAllocation(&model.SlotAllocation{Allocs: own}, s.BeamOf, notch, s.cfg.NumRbg, s.cfg.SymbolsPerSlot); err != nil {
		s.failCheck(ctx, res.sfn, err)
	}
	if !res.dlDone || !res.ulDone {
		return
	}
	both := append(slices.Clone(res.dl), res.ul...)
	if _, err := ram.CheckSlotAllocation(&model.SlotAllocation{Allocs: both}, s.BeamOf, nil, s.cfg.NumRbg, s.cfg.SymbolsPerSlot); err != nil {
		s.failCheck(ctx, res.sfn, err)
	}
}

func (s *Scheduler) failCheck(ctx context.Context, sfn model.SfnSf, err error) {
	s.log.Error(ctx, "resource matrix check failed", logging.Slot(sfn), logging.Err(err))
	panic(err)
}
