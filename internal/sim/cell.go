package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/signalsfoundry/nr-scheduler/amc"
	"github.com/signalsfoundry/nr-scheduler/harq"
	"github.com/signalsfoundry/nr-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-scheduler/model"
	"github.com/signalsfoundry/nr-scheduler/sched"
	"github.com/signalsfoundry/nr-scheduler/timectrl"
)

// CellMetrics receives the cell-level gauges once per slot.
type CellMetrics interface {
	SetCellCounts(ues, pendingSr int, slot uint64)
}

// CellOption customises a Cell.
type CellOption func(*Cell)

// WithLogger sets the cell logger.
func WithLogger(log logging.Logger) CellOption {
	return func(c *Cell) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics installs the cell gauges.
func WithMetrics(m CellMetrics) CellOption {
	return func(c *Cell) { c.metrics = m }
}

type ueState struct {
	profile  UeProfile
	lcg      map[uint8]uint8 // lcid to group, uplink side
	rach     bool
	attached bool
	released bool

	dlCredit  float64
	ulCredit  float64
	dlBacklog map[uint8]uint32 // by lcid
	ulBacklog map[uint8]uint32 // by lcg
	srPending bool
}

// Cell drives one scheduler slot by slot. It is a timectrl listener and is
// not safe for concurrent use; Stats is.
type Cell struct {
	scn     Scenario
	sch     *sched.Scheduler
	amcDl   *amc.Amc
	amcUl   *amc.Amc
	clock   timectrl.SimClock
	events  EventQueue
	harqDl  *harq.Tracker
	harqUl  *harq.Tracker
	rng     *rand.Rand
	log     logging.Logger
	metrics CellMetrics
	stats   Stats

	numRb    uint32
	rbPerRbg uint32
	ues      map[uint16]*ueState
	order    []uint16

	pendingDl []model.HarqFeedback
	pendingUl []model.HarqFeedback

	chanSlot uint64
	channel  map[uint16][]float64

	// err is the first request the scheduler refused. It ends the run.
	err error
}

// NewCell wires a scenario around s. The clock must be the one whose
// listeners call OnSlot.
func NewCell(scn Scenario, s *sched.Scheduler, amcDl, amcUl *amc.Amc, clock timectrl.SimClock, opts ...CellOption) (*Cell, error) {
	if err := scn.Validate(); err != nil {
		return nil, err
	}
	if s == nil || amcDl == nil || amcUl == nil || clock == nil {
		return nil, fmt.Errorf("%w: cell needs a scheduler, both amcs and a clock", ErrInvalidScenario)
	}
	cfg := s.Config()
	dl, ul := harq.NewCellTrackers(cfg.HarqProcesses)
	c := &Cell{
		scn:      scn,
		sch:      s,
		amcDl:    amcDl,
		amcUl:    amcUl,
		clock:    clock,
		events:   NewEventQueue(clock),
		harqDl:   dl,
		harqUl:   ul,
		rng:      rand.New(rand.NewPCG(scn.Seed, scn.Seed^0x9e3779b97f4a7c15)),
		log:      logging.Noop(),
		numRb:    cfg.NumRbg * cfg.RbPerRbg,
		rbPerRbg: cfg.RbPerRbg,
		ues:      make(map[uint16]*ueState, len(scn.Ues)),
		channel:  make(map[uint16][]float64),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, p := range scn.Ues {
		if len(p.Lcs) == 0 {
			p.Lcs = DefaultLcs()
		}
		st := &ueState{
			profile:   p,
			lcg:       make(map[uint8]uint8),
			dlBacklog: make(map[uint8]uint32),
			ulBacklog: make(map[uint8]uint32),
		}
		for _, lc := range p.Lcs {
			if lc.Direction.Has(model.UL) {
				st.lcg[lc.Lcid] = lc.Lcg
			}
		}
		c.ues[p.Rnti] = st
		c.order = append(c.order, p.Rnti)
	}
	slices.Sort(c.order)
	return c, nil
}

// Stats returns the run counters.
func (c *Cell) Stats() *Stats { return &c.stats }

// Scheduler returns the driven scheduler.
func (c *Cell) Scheduler() *sched.Scheduler { return c.sch }

// OnSlot runs one slot: delayed reports, arrivals, traffic, channel reports,
// both triggers and the decoding of what they granted. A request the
// scheduler refuses breaks its preconditions, so the error is returned and
// every later slot fails with it.
func (c *Cell) OnSlot(ctx context.Context, sfn model.SfnSf) error {
	if c.err != nil {
		return c.err
	}
	now := c.clock.Slot()
	c.events.RunDue()

	c.arrivals(ctx, sfn, now)
	c.traffic(ctx, sfn)
	c.reportCqi(ctx, now)

	dlFb := c.pendingDl
	c.pendingDl = nil
	dl := c.sch.SchedDlTrigger(ctx, model.TriggerReq{
		SfnSf:        sfn,
		SlotType:     c.scn.SlotType(now),
		HarqFeedback: dlFb,
	})
	c.decodeDl(ctx, now, dl)

	ulSlot := now + uint64(c.scn.K2)
	ulFb := c.pendingUl
	c.pendingUl = nil
	ul := c.sch.SchedUlTrigger(ctx, model.TriggerReq{
		SfnSf:        sfn.Add(c.scn.K2),
		SlotType:     c.scn.SlotType(ulSlot),
		HarqFeedback: ulFb,
	})
	c.events.Schedule(ulSlot, func() { c.receiveUl(ctx, ul) })

	// anything due in this very slot, such as uplink with K2 of zero
	c.events.RunDue()

	if c.err != nil {
		c.log.Error(ctx, "scheduler refused a request", logging.Slot(sfn), logging.Err(c.err))
		return c.err
	}
	c.stats.update(func(s *StatsSnapshot) { s.Slots++ })
	if c.metrics != nil {
		c.metrics.SetCellCounts(c.sch.NumUes(), len(c.sch.PendingSr()), now)
	}
	return nil
}

func (c *Cell) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// arrivals starts random access and releases UEs whose time is up.
func (c *Cell) arrivals(ctx context.Context, sfn model.SfnSf, now uint64) {
	var rach []uint16
	for _, rnti := range c.order {
		ue := c.ues[rnti]
		p := ue.profile
		if !ue.rach && !ue.released && p.AttachSlot <= now {
			ue.rach = true
			rach = append(rach, rnti)
		}
		if ue.attached && p.DetachSlot != 0 && p.DetachSlot <= now {
			c.release(ctx, ue)
		}
	}
	if len(rach) == 0 {
		return
	}
	if err := c.sch.RachInfo(ctx, model.RachReq{SfnSf: sfn, Rntis: rach}); err != nil {
		c.fail(fmt.Errorf("rach: %w", err))
	}
}

func (c *Cell) attach(ctx context.Context, ue *ueState) {
	if ue.attached || ue.released {
		return
	}
	p := ue.profile
	if err := c.sch.ConfigureUe(ctx, model.UeConfigReq{Rnti: p.Rnti, Beam: p.Beam}); err != nil {
		c.fail(fmt.Errorf("configure ue %d: %w", p.Rnti, err))
		return
	}
	if err := c.sch.ConfigureLc(ctx, model.LcConfigReq{Rnti: p.Rnti, Lcs: p.Lcs}); err != nil {
		c.fail(fmt.Errorf("configure lcs of ue %d: %w", p.Rnti, err))
		return
	}
	ue.attached = true
	c.stats.update(func(s *StatsSnapshot) { s.Attached++ })
	c.log.Info(ctx, "ue connected", logging.Rnti(p.Rnti), logging.String("beam", p.Beam.String()))
}

func (c *Cell) release(ctx context.Context, ue *ueState) {
	rnti := ue.profile.Rnti
	if err := c.sch.ReleaseUe(ctx, rnti); err != nil {
		c.fail(fmt.Errorf("release ue %d: %w", rnti, err))
	}
	c.harqDl.RemoveUe(rnti)
	c.harqUl.RemoveUe(rnti)
	isUe := func(fb model.HarqFeedback) bool { return fb.Rnti == rnti }
	c.pendingDl = slices.DeleteFunc(c.pendingDl, isUe)
	c.pendingUl = slices.DeleteFunc(c.pendingUl, isUe)
	ue.attached = false
	ue.released = true
	c.stats.update(func(s *StatsSnapshot) { s.Released++ })
}

// traffic adds the bytes offered during one slot. Downlink arrivals are
// reported per channel; uplink arrivals raise a scheduling request unless
// one is already pending.
func (c *Cell) traffic(ctx context.Context, sfn model.SfnSf) {
	period := c.sch.Config().SlotPeriod().Seconds()
	var sr []uint16
	for _, rnti := range c.order {
		ue := c.ues[rnti]
		if !ue.attached {
			continue
		}
		p := ue.profile

		ue.dlCredit += float64(p.DlRateBps) * period / 8
		if n := uint32(ue.dlCredit); n > 0 {
			ue.dlCredit -= float64(n)
			c.offerDl(ctx, ue, n)
		}

		ue.ulCredit += float64(p.UlRateBps) * period / 8
		if n := uint32(ue.ulCredit); n > 0 {
			ue.ulCredit -= float64(n)
			if g, ok := firstUlLcg(p.Lcs); ok {
				ue.ulBacklog[g] += n
				if !ue.srPending {
					ue.srPending = true
					sr = append(sr, rnti)
				}
			}
		}
	}
	if len(sr) == 0 {
		return
	}
	if err := c.sch.SrInfo(ctx, model.SrReq{SfnSf: sfn, Rntis: sr}); err != nil {
		c.fail(fmt.Errorf("scheduling request: %w", err))
	}
}

// offerDl splits n bytes evenly over the downlink channels, the remainder
// to the first, and reports the new queue sizes.
func (c *Cell) offerDl(ctx context.Context, ue *ueState, n uint32) {
	var lcids []uint8
	for _, lc := range ue.profile.Lcs {
		if lc.Direction.Has(model.DL) {
			lcids = append(lcids, lc.Lcid)
		}
	}
	if len(lcids) == 0 {
		return
	}
	share := n / uint32(len(lcids))
	rest := n - share*uint32(len(lcids))
	for i, lcid := range lcids {
		add := share
		if i == 0 {
			add += rest
		}
		ue.dlBacklog[lcid] += add
		req := model.RlcBufferReq{Rnti: ue.profile.Rnti, Lcid: lcid, TxQueue: ue.dlBacklog[lcid]}
		if err := c.sch.RlcBufferReq(ctx, req); err != nil {
			c.fail(fmt.Errorf("buffer report of ue %d: %w", ue.profile.Rnti, err))
		}
	}
}

func firstUlLcg(lcs []model.LcConfig) (uint8, bool) {
	for _, lc := range lcs {
		if lc.Direction.Has(model.UL) {
			return lc.Lcg, true
		}
	}
	return 0, false
}

// sinr returns the per-RB linear SINR of rnti during slot now. Every RB
// fades independently around the UE mean; one draw serves both directions.
func (c *Cell) sinr(rnti uint16, now uint64) []float64 {
	if now != c.chanSlot {
		clear(c.channel)
		c.chanSlot = now
	}
	if v, ok := c.channel[rnti]; ok {
		return v
	}
	mean := c.ues[rnti].profile.SinrDb
	v := make([]float64, c.numRb)
	for rb := range v {
		db := mean + c.rng.NormFloat64()*c.scn.FadingDb
		v[rb] = math.Pow(10, db/10)
	}
	c.channel[rnti] = v
	return v
}

// reportCqi sends the periodic downlink reports. UEs are staggered by RNTI
// over the period.
func (c *Cell) reportCqi(ctx context.Context, now uint64) {
	period := uint64(c.scn.CqiPeriod)
	if period == 0 {
		return
	}
	sbSize := c.sch.Config().SubbandSize
	for _, rnti := range c.order {
		ue := c.ues[rnti]
		if !ue.attached || (now+uint64(rnti))%period != 0 {
			continue
		}
		sinr := c.sinr(rnti, now)
		if ue.profile.Layers > 1 {
			c.reportMimoCqi(ctx, rnti, sinr, ue.profile.Layers, sbSize)
			continue
		}
		wb, _ := c.amcDl.CreateCqiFeedbackSiso(sinr)
		info := model.DlCqiInfo{Rnti: rnti, Type: model.CqiWB, WbCqi: wb, Ri: 1}
		if sbSize > 0 {
			info.Type = model.CqiSB
			for lo := uint32(0); lo < c.numRb; lo += sbSize {
				cqi, _ := c.amcDl.CreateCqiFeedbackSiso(sinr[lo:min(lo+sbSize, c.numRb)])
				info.SbCqi = append(info.SbCqi, cqi)
			}
		}
		if err := c.sch.DlCqiInfo(ctx, info); err != nil {
			c.fail(fmt.Errorf("dl cqi of ue %d: %w", rnti, err))
		}
	}
}

// reportMimoCqi picks the rank with the largest wideband TBS. Transmit power
// is split evenly over the layers.
func (c *Cell) reportMimoCqi(ctx context.Context, rnti uint16, sinr []float64, layers uint8, sbSize uint32) {
	var best amc.MaxMcsParams
	for rank := uint8(1); rank <= layers; rank++ {
		p := c.amcDl.GetMaxMcsParams(layerSinr(sinr, rank), int(sbSize))
		if rank == 1 || p.TbSize > best.TbSize {
			best = p
		}
	}
	info := model.DlCqiInfo{
		Rnti:  rnti,
		Type:  model.CqiWB,
		WbCqi: best.WbCqi,
		Ri:    max(best.Rank, 1),
	}
	if sbSize > 0 {
		info.Type = model.CqiSB
		info.SbCqi = best.SbCqis
	}
	if err := c.sch.DlCqiInfo(ctx, info); err != nil {
		c.fail(fmt.Errorf("dl cqi of ue %d: %w", rnti, err))
	}
}

// layerSinr splits a per-RB SINR vector over rank layers.
func layerSinr(sinr []float64, rank uint8) [][]float64 {
	if rank <= 1 {
		return [][]float64{sinr}
	}
	layer := make([]float64, len(sinr))
	for i, v := range sinr {
		layer[i] = v / float64(rank)
	}
	out := make([][]float64, rank)
	for i := range out {
		out[i] = layer
	}
	return out
}

// rbMap expands an RBG mask to the RB indices it covers.
func (c *Cell) rbMap(d *model.DCI) []int {
	var out []int
	for rbg, ok := d.RbgMask.NextSet(0); ok; rbg, ok = d.RbgMask.NextSet(rbg + 1) {
		base := int(rbg) * int(c.rbPerRbg)
		for i := range int(c.rbPerRbg) {
			out = append(out, base+i)
		}
	}
	return out
}

// decode runs the error model on one data grant and updates the process
// history. It reports whether the block got through.
func (c *Cell) decode(dir model.Direction, tracker *harq.Tracker, a *amc.Amc, d *model.DCI, now uint64) bool {
	if !d.IsRetx() {
		tracker.ResetProcessStatus(d.Rnti, d.HarqProcess)
	}
	hist := tracker.ProcessHistory(d.Rnti, d.HarqProcess)
	out := a.ErrorModel().TbDecodeStats(layerSinr(c.sinr(d.Rnti, now), d.Rank)[0], c.rbMap(d), d.Tbs, d.Mcs, hist)
	ack := c.rng.Float64() >= out.Bler
	if ack {
		tracker.ResetProcessStatus(d.Rnti, d.HarqProcess)
	} else {
		tracker.UpdateProcessStatus(d.Rnti, d.HarqProcess, out)
	}
	c.stats.link(dir, func(l *LinkStats) {
		if d.IsRetx() {
			l.Retx++
		} else {
			l.NewTx++
		}
		l.TxBytes += uint64(d.Tbs)
		if ack {
			l.Acks++
			l.DeliveredBytes += uint64(d.Tbs)
		} else {
			l.Nacks++
		}
	})
	return ack
}

// decodeDl decodes the downlink grants of this slot and queues their
// feedback K1 slots later.
func (c *Cell) decodeDl(ctx context.Context, now uint64, alloc *model.SlotAllocation) {
	var fb []model.HarqFeedback
	for _, a := range alloc.DataAllocs() {
		d := a.DCI
		ue, ok := c.ues[d.Rnti]
		if !ok || !ue.attached || d.Type != model.DciData {
			continue
		}
		if !d.IsRetx() {
			for _, pdu := range a.RlcPdus {
				ue.dlBacklog[pdu.Lcid] -= min(pdu.Size, ue.dlBacklog[pdu.Lcid])
			}
		}
		ack := c.decode(model.DL, c.harqDl, c.amcDl, d, now)
		fb = append(fb, model.HarqFeedback{Rnti: d.Rnti, HarqProcessID: d.HarqProcess, Ack: ack})
	}
	if len(fb) == 0 {
		return
	}
	c.events.Schedule(now+uint64(c.scn.K1), func() {
		for _, f := range fb {
			if c.ues[f.Rnti].attached {
				c.pendingDl = append(c.pendingDl, f)
			}
		}
	})
	c.log.Debug(ctx, "dl decoded", logging.Slot(alloc.SfnSf), logging.Int("blocks", len(fb)))
}

// receiveUl runs when the slot of an uplink allocation comes: Msg3 ends
// random access, sounding and data refresh the uplink CQI, and decoded data
// carries a fresh buffer status report.
func (c *Cell) receiveUl(ctx context.Context, alloc *model.SlotAllocation) {
	now := c.clock.Slot()
	for _, a := range alloc.Allocs {
		d := a.DCI
		ue, ok := c.ues[d.Rnti]
		if !ok {
			continue
		}
		switch d.Type {
		case model.DciMsg3:
			c.stats.update(func(s *StatsSnapshot) { s.Msg3++ })
			c.attach(ctx, ue)
		case model.DciSrs:
			if !ue.attached {
				continue
			}
			c.stats.update(func(s *StatsSnapshot) { s.Srs++ })
			c.reportUlCqi(ctx, alloc.SfnSf, ue, now)
		case model.DciData:
			if !ue.attached {
				continue
			}
			c.receiveUlData(ctx, alloc.SfnSf, ue, a, now)
		}
	}
}

func (c *Cell) receiveUlData(ctx context.Context, sfn model.SfnSf, ue *ueState, a model.VarTtiAlloc, now uint64) {
	d := a.DCI
	if !d.IsRetx() {
		for _, pdu := range a.RlcPdus {
			g, ok := ue.lcg[pdu.Lcid]
			if !ok {
				continue
			}
			ue.ulBacklog[g] -= min(pdu.Size, ue.ulBacklog[g])
		}
	}
	ack := c.decode(model.UL, c.harqUl, c.amcUl, d, now)
	c.pendingUl = append(c.pendingUl, model.HarqFeedback{Rnti: d.Rnti, HarqProcessID: d.HarqProcess, Ack: ack})
	c.reportUlCqi(ctx, sfn, ue, now)
	if !ack {
		return
	}

	groups := make([]uint8, 0, len(ue.ulBacklog))
	for g := range ue.ulBacklog {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	bsr := model.BsrReq{Rnti: d.Rnti}
	var left uint32
	for _, g := range groups {
		bsr.Buffers = append(bsr.Buffers, model.LcgBuffer{Lcg: g, Bytes: ue.ulBacklog[g]})
		left += ue.ulBacklog[g]
	}
	if len(bsr.Buffers) > 0 {
		if err := c.sch.MacCeBsr(ctx, bsr); err != nil {
			c.fail(fmt.Errorf("bsr of ue %d: %w", d.Rnti, err))
		}
	}
	// while the scheduler knows of data, new arrivals wait for the next report
	ue.srPending = left > 0
}

func (c *Cell) reportUlCqi(ctx context.Context, sfn model.SfnSf, ue *ueState, now uint64) {
	rnti := ue.profile.Rnti
	info := model.UlCqiInfo{SfnSf: sfn, Rnti: rnti, Sinr: c.sinr(rnti, now)}
	if err := c.sch.UlCqiInfo(ctx, info); err != nil {
		c.fail(fmt.Errorf("ul cqi of ue %d: %w", rnti, err))
	}
}
