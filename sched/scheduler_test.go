package sched

import (
	"context"
	"errors"
	"slices"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/nr-scheduler/amc"
	"github.com/signalsfoundry/nr-scheduler/harq"
	"github.com/signalsfoundry/nr-scheduler/model"
)

func testAmc(t *testing.T) *amc.Amc {
	t.Helper()
	em, err := amc.NewEesmModel(amc.McsTable1)
	if err != nil {
		t.Fatalf("NewEesmModel: %v", err)
	}
	a, err := amc.New(em)
	if err != nil {
		t.Fatalf("amc.New: %v", err)
	}
	return a
}

// smallCell is 10 RBGs of 4 RBs with 12 data symbols. At MCS 10 one full
// symbol carries 63 bytes.
func smallCell() Config {
	cfg := DefaultConfig()
	cfg.NumRbg = 10
	cfg.RbPerRbg = 4
	cfg.StartMcsDl = 10
	cfg.StartMcsUl = 10
	cfg.CheckResourceMatrix = true
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, testAmc(t), testAmc(t), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func attach(t *testing.T, s *Scheduler, rnti uint16, beam model.BeamID) {
	t.Helper()
	ctx := context.Background()
	if err := s.ConfigureUe(ctx, model.UeConfigReq{Rnti: rnti, Beam: beam}); err != nil {
		t.Fatalf("ConfigureUe: %v", err)
	}
	err := s.ConfigureLc(ctx, model.LcConfigReq{Rnti: rnti, Lcs: []model.LcConfig{{Lcid: 1, Lcg: 0}}})
	if err != nil {
		t.Fatalf("ConfigureLc: %v", err)
	}
}

func dlBuffer(t *testing.T, s *Scheduler, rnti uint16, bytes uint32) {
	t.Helper()
	if err := s.RlcBufferReq(context.Background(), model.RlcBufferReq{Rnti: rnti, Lcid: 1, TxQueue: bytes}); err != nil {
		t.Fatalf("RlcBufferReq: %v", err)
	}
}

func slotAt(n uint32) model.SfnSf { return model.SfnSf{}.Add(n) }

func dlTrigger(s *Scheduler, n uint32, fb ...model.HarqFeedback) *model.SlotAllocation {
	return s.SchedDlTrigger(context.Background(), model.TriggerReq{SfnSf: slotAt(n), SlotType: model.SlotF, HarqFeedback: fb})
}

func ulTrigger(s *Scheduler, n uint32, fb ...model.HarqFeedback) *model.SlotAllocation {
	return s.SchedUlTrigger(context.Background(), model.TriggerReq{SfnSf: slotAt(n), SlotType: model.SlotF, HarqFeedback: fb})
}

type countingMetrics struct {
	noopMetrics
	zeroTbs int
	newDci  int
	retxDci int
}

func (c *countingMetrics) IncZeroTbsDrop(model.Direction) { c.zeroTbs++ }

func (c *countingMetrics) AddDci(_ model.Direction, retx bool) {
	if retx {
		c.retxDci++
	} else {
		c.newDci++
	}
}

func TestEmptyCellHasNoDataGrants(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	alloc := dlTrigger(s, 0)
	if got := len(alloc.DataAllocs()); got != 0 {
		t.Fatalf("got %d data grants, want 0", got)
	}
	if got := len(alloc.Allocs); got != int(s.Config().DlCtrlSymbols) {
		t.Fatalf("got %d grants, want only the control symbols", got)
	}
}

func TestTdmaDownlinkGrant(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)

	alloc := dlTrigger(s, 0)
	data := alloc.DataAllocs()
	if len(data) != 1 {
		t.Fatalf("got %d data grants, want 1", len(data))
	}
	d := data[0].DCI
	// one symbol carries 63 bytes, two carry 129
	if d.SymStart != 1 || d.NumSym != 2 || d.Tbs != 129 || d.NumRbg() != 10 {
		t.Fatalf("unexpected grant %s", d)
	}
	var assigned uint32
	for _, p := range data[0].RlcPdus {
		assigned += p.Size
	}
	if assigned != d.Tbs {
		t.Fatalf("got %d bytes distributed, want the whole block of %d", assigned, d.Tbs)
	}
	if alloc.NumSymAlloc != 3 {
		t.Fatalf("got %d symbols allocated, want 3", alloc.NumSymAlloc)
	}

	ue, _ := s.Ue(1)
	if got := ue.Dl.BufferSize(); got != 0 {
		t.Fatalf("got %d bytes left queued, want 0", got)
	}
	proc := ue.Dl.Harq.Get(d.HarqProcess)
	if !proc.Active || proc.Status != harq.WaitingFeedback {
		t.Fatalf("got process %+v, want active and waiting", proc)
	}
	if len(ue.Dl.Rbgs) != 0 || ue.Dl.Tbs != 0 {
		t.Fatalf("per-slot assignment not reset")
	}
}

func TestNackIsRetransmittedWithSameFootprint(t *testing.T) {
	m := &countingMetrics{}
	s := newTestScheduler(t, smallCell(), WithMetrics(m))
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)
	first := dlTrigger(s, 0).DataAllocs()[0].DCI

	alloc := dlTrigger(s, 1, model.HarqFeedback{Rnti: 1, HarqProcessID: first.HarqProcess})
	data := alloc.DataAllocs()
	if len(data) != 1 {
		t.Fatalf("got %d grants, want the retransmission only", len(data))
	}
	re := data[0].DCI
	if re.Rv != 1 || re.Ndi != 0 {
		t.Fatalf("got rv %d ndi %d, want rv 1 ndi 0", re.Rv, re.Ndi)
	}
	if re.NumSym != first.NumSym || !re.RbgMask.Equal(first.RbgMask) || re.Tbs != first.Tbs || re.Mcs != first.Mcs {
		t.Fatalf("retransmission %s does not keep the footprint of %s", re, first)
	}
	if len(data[0].RlcPdus) != 1 || data[0].RlcPdus[0].Size != first.Tbs {
		t.Fatalf("retransmission lost its pdus: %+v", data[0].RlcPdus)
	}
	if m.retxDci != 1 || m.newDci != 1 {
		t.Fatalf("got %d new and %d retx grants, want 1 and 1", m.newDci, m.retxDci)
	}

	dlTrigger(s, 2, model.HarqFeedback{Rnti: 1, HarqProcessID: first.HarqProcess, Ack: true})
	ue, _ := s.Ue(1)
	if got := ue.Dl.Harq.NumActive(); got != 0 {
		t.Fatalf("got %d active processes after ack, want 0", got)
	}
}

func TestNackAtLastRedundancyVersionEndsProcess(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)
	pid := dlTrigger(s, 0).DataAllocs()[0].DCI.HarqProcess
	nack := model.HarqFeedback{Rnti: 1, HarqProcessID: pid}
	for n := uint32(1); n <= harq.MaxRv; n++ {
		if got := dlTrigger(s, n, nack).DataAllocs(); len(got) != 1 || got[0].DCI.Rv != uint8(n) {
			t.Fatalf("slot %d: unexpected grants %v", n, got)
		}
	}
	if got := dlTrigger(s, harq.MaxRv+1, nack).DataAllocs(); len(got) != 0 {
		t.Fatalf("got %d grants after the last redundancy version, want 0", len(got))
	}
	ue, _ := s.Ue(1)
	if ue.Dl.Harq.Get(pid).Active {
		t.Fatalf("process still active")
	}
}

func TestExpiredCqiFallsBackToStartMcs(t *testing.T) {
	cfg := smallCell()
	cfg.CqiTimer = 2
	s := newTestScheduler(t, cfg)
	attach(t, s, 1, model.BeamID{Sector: 1})
	if err := s.DlCqiInfo(context.Background(), model.DlCqiInfo{Rnti: 1, WbCqi: 15}); err != nil {
		t.Fatalf("DlCqiInfo: %v", err)
	}
	ue, _ := s.Ue(1)
	if ue.Dl.Mcs() != 27 {
		t.Fatalf("got mcs %d after cqi 15, want 27", ue.Dl.Mcs())
	}

	dlTrigger(s, 0)
	dlTrigger(s, 1)
	if ue.Dl.Mcs() != 27 {
		t.Fatalf("report expired early: mcs %d", ue.Dl.Mcs())
	}
	dlTrigger(s, 2)
	if ue.Dl.Mcs() != cfg.StartMcsDl || ue.Dl.Cqi.WbCqi != 1 {
		t.Fatalf("got cqi %d mcs %d, want 1 and %d", ue.Dl.Cqi.WbCqi, ue.Dl.Mcs(), cfg.StartMcsDl)
	}
}

func TestTooSmallBlockIsDropped(t *testing.T) {
	cfg := smallCell()
	cfg.StartMcsDl = 0
	cfg.SymbolsPerSlot = 3
	m := &countingMetrics{}
	s := newTestScheduler(t, cfg, WithMetrics(m))
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)

	// one symbol at MCS 0 carries 5 bytes
	alloc := dlTrigger(s, 0)
	if got := len(alloc.DataAllocs()); got != 0 {
		t.Fatalf("got %d data grants, want 0", got)
	}
	if m.zeroTbs != 1 {
		t.Fatalf("got %d drops, want 1", m.zeroTbs)
	}
	ue, _ := s.Ue(1)
	if ue.Dl.BufferSize() != 100 || ue.Dl.Harq.NumActive() != 0 {
		t.Fatalf("dropped grant left state behind")
	}
}

func TestOfdmaSharesSymbolsByLoad(t *testing.T) {
	s := newTestScheduler(t, smallCell(), WithPlacement(NewOFDMA(BeamSymbolsLoadBased)))
	attach(t, s, 1, model.BeamID{Sector: 1})
	attach(t, s, 2, model.BeamID{Sector: 2})
	dlBuffer(t, s, 1, 100)
	dlBuffer(t, s, 2, 300)

	data := dlTrigger(s, 0).DataAllocs()
	if len(data) != 2 {
		t.Fatalf("got %d grants, want 2", len(data))
	}
	a, b := data[0].DCI, data[1].DCI
	if a.Rnti != 1 || a.SymStart != 1 || a.NumSym != 3 || a.NumRbg() != 6 || a.Tbs != 115 {
		t.Fatalf("unexpected first beam grant %s", a)
	}
	if b.Rnti != 2 || b.SymStart != 4 || b.NumSym != 9 || b.NumRbg() != 6 || b.Tbs != 353 {
		t.Fatalf("unexpected second beam grant %s", b)
	}
}

func TestOfdmaSplitsRbgsInsideBeam(t *testing.T) {
	s := newTestScheduler(t, smallCell(), WithPlacement(NewOFDMA(BeamSymbolsLoadBased)))
	attach(t, s, 1, model.BeamID{Sector: 1})
	attach(t, s, 2, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)
	dlBuffer(t, s, 2, 100)

	data := dlTrigger(s, 0).DataAllocs()
	if len(data) != 2 {
		t.Fatalf("got %d grants, want 2", len(data))
	}
	a, b := data[0].DCI, data[1].DCI
	if a.SymStart != b.SymStart || a.NumSym != 12 || b.NumSym != 12 {
		t.Fatalf("grants of one beam must share its symbols: %s / %s", a, b)
	}
	if a.RbgMask.IntersectionCardinality(b.RbgMask) != 0 {
		t.Fatalf("grants overlap: %s / %s", a, b)
	}
	if a.NumRbg() != 2 || b.NumRbg() != 2 {
		t.Fatalf("got %d and %d rbg, want 2 each", a.NumRbg(), b.NumRbg())
	}
}

func TestUplinkReservationShrinksDownlink(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	attach(t, s, 1, model.BeamID{Sector: 1})
	ctx := context.Background()
	if err := s.MacCeBsr(ctx, model.BsrReq{Rnti: 1, Buffers: []model.LcgBuffer{{Lcg: 0, Bytes: 200}}}); err != nil {
		t.Fatalf("MacCeBsr: %v", err)
	}
	dlBuffer(t, s, 1, 100)

	ul := ulTrigger(s, 4).DataAllocs()
	if len(ul) != 1 {
		t.Fatalf("got %d uplink grants, want 1", len(ul))
	}
	if d := ul[0].DCI; d.SymStart != 9 || d.NumSym != 4 || d.Format != model.UL {
		t.Fatalf("unexpected uplink grant %s", d)
	}
	if got := s.ReservedSymbols(slotAt(4), model.UL); got != 4 {
		t.Fatalf("got %d reserved symbols, want 4", got)
	}

	dl := dlTrigger(s, 4).DataAllocs()
	if len(dl) != 1 || dl[0].DCI.SymEnd() > 9 {
		t.Fatalf("downlink grant runs into the uplink: %v", dl)
	}

	sinr := make([]float64, 40)
	for i := range sinr {
		sinr[i] = 100
	}
	if err := s.UlCqiInfo(ctx, model.UlCqiInfo{SfnSf: slotAt(4), Rnti: 1, Sinr: sinr}); err != nil {
		t.Fatalf("UlCqiInfo: %v", err)
	}
	ue, _ := s.Ue(1)
	if ue.Ul.Cqi.Timer != s.Config().CqiTimer {
		t.Fatalf("uplink report not stored")
	}
}

func TestSchedulingRequestGetsSmallGrant(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	attach(t, s, 1, model.BeamID{Sector: 1})
	if err := s.SrInfo(context.Background(), model.SrReq{Rntis: []uint16{1}}); err != nil {
		t.Fatalf("SrInfo: %v", err)
	}
	data := ulTrigger(s, 0).DataAllocs()
	if len(data) != 1 {
		t.Fatalf("got %d grants, want 1", len(data))
	}
	if d := data[0].DCI; d.NumSym != 1 || d.SymStart != 12 || d.Tbs < srMinTbs {
		t.Fatalf("unexpected grant %s", d)
	}
	if len(s.PendingSr()) != 0 {
		t.Fatalf("request still pending")
	}
}

func TestRachAndSoundingGrants(t *testing.T) {
	cfg := smallCell()
	cfg.SrsPeriodicity = 2
	s := newTestScheduler(t, cfg)
	attach(t, s, 1, model.BeamID{Sector: 1})
	attach(t, s, 2, model.BeamID{Sector: 2})
	if err := s.RachInfo(context.Background(), model.RachReq{Rntis: []uint16{77}}); err != nil {
		t.Fatalf("RachInfo: %v", err)
	}

	var srs, msg3 []model.VarTtiAlloc
	for _, a := range ulTrigger(s, 0).Allocs {
		switch a.DCI.Type {
		case model.DciSrs:
			srs = append(srs, a)
		case model.DciMsg3:
			msg3 = append(msg3, a)
		}
	}
	if len(srs) != 1 || srs[0].DCI.Rnti != 1 {
		t.Fatalf("got sounding %v, want rnti 1 only", srs)
	}
	if len(msg3) != 1 || msg3[0].DCI.Rnti != 77 || !msg3[0].IsOmni {
		t.Fatalf("got msg3 %v, want one omni grant for 77", msg3)
	}
	for _, a := range ulTrigger(s, 1).Allocs {
		if a.DCI.Type == model.DciSrs && a.DCI.Rnti != 2 {
			t.Fatalf("rnti %d sounded in the wrong slot", a.DCI.Rnti)
		}
	}
}

func TestNonDownlinkSlotCarriesNacks(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)
	pid := dlTrigger(s, 0).DataAllocs()[0].DCI.HarqProcess

	nack := model.HarqFeedback{Rnti: 1, HarqProcessID: pid}
	alloc := s.SchedDlTrigger(context.Background(), model.TriggerReq{SfnSf: slotAt(1), SlotType: model.SlotUL, HarqFeedback: []model.HarqFeedback{nack}})
	if len(alloc.Allocs) != 0 {
		t.Fatalf("got %d grants in an uplink slot, want 0", len(alloc.Allocs))
	}
	if got := s.HarqCarryOver(model.DL); len(got) != 1 || got[0] != nack {
		t.Fatalf("got carry over %v, want %v", got, nack)
	}
	data := dlTrigger(s, 2).DataAllocs()
	if len(data) != 1 || data[0].DCI.Rv != 1 {
		t.Fatalf("carried nack not retransmitted: %v", data)
	}
}

func TestReleaseUeForgetsPendingRequests(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	ctx := context.Background()
	attach(t, s, 1, model.BeamID{Sector: 1})
	if err := s.SrInfo(ctx, model.SrReq{Rntis: []uint16{1}}); err != nil {
		t.Fatalf("SrInfo: %v", err)
	}
	if err := s.ReleaseUe(ctx, 1); err != nil {
		t.Fatalf("ReleaseUe: %v", err)
	}
	if len(s.PendingSr()) != 0 || s.NumUes() != 0 {
		t.Fatalf("release left state behind")
	}
	// the uplink pipeline must not trip over the released UE
	ulTrigger(s, 0)
}

func TestRequestErrors(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	ctx := context.Background()
	attach(t, s, 1, model.BeamID{Sector: 1})

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"buffer for unknown ue", func() error {
			return s.RlcBufferReq(ctx, model.RlcBufferReq{Rnti: 9, Lcid: 1})
		}, ErrUnknownUe},
		{"cqi for unknown ue", func() error { return s.DlCqiInfo(ctx, model.DlCqiInfo{Rnti: 9}) }, ErrUnknownUe},
		{"release unknown ue", func() error { return s.ReleaseUe(ctx, 9) }, ErrUnknownUe},
		{"sr naming unknown ue", func() error { return s.SrInfo(ctx, model.SrReq{Rntis: []uint16{1, 9}}) }, ErrUnknownUe},
		{"buffer for unknown lc", func() error {
			return s.RlcBufferReq(ctx, model.RlcBufferReq{Rnti: 1, Lcid: 4})
		}, ErrUnknownLc},
		{"bsr for unknown lcg", func() error {
			return s.MacCeBsr(ctx, model.BsrReq{Rnti: 1, Buffers: []model.LcgBuffer{{Lcg: 3, Bytes: 10}}})
		}, ErrUnknownLc},
		{"release unknown lc", func() error {
			return s.ReleaseLc(ctx, model.LcReleaseReq{Rnti: 1, Lcids: []uint8{4}})
		}, ErrUnknownLc},
		{"duplicate lc", func() error {
			return s.ConfigureLc(ctx, model.LcConfigReq{Rnti: 1, Lcs: []model.LcConfig{{Lcid: 1}}})
		}, ErrDuplicateLc},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	if len(s.PendingSr()) != 0 {
		t.Fatalf("rejected request was partially applied")
	}
}

func TestReconfigureLcKeepsQueue(t *testing.T) {
	s := newTestScheduler(t, smallCell())
	ctx := context.Background()
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 500)
	err := s.ConfigureLc(ctx, model.LcConfigReq{Rnti: 1, Reconfigure: true, Lcs: []model.LcConfig{
		{Lcid: 1, ResourceType: model.GBR, GbrDl: 1_000_000},
	}})
	if err != nil {
		t.Fatalf("ConfigureLc: %v", err)
	}
	ue, _ := s.Ue(1)
	lc := ue.Dl.Lcgs[0].LC(1)
	if lc.TxQueue != 500 || lc.Gbr != 1_000_000 {
		t.Fatalf("got queue %d gbr %d, want 500 and 1000000", lc.TxQueue, lc.Gbr)
	}

	if err := s.ReleaseLc(ctx, model.LcReleaseReq{Rnti: 1, Lcids: []uint8{1}}); err != nil {
		t.Fatalf("ReleaseLc: %v", err)
	}
	if len(ue.Dl.Lcgs) != 0 || len(ue.Ul.Lcgs) != 0 {
		t.Fatalf("empty groups left behind")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := smallCell()
	cfg.DlCtrlSymbols = 7
	cfg.UlCtrlSymbols = 7
	if _, err := New(cfg, testAmc(t), testAmc(t)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want %v", err, ErrInvalidConfig)
	}
	cfg = smallCell()
	cfg.DlNotchedRbgs = []uint32{10}
	if _, err := New(cfg, testAmc(t), testAmc(t)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want %v", err, ErrInvalidConfig)
	}
}

func TestDuplicateNotchesLeaveUsableRbgs(t *testing.T) {
	cfg := smallCell()
	cfg.DlNotchedRbgs = []uint32{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil with one distinct notch", err)
	}
	cfg.UlNotchedRbgs = []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate() = %v, want %v with every ul rbg notched", err, ErrInvalidConfig)
	}
}

func TestBandwidthChangeDropsPendingRetransmissions(t *testing.T) {
	cfg := smallCell()
	cfg.CheckResourceMatrix = false
	s := newTestScheduler(t, cfg)
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)
	first := dlTrigger(s, 0).DataAllocs()[0].DCI
	if first.RbgMask.Len() != 10 {
		t.Fatalf("got mask of %d rbg, want 10", first.RbgMask.Len())
	}

	narrow := cfg
	narrow.NumRbg = 6
	if err := s.ConfigureCell(narrow); err != nil {
		t.Fatalf("ConfigureCell: %v", err)
	}
	ue, _ := s.Ue(1)
	if got := ue.Dl.Harq.NumActive(); got != 0 {
		t.Fatalf("got %d active processes after the bandwidth change, want 0", got)
	}

	alloc := dlTrigger(s, 1, model.HarqFeedback{Rnti: 1, HarqProcessID: first.HarqProcess})
	for _, a := range alloc.Allocs {
		if got := a.DCI.RbgMask.Len(); got != uint(narrow.NumRbg) {
			t.Fatalf("grant %s has a mask of %d rbg, want %d", a.DCI, got, narrow.NumRbg)
		}
		if a.DCI.IsRetx() {
			t.Fatalf("retransmission %s of the old bandwidth was sent", a.DCI)
		}
	}
}

func TestNotchedRbgsStayEmpty(t *testing.T) {
	cfg := smallCell()
	cfg.DlNotchedRbgs = []uint32{0, 9}
	s := newTestScheduler(t, cfg)
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)
	d := dlTrigger(s, 0).DataAllocs()[0].DCI
	if d.RbgMask.Test(0) || d.RbgMask.Test(9) || d.NumRbg() != 8 {
		t.Fatalf("grant uses notched rbg: %s", d)
	}
}

func TestCapacityLimiterRefusesGrant(t *testing.T) {
	cfg := smallCell()
	dl, ul := testAmc(t), testAmc(t)
	// two full symbols at 16QAM cost 2*10*4*12*4 bits
	limiter := NewFronthaulLimiter(3000, cfg.RbPerRbg, dl, ul)
	s, err := New(cfg, dl, ul, WithCapacityLimiter(limiter))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)
	if got := len(dlTrigger(s, 0).DataAllocs()); got != 0 {
		t.Fatalf("got %d grants over the fronthaul budget, want 0", got)
	}
	dlBuffer(t, s, 1, 50)
	if got := len(dlTrigger(s, 1).DataAllocs()); got != 1 {
		t.Fatalf("got %d grants within budget, want 1", got)
	}
	if limiter.Used(model.DL) != 1920 {
		t.Fatalf("got %d bits charged, want 1920", limiter.Used(model.DL))
	}
}

func TestTriggersAndControlRequestsAreTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	s := newTestScheduler(t, smallCell(), WithTracerProvider(tp))
	attach(t, s, 1, model.BeamID{Sector: 1})
	dlBuffer(t, s, 1, 100)
	dlTrigger(s, 0)
	if err := s.ReleaseUe(context.Background(), 9); !errors.Is(err, ErrUnknownUe) {
		t.Fatalf("ReleaseUe(9) = %v, want %v", err, ErrUnknownUe)
	}

	var names []string
	for _, sp := range rec.Ended() {
		names = append(names, sp.Name())
	}
	want := []string{"sched.configure_ue", "sched.configure_lc", "sched.dl_trigger", "sched.release_ue"}
	if !slices.Equal(names, want) {
		t.Fatalf("got spans %v, want %v", names, want)
	}
	if got := rec.Ended()[3].Status().Code; got != codes.Error {
		t.Fatalf("release of an unknown ue has status %v, want error", got)
	}
}
