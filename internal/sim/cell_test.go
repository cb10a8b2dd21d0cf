package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/nr-scheduler/amc"
	"github.com/signalsfoundry/nr-scheduler/model"
	"github.com/signalsfoundry/nr-scheduler/sched"
	"github.com/signalsfoundry/nr-scheduler/timectrl"
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

type recordedCounts struct {
	calls     int
	ues       int
	pendingSr int
	slot      uint64
}

func (r *recordedCounts) SetCellCounts(ues, pendingSr int, slot uint64) {
	r.calls++
	r.ues, r.pendingSr, r.slot = ues, pendingSr, slot
}

func oneUe(p UeProfile) Scenario {
	return Scenario{
		Pattern:   []model.SlotType{model.SlotF},
		K1:        2,
		K2:        2,
		CqiPeriod: 5,
		Seed:      7,
		Ues:       []UeProfile{p},
	}
}

func newTestCell(t *testing.T, scn Scenario, opts ...CellOption) (*Cell, *timectrl.SlotClock) {
	t.Helper()
	cfg := sched.DefaultConfig()
	cfg.NumRbg = 10
	cfg.RbPerRbg = 4
	cfg.StartMcsDl = 10
	cfg.StartMcsUl = 10
	cfg.SubbandSize = 8
	cfg.CheckResourceMatrix = true

	amcDl, amcUl := testAmc(t), testAmc(t)
	s, err := sched.New(cfg, amcDl, amcUl)
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	clock := timectrl.NewSlotClock(time.Unix(0, 0), cfg.Numerology, timectrl.Accelerated)
	c, err := NewCell(scn, s, amcDl, amcUl, clock, opts...)
	if err != nil {
		t.Fatalf("NewCell: %v", err)
	}
	clock.AddListener(c.OnSlot)
	return c, clock
}

func run(t *testing.T, clock *timectrl.SlotClock, n uint64) {
	t.Helper()
	if err := clock.Run(context.Background(), n); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCellAttachesThroughMsg3(t *testing.T) {
	c, clock := newTestCell(t, oneUe(UeProfile{Rnti: 1, SinrDb: 20}))

	run(t, clock, 2)
	if got := c.Scheduler().NumUes(); got != 0 {
		t.Fatalf("attached before msg3: NumUes() = %d", got)
	}

	// msg3 granted in slot 0 for slot 2
	run(t, clock, 1)
	snap := c.Stats().Snapshot()
	if snap.Msg3 != 1 || snap.Attached != 1 {
		t.Fatalf("got msg3=%d attached=%d, want 1 and 1", snap.Msg3, snap.Attached)
	}
	if got := c.Scheduler().NumUes(); got != 1 {
		t.Fatalf("NumUes() = %d, want 1", got)
	}
}

func TestCellDeliversDownlinkTraffic(t *testing.T) {
	c, clock := newTestCell(t, oneUe(UeProfile{Rnti: 1, SinrDb: 25, DlRateBps: 1_000_000}))

	run(t, clock, 200)

	dl := c.Stats().Snapshot().Dl
	if dl.NewTx == 0 || dl.Acks == 0 {
		t.Fatalf("no downlink delivered: %+v", dl)
	}
	if dl.DeliveredBytes == 0 || dl.DeliveredBytes > dl.TxBytes {
		t.Fatalf("delivered %d of %d bytes", dl.DeliveredBytes, dl.TxBytes)
	}
	if dl.Acks+dl.Nacks != dl.NewTx+dl.Retx {
		t.Fatalf("every block needs one outcome: %+v", dl)
	}
}

func TestCellReportsRankForMultiLayerUe(t *testing.T) {
	c, clock := newTestCell(t, oneUe(UeProfile{Rnti: 1, SinrDb: 30, Layers: 2, DlRateBps: 2_000_000}))

	run(t, clock, 40)

	ue, ok := c.Scheduler().Ue(1)
	if !ok {
		t.Fatalf("ue 1 not attached")
	}
	if ue.Dl.Cqi.Rank != 2 {
		t.Fatalf("rank = %d, want 2 at 30 dB", ue.Dl.Cqi.Rank)
	}
	if dl := c.Stats().Snapshot().Dl; dl.DeliveredBytes == 0 {
		t.Fatalf("no downlink delivered at rank 2: %+v", dl)
	}
}

func TestCellUplinkGoesThroughSrAndBsr(t *testing.T) {
	c, clock := newTestCell(t, oneUe(UeProfile{Rnti: 1, SinrDb: 25, UlRateBps: 200_000}))

	run(t, clock, 100)

	ul := c.Stats().Snapshot().Ul
	if ul.NewTx == 0 || ul.Acks == 0 {
		t.Fatalf("no uplink delivered: %+v", ul)
	}
	if ul.DeliveredBytes == 0 {
		t.Fatalf("uplink delivered nothing: %+v", ul)
	}
}

func TestCellIsDeterministicForASeed(t *testing.T) {
	scn := Scenario{
		Pattern:   []model.SlotType{model.SlotDL, model.SlotDL, model.SlotF, model.SlotUL},
		K1:        1,
		K2:        1,
		CqiPeriod: 4,
		FadingDb:  4,
		Seed:      42,
		Ues: []UeProfile{
			{Rnti: 1, SinrDb: 6, DlRateBps: 500_000, UlRateBps: 100_000},
			{Rnti: 2, SinrDb: 12, DlRateBps: 800_000, AttachSlot: 3, Beam: model.BeamID{Sector: 1}},
		},
	}
	first, clock1 := newTestCell(t, scn)
	second, clock2 := newTestCell(t, scn)

	run(t, clock1, 150)
	run(t, clock2, 150)

	if a, b := first.Stats().Snapshot(), second.Stats().Snapshot(); a != b {
		t.Fatalf("runs diverged:\n%+v\n%+v", a, b)
	}
}

func TestCellReleasesOnDetach(t *testing.T) {
	c, clock := newTestCell(t, oneUe(UeProfile{Rnti: 1, SinrDb: 20, DlRateBps: 300_000, DetachSlot: 20}))

	run(t, clock, 30)

	snap := c.Stats().Snapshot()
	if snap.Attached != 1 || snap.Released != 1 {
		t.Fatalf("got attached=%d released=%d, want 1 and 1", snap.Attached, snap.Released)
	}
	if got := c.Scheduler().NumUes(); got != 0 {
		t.Fatalf("NumUes() = %d after detach, want 0", got)
	}
}

func TestCellStopsWhenSchedulerRefusesRequest(t *testing.T) {
	c, clock := newTestCell(t, oneUe(UeProfile{Rnti: 1, SinrDb: 20, DlRateBps: 1_000_000}))
	run(t, clock, 5)

	// the scheduler forgets the UE while the cell still reports for it
	if err := c.Scheduler().ReleaseUe(context.Background(), 1); err != nil {
		t.Fatalf("ReleaseUe: %v", err)
	}
	err := clock.Run(context.Background(), 50)
	if !errors.Is(err, sched.ErrUnknownUe) {
		t.Fatalf("Run error = %v, want %v", err, sched.ErrUnknownUe)
	}
	if got := c.Stats().Snapshot().Slots; got != 5 {
		t.Fatalf("got %d completed slots, want 5", got)
	}
	if err := clock.Run(context.Background(), 1); !errors.Is(err, sched.ErrUnknownUe) {
		t.Fatalf("next slot error = %v, want the first refusal", err)
	}
}

func TestCellPublishesCounts(t *testing.T) {
	rec := &recordedCounts{}
	_, clock := newTestCell(t, oneUe(UeProfile{Rnti: 1, SinrDb: 20}), WithMetrics(rec))

	run(t, clock, 10)

	if rec.calls != 10 {
		t.Fatalf("got %d updates, want one per slot", rec.calls)
	}
	if rec.ues != 1 || rec.slot != 9 {
		t.Fatalf("got ues=%d slot=%d, want 1 and 9", rec.ues, rec.slot)
	}
}

func TestScenarioValidate(t *testing.T) {
	tests := []struct {
		name string
		scn  Scenario
	}{
		{"empty pattern", Scenario{}},
		{"negative fading", Scenario{Pattern: []model.SlotType{model.SlotF}, FadingDb: -1}},
		{"duplicate rnti", Scenario{
			Pattern: []model.SlotType{model.SlotF},
			Ues:     []UeProfile{{Rnti: 3}, {Rnti: 3}},
		}},
		{"detach before attach", Scenario{
			Pattern: []model.SlotType{model.SlotF},
			Ues:     []UeProfile{{Rnti: 3, AttachSlot: 10, DetachSlot: 5}},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.scn.Validate(); !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("Validate() = %v, want %v", err, ErrInvalidScenario)
			}
		})
	}
}

func TestScenarioSlotTypeRepeats(t *testing.T) {
	scn := Scenario{Pattern: []model.SlotType{model.SlotDL, model.SlotUL, model.SlotF}}
	if got := scn.SlotType(7); got != model.SlotUL {
		t.Fatalf("SlotType(7) = %v, want UL", got)
	}
}
