package lcg

import (
	"testing"
	"time"

	"github.com/signalsfoundry/nr-scheduler/model"
)

const slot = time.Millisecond

func group(id uint8, lcs ...*LC) *LCG {
	g := New(id)
	for _, lc := range lcs {
		g.Insert(lc)
	}
	return g
}

func queued(id uint8, bytes uint32) *LC {
	return &LC{ID: id, TxQueue: bytes}
}

func gbrLC(id uint8, bytesPerSlot, queue uint32) *LC {
	return &LC{
		ID:           id,
		ResourceType: model.GBR,
		Gbr:          uint64(bytesPerSlot) * 8 * uint64(time.Second/slot),
		TxQueue:      queue,
	}
}

func sum(as []Assignment) uint32 {
	var total uint32
	for _, a := range as {
		total += a.Bytes
	}
	return total
}

func TestRoundRobinSingleChannel(t *testing.T) {
	lcgs := map[uint8]*LCG{1: group(1, queued(3, 1000))}
	got := RoundRobin{}.AssignBytesToDlLc(lcgs, 500, slot)
	if len(got) != 1 || got[0] != (Assignment{Lcg: 1, Lc: 3, Bytes: 500}) {
		t.Fatalf("got %+v, want [{1 3 500}]", got)
	}
	lcgs[1].AssignedData(3, got[0].Bytes)
	if size := lcgs[1].TotalSizeOfLC(3); size != 500 {
		t.Fatalf("queue after assignment: got %d, want 500", size)
	}
}

func TestRoundRobinConservation(t *testing.T) {
	lcgs := map[uint8]*LCG{
		0: group(0, queued(1, 10), queued(2, 0)),
		2: group(2, queued(4, 7000)),
		5: group(5, queued(6, 3)),
	}
	for _, budget := range []uint32{1, 2, 3, 100, 1001, 65537} {
		got := RoundRobin{}.AssignBytesToDlLc(lcgs, budget, slot)
		if s := sum(got); s != budget {
			t.Fatalf("budget %d: assigned %d", budget, s)
		}
		for _, a := range got {
			if a.Lc == 2 {
				t.Fatalf("empty channel received %d bytes", a.Bytes)
			}
		}
	}
}

func TestRoundRobinRemainderGoesToFirstChannel(t *testing.T) {
	lcgs := map[uint8]*LCG{
		4: group(4, queued(9, 50)),
		1: group(1, queued(2, 50), queued(1, 50)),
	}
	got := RoundRobin{}.AssignBytesToUlLc(lcgs, 11, slot)
	want := []Assignment{{Lcg: 1, Lc: 1, Bytes: 5}, {Lcg: 1, Lc: 2, Bytes: 3}, {Lcg: 4, Lc: 9, Bytes: 3}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestDistributionEmptyAndZeroBudget(t *testing.T) {
	empty := map[uint8]*LCG{0: group(0, queued(1, 0)), 1: New(1)}
	for _, d := range []Distributor{RoundRobin{}, QoS{}} {
		for _, budget := range []uint32{0, 1, 1000} {
			if got := d.AssignBytesToDlLc(empty, budget, slot); len(got) != 0 {
				t.Fatalf("%T budget %d on empty ledger: got %+v", d, budget, got)
			}
		}
		active := map[uint8]*LCG{0: group(0, queued(1, 100))}
		if got := d.AssignBytesToDlLc(active, 0, slot); len(got) != 0 {
			t.Fatalf("%T zero budget: got %+v", d, got)
		}
	}
}

func TestQoSGbrDominance(t *testing.T) {
	lcgs := map[uint8]*LCG{
		1: group(1, gbrLC(1, 600, 5000), gbrLC(2, 600, 900)),
		2: group(2, queued(3, 10000)),
	}
	got := QoS{}.AssignBytesToDlLc(lcgs, 1000, slot)
	want := []Assignment{{Lcg: 1, Lc: 1, Bytes: 500}, {Lcg: 1, Lc: 2, Bytes: 500}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestQoSGbrThenBestEffort(t *testing.T) {
	lcgs := map[uint8]*LCG{
		1: group(1, gbrLC(1, 300, 200)),
		2: group(2, queued(2, 10000), queued(3, 10000)),
	}
	got := QoS{}.AssignBytesToDlLc(lcgs, 1000, slot)
	// GBR channel gets its whole queue (200 < 300), 800 left for the two
	// best-effort channels.
	want := []Assignment{{Lcg: 1, Lc: 1, Bytes: 200}, {Lcg: 2, Lc: 2, Bytes: 400}, {Lcg: 2, Lc: 3, Bytes: 400}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
	if s := sum(got); s != 1000 {
		t.Fatalf("assigned %d, want 1000", s)
	}
}

func TestQoSGbrAccumulatesBothShares(t *testing.T) {
	lcgs := map[uint8]*LCG{1: group(1, gbrLC(1, 100, 5000), queued(2, 50))}
	got := QoS{}.AssignBytesToDlLc(lcgs, 1000, slot)
	want := []Assignment{{Lcg: 1, Lc: 1, Bytes: 550}, {Lcg: 1, Lc: 2, Bytes: 450}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// Over consecutive slots every channel whose cumulative share exceeds its
// queue ends up drained.
func TestNoChannelStarvesAcrossSlots(t *testing.T) {
	for _, d := range []Distributor{RoundRobin{}, QoS{}} {
		lcgs := map[uint8]*LCG{
			1: group(1, queued(1, 120), queued(2, 5000)),
			3: group(3, gbrLC(3, 50, 700)),
		}
		for i := 0; i < 40; i++ {
			for _, a := range d.AssignBytesToDlLc(lcgs, 150, slot) {
				lcgs[a.Lcg].AssignedData(a.Lc, a.Bytes)
			}
		}
		if got := lcgs[1].TotalSizeOfLC(1); got != 0 {
			t.Fatalf("%T: lc 1 still has %d bytes", d, got)
		}
		if got := lcgs[3].TotalSizeOfLC(3); got != 0 {
			t.Fatalf("%T: lc 3 still has %d bytes", d, got)
		}
	}
}

func TestAssignedDataDrainOrder(t *testing.T) {
	lc := &LC{ID: 1, StatusPdu: 10, RetxQueue: 20, TxQueue: 30}
	g := group(0, lc)
	g.AssignedData(1, 25)
	if lc.StatusPdu != 0 || lc.RetxQueue != 5 || lc.TxQueue != 30 {
		t.Fatalf("got status %d retx %d tx %d, want 0/5/30", lc.StatusPdu, lc.RetxQueue, lc.TxQueue)
	}
	g.AssignedData(1, 1000)
	if lc.TotalSize() != 0 {
		t.Fatalf("over-assignment left %d bytes", lc.TotalSize())
	}
}

func TestUpdateInfoUlApportions(t *testing.T) {
	g := group(2, queued(5, 0), queued(6, 0))
	g.UpdateInfoUl(101)
	if g.TotalSizeOfLC(5) != 51 || g.TotalSizeOfLC(6) != 50 {
		t.Fatalf("got %d/%d, want 51/50", g.TotalSizeOfLC(5), g.TotalSizeOfLC(6))
	}
	if g.TotalSize() != 101 {
		t.Fatalf("got %d, want 101", g.TotalSize())
	}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	g := New(0)
	if !g.Insert(queued(1, 0)) || g.Insert(queued(1, 5)) {
		t.Fatalf("duplicate insert accepted")
	}
	g.ReleaseLC(1)
	if g.Contains(1) || g.NumOfLC() != 0 {
		t.Fatalf("release left the channel behind")
	}
}

func TestNewLCPicksDirectionRates(t *testing.T) {
	cfg := model.LcConfig{Lcid: 4, ResourceType: model.GBR, GbrDl: 1e6, GbrUl: 2e5}
	if lc := NewLC(cfg, model.UL); lc.Gbr != 2e5 {
		t.Fatalf("got %d, want 200000", lc.Gbr)
	}
	if lc := NewLC(cfg, model.DL); lc.PerSlotGbrBytes(slot) != 125 {
		t.Fatalf("got %d, want 125", lc.PerSlotGbrBytes(slot))
	}
}
