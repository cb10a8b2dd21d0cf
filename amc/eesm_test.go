package amc

import (
	"testing"

	"github.com/signalsfoundry/nr-scheduler/model"
)

func TestChaseCombiningLowersBler(t *testing.T) {
	em, err := NewEesmModel(McsTable1)
	if err != nil {
		t.Fatalf("NewEesmModel: %v", err)
	}
	sinr := constSinr(24, 6)
	rbMap := make([]int, len(sinr))
	for i := range rbMap {
		rbMap[i] = i
	}
	first := em.TbDecodeStats(sinr, rbMap, 400, 14, nil)
	second := em.TbDecodeStats(sinr, rbMap, 400, 14, model.DecodeHistory{first})
	if first.Bler <= TargetBler {
		t.Fatalf("first transmission unexpectedly good: bler %.3f", first.Bler)
	}
	if second.Bler >= first.Bler {
		t.Fatalf("combining did not help: %.3f then %.3f", first.Bler, second.Bler)
	}
	if second.SinrEff <= first.SinrEff {
		t.Fatalf("effective sinr did not grow: %.3f then %.3f", first.SinrEff, second.SinrEff)
	}
}

func TestSegmentationCounts(t *testing.T) {
	em, _ := NewEesmModel(McsTable1)
	tests := []struct {
		bits  uint32
		mcs   uint8
		wantC uint32
	}{
		{bits: 200, mcs: 20, wantC: 1},
		{bits: 8448, mcs: 20, wantC: 1},
		{bits: 8449, mcs: 20, wantC: 2},
		{bits: 4000, mcs: 0, wantC: 2},
	}
	for _, tt := range tests {
		if c, _ := em.segment(tt.bits, tt.mcs); c != tt.wantC {
			t.Fatalf("bits %d mcs %d: got %d code blocks, want %d", tt.bits, tt.mcs, c, tt.wantC)
		}
	}
}

func TestBaseGraphSelection(t *testing.T) {
	em, _ := NewEesmModel(McsTable1)
	if bg := em.baseGraph(200, 27); bg != BG2 {
		t.Fatalf("small block: got BG%d, want BG2", bg)
	}
	if bg := em.baseGraph(100000, 2); bg != BG2 {
		t.Fatalf("low rate: got BG%d, want BG2", bg)
	}
	if bg := em.baseGraph(100000, 27); bg != BG1 {
		t.Fatalf("large high rate block: got BG%d, want BG1", bg)
	}
}
