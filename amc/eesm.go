package amc

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// ErrUnknownTable is returned for an MCS table outside {1, 2}.
var ErrUnknownTable = errors.New("amc: unknown mcs table")

// ErrorModel maps a transmission to a block error rate and sizes payloads
// for a given MCS.
type ErrorModel interface {
	PayloadSize(usefulSc uint32, mcs uint8, nprb uint32) uint32
	MaxCbSize(payloadBytes uint32, mcs uint8) uint32
	SpectralEfficiencyForMcs(mcs uint8) float64
	SpectralEfficiencyForCqi(cqi uint8) float64
	ModulationOrder(mcs uint8) uint8
	MaxMcs() uint8
	TbDecodeStats(sinr []float64, rbMap []int, tbBytes uint32, mcs uint8, history model.DecodeHistory) model.DecodeOutput
}

// BaseGraph is the LDPC base graph.
type BaseGraph uint8

const (
	BG1 BaseGraph = 1
	BG2 BaseGraph = 2
)

const (
	maxLiftingSize = 384
	cbCrcBits      = 24
)

// EesmModel is an exponential effective SINR mapping model with chase
// combining across HARQ retransmissions. The per code block error curve is
// a logistic fit anchored at 10% BLER on the Shannon-gap SINR of each MCS.
type EesmModel struct {
	table McsTable
	t     eesmTable
}

var _ ErrorModel = (*EesmModel)(nil)

// NewEesmModel builds the model for the given MCS table.
func NewEesmModel(table McsTable) (*EesmModel, error) {
	t, ok := tableFor(table)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}
	return &EesmModel{table: table, t: t}, nil
}

// Table returns the configured MCS table.
func (m *EesmModel) Table() McsTable { return m.table }

func (m *EesmModel) MaxMcs() uint8 { return uint8(len(m.t.ecr) - 1) }

func (m *EesmModel) ModulationOrder(mcs uint8) uint8 { return m.t.modulation[m.clamp(mcs)] }

func (m *EesmModel) SpectralEfficiencyForMcs(mcs uint8) float64 { return m.t.seMcs[m.clamp(mcs)] }

func (m *EesmModel) SpectralEfficiencyForCqi(cqi uint8) float64 {
	if int(cqi) >= len(m.t.seCqi) {
		cqi = uint8(len(m.t.seCqi) - 1)
	}
	return m.t.seCqi[cqi]
}

// PayloadSize returns the bytes carried by nprb resource blocks (per symbol)
// before CRC.
func (m *EesmModel) PayloadSize(usefulSc uint32, mcs uint8, nprb uint32) uint32 {
	mcs = m.clamp(mcs)
	bits := float64(usefulSc) * float64(nprb) * float64(m.t.modulation[mcs]) * m.t.ecr[mcs]
	return uint32(math.Floor(bits / 8))
}

// MaxCbSize returns the largest code block in bytes for the base graph a
// payload of this size would use.
func (m *EesmModel) MaxCbSize(payloadBytes uint32, mcs uint8) uint32 {
	if m.baseGraph(payloadBytes*8, mcs) == BG1 {
		return maxLiftingSize * 22 / 8
	}
	return maxLiftingSize * 10 / 8
}

// SinrEff compresses a per-RB SINR vector (linear) into one effective value.
func (m *EesmModel) SinrEff(sinr []float64, rbMap []int, mcs uint8) float64 {
	if len(rbMap) == 0 {
		return 0
	}
	beta := m.t.beta[m.clamp(mcs)]
	var sum float64
	n := 0
	for _, rb := range rbMap {
		if rb < 0 || rb >= len(sinr) {
			continue
		}
		sum += math.Exp(-sinr[rb] / beta)
		n++
	}
	if n == 0 {
		return 0
	}
	return -beta * math.Log(sum/float64(n))
}

// TbDecodeStats estimates the transport block error rate. Previous
// transmissions of the same process are chase-combined: SINRs add up per RB
// over the union of the allocated RBs.
func (m *EesmModel) TbDecodeStats(sinr []float64, rbMap []int, tbBytes uint32, mcs uint8, history model.DecodeHistory) model.DecodeOutput {
	mcs = m.clamp(mcs)
	combined, combinedMap := sinr, rbMap
	if len(history) > 0 {
		combined, combinedMap = chaseCombine(sinr, rbMap, history)
	}
	sinrEff := m.SinrEff(combined, combinedMap, mcs)

	infoBits := tbBytes * 8
	out := model.DecodeOutput{
		SinrEff:  sinrEff,
		Sinr:     append([]float64(nil), sinr...),
		RbMap:    append([]int(nil), rbMap...),
		InfoBits: infoBits,
		CodeBits: uint32(float64(infoBits) / m.t.ecr[mcs]),
		Mcs:      mcs,
	}
	if infoBits == 0 {
		return out
	}
	c, k := m.segment(infoBits, mcs)
	cbler := m.codeBlockBler(sinrEff, mcs, k)
	out.Bler = 1 - math.Pow(1-cbler, float64(c))
	return out
}

func (m *EesmModel) codeBlockBler(sinrEff float64, mcs uint8, k uint32) float64 {
	if sinrEff <= 0 {
		return 1
	}
	se := m.t.seMcs[mcs]
	threshold := 10 * math.Log10((math.Pow(2, se)-1)*shannonGap)
	slope := 1 + float64(k)/4224
	x := 10*math.Log10(sinrEff) - threshold
	return 1 / (1 + 9*math.Exp(slope*x))
}

func (m *EesmModel) baseGraph(tbBits uint32, mcs uint8) BaseGraph {
	ecr := m.t.ecr[m.clamp(mcs)]
	if tbBits <= 292 || ecr <= 0.25 || (tbBits <= 3824 && ecr <= 0.67) {
		return BG2
	}
	return BG1
}

// segment returns the code block count and the lifted code block size K.
func (m *EesmModel) segment(b uint32, mcs uint8) (uint32, uint32) {
	bg := m.baseGraph(b, mcs)
	kcb := uint32(8448)
	if bg == BG2 {
		kcb = 3840
	}

	c := uint32(1)
	b1 := b
	if b > kcb {
		c = (b + (kcb - cbCrcBits) - 1) / (kcb - cbCrcBits)
		b1 = b + c*cbCrcBits
	}
	k1 := (b1 + c - 1) / c

	kb := uint32(22)
	if bg == BG2 {
		switch {
		case b >= 640:
			kb = 10
		case b >= 560:
			kb = 9
		case b >= 192:
			kb = 8
		default:
			kb = 6
		}
	}
	zc := liftingSizes[len(liftingSizes)-1]
	for _, z := range liftingSizes {
		if kb*z >= k1 {
			zc = z
			break
		}
	}
	if bg == BG1 {
		return c, zc * 22
	}
	return c, zc * 10
}

func (m *EesmModel) clamp(mcs uint8) uint8 {
	if top := m.MaxMcs(); mcs > top {
		return top
	}
	return mcs
}

func chaseCombine(sinr []float64, rbMap []int, history model.DecodeHistory) ([]float64, []int) {
	n := len(sinr)
	for _, h := range history {
		if len(h.Sinr) > n {
			n = len(h.Sinr)
		}
	}
	sum := make([]float64, n)
	copy(sum, sinr)
	seen := make(map[int]struct{}, len(rbMap))
	for _, rb := range rbMap {
		seen[rb] = struct{}{}
	}
	for _, h := range history {
		for i, v := range h.Sinr {
			sum[i] += v
		}
		for _, rb := range h.RbMap {
			seen[rb] = struct{}{}
		}
	}
	union := make([]int, 0, len(seen))
	for rb := range seen {
		union = append(union, rb)
	}
	sort.Ints(union)
	return sum, union
}
