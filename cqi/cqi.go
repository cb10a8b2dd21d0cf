// Package cqi keeps the per-UE channel quality state and turns reports into
// the MCS and rank the scheduler uses.
package cqi

import (
	"context"
	"errors"
	"iter"
	"math"

	"github.com/bits-and-blooms/bitset"

	"github.com/signalsfoundry/nr-scheduler/amc"
	"github.com/signalsfoundry/nr-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-scheduler/model"
)

// ErrUnsupportedReport is returned for report kinds the manager does not
// process on their own.
var ErrUnsupportedReport = errors.New("cqi: unsupported report")

// MinCqi is the value a UE falls back to when its report expires.
const MinCqi uint8 = 1

// SubbandInfo holds values precomputed from a subband report, one entry per
// subband.
type SubbandInfo struct {
	Mcs         []uint8
	SpectralEff []float64
	// Sinr is linear and normalised per layer.
	Sinr []float64
}

// State is the channel quality of one UE in one direction.
type State struct {
	Type  model.CqiType
	WbCqi uint8
	SbCqi []uint8
	// Sinr is the last uplink per-RB SINR, zero outside the measured RBGs.
	Sinr      []float64
	Timer     uint32
	Mcs       uint8
	Rank      uint8
	Precoding *model.PrecodingMatrix
	Subbands  SubbandInfo
	RbgToSb   []int
}

// NewState returns the state of a freshly attached UE.
func NewState(startMcs uint8) State {
	return State{Type: model.CqiWB, WbCqi: MinCqi, Mcs: startMcs, Rank: 1}
}

// SubbandCqiForRbg returns the subband CQI covering rbg, if known.
func (s *State) SubbandCqiForRbg(rbg uint32) (uint8, bool) {
	if int(rbg) >= len(s.RbgToSb) {
		return 0, false
	}
	sb := s.RbgToSb[rbg]
	if sb >= len(s.SbCqi) {
		return 0, false
	}
	return s.SbCqi[sb], true
}

// Config sizes the subband mapping.
type Config struct {
	StartMcsDl uint8
	StartMcsUl uint8
	NumRbg     uint32
	RbPerRbg   uint32
	// SubbandSize is in RBs.
	SubbandSize uint32
}

// Manager applies CQI reports and expiry.
type Manager struct {
	cfg   Config
	amcDl *amc.Amc
	amcUl *amc.Amc
	log   logging.Logger
}

// NewManager returns a manager using the given per-direction AMC.
func NewManager(cfg Config, dl, ul *amc.Amc, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	if cfg.SubbandSize == 0 {
		cfg.SubbandSize = 8
	}
	return &Manager{cfg: cfg, amcDl: dl, amcUl: ul, log: log}
}

// RefreshDlCqiMaps ages every downlink state by one slot. Expired states go
// back to the minimum CQI and the starting MCS.
func (m *Manager) RefreshDlCqiMaps(ctx context.Context, states iter.Seq[*State]) {
	for st := range states {
		if st.Timer == 0 {
			st.Type = model.CqiWB
			st.WbCqi = MinCqi
			st.SbCqi = nil
			st.Subbands = SubbandInfo{}
			st.RbgToSb = nil
			st.Mcs = m.cfg.StartMcsDl
			continue
		}
		st.Timer--
	}
}

// RefreshUlCqiMaps does the same for uplink states.
func (m *Manager) RefreshUlCqiMaps(ctx context.Context, states iter.Seq[*State]) {
	for st := range states {
		if st.Timer == 0 {
			st.Type = model.CqiWB
			st.WbCqi = MinCqi
			st.Sinr = nil
			st.Mcs = m.cfg.StartMcsUl
			continue
		}
		st.Timer--
	}
}

// DlWBCQIReported stores a downlink report. The MCS is derived from the
// wideband CQI and capped at maxMcs; subband values, when present, are
// precomputed for RBG selection.
func (m *Manager) DlWBCQIReported(ctx context.Context, info model.DlCqiInfo, st *State, expiration uint32, maxMcs uint8) {
	st.Type = info.Type
	st.WbCqi = info.WbCqi
	st.Timer = expiration
	st.Mcs = min(m.amcDl.McsFromCqi(info.WbCqi), maxMcs)
	if info.Precoding != nil || info.Ri > 0 {
		st.Rank = max(info.Ri, 1)
		st.Precoding = info.Precoding
	}

	st.SbCqi = nil
	st.Subbands = SubbandInfo{}
	st.RbgToSb = nil
	if len(info.SbCqi) > 0 {
		m.precomputeSubbands(info.SbCqi, st, maxMcs)
	}

	m.log.Debug(ctx, "dl cqi reported",
		logging.Rnti(info.Rnti),
		logging.Uint("cqi", uint64(info.WbCqi)),
		logging.Uint("mcs", uint64(st.Mcs)),
		logging.Uint("rank", uint64(st.Rank)),
	)
}

func (m *Manager) precomputeSubbands(sbCqi []uint8, st *State, maxMcs uint8) {
	rank := float64(max(st.Rank, 1))
	gap := amc.ShannonGap()
	st.SbCqi = append([]uint8(nil), sbCqi...)
	st.Subbands = SubbandInfo{
		Mcs:         make([]uint8, len(sbCqi)),
		SpectralEff: make([]float64, len(sbCqi)),
		Sinr:        make([]float64, len(sbCqi)),
	}
	for i, c := range sbCqi {
		mcs := min(m.amcDl.McsFromCqi(c), maxMcs)
		se := m.amcDl.SpectralEfficiencyForMcs(mcs)
		st.Subbands.Mcs[i] = mcs
		st.Subbands.SpectralEff[i] = se
		st.Subbands.Sinr[i] = (math.Pow(2, se) - 1) * gap / rank
	}
	st.RbgToSb = make([]int, m.cfg.NumRbg)
	for rbg := range st.RbgToSb {
		sb := int(uint32(rbg) * m.cfg.RbPerRbg / m.cfg.SubbandSize)
		st.RbgToSb[rbg] = min(sb, len(sbCqi)-1)
	}
}

// DlSBCQIReported is not processed on its own: subband values travel in the
// wideband report.
func (m *Manager) DlSBCQIReported(ctx context.Context, info model.DlCqiInfo, st *State) error {
	return ErrUnsupportedReport
}

// UlSBCQIReported stores an uplink SINR measurement. Only RBs inside
// rbgMask are kept; the AMC turns the sparse vector into CQI and MCS.
func (m *Manager) UlSBCQIReported(ctx context.Context, rnti uint16, expiration uint32, sinr []float64, st *State, rbgMask *bitset.BitSet) {
	sparse := make([]float64, len(sinr))
	for rb, v := range sinr {
		rbg := uint(uint32(rb) / m.cfg.RbPerRbg)
		if rbgMask == nil || rbgMask.Test(rbg) {
			sparse[rb] = v
		}
	}
	cqi, mcs := m.amcUl.CreateCqiFeedbackWbTdma(sparse)
	st.Type = model.CqiWB
	st.Sinr = sparse
	st.WbCqi = cqi
	st.Mcs = mcs
	st.Timer = expiration

	m.log.Debug(ctx, "ul cqi reported",
		logging.Rnti(rnti),
		logging.Uint("cqi", uint64(cqi)),
		logging.Uint("mcs", uint64(mcs)),
	)
}
