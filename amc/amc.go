// Package amc implements adaptive modulation and coding: CQI, MCS and
// spectral efficiency conversions, transport block sizing and CQI feedback
// generation from SINR.
package amc

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedMode is returned when the AMC is asked to run in a mode the
// installed error model cannot serve.
var ErrUnsupportedMode = errors.New("amc: unsupported mode")

// ErrNoErrorModel is returned by New when no error model is supplied.
var ErrNoErrorModel = errors.New("amc: nil error model")

// Mode selects how CQI feedback is derived from SINR.
type Mode uint8

const (
	// ModeShannon maps SINR to spectral efficiency through the Shannon bound
	// with a fixed BER gap.
	ModeShannon Mode = iota
	// ModeErrorModel searches the highest MCS whose estimated BLER stays
	// within the target.
	ModeErrorModel
)

func (m Mode) String() string {
	switch m {
	case ModeShannon:
		return "shannon"
	case ModeErrorModel:
		return "error_model"
	default:
		return "unknown"
	}
}

const (
	// MaxCqi is the highest reportable CQI.
	MaxCqi uint8 = 15
	// CrcBytes is the transport block and code block CRC length.
	CrcBytes uint32 = 3
	// TargetBler bounds the error model search.
	TargetBler = 0.1

	targetBer        = 0.00005
	defaultRefSc     = 1
	subcarriersPerRb = 12
)

// shannonGap is the SNR gap to capacity for the target BER.
var shannonGap = -math.Log(5*targetBer) / 1.5

// ShannonGap returns the SNR gap used by the Shannon mapping.
func ShannonGap() float64 { return shannonGap }

// Amc is an explicitly owned AMC instance. It is not safe for concurrent
// mutation; reads after construction may be shared.
type Amc struct {
	em       ErrorModel
	mode     Mode
	numRefSc uint32

	mcsCache [MaxCqi + 1]int16
}

// Option customises an Amc.
type Option func(*Amc)

// WithMode sets the CQI feedback mode.
func WithMode(m Mode) Option { return func(a *Amc) { a.mode = m } }

// WithNumRefSc sets the reference subcarriers per RB excluded from payload.
func WithNumRefSc(n uint32) Option { return func(a *Amc) { a.numRefSc = n } }

// New builds an Amc over the given error model.
func New(em ErrorModel, opts ...Option) (*Amc, error) {
	if em == nil {
		return nil, ErrNoErrorModel
	}
	a := &Amc{em: em, mode: ModeErrorModel, numRefSc: defaultRefSc}
	for _, opt := range opts {
		opt(a)
	}
	if a.mode != ModeShannon && a.mode != ModeErrorModel {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMode, a.mode)
	}
	if a.numRefSc >= subcarriersPerRb {
		return nil, fmt.Errorf("%w: %d reference subcarriers leave no payload", ErrUnsupportedMode, a.numRefSc)
	}
	a.invalidate()
	return a, nil
}

// SetErrorModel swaps the error model and drops the CQI to MCS cache.
func (a *Amc) SetErrorModel(em ErrorModel) error {
	if em == nil {
		return ErrNoErrorModel
	}
	a.em = em
	a.invalidate()
	return nil
}

// ErrorModel returns the installed error model.
func (a *Amc) ErrorModel() ErrorModel { return a.em }

// Mode returns the CQI feedback mode.
func (a *Amc) Mode() Mode { return a.mode }

func (a *Amc) invalidate() {
	for i := range a.mcsCache {
		a.mcsCache[i] = -1
	}
}

// MaxMcs returns the highest MCS of the installed table.
func (a *Amc) MaxMcs() uint8 { return a.em.MaxMcs() }

func (a *Amc) SpectralEfficiencyForMcs(mcs uint8) float64 { return a.em.SpectralEfficiencyForMcs(mcs) }

func (a *Amc) SpectralEfficiencyForCqi(cqi uint8) float64 { return a.em.SpectralEfficiencyForCqi(cqi) }

// McsFromCqi returns the highest MCS whose spectral efficiency does not
// exceed the one of cqi.
func (a *Amc) McsFromCqi(cqi uint8) uint8 {
	if cqi > MaxCqi {
		cqi = MaxCqi
	}
	if v := a.mcsCache[cqi]; v >= 0 {
		return uint8(v)
	}
	se := a.em.SpectralEfficiencyForCqi(cqi)
	var mcs uint8
	for mcs < a.em.MaxMcs() && a.em.SpectralEfficiencyForMcs(mcs+1) <= se {
		mcs++
	}
	a.mcsCache[cqi] = int16(mcs)
	return mcs
}

// PayloadSize returns the bytes nprb resource blocks carry at mcs and rank
// before any CRC.
func (a *Amc) PayloadSize(mcs, rank uint8, nprb uint32) uint32 {
	if nprb == 0 {
		return 0
	}
	if rank == 0 {
		rank = 1
	}
	return a.em.PayloadSize(subcarriersPerRb-a.numRefSc, mcs, nprb) * uint32(rank)
}

// CalculateTbSize returns the transport block size in bytes. The payload
// pays one CRC; when it exceeds the largest code block it is segmented and
// every code block pays its own CRC instead.
func (a *Amc) CalculateTbSize(mcs, rank uint8, nprb uint32) uint32 {
	payload := a.PayloadSize(mcs, rank, nprb)
	if payload <= CrcBytes {
		return 0
	}
	tbs := payload - CrcBytes
	cbSize := a.em.MaxCbSize(payload, mcs)
	if cbSize > 0 && tbs > cbSize {
		c := (payload + cbSize - 1) / cbSize
		if payload <= c*CrcBytes {
			return 0
		}
		tbs = payload - c*CrcBytes
	}
	return tbs
}

// CqiFromSpectralEfficiency returns the highest CQI whose spectral
// efficiency is strictly below s.
func (a *Amc) CqiFromSpectralEfficiency(s float64) uint8 {
	var cqi uint8
	for cqi < MaxCqi && a.em.SpectralEfficiencyForCqi(cqi+1) < s {
		cqi++
	}
	return cqi
}

// McsFromSpectralEfficiency returns the highest MCS whose spectral
// efficiency is strictly below s.
func (a *Amc) McsFromSpectralEfficiency(s float64) uint8 {
	var mcs uint8
	for mcs < a.em.MaxMcs() && a.em.SpectralEfficiencyForMcs(mcs+1) < s {
		mcs++
	}
	return mcs
}

// CqiFromMcs returns the highest CQI the MCS can serve.
func (a *Amc) CqiFromMcs(mcs uint8) uint8 {
	if mcs >= a.em.MaxMcs() {
		return MaxCqi
	}
	se := a.em.SpectralEfficiencyForMcs(mcs)
	var cqi uint8
	for cqi < MaxCqi && a.em.SpectralEfficiencyForCqi(cqi+1) <= se {
		cqi++
	}
	return cqi
}

// CreateCqiFeedbackSiso derives a wideband CQI and MCS from a per-RB SINR
// vector (linear). RBs with zero SINR are treated as not allocated.
func (a *Amc) CreateCqiFeedbackSiso(sinr []float64) (uint8, uint8) {
	return a.CreateCqiFeedbackWbTdma(sinr)
}

// CreateCqiFeedbackWbTdma is the wideband single layer feedback used by the
// uplink CQI path.
func (a *Amc) CreateCqiFeedbackWbTdma(sinr []float64) (uint8, uint8) {
	rbMap := make([]int, 0, len(sinr))
	for i, s := range sinr {
		if s != 0 {
			rbMap = append(rbMap, i)
		}
	}
	if len(rbMap) == 0 {
		return 0, 0
	}

	if a.mode == ModeShannon {
		var seSum, cqiSum float64
		for _, rb := range rbMap {
			se := math.Log2(1 + sinr[rb]/shannonGap)
			seSum += se
			cqiSum += float64(a.CqiFromSpectralEfficiency(se))
		}
		n := float64(len(rbMap))
		cqi := uint8(math.Ceil(cqiSum / n))
		return cqi, a.McsFromSpectralEfficiency(seSum / n)
	}

	mcs, ok := a.searchMcs(sinr, rbMap, 1, uint32(len(rbMap)))
	if !ok {
		return 0, 0
	}
	return a.CqiFromMcs(mcs), mcs
}

// searchMcs walks the MCS range until the estimated BLER exceeds the target
// and returns the last MCS that met it. ok is false when even MCS 0 fails.
func (a *Amc) searchMcs(sinr []float64, rbMap []int, rank uint8, nprb uint32) (uint8, bool) {
	top := a.em.MaxMcs()
	for mcs := uint8(0); ; mcs++ {
		tbs := a.CalculateTbSize(mcs, rank, nprb)
		out := a.em.TbDecodeStats(sinr, rbMap, tbs, mcs, nil)
		if out.Bler > TargetBler {
			if mcs == 0 {
				return 0, false
			}
			return mcs - 1, true
		}
		if mcs == top {
			return top, true
		}
	}
}
