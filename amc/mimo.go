package amc

import "math"

// MaxMcsParams is the outcome of a multi-layer MCS search.
type MaxMcsParams struct {
	Mcs    uint8
	Rank   uint8
	WbCqi  uint8
	SbCqis []uint8
	TbSize uint32
}

// MimoOption tunes GetMaxMcsParams.
type MimoOption func(*mimoOpts)

type mimoOpts struct {
	clampSubbands bool
}

// WithSubbandClamp limits every subband CQI to [wbCqi-1, wbCqi+2].
func WithSubbandClamp() MimoOption { return func(o *mimoOpts) { o.clampSubbands = true } }

// GetMaxMcsParams searches the highest MCS a layers x RBs SINR matrix
// (linear) supports over the whole band, then repeats the search on every
// subband of subbandSize RBs.
func (a *Amc) GetMaxMcsParams(sinr [][]float64, subbandSize int, opts ...MimoOption) MaxMcsParams {
	var o mimoOpts
	for _, opt := range opts {
		opt(&o)
	}
	rank := len(sinr)
	if rank == 0 || len(sinr[0]) == 0 {
		return MaxMcsParams{}
	}
	nRb := len(sinr[0])

	mcs, ok := a.layerSearch(sinr, 0, nRb)
	res := MaxMcsParams{Rank: uint8(rank)}
	if ok {
		res.Mcs = mcs
		res.WbCqi = a.CqiFromMcs(mcs)
		res.TbSize = a.CalculateTbSize(mcs, uint8(rank), uint32(nRb))
	}

	if subbandSize <= 0 {
		return res
	}
	for start := 0; start < nRb; start += subbandSize {
		end := min(start+subbandSize, nRb)
		var cqi uint8
		if sbMcs, ok := a.layerSearch(sinr, start, end); ok {
			cqi = a.CqiFromMcs(sbMcs)
		}
		if o.clampSubbands {
			lo := int(res.WbCqi) - 1
			hi := int(res.WbCqi) + 2
			cqi = uint8(max(lo, min(hi, int(cqi))))
		}
		res.SbCqis = append(res.SbCqis, cqi)
	}
	return res
}

// layerSearch flattens RBs [start, end) of every layer into one code word.
func (a *Amc) layerSearch(sinr [][]float64, start, end int) (uint8, bool) {
	width := end - start
	flat := make([]float64, 0, width*len(sinr))
	for _, layer := range sinr {
		flat = append(flat, layer[start:end]...)
	}
	rbMap := make([]int, 0, len(flat))
	for i, s := range flat {
		if s != 0 {
			rbMap = append(rbMap, i)
		}
	}
	if len(rbMap) == 0 {
		return 0, false
	}
	if a.mode == ModeShannon {
		var seSum float64
		for _, i := range rbMap {
			seSum += math.Log2(1 + flat[i]/shannonGap)
		}
		return a.McsFromSpectralEfficiency(seSum / float64(len(rbMap))), true
	}
	return a.searchMcs(flat, rbMap, uint8(len(sinr)), uint32(width))
}
