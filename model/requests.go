package model

import "time"

// HarqFeedback is the decoding outcome of one HARQ process.
type HarqFeedback struct {
	Rnti          uint16
	HarqProcessID uint8
	Ack           bool
}

// TriggerReq asks for the allocation of one slot in one direction.
type TriggerReq struct {
	SfnSf        SfnSf
	SlotType     SlotType
	HarqFeedback []HarqFeedback
}

// UeConfigReq attaches or reconfigures a UE.
type UeConfigReq struct {
	Rnti   uint16
	Beam   BeamID
	TxMode uint8
}

// ResourceType is the QoS resource type of a logical channel.
type ResourceType uint8

const (
	NonGBR ResourceType = iota
	GBR
	DCGBR
)

// IsGBR reports whether the resource type carries a guaranteed rate.
func (r ResourceType) IsGBR() bool { return r == GBR || r == DCGBR }

func (r ResourceType) String() string {
	switch r {
	case GBR:
		return "GBR"
	case DCGBR:
		return "DC-GBR"
	default:
		return "NON-GBR"
	}
}

// LcDirection selects which side of the UE a logical channel is attached to.
type LcDirection uint8

const (
	LcBoth LcDirection = iota
	LcDL
	LcUL
)

// Has reports whether the channel exists in dir.
func (d LcDirection) Has(dir Direction) bool {
	switch d {
	case LcDL:
		return dir == DL
	case LcUL:
		return dir == UL
	default:
		return true
	}
}

// LcConfig describes one logical channel.
type LcConfig struct {
	Lcid         uint8
	Lcg          uint8
	Qci          uint8
	Priority     uint8
	ResourceType ResourceType
	Direction    LcDirection
	// Bit rates in bit/s.
	GbrDl, GbrUl uint64
	MbrDl, MbrUl uint64
}

// LcConfigReq attaches logical channels to a UE.
type LcConfigReq struct {
	Rnti        uint16
	Reconfigure bool
	Lcs         []LcConfig
}

// LcReleaseReq detaches logical channels from a UE.
type LcReleaseReq struct {
	Rnti  uint16
	Lcids []uint8
}

// RlcBufferReq reports DL buffer occupancy of one logical channel.
type RlcBufferReq struct {
	Rnti         uint16
	Lcid         uint8
	TxQueue      uint32
	TxHolDelay   time.Duration
	RetxQueue    uint32
	RetxHolDelay time.Duration
	StatusPdu    uint32
}

// LcgBuffer is one entry of a buffer status report.
type LcgBuffer struct {
	Lcg   uint8
	Bytes uint32
}

// BsrReq is an uplink buffer status report.
type BsrReq struct {
	Rnti    uint16
	Buffers []LcgBuffer
}

// CqiType distinguishes wideband and subband reports.
type CqiType uint8

const (
	CqiWB CqiType = iota
	CqiSB
)

// DlCqiInfo is a downlink channel state report.
type DlCqiInfo struct {
	Rnti      uint16
	Type      CqiType
	WbCqi     uint8
	SbCqi     []uint8
	Ri        uint8
	Precoding *PrecodingMatrix
}

// UlCqiInfo carries per-RB SINR (linear) measured on an uplink slot.
type UlCqiInfo struct {
	SfnSf SfnSf
	Rnti  uint16
	Sinr  []float64
}

// SrReq lists UEs that sent a scheduling request.
type SrReq struct {
	SfnSf SfnSf
	Rntis []uint16
}

// RachReq lists temporary identifiers that need a Msg3 grant.
type RachReq struct {
	SfnSf SfnSf
	Rntis []uint16
}

// DecodeOutput is the error model's view of one (re)transmission.
type DecodeOutput struct {
	Bler     float64
	SinrEff  float64
	Sinr     []float64
	RbMap    []int
	InfoBits uint32
	CodeBits uint32
	Mcs      uint8
}

// DecodeHistory holds every transmission of one HARQ process.
type DecodeHistory []DecodeOutput
