package model

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Direction is the link direction of a grant or a trigger.
type Direction uint8

const (
	DL Direction = iota
	UL
)

func (d Direction) String() string {
	switch d {
	case DL:
		return "DL"
	case UL:
		return "UL"
	default:
		return "unknown"
	}
}

// DciType classifies what a grant carries.
type DciType uint8

const (
	DciCtrl DciType = iota
	DciData
	DciSrs
	DciMsg3
)

func (t DciType) String() string {
	switch t {
	case DciCtrl:
		return "CTRL"
	case DciData:
		return "DATA"
	case DciSrs:
		return "SRS"
	case DciMsg3:
		return "MSG3"
	default:
		return "unknown"
	}
}

// PrecodingMatrix is carried through the scheduler untouched; the physical
// layer interprets it.
type PrecodingMatrix struct {
	Pmi    uint8
	Values [][]complex128
}

// DCI describes one resource grant. Once appended to a SlotAllocation it is
// not modified; retransmissions build a fresh copy.
type DCI struct {
	Rnti        uint16
	Format      Direction
	SymStart    uint8
	NumSym      uint8
	Mcs         uint8
	Rank        uint8
	Precoding   *PrecodingMatrix
	Tbs         uint32
	Ndi         uint8
	Rv          uint8
	Type        DciType
	BwpID       uint16
	HarqProcess uint8
	Tpc         uint8

	// RbgMask has exactly the cell bandwidth in RBGs as length.
	RbgMask *bitset.BitSet
}

// NewDci returns a data grant with an empty mask of numRbg bits.
func NewDci(rnti uint16, format Direction, numRbg uint32) *DCI {
	return &DCI{
		Rnti:    rnti,
		Format:  format,
		Rank:    1,
		Ndi:     1,
		Type:    DciData,
		RbgMask: bitset.New(uint(numRbg)),
	}
}

// NewCtrlDci reserves one symbol over the whole band for control.
func NewCtrlDci(format Direction, sym uint8, numRbg uint32, bwp uint16) *DCI {
	mask := bitset.New(uint(numRbg))
	mask.FlipRange(0, uint(numRbg))
	return &DCI{
		Format:   format,
		SymStart: sym,
		NumSym:   1,
		Type:     DciCtrl,
		BwpID:    bwp,
		RbgMask:  mask,
	}
}

// Clone returns a deep copy.
func (d *DCI) Clone() *DCI {
	c := *d
	if d.RbgMask != nil {
		c.RbgMask = d.RbgMask.Clone()
	}
	return &c
}

// NumRbg returns the number of RBGs set in the mask.
func (d *DCI) NumRbg() uint32 {
	if d.RbgMask == nil {
		return 0
	}
	return uint32(d.RbgMask.Count())
}

// SymEnd is the first symbol after the grant.
func (d *DCI) SymEnd() uint8 { return d.SymStart + d.NumSym }

// IsRetx reports whether the grant is a HARQ retransmission.
func (d *DCI) IsRetx() bool { return d.Rv > 0 }

func (d *DCI) String() string {
	return fmt.Sprintf("%s %s rnti=%d sym=[%d,%d) rbg=%d mcs=%d rank=%d tbs=%d ndi=%d rv=%d pid=%d",
		d.Format, d.Type, d.Rnti, d.SymStart, d.SymEnd(), d.NumRbg(), d.Mcs, d.Rank, d.Tbs, d.Ndi, d.Rv, d.HarqProcess)
}
