package model

import "fmt"

// SubframesPerFrame is fixed by the numerology-independent frame structure.
const SubframesPerFrame = 10

// SfnSf identifies a slot by frame, subframe and slot number. The slot range
// depends on the numerology: a subframe holds 2^Numerology slots.
type SfnSf struct {
	Frame      uint32
	Subframe   uint8
	Slot       uint8
	Numerology uint8
}

// NewSfnSf builds a slot identifier for the given numerology.
func NewSfnSf(frame uint32, subframe, slot, numerology uint8) SfnSf {
	return SfnSf{Frame: frame, Subframe: subframe, Slot: slot, Numerology: numerology}
}

// SlotsPerSubframe returns 2^numerology.
func (s SfnSf) SlotsPerSubframe() uint32 { return 1 << s.Numerology }

// SlotsPerFrame returns the number of slots in one frame.
func (s SfnSf) SlotsPerFrame() uint32 { return SubframesPerFrame * s.SlotsPerSubframe() }

// Encode packs the identifier into a map key. Two identifiers encode to the
// same value iff they name the same slot.
func (s SfnSf) Encode() uint64 {
	return uint64(s.Frame)<<32 | uint64(s.Subframe)<<24 | uint64(s.Slot)<<8
}

// Decode is the inverse of Encode for the given numerology.
func Decode(v uint64, numerology uint8) SfnSf {
	return SfnSf{
		Frame:      uint32(v >> 32),
		Subframe:   uint8(v >> 24),
		Slot:       uint8(v >> 8),
		Numerology: numerology,
	}
}

// Normalize returns the absolute slot count since frame 0.
func (s SfnSf) Normalize() uint64 {
	return (uint64(s.Frame)*SubframesPerFrame+uint64(s.Subframe))*uint64(s.SlotsPerSubframe()) + uint64(s.Slot)
}

// Add returns the identifier n slots later.
func (s SfnSf) Add(n uint32) SfnSf {
	perSf := s.SlotsPerSubframe()
	slot := uint32(s.Slot) + n
	sf := uint32(s.Subframe) + slot/perSf
	frame := s.Frame + sf/SubframesPerFrame
	return SfnSf{
		Frame:      frame,
		Subframe:   uint8(sf % SubframesPerFrame),
		Slot:       uint8(slot % perSf),
		Numerology: s.Numerology,
	}
}

// Next returns the following slot.
func (s SfnSf) Next() SfnSf { return s.Add(1) }

// Less orders identifiers in time.
func (s SfnSf) Less(o SfnSf) bool { return s.Normalize() < o.Normalize() }

// Equal compares frame, subframe and slot.
func (s SfnSf) Equal(o SfnSf) bool {
	return s.Frame == o.Frame && s.Subframe == o.Subframe && s.Slot == o.Slot
}

func (s SfnSf) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Frame, s.Subframe, s.Slot)
}
