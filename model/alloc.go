package model

// SlotType is the TDD role of a slot.
type SlotType uint8

const (
	SlotDL SlotType = iota
	SlotUL
	// SlotF carries both directions.
	SlotF
)

func (t SlotType) String() string {
	switch t {
	case SlotDL:
		return "DL"
	case SlotUL:
		return "UL"
	case SlotF:
		return "F"
	default:
		return "unknown"
	}
}

// Carries reports whether data for dir may be placed in this slot.
func (t SlotType) Carries(dir Direction) bool {
	switch t {
	case SlotF:
		return true
	case SlotDL:
		return dir == DL
	case SlotUL:
		return dir == UL
	default:
		return false
	}
}

// RlcPduInfo is the byte budget pulled from one logical channel.
type RlcPduInfo struct {
	Lcid uint8
	Size uint32
}

// VarTtiAlloc is one grant in a slot plus the per-LC byte assignment that
// travels with it.
type VarTtiAlloc struct {
	DCI     *DCI
	RlcPdus []RlcPduInfo
	IsOmni  bool
}

// SlotAllocation is the result of one scheduler trigger.
type SlotAllocation struct {
	SfnSf       SfnSf
	NumSymAlloc uint32
	BwpID       uint16
	Allocs      []VarTtiAlloc
}

// DataAllocs returns the non-control grants in order.
func (s *SlotAllocation) DataAllocs() []VarTtiAlloc {
	out := make([]VarTtiAlloc, 0, len(s.Allocs))
	for _, a := range s.Allocs {
		if a.DCI.Type == DciCtrl {
			continue
		}
		out = append(out, a)
	}
	return out
}

// HasAllocFor reports whether a non-control grant in the slot already
// targets rnti.
func (s *SlotAllocation) HasAllocFor(rnti uint16) bool {
	for _, a := range s.Allocs {
		if a.DCI.Type != DciCtrl && a.DCI.Rnti == rnti {
			return true
		}
	}
	return false
}
