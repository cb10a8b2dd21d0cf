package model

import (
	"fmt"
	"math"
)

// BeamID identifies a spatial beam by sector and elevation.
type BeamID struct {
	Sector    uint16
	Elevation float64
}

// OmniBeam is used for allocations that are not steered to a single UE, such
// as control symbols and random access grants.
var OmniBeam = BeamID{Sector: math.MaxUint16, Elevation: 0}

// Less gives beams a total order so per-beam work never depends on map
// iteration order.
func (b BeamID) Less(o BeamID) bool {
	if b.Sector != o.Sector {
		return b.Sector < o.Sector
	}
	return b.Elevation < o.Elevation
}

// IsOmni reports whether b is the omni beam.
func (b BeamID) IsOmni() bool { return b == OmniBeam }

func (b BeamID) String() string {
	if b.IsOmni() {
		return "omni"
	}
	return fmt.Sprintf("%d/%.1f", b.Sector, b.Elevation)
}
