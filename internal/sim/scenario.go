// Package sim is a synthetic cell: it plays the MAC and the physical layer
// around a scheduler, feeding it traffic, channel reports and HARQ feedback,
// and decodes the grants it returns.
package sim

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// ErrInvalidScenario is returned for scenarios the cell cannot run.
var ErrInvalidScenario = errors.New("sim: invalid scenario")

// UeProfile describes one synthetic UE.
type UeProfile struct {
	Rnti uint16
	Beam model.BeamID
	// SinrDb is the mean per-RB SINR seen in both directions.
	SinrDb float64
	// Layers caps the reported rank. Zero and one report a single layer.
	Layers uint8
	// Offered load in bit/s.
	DlRateBps uint64
	UlRateBps uint64
	// AttachSlot is the absolute slot of the random access attempt.
	AttachSlot uint64
	// DetachSlot releases the UE; zero keeps it until the end.
	DetachSlot uint64
	// Lcs defaults to DefaultLcs when empty.
	Lcs []model.LcConfig
}

// Scenario is the whole input of a run.
type Scenario struct {
	// Pattern repeats over absolute slots.
	Pattern []model.SlotType
	// K1 is the delay, in slots, from a downlink grant to its feedback.
	K1 uint32
	// K2 is how many slots ahead of time uplink grants are decided.
	K2 uint32
	// CqiPeriod in slots; zero disables downlink reports.
	CqiPeriod uint32
	// FadingDb is the standard deviation of the per-RB SINR around the mean.
	FadingDb float64
	Seed     uint64
	Ues      []UeProfile
}

// DefaultLcs is one best-effort channel in group 1, both directions.
func DefaultLcs() []model.LcConfig {
	return []model.LcConfig{{
		Lcid:         1,
		Lcg:          1,
		Qci:          9,
		Priority:     9,
		ResourceType: model.NonGBR,
		Direction:    model.LcBoth,
	}}
}

// Validate checks the scenario for consistency.
func (s Scenario) Validate() error {
	if len(s.Pattern) == 0 {
		return fmt.Errorf("%w: empty tdd pattern", ErrInvalidScenario)
	}
	if s.FadingDb < 0 {
		return fmt.Errorf("%w: negative fading %v dB", ErrInvalidScenario, s.FadingDb)
	}
	seen := make(map[uint16]struct{}, len(s.Ues))
	for _, ue := range s.Ues {
		if _, dup := seen[ue.Rnti]; dup {
			return fmt.Errorf("%w: rnti %d listed twice", ErrInvalidScenario, ue.Rnti)
		}
		seen[ue.Rnti] = struct{}{}
		if ue.DetachSlot != 0 && ue.DetachSlot <= ue.AttachSlot {
			return fmt.Errorf("%w: rnti %d detaches at %d before attaching at %d",
				ErrInvalidScenario, ue.Rnti, ue.DetachSlot, ue.AttachSlot)
		}
	}
	return nil
}

// SlotType returns the TDD role of an absolute slot.
func (s Scenario) SlotType(slot uint64) model.SlotType {
	return s.Pattern[slot%uint64(len(s.Pattern))]
}
