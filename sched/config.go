package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
)

var (
	// ErrInvalidConfig is returned by ConfigureCell for unusable cell settings.
	ErrInvalidConfig = errors.New("sched: invalid configuration")
	// ErrUnknownUe is returned by requests naming an RNTI that is not attached.
	ErrUnknownUe = errors.New("sched: unknown ue")
	// ErrUnknownLc is returned by requests naming a logical channel or group
	// the UE does not have.
	ErrUnknownLc = errors.New("sched: unknown logical channel")
	// ErrDuplicateLc is returned when a channel is added twice without the
	// reconfigure flag.
	ErrDuplicateLc = errors.New("sched: logical channel already configured")
)

// Config is the cell and scheduler configuration.
type Config struct {
	Numerology     uint8
	NumRbg         uint32
	RbPerRbg       uint32
	SymbolsPerSlot uint8
	DlCtrlSymbols  uint8
	UlCtrlSymbols  uint8
	// Notched RBGs never carry data in the given direction.
	DlNotchedRbgs []uint32
	UlNotchedRbgs []uint32
	BwpID         uint16

	HarqProcesses uint8
	// HarqTimeout is in slots.
	HarqTimeout uint32
	// CqiTimer is the validity of a CQI report in slots.
	CqiTimer   uint32
	StartMcsDl uint8
	StartMcsUl uint8
	// MaxMcsDl and MaxMcsUl cap the MCS; zero means the table maximum.
	MaxMcsDl uint8
	MaxMcsUl uint8
	// SubbandSize is in RBs.
	SubbandSize uint32

	// SrsPeriodicity is in slots; zero disables sounding.
	SrsPeriodicity uint32
	SrsSymbols     uint8

	// CheckResourceMatrix replays every slot into a resource matrix and
	// panics on overlap.
	CheckResourceMatrix bool
}

// DefaultConfig returns a 20 MHz numerology 0 cell with one control symbol
// per direction.
func DefaultConfig() Config {
	return Config{
		Numerology:     0,
		NumRbg:         25,
		RbPerRbg:       4,
		SymbolsPerSlot: 14,
		DlCtrlSymbols:  1,
		UlCtrlSymbols:  1,
		HarqProcesses:  16,
		HarqTimeout:    20,
		CqiTimer:       1000,
		StartMcsDl:     0,
		StartMcsUl:     0,
		SubbandSize:    8,
		SrsPeriodicity: 0,
		SrsSymbols:     1,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.Numerology > 6:
		return fmt.Errorf("%w: numerology %d out of range", ErrInvalidConfig, c.Numerology)
	case c.NumRbg == 0:
		return fmt.Errorf("%w: bandwidth of zero rbg", ErrInvalidConfig)
	case c.RbPerRbg == 0:
		return fmt.Errorf("%w: rb per rbg must be positive", ErrInvalidConfig)
	case c.SymbolsPerSlot == 0:
		return fmt.Errorf("%w: zero symbols per slot", ErrInvalidConfig)
	case int(c.DlCtrlSymbols)+int(c.UlCtrlSymbols) >= int(c.SymbolsPerSlot):
		return fmt.Errorf("%w: control symbols (%d dl, %d ul) leave no data symbol",
			ErrInvalidConfig, c.DlCtrlSymbols, c.UlCtrlSymbols)
	case c.HarqProcesses == 0:
		return fmt.Errorf("%w: zero harq processes", ErrInvalidConfig)
	case c.SrsPeriodicity > 0 && c.SrsSymbols == 0:
		return fmt.Errorf("%w: srs enabled with zero symbols", ErrInvalidConfig)
	}
	for _, n := range []struct {
		dir     string
		notched []uint32
	}{{"dl", c.DlNotchedRbgs}, {"ul", c.UlNotchedRbgs}} {
		for _, r := range n.notched {
			if r >= c.NumRbg {
				return fmt.Errorf("%w: %s notched rbg %d outside %d rbg", ErrInvalidConfig, n.dir, r, c.NumRbg)
			}
		}
		if usableMask(c.NumRbg, n.notched).None() {
			return fmt.Errorf("%w: every %s rbg is notched", ErrInvalidConfig, n.dir)
		}
	}
	return nil
}

// SlotPeriod returns the slot duration of the numerology.
func (c Config) SlotPeriod() time.Duration {
	return time.Millisecond >> c.Numerology
}

// DataSymbols returns the symbols left once both control regions are taken.
func (c Config) DataSymbols() uint8 {
	return c.SymbolsPerSlot - c.DlCtrlSymbols - c.UlCtrlSymbols
}

// usableMask returns a mask with a set bit for every RBG that may carry data.
func usableMask(numRbg uint32, notched []uint32) *bitset.BitSet {
	m := bitset.New(uint(numRbg))
	m.FlipRange(0, uint(numRbg))
	for _, r := range notched {
		m.Clear(uint(r))
	}
	return m
}
