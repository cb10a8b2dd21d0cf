// Package ram is the resource assignment matrix: a symbol x RBG grid used to
// check that the grants of a slot never overlap and that every symbol serves
// a single beam.
package ram

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/signalsfoundry/nr-scheduler/model"
)

const (
	// Empty marks a free cell.
	Empty uint16 = 0xFFFF
	// Ctrl is the owner recorded for control reservations.
	Ctrl uint16 = 0xFFFE
)

var (
	// ErrBeamConflict is returned when a symbol is claimed by two beams.
	ErrBeamConflict = errors.New("ram: symbol already assigned to another beam")
	// ErrDoubleAssignment is returned when an RBG is claimed twice.
	ErrDoubleAssignment = errors.New("ram: rbg already assigned")
	// ErrNotched is returned when data lands on a notched RBG.
	ErrNotched = errors.New("ram: rbg is notched")
	// ErrOutOfGrid is returned for coordinates outside the matrix.
	ErrOutOfGrid = errors.New("ram: outside the grid")
)

// AllocType is what occupies a cell.
type AllocType uint8

const (
	Free AllocType = iota
	DlDci
	UlDci
	DlData
	UlData
	Harq
	Srs
	Msg3
)

var allocTypeNames = [...]string{"FREE", "DL_DCI", "UL_DCI", "DL_DATA", "UL_DATA", "HARQ", "SRS", "MSG3"}

func (t AllocType) String() string {
	if int(t) < len(allocTypeNames) {
		return allocTypeNames[t]
	}
	return "unknown"
}

// respectsNotch reports whether the type must stay off notched RBGs.
func (t AllocType) respectsNotch() bool {
	switch t {
	case DlData, UlData, Harq, Srs, Msg3:
		return true
	default:
		return false
	}
}

type cell struct {
	rnti uint16
	typ  AllocType
}

// Resource is one (beam, rbg, symbol) cell owned by a UE.
type Resource struct {
	Beam model.BeamID
	Rbg  uint32
	Sym  uint8
}

// Matrix is the grid of one slot.
type Matrix struct {
	numRbg uint32
	notch  *bitset.BitSet
	beams  []*model.BeamID
	used   []*bitset.BitSet
	grid   [][]cell
}

// New returns an empty matrix. A set bit in notch means the RBG is usable;
// a nil notch makes every RBG usable.
func New(notch *bitset.BitSet, numRbg uint32, numSym uint8) *Matrix {
	if notch == nil {
		notch = bitset.New(uint(numRbg))
		notch.FlipRange(0, uint(numRbg))
	}
	m := &Matrix{
		numRbg: numRbg,
		notch:  notch,
		beams:  make([]*model.BeamID, numSym),
		used:   make([]*bitset.BitSet, numSym),
		grid:   make([][]cell, numSym),
	}
	for s := range m.grid {
		m.used[s] = bitset.New(uint(numRbg))
		m.grid[s] = make([]cell, numRbg)
		for r := range m.grid[s] {
			m.grid[s][r] = cell{rnti: Empty}
		}
	}
	return m
}

// NumSym returns the symbol count.
func (m *Matrix) NumSym() uint8 { return uint8(len(m.grid)) }

// AssignBeamToSymbols binds [start, start+num) to beam. Binding a symbol to
// a second, different beam is a contract breach.
func (m *Matrix) AssignBeamToSymbols(beam model.BeamID, start, num uint8) {
	must(m.assignBeam(beam, start, num))
}

func (m *Matrix) assignBeam(beam model.BeamID, start, num uint8) error {
	for s := start; s < start+num; s++ {
		if int(s) >= len(m.beams) {
			return fmt.Errorf("%w: symbol %d", ErrOutOfGrid, s)
		}
		if cur := m.beams[s]; cur != nil && *cur != beam {
			return fmt.Errorf("%w: symbol %d has beam %s, requested %s", ErrBeamConflict, s, cur, beam)
		}
		b := beam
		m.beams[s] = &b
	}
	return nil
}

// AssignOfdmaRbgToUe gives one RBG of one symbol to rnti.
func (m *Matrix) AssignOfdmaRbgToUe(rnti uint16, typ AllocType, rbg uint32, sym uint8) {
	must(m.assign(rnti, typ, rbg, sym))
}

// AssignTdmaToUe gives every usable RBG of sym to rnti.
func (m *Matrix) AssignTdmaToUe(rnti uint16, typ AllocType, sym uint8) {
	for rbg := uint32(0); rbg < m.numRbg; rbg++ {
		if m.notch.Test(uint(rbg)) {
			must(m.assign(rnti, typ, rbg, sym))
		}
	}
}

// AssignOfdmaRbgToCtrl reserves one RBG of one symbol for control.
func (m *Matrix) AssignOfdmaRbgToCtrl(typ AllocType, rbg uint32, sym uint8) {
	must(m.assign(Ctrl, typ, rbg, sym))
}

// AssignTdmaToCtrl reserves the whole symbol, notched RBGs included, for
// control.
func (m *Matrix) AssignTdmaToCtrl(typ AllocType, sym uint8) {
	for rbg := uint32(0); rbg < m.numRbg; rbg++ {
		must(m.assign(Ctrl, typ, rbg, sym))
	}
}

func (m *Matrix) assign(rnti uint16, typ AllocType, rbg uint32, sym uint8) error {
	if int(sym) >= len(m.grid) || rbg >= m.numRbg {
		return fmt.Errorf("%w: rbg %d symbol %d", ErrOutOfGrid, rbg, sym)
	}
	if typ.respectsNotch() && !m.notch.Test(uint(rbg)) {
		return fmt.Errorf("%w: %s for rnti %d on rbg %d symbol %d", ErrNotched, typ, rnti, rbg, sym)
	}
	if m.used[sym].Test(uint(rbg)) {
		prev := m.grid[sym][rbg]
		return fmt.Errorf("%w: rbg %d symbol %d held by rnti %d (%s), requested by rnti %d (%s)",
			ErrDoubleAssignment, rbg, sym, prev.rnti, prev.typ, rnti, typ)
	}
	m.used[sym].Set(uint(rbg))
	m.grid[sym][rbg] = cell{rnti: rnti, typ: typ}
	return nil
}

// AssignedTotal counts occupied cells; notched cells count as occupied.
func (m *Matrix) AssignedTotal() uint32 {
	var total uint32
	for s := range m.grid {
		for rbg := uint32(0); rbg < m.numRbg; rbg++ {
			if m.used[s].Test(uint(rbg)) || !m.notch.Test(uint(rbg)) {
				total++
			}
		}
	}
	return total
}

// FreeTotal counts cells still available for data.
func (m *Matrix) FreeTotal() uint32 {
	return uint32(len(m.grid))*m.numRbg - m.AssignedTotal()
}

// NumAssignedToUe counts the cells owned by rnti.
func (m *Matrix) NumAssignedToUe(rnti uint16) uint32 {
	return uint32(len(m.AssignedToUe(rnti)))
}

// AssignedToUe lists the cells owned by rnti in symbol, then RBG order.
func (m *Matrix) AssignedToUe(rnti uint16) []Resource {
	var out []Resource
	for s := range m.grid {
		for rbg, c := range m.grid[s] {
			if c.rnti != rnti || !m.used[s].Test(uint(rbg)) {
				continue
			}
			var beam model.BeamID
			if b := m.beams[s]; b != nil {
				beam = *b
			}
			out = append(out, Resource{Beam: beam, Rbg: uint32(rbg), Sym: uint8(s)})
		}
	}
	return out
}

// Render draws the grid, one row per symbol. Free cells print as ".",
// notched ones as "x", control as "C" and UE cells as the RNTI modulo 36.
func (m *Matrix) Render(w io.Writer) error {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	var sb strings.Builder
	for s := range m.grid {
		beam := "-"
		if b := m.beams[s]; b != nil {
			beam = b.String()
		}
		fmt.Fprintf(&sb, "%2d %-10s |", s, beam)
		for rbg, c := range m.grid[s] {
			switch {
			case c.rnti == Ctrl:
				sb.WriteByte('C')
			case m.used[s].Test(uint(rbg)):
				sb.WriteByte(digits[int(c.rnti)%len(digits)])
			case !m.notch.Test(uint(rbg)):
				sb.WriteByte('x')
			default:
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
