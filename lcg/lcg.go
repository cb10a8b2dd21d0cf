// Package lcg keeps the per-UE buffer ledger, organised by logical channel
// group and logical channel, and the algorithms that split a transport block
// across the active channels.
package lcg

import (
	"fmt"
	"slices"
	"time"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// LC is the queue state of one logical channel.
type LC struct {
	ID           uint8
	Qci          uint8
	Priority     uint8
	ResourceType model.ResourceType

	// Bit rates in bit/s for the direction this LC belongs to.
	Gbr uint64
	Mbr uint64

	TxQueue      uint32
	TxHolDelay   time.Duration
	RetxQueue    uint32
	RetxHolDelay time.Duration
	StatusPdu    uint32
}

// NewLC builds the ledger entry of a channel for one direction.
func NewLC(cfg model.LcConfig, dir model.Direction) *LC {
	lc := &LC{
		ID:           cfg.Lcid,
		Qci:          cfg.Qci,
		Priority:     cfg.Priority,
		ResourceType: cfg.ResourceType,
	}
	if dir == model.DL {
		lc.Gbr, lc.Mbr = cfg.GbrDl, cfg.MbrDl
	} else {
		lc.Gbr, lc.Mbr = cfg.GbrUl, cfg.MbrUl
	}
	return lc
}

// TotalSize returns every queued byte of the channel.
func (lc *LC) TotalSize() uint32 { return lc.TxQueue + lc.RetxQueue + lc.StatusPdu }

// Update overwrites the queue state with a buffer status report.
func (lc *LC) Update(req model.RlcBufferReq) {
	lc.TxQueue = req.TxQueue
	lc.TxHolDelay = req.TxHolDelay
	lc.RetxQueue = req.RetxQueue
	lc.RetxHolDelay = req.RetxHolDelay
	lc.StatusPdu = req.StatusPdu
}

// PerSlotGbrBytes converts the guaranteed bit rate into bytes per slot.
func (lc *LC) PerSlotGbrBytes(slotPeriod time.Duration) uint32 {
	return uint32(lc.Gbr * uint64(slotPeriod.Nanoseconds()) / (8 * uint64(time.Second)))
}

// consume drains size bytes: status PDUs first, then retransmissions, then
// new data. Bytes beyond the queue are dropped.
func (lc *LC) consume(size uint32) {
	take := func(q *uint32) {
		n := min(*q, size)
		*q -= n
		size -= n
	}
	take(&lc.StatusPdu)
	take(&lc.RetxQueue)
	take(&lc.TxQueue)
}

// LCG owns the channels of one group.
type LCG struct {
	id  uint8
	lcs map[uint8]*LC
}

// New returns an empty group.
func New(id uint8) *LCG {
	return &LCG{id: id, lcs: make(map[uint8]*LC)}
}

// ID returns the group id.
func (g *LCG) ID() uint8 { return g.id }

// Insert adds lc; it returns false if the id is taken.
func (g *LCG) Insert(lc *LC) bool {
	if _, ok := g.lcs[lc.ID]; ok {
		return false
	}
	g.lcs[lc.ID] = lc
	return true
}

// Contains reports whether the channel belongs to the group.
func (g *LCG) Contains(lcID uint8) bool {
	_, ok := g.lcs[lcID]
	return ok
}

// LC returns the channel or nil.
func (g *LCG) LC(lcID uint8) *LC { return g.lcs[lcID] }

// NumOfLC returns the channel count.
func (g *LCG) NumOfLC() int { return len(g.lcs) }

// LcIDs returns the channel ids in ascending order.
func (g *LCG) LcIDs() []uint8 {
	ids := make([]uint8, 0, len(g.lcs))
	for id := range g.lcs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// TotalSize returns the bytes queued over all channels.
func (g *LCG) TotalSize() uint32 {
	var total uint32
	for _, lc := range g.lcs {
		total += lc.TotalSize()
	}
	return total
}

// TotalSizeOfLC returns the bytes queued on one channel.
func (g *LCG) TotalSizeOfLC(lcID uint8) uint32 {
	lc, ok := g.lcs[lcID]
	if !ok {
		return 0
	}
	return lc.TotalSize()
}

// UpdateInfo applies a downlink buffer report to the channel it names.
func (g *LCG) UpdateInfo(req model.RlcBufferReq) {
	lc, ok := g.lcs[req.Lcid]
	if !ok {
		panic(fmt.Sprintf("lcg: lc %d not in group %d", req.Lcid, g.id))
	}
	lc.Update(req)
}

// UpdateInfoUl applies an uplink group report. The aggregate is split evenly
// across the channels, the first channel taking the remainder.
func (g *LCG) UpdateInfoUl(bytes uint32) {
	ids := g.LcIDs()
	if len(ids) == 0 {
		return
	}
	share := bytes / uint32(len(ids))
	rest := bytes % uint32(len(ids))
	for i, id := range ids {
		lc := g.lcs[id]
		lc.TxQueue = share
		lc.RetxQueue = 0
		lc.StatusPdu = 0
		if i == 0 {
			lc.TxQueue += rest
		}
	}
}

// AssignedData consumes size bytes from the channel.
func (g *LCG) AssignedData(lcID uint8, size uint32) {
	lc, ok := g.lcs[lcID]
	if !ok {
		panic(fmt.Sprintf("lcg: assigned data to unknown lc %d in group %d", lcID, g.id))
	}
	lc.consume(size)
}

// ReleaseLC removes a channel.
func (g *LCG) ReleaseLC(lcID uint8) {
	delete(g.lcs, lcID)
}

// SortedIDs returns the group ids of m in ascending order.
func SortedIDs(m map[uint8]*LCG) []uint8 {
	ids := make([]uint8, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// TotalBytes sums every group of m.
func TotalBytes(m map[uint8]*LCG) uint32 {
	var total uint32
	for _, g := range m {
		total += g.TotalSize()
	}
	return total
}
