package lcg

import "time"

// Assignment is the byte budget granted to one logical channel.
type Assignment struct {
	Lcg   uint8
	Lc    uint8
	Bytes uint32
}

// Distributor splits a transport block across the active channels of a UE.
// Channels are visited in (group id, channel id) order so results never
// depend on map iteration.
type Distributor interface {
	AssignBytesToDlLc(lcgs map[uint8]*LCG, tbs uint32, slotPeriod time.Duration) []Assignment
	AssignBytesToUlLc(lcgs map[uint8]*LCG, tbs uint32, slotPeriod time.Duration) []Assignment
}

type activeLC struct {
	lcg uint8
	lc  *LC
}

func activeChannels(lcgs map[uint8]*LCG) []activeLC {
	var out []activeLC
	for _, gid := range SortedIDs(lcgs) {
		g := lcgs[gid]
		for _, id := range g.LcIDs() {
			if lc := g.LC(id); lc.TotalSize() > 0 {
				out = append(out, activeLC{lcg: gid, lc: lc})
			}
		}
	}
	return out
}

// splitEven divides budget over chans, giving the remainder to the first.
// Zero shares are left out.
func splitEven(chans []activeLC, budget uint32) []Assignment {
	if len(chans) == 0 || budget == 0 {
		return nil
	}
	share := budget / uint32(len(chans))
	rest := budget % uint32(len(chans))
	out := make([]Assignment, 0, len(chans))
	for i, c := range chans {
		b := share
		if i == 0 {
			b += rest
		}
		if b == 0 {
			continue
		}
		out = append(out, Assignment{Lcg: c.lcg, Lc: c.lc.ID, Bytes: b})
	}
	return out
}

// RoundRobin gives every active channel the same share.
type RoundRobin struct{}

var _ Distributor = RoundRobin{}

func (RoundRobin) AssignBytesToDlLc(lcgs map[uint8]*LCG, tbs uint32, _ time.Duration) []Assignment {
	return splitEven(activeChannels(lcgs), tbs)
}

func (RoundRobin) AssignBytesToUlLc(lcgs map[uint8]*LCG, tbs uint32, _ time.Duration) []Assignment {
	return splitEven(activeChannels(lcgs), tbs)
}

// QoS serves guaranteed bit rate channels first and splits what is left
// evenly.
type QoS struct{}

var _ Distributor = QoS{}

func (QoS) AssignBytesToDlLc(lcgs map[uint8]*LCG, tbs uint32, slotPeriod time.Duration) []Assignment {
	return assignQoS(lcgs, tbs, slotPeriod)
}

func (QoS) AssignBytesToUlLc(lcgs map[uint8]*LCG, tbs uint32, slotPeriod time.Duration) []Assignment {
	return assignQoS(lcgs, tbs, slotPeriod)
}

func assignQoS(lcgs map[uint8]*LCG, tbs uint32, slotPeriod time.Duration) []Assignment {
	active := activeChannels(lcgs)
	if len(active) == 0 || tbs == 0 {
		return nil
	}

	var gbr []activeLC
	var requirement uint64
	for _, c := range active {
		if c.lc.ResourceType.IsGBR() {
			gbr = append(gbr, c)
			requirement += uint64(c.lc.PerSlotGbrBytes(slotPeriod))
		}
	}

	if len(gbr) > 1 && requirement >= uint64(tbs) {
		return splitEven(gbr, tbs)
	}

	grants := make(map[*LC]uint32, len(active))
	remaining := tbs
	for _, c := range gbr {
		g := min(c.lc.PerSlotGbrBytes(slotPeriod), c.lc.TotalSize(), remaining)
		grants[c.lc] = g
		remaining -= g
	}

	// What is left goes to every channel that still has data after its GBR
	// grant; if none has, it goes to everyone.
	var rest []activeLC
	for _, c := range active {
		if c.lc.TotalSize() > grants[c.lc] {
			rest = append(rest, c)
		}
	}
	if len(rest) == 0 {
		rest = active
	}
	for _, a := range splitEven(rest, remaining) {
		for _, c := range rest {
			if c.lcg == a.Lcg && c.lc.ID == a.Lc {
				grants[c.lc] += a.Bytes
			}
		}
	}

	out := make([]Assignment, 0, len(active))
	for _, c := range active {
		if b := grants[c.lc]; b > 0 {
			out = append(out, Assignment{Lcg: c.lcg, Lc: c.lc.ID, Bytes: b})
		}
	}
	return out
}
