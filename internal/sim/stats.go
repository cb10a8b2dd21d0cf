package sim

import (
	"sync"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// LinkStats counts transport blocks of one direction.
type LinkStats struct {
	NewTx          uint64
	Retx           uint64
	Acks           uint64
	Nacks          uint64
	TxBytes        uint64
	DeliveredBytes uint64
}

// Bler is the share of transmissions that failed.
func (l LinkStats) Bler() float64 {
	total := l.Acks + l.Nacks
	if total == 0 {
		return 0
	}
	return float64(l.Nacks) / float64(total)
}

// StatsSnapshot is a copy of the counters at one instant.
type StatsSnapshot struct {
	Slots    uint64
	Dl       LinkStats
	Ul       LinkStats
	Msg3     uint64
	Srs      uint64
	Attached int
	Released int
}

// Stats accumulates run counters. The cell writes, the metrics and status
// endpoints read from other goroutines.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Stats) update(fn func(*StatsSnapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *Stats) link(dir model.Direction, fn func(*LinkStats)) {
	s.update(func(snap *StatsSnapshot) {
		if dir == model.DL {
			fn(&snap.Dl)
		} else {
			fn(&snap.Ul)
		}
	})
}
