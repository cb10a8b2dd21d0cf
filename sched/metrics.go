package sched

import (
	"time"

	"github.com/signalsfoundry/nr-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-scheduler/model"
)

// MetricsRecorder receives per-trigger statistics. Implementations must be
// safe to call from the scheduling goroutine while being scraped.
type MetricsRecorder interface {
	ObserveSlot(dir model.Direction, symbols uint8, activeUes int)
	AddDci(dir model.Direction, retx bool)
	AddBytes(dir model.Direction, bytes uint32)
	SetHarqCarryOver(dir model.Direction, n int)
	IncZeroTbsDrop(dir model.Direction)
	ObserveTriggerDuration(dir model.Direction, d time.Duration)
}

var _ MetricsRecorder = (*observability.SchedulerCollector)(nil)

type noopMetrics struct{}

func (noopMetrics) ObserveSlot(model.Direction, uint8, int)               {}
func (noopMetrics) AddDci(model.Direction, bool)                          {}
func (noopMetrics) AddBytes(model.Direction, uint32)                      {}
func (noopMetrics) SetHarqCarryOver(model.Direction, int)                 {}
func (noopMetrics) IncZeroTbsDrop(model.Direction)                        {}
func (noopMetrics) ObserveTriggerDuration(model.Direction, time.Duration) {}
