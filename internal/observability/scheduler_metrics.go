package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/nr-scheduler/model"
)

// SchedulerCollector exposes per-direction slot scheduling metrics. It
// satisfies sched.MetricsRecorder.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	SymbolsUsed      *prometheus.HistogramVec
	ActiveUes        *prometheus.GaugeVec
	DciTotal         *prometheus.CounterVec
	BytesTotal       *prometheus.CounterVec
	HarqCarryOver    *prometheus.GaugeVec
	ZeroTbsDrops     *prometheus.CounterVec
	TriggerDurations *prometheus.HistogramVec
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	symbols, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nrsched_slot_symbols_used",
		Help:    "Symbols allocated per scheduled slot, by direction.",
		Buckets: prometheus.LinearBuckets(0, 2, 8),
	}, []string{"direction"}), "nrsched_slot_symbols_used")
	if err != nil {
		return nil, err
	}

	active, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nrsched_active_ues",
		Help: "UEs with queued data in the last trigger, by direction.",
	}, []string{"direction"}), "nrsched_active_ues")
	if err != nil {
		return nil, err
	}

	dcis, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nrsched_dci_total",
		Help: "Data grants issued, by direction and whether they retransmit.",
	}, []string{"direction", "kind"}), "nrsched_dci_total")
	if err != nil {
		return nil, err
	}

	bytes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nrsched_scheduled_bytes_total",
		Help: "Transport block bytes granted to new data, by direction.",
	}, []string{"direction"}), "nrsched_scheduled_bytes_total")
	if err != nil {
		return nil, err
	}

	carry, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nrsched_harq_carry_over",
		Help: "HARQ retransmissions deferred to a later slot, by direction.",
	}, []string{"direction"}), "nrsched_harq_carry_over")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nrsched_zero_tbs_drops_total",
		Help: "Assignments dropped because the transport block was too small.",
	}, []string{"direction"}), "nrsched_zero_tbs_drops_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nrsched_trigger_duration_seconds",
		Help:    "Wall time spent building one slot allocation.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
	}, []string{"direction"}), "nrsched_trigger_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:         gatherer,
		SymbolsUsed:      symbols,
		ActiveUes:        active,
		DciTotal:         dcis,
		BytesTotal:       bytes,
		HarqCarryOver:    carry,
		ZeroTbsDrops:     drops,
		TriggerDurations: durations,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveSlot records the symbols used and the active set of one trigger.
func (c *SchedulerCollector) ObserveSlot(dir model.Direction, symbols uint8, activeUes int) {
	if c == nil {
		return
	}
	if c.SymbolsUsed != nil {
		c.SymbolsUsed.WithLabelValues(dir.String()).Observe(float64(symbols))
	}
	if c.ActiveUes != nil {
		c.ActiveUes.WithLabelValues(dir.String()).Set(float64(activeUes))
	}
}

// AddDci counts one data grant.
func (c *SchedulerCollector) AddDci(dir model.Direction, retx bool) {
	if c == nil || c.DciTotal == nil {
		return
	}
	kind := "new"
	if retx {
		kind = "retx"
	}
	c.DciTotal.WithLabelValues(dir.String(), kind).Inc()
}

// AddBytes adds granted transport block bytes.
func (c *SchedulerCollector) AddBytes(dir model.Direction, bytes uint32) {
	if c == nil || c.BytesTotal == nil {
		return
	}
	c.BytesTotal.WithLabelValues(dir.String()).Add(float64(bytes))
}

// SetHarqCarryOver updates the deferred retransmission gauge.
func (c *SchedulerCollector) SetHarqCarryOver(dir model.Direction, n int) {
	if c == nil || c.HarqCarryOver == nil {
		return
	}
	c.HarqCarryOver.WithLabelValues(dir.String()).Set(float64(n))
}

// IncZeroTbsDrop counts an assignment dropped for a too small block.
func (c *SchedulerCollector) IncZeroTbsDrop(dir model.Direction) {
	if c == nil || c.ZeroTbsDrops == nil {
		return
	}
	c.ZeroTbsDrops.WithLabelValues(dir.String()).Inc()
}

// ObserveTriggerDuration records how long one trigger took.
func (c *SchedulerCollector) ObserveTriggerDuration(dir model.Direction, d time.Duration) {
	if c == nil || c.TriggerDurations == nil {
		return
	}
	c.TriggerDurations.WithLabelValues(dir.String()).Observe(d.Seconds())
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
