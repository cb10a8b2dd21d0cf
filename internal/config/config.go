// Package config loads the YAML configuration of the cell simulator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/nr-scheduler/amc"
	"github.com/signalsfoundry/nr-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-scheduler/internal/sim"
	"github.com/signalsfoundry/nr-scheduler/lcg"
	"github.com/signalsfoundry/nr-scheduler/model"
	"github.com/signalsfoundry/nr-scheduler/sched"
	"github.com/signalsfoundry/nr-scheduler/timectrl"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the whole simulator configuration.
type Config struct {
	Cell      CellConfig      `yaml:"cell"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Harness   HarnessConfig   `yaml:"harness"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

// CellConfig is the radio grid.
type CellConfig struct {
	Numerology     uint8    `yaml:"numerology"`
	NumRbg         uint32   `yaml:"num_rbg"`
	RbPerRbg       uint32   `yaml:"rb_per_rbg"`
	SymbolsPerSlot uint8    `yaml:"symbols_per_slot"`
	DlCtrlSymbols  uint8    `yaml:"dl_ctrl_symbols"`
	UlCtrlSymbols  uint8    `yaml:"ul_ctrl_symbols"`
	DlNotchedRbgs  []uint32 `yaml:"dl_notched_rbgs"`
	UlNotchedRbgs  []uint32 `yaml:"ul_notched_rbgs"`
	BwpID          uint16   `yaml:"bwp_id"`
	SubbandSize    uint32   `yaml:"subband_size"`
	SrsPeriodicity uint32   `yaml:"srs_periodicity"`
	SrsSymbols     uint8    `yaml:"srs_symbols"`
	// FronthaulBits caps the bits per slot and direction; zero disables it.
	FronthaulBits uint64 `yaml:"fronthaul_bits"`
}

// SchedulerConfig selects the scheduling policy.
type SchedulerConfig struct {
	Placement   string `yaml:"placement"`    // tdma | ofdma
	BeamSymbols string `yaml:"beam_symbols"` // load | rr, ofdma only
	Distributor string `yaml:"distributor"`  // rr | qos

	HarqProcesses uint8  `yaml:"harq_processes"`
	HarqTimeout   uint32 `yaml:"harq_timeout"`
	CqiTimer      uint32 `yaml:"cqi_timer"`
	StartMcsDl    uint8  `yaml:"start_mcs_dl"`
	StartMcsUl    uint8  `yaml:"start_mcs_ul"`
	MaxMcsDl      uint8  `yaml:"max_mcs_dl"`
	MaxMcsUl      uint8  `yaml:"max_mcs_ul"`
	McsTable      uint8  `yaml:"mcs_table"`
	AmcMode       string `yaml:"amc_mode"` // shannon | error_model

	CheckResourceMatrix bool `yaml:"check_resource_matrix"`
}

// HarnessConfig drives the synthetic cell.
type HarnessConfig struct {
	// Slots to run; zero runs until interrupted.
	Slots uint64 `yaml:"slots"`
	Mode  string `yaml:"mode"` // accelerated | realtime
	// Pattern is one letter per slot: D, U or F.
	Pattern   string     `yaml:"pattern"`
	K1        uint32     `yaml:"k1"`
	K2        uint32     `yaml:"k2"`
	CqiPeriod uint32     `yaml:"cqi_period"`
	FadingDb  float64    `yaml:"fading_db"`
	Seed      uint64     `yaml:"seed"`
	Ues       []UeConfig `yaml:"ues"`
}

// UeConfig is one synthetic UE.
type UeConfig struct {
	Rnti       uint16     `yaml:"rnti"`
	Sector     uint16     `yaml:"sector"`
	Elevation  float64    `yaml:"elevation"`
	SinrDb     float64    `yaml:"sinr_db"`
	Layers     uint8      `yaml:"layers"`
	DlRateBps  uint64     `yaml:"dl_rate_bps"`
	UlRateBps  uint64     `yaml:"ul_rate_bps"`
	AttachSlot uint64     `yaml:"attach_slot"`
	DetachSlot uint64     `yaml:"detach_slot"`
	Lcs        []LcConfig `yaml:"lcs"`
}

// LcConfig is one logical channel of a UE.
type LcConfig struct {
	Lcid      uint8  `yaml:"lcid"`
	Lcg       uint8  `yaml:"lcg"`
	Qci       uint8  `yaml:"qci"`
	Priority  uint8  `yaml:"priority"`
	Type      string `yaml:"type"`      // non-gbr | gbr | dc-gbr
	Direction string `yaml:"direction"` // both | dl | ul
	GbrDl     uint64 `yaml:"gbr_dl"`
	GbrUl     uint64 `yaml:"gbr_ul"`
	MbrDl     uint64 `yaml:"mbr_dl"`
	MbrUl     uint64 `yaml:"mbr_ul"`
}

// MetricsConfig exposes Prometheus metrics and the gRPC health service.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	Path       string `yaml:"path"`
	GrpcListen string `yaml:"grpc_listen"`
}

// TracingConfig mirrors observability.TracingConfig. NRSCHED_TRACING_*
// variables override it.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
	CellID      string  `yaml:"cell_id"`
}

// LogConfig picks the log level and format; empty falls back to the
// NRSCHED_LOG_* variables.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig is a 20 MHz numerology 0 TDD cell with two UEs.
func DefaultConfig() *Config {
	def := sched.DefaultConfig()
	return &Config{
		Cell: CellConfig{
			Numerology:     def.Numerology,
			NumRbg:         def.NumRbg,
			RbPerRbg:       def.RbPerRbg,
			SymbolsPerSlot: def.SymbolsPerSlot,
			DlCtrlSymbols:  def.DlCtrlSymbols,
			UlCtrlSymbols:  def.UlCtrlSymbols,
			SubbandSize:    def.SubbandSize,
			SrsPeriodicity: 20,
			SrsSymbols:     def.SrsSymbols,
		},
		Scheduler: SchedulerConfig{
			Placement:     "tdma",
			BeamSymbols:   "load",
			Distributor:   "rr",
			HarqProcesses: def.HarqProcesses,
			HarqTimeout:   def.HarqTimeout,
			CqiTimer:      def.CqiTimer,
			McsTable:      uint8(amc.McsTable1),
			AmcMode:       "error_model",
		},
		Harness: HarnessConfig{
			Slots:     1000,
			Mode:      "accelerated",
			Pattern:   "DDDFU",
			K1:        2,
			K2:        2,
			CqiPeriod: 10,
			FadingDb:  2,
			Seed:      1,
			Ues: []UeConfig{
				{Rnti: 1, SinrDb: 18, DlRateBps: 5_000_000, UlRateBps: 500_000},
				{Rnti: 2, Sector: 1, SinrDb: 8, DlRateBps: 2_000_000, UlRateBps: 200_000, AttachSlot: 10},
			},
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Listen:     ":9464",
			Path:       "/metrics",
			GrpcListen: ":50061",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "nr-sim",
			SampleRatio: 1,
		},
	}
}

// Validate checks every section, including the scheduler and scenario
// built from them.
func (c *Config) Validate() error {
	switch c.Scheduler.Placement {
	case "tdma", "ofdma":
	default:
		return fmt.Errorf("%w: scheduler.placement %q not tdma or ofdma", ErrInvalid, c.Scheduler.Placement)
	}
	switch c.Scheduler.BeamSymbols {
	case "load", "rr":
	default:
		return fmt.Errorf("%w: scheduler.beam_symbols %q not load or rr", ErrInvalid, c.Scheduler.BeamSymbols)
	}
	switch c.Scheduler.Distributor {
	case "rr", "qos":
	default:
		return fmt.Errorf("%w: scheduler.distributor %q not rr or qos", ErrInvalid, c.Scheduler.Distributor)
	}
	if _, err := c.Scheduler.amcMode(); err != nil {
		return err
	}
	if _, err := c.Harness.clockMode(); err != nil {
		return err
	}
	if err := c.ToSched().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	scn, err := c.ToScenario()
	if err != nil {
		return err
	}
	if err := scn.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing.sample_ratio %v outside [0,1]", ErrInvalid, c.Tracing.SampleRatio)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics enabled without metrics.listen", ErrInvalid)
	}
	return nil
}

// ToSched returns the scheduler configuration.
func (c *Config) ToSched() sched.Config {
	return sched.Config{
		Numerology:          c.Cell.Numerology,
		NumRbg:              c.Cell.NumRbg,
		RbPerRbg:            c.Cell.RbPerRbg,
		SymbolsPerSlot:      c.Cell.SymbolsPerSlot,
		DlCtrlSymbols:       c.Cell.DlCtrlSymbols,
		UlCtrlSymbols:       c.Cell.UlCtrlSymbols,
		DlNotchedRbgs:       c.Cell.DlNotchedRbgs,
		UlNotchedRbgs:       c.Cell.UlNotchedRbgs,
		BwpID:               c.Cell.BwpID,
		HarqProcesses:       c.Scheduler.HarqProcesses,
		HarqTimeout:         c.Scheduler.HarqTimeout,
		CqiTimer:            c.Scheduler.CqiTimer,
		StartMcsDl:          c.Scheduler.StartMcsDl,
		StartMcsUl:          c.Scheduler.StartMcsUl,
		MaxMcsDl:            c.Scheduler.MaxMcsDl,
		MaxMcsUl:            c.Scheduler.MaxMcsUl,
		SubbandSize:         c.Cell.SubbandSize,
		SrsPeriodicity:      c.Cell.SrsPeriodicity,
		SrsSymbols:          c.Cell.SrsSymbols,
		CheckResourceMatrix: c.Scheduler.CheckResourceMatrix,
	}
}

// ToScenario returns the harness scenario.
func (c *Config) ToScenario() (sim.Scenario, error) {
	h := c.Harness
	pattern, err := ParsePattern(h.Pattern)
	if err != nil {
		return sim.Scenario{}, err
	}
	scn := sim.Scenario{
		Pattern:   pattern,
		K1:        h.K1,
		K2:        h.K2,
		CqiPeriod: h.CqiPeriod,
		FadingDb:  h.FadingDb,
		Seed:      h.Seed,
	}
	for _, u := range h.Ues {
		p := sim.UeProfile{
			Rnti:       u.Rnti,
			Beam:       model.BeamID{Sector: u.Sector, Elevation: u.Elevation},
			SinrDb:     u.SinrDb,
			Layers:     u.Layers,
			DlRateBps:  u.DlRateBps,
			UlRateBps:  u.UlRateBps,
			AttachSlot: u.AttachSlot,
			DetachSlot: u.DetachSlot,
		}
		for _, lc := range u.Lcs {
			m, err := lc.toModel()
			if err != nil {
				return sim.Scenario{}, fmt.Errorf("ue %d: %w", u.Rnti, err)
			}
			p.Lcs = append(p.Lcs, m)
		}
		scn.Ues = append(scn.Ues, p)
	}
	return scn, nil
}

func (lc LcConfig) toModel() (model.LcConfig, error) {
	out := model.LcConfig{
		Lcid:     lc.Lcid,
		Lcg:      lc.Lcg,
		Qci:      lc.Qci,
		Priority: lc.Priority,
		GbrDl:    lc.GbrDl,
		GbrUl:    lc.GbrUl,
		MbrDl:    lc.MbrDl,
		MbrUl:    lc.MbrUl,
	}
	switch strings.ToLower(lc.Type) {
	case "", "non-gbr":
		out.ResourceType = model.NonGBR
	case "gbr":
		out.ResourceType = model.GBR
	case "dc-gbr":
		out.ResourceType = model.DCGBR
	default:
		return out, fmt.Errorf("%w: lc %d type %q", ErrInvalid, lc.Lcid, lc.Type)
	}
	switch strings.ToLower(lc.Direction) {
	case "", "both":
		out.Direction = model.LcBoth
	case "dl":
		out.Direction = model.LcDL
	case "ul":
		out.Direction = model.LcUL
	default:
		return out, fmt.Errorf("%w: lc %d direction %q", ErrInvalid, lc.Lcid, lc.Direction)
	}
	return out, nil
}

// ParsePattern turns a string such as "DDDFU" into slot types.
func ParsePattern(s string) ([]model.SlotType, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty tdd pattern", ErrInvalid)
	}
	out := make([]model.SlotType, 0, len(s))
	for i, r := range strings.ToUpper(s) {
		switch r {
		case 'D':
			out = append(out, model.SlotDL)
		case 'U':
			out = append(out, model.SlotUL)
		case 'F', 'S':
			out = append(out, model.SlotF)
		default:
			return nil, fmt.Errorf("%w: tdd pattern %q: slot %d is %q", ErrInvalid, s, i, r)
		}
	}
	return out, nil
}

// Placement returns the configured placement strategy.
func (c *Config) Placement() sched.Placement {
	if c.Scheduler.Placement != "ofdma" {
		return sched.TDMA{}
	}
	if c.Scheduler.BeamSymbols == "rr" {
		return sched.NewOFDMA(sched.BeamSymbolsRoundRobin)
	}
	return sched.NewOFDMA(sched.BeamSymbolsLoadBased)
}

// Distributor returns the configured byte distribution.
func (c *Config) Distributor() lcg.Distributor {
	if c.Scheduler.Distributor == "qos" {
		return lcg.QoS{}
	}
	return lcg.RoundRobin{}
}

func (s SchedulerConfig) amcMode() (amc.Mode, error) {
	switch s.AmcMode {
	case "", "error_model":
		return amc.ModeErrorModel, nil
	case "shannon":
		return amc.ModeShannon, nil
	}
	return 0, fmt.Errorf("%w: scheduler.amc_mode %q not shannon or error_model", ErrInvalid, s.AmcMode)
}

// NewAmcs builds one AMC per direction over the configured MCS table.
func (c *Config) NewAmcs() (dl, ul *amc.Amc, err error) {
	mode, err := c.Scheduler.amcMode()
	if err != nil {
		return nil, nil, err
	}
	build := func() (*amc.Amc, error) {
		em, err := amc.NewEesmModel(amc.McsTable(c.Scheduler.McsTable))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return amc.New(em, amc.WithMode(mode))
	}
	if dl, err = build(); err != nil {
		return nil, nil, err
	}
	if ul, err = build(); err != nil {
		return nil, nil, err
	}
	return dl, ul, nil
}

// CapacityLimiter returns the fronthaul limiter, or nil when disabled.
func (c *Config) CapacityLimiter(dl, ul *amc.Amc) sched.CapacityLimiter {
	if c.Cell.FronthaulBits == 0 {
		return nil
	}
	return sched.NewFronthaulLimiter(c.Cell.FronthaulBits, c.Cell.RbPerRbg, dl, ul)
}

func (h HarnessConfig) clockMode() (timectrl.Mode, error) {
	switch h.Mode {
	case "", "accelerated":
		return timectrl.Accelerated, nil
	case "realtime":
		return timectrl.RealTime, nil
	}
	return 0, fmt.Errorf("%w: harness.mode %q not accelerated or realtime", ErrInvalid, h.Mode)
}

// ClockMode returns how the slot clock advances.
func (c *Config) ClockMode() timectrl.Mode {
	m, _ := c.Harness.clockMode()
	return m
}

// ObservabilityTracing merges the file settings with NRSCHED_TRACING_*
// variables; a variable that is set wins.
func (c *Config) ObservabilityTracing() observability.TracingConfig {
	env := observability.TracingConfigFromEnv()
	out := observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
		Cell: observability.CellResource{
			ID:         c.Tracing.CellID,
			Numerology: c.Cell.Numerology,
			NumRbg:     c.Cell.NumRbg,
		},
	}
	if _, ok := os.LookupEnv("NRSCHED_TRACING_ENABLED"); ok {
		out.Enabled = env.Enabled
	}
	if _, ok := os.LookupEnv("NRSCHED_TRACING_EXPORTER"); ok {
		out.Exporter = env.Exporter
	}
	if _, ok := os.LookupEnv("NRSCHED_TRACING_SERVICE_NAME"); ok {
		out.ServiceName = env.ServiceName
	}
	if _, ok := os.LookupEnv("NRSCHED_TRACING_SAMPLE_RATIO"); ok {
		out.SampleRatio = env.SampleRatio
	}
	if _, ok := os.LookupEnv("NRSCHED_OTLP_ENDPOINT"); ok {
		out.Endpoint = env.Endpoint
	}
	if _, ok := os.LookupEnv("NRSCHED_TRACING_CELL_ID"); ok {
		out.Cell.ID = env.Cell.ID
	}
	return out
}
