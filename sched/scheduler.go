// Package sched is the MAC slot scheduler: it owns the UE records and, on
// every downlink or uplink trigger, turns buffers, channel quality and HARQ
// feedback into the grants of one slot.
//
// The scheduler is single threaded. Callers serialise requests and triggers.
package sched

import (
	"context"
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bitset"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/signalsfoundry/nr-scheduler/amc"
	"github.com/signalsfoundry/nr-scheduler/cqi"
	"github.com/signalsfoundry/nr-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-scheduler/lcg"
	"github.com/signalsfoundry/nr-scheduler/model"
)

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger; the default drops everything.
func WithLogger(log logging.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPlacement selects the placement strategy; the default is TDMA.
func WithPlacement(p Placement) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.placement = p
		}
	}
}

// WithDistributor selects the byte distribution; the default is round robin.
func WithDistributor(d lcg.Distributor) Option {
	return func(s *Scheduler) {
		if d != nil {
			s.distributor = d
		}
	}
}

// WithCapacityLimiter installs a capacity limiter consulted for every grant.
func WithCapacityLimiter(l CapacityLimiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// WithMetrics installs a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracerProvider sets the provider of the trigger and control request
// spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) {
		if tp != nil {
			s.tracer = tp.Tracer(observability.TracerName)
		}
	}
}

// Scheduler is the per-cell MAC scheduler.
type Scheduler struct {
	cfg   Config
	amcDl *amc.Amc
	amcUl *amc.Amc
	cqi   *cqi.Manager

	placement   Placement
	distributor lcg.Distributor
	limiter     CapacityLimiter
	harqDl      *HarqRR
	harqUl      *HarqRR

	metrics MetricsRecorder
	tracer  trace.Tracer
	log     logging.Logger

	ues     map[uint16]*UeInfo
	dlNotch *bitset.BitSet
	ulNotch *bitset.BitSet

	// NACKs that did not fit in an earlier slot.
	carryDl []model.HarqFeedback
	carryUl []model.HarqFeedback

	srList   []uint16
	rachList []uint16

	reservations map[uint64]*reservation
	srsCounter   uint32
}

// New builds a scheduler for the cell described by cfg.
func New(cfg Config, amcDl, amcUl *amc.Amc, opts ...Option) (*Scheduler, error) {
	if amcDl == nil || amcUl == nil {
		return nil, fmt.Errorf("%w: both directions need an amc", ErrInvalidConfig)
	}
	s := &Scheduler{
		amcDl:        amcDl,
		amcUl:        amcUl,
		placement:    TDMA{},
		distributor:  lcg.RoundRobin{},
		metrics:      noopMetrics{},
		tracer:       noop.NewTracerProvider().Tracer(""),
		log:          logging.Noop(),
		ues:          make(map[uint16]*UeInfo),
		reservations: make(map[uint64]*reservation),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.harqDl = NewHarqRR(model.DL, s.log)
	s.harqUl = NewHarqRR(model.UL, s.log)
	if err := s.ConfigureCell(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// ConfigureCell applies a cell configuration. HARQ vectors of attached UEs
// follow a change of the process count; a change of bandwidth erases their
// pending processes.
func (s *Scheduler) ConfigureCell(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.MaxMcsDl == 0 || cfg.MaxMcsDl > s.amcDl.MaxMcs() {
		cfg.MaxMcsDl = s.amcDl.MaxMcs()
	}
	if cfg.MaxMcsUl == 0 || cfg.MaxMcsUl > s.amcUl.MaxMcs() {
		cfg.MaxMcsUl = s.amcUl.MaxMcs()
	}
	s.cfg = cfg
	s.dlNotch = usableMask(cfg.NumRbg, cfg.DlNotchedRbgs)
	s.ulNotch = usableMask(cfg.NumRbg, cfg.UlNotchedRbgs)
	s.cqi = cqi.NewManager(cqi.Config{
		StartMcsDl:  cfg.StartMcsDl,
		StartMcsUl:  cfg.StartMcsUl,
		NumRbg:      cfg.NumRbg,
		RbPerRbg:    cfg.RbPerRbg,
		SubbandSize: cfg.SubbandSize,
	}, s.amcDl, s.amcUl, s.log)
	for _, ue := range s.sortedUes() {
		ue.Dl.Harq.Resize(cfg.HarqProcesses)
		ue.Ul.Harq.Resize(cfg.HarqProcesses)
		// a grant mask must span the cell, so retransmissions of the old
		// bandwidth are lost
		dl := ue.Dl.Harq.EraseMismatched(cfg.NumRbg)
		ul := ue.Ul.Harq.EraseMismatched(cfg.NumRbg)
		if len(dl)+len(ul) > 0 {
			s.log.Warn(context.Background(), "harq processes dropped by bandwidth change",
				logging.Rnti(ue.Rnti),
				logging.Int("dl", len(dl)),
				logging.Int("ul", len(ul)),
			)
		}
	}
	s.log.Info(context.Background(), "cell configured",
		logging.Uint("rbg", uint64(cfg.NumRbg)),
		logging.Uint("rb_per_rbg", uint64(cfg.RbPerRbg)),
		logging.Uint("symbols", uint64(cfg.SymbolsPerSlot)),
		logging.Uint("numerology", uint64(cfg.Numerology)),
	)
	return nil
}

// Config returns the active configuration with MCS caps resolved.
func (s *Scheduler) Config() Config { return s.cfg }

// Ue returns the record of rnti.
func (s *Scheduler) Ue(rnti uint16) (*UeInfo, bool) {
	ue, ok := s.ues[rnti]
	return ue, ok
}

// NumUes returns the number of attached UEs.
func (s *Scheduler) NumUes() int { return len(s.ues) }

// BeamOf resolves the beam of an attached UE.
func (s *Scheduler) BeamOf(rnti uint16) (model.BeamID, bool) {
	ue, ok := s.ues[rnti]
	if !ok {
		return model.BeamID{}, false
	}
	return ue.Beam, true
}

// HarqCarryOver returns the NACKs of dir waiting for room.
func (s *Scheduler) HarqCarryOver(dir model.Direction) []model.HarqFeedback {
	if dir == model.DL {
		return slices.Clone(s.carryDl)
	}
	return slices.Clone(s.carryUl)
}

func (s *Scheduler) lookup(rnti uint16) (*UeInfo, error) {
	ue, ok := s.ues[rnti]
	if !ok {
		return nil, fmt.Errorf("%w: rnti %d", ErrUnknownUe, rnti)
	}
	return ue, nil
}

// ConfigureUe attaches a UE or updates the beam and transmission mode of an
// attached one.
func (s *Scheduler) ConfigureUe(ctx context.Context, req model.UeConfigReq) (err error) {
	ctx, span := observability.StartRequestSpan(ctx, s.tracer, "configure_ue", req.Rnti)
	defer func() { observability.EndRequestSpan(span, err) }()

	if ue, ok := s.ues[req.Rnti]; ok {
		ue.Beam = req.Beam
		ue.TxMode = req.TxMode
		s.log.Debug(ctx, "ue reconfigured", logging.Rnti(req.Rnti), logging.String("beam", req.Beam.String()))
		return nil
	}
	ue := &UeInfo{
		Rnti:   req.Rnti,
		Beam:   req.Beam,
		TxMode: req.TxMode,
		Dl:     newDirState(s.cfg.StartMcsDl, s.cfg.HarqProcesses),
		Ul:     newDirState(s.cfg.StartMcsUl, s.cfg.HarqProcesses),
	}
	if s.cfg.SrsPeriodicity > 0 {
		ue.SrsOffset = s.srsCounter % s.cfg.SrsPeriodicity
		s.srsCounter++
	}
	s.ues[req.Rnti] = ue
	s.log.Info(ctx, "ue attached",
		logging.Rnti(req.Rnti),
		logging.String("beam", req.Beam.String()),
		logging.Uint("tx_mode", uint64(req.TxMode)),
	)
	return nil
}

// ReleaseUe detaches a UE and forgets every pending request naming it.
func (s *Scheduler) ReleaseUe(ctx context.Context, rnti uint16) (err error) {
	ctx, span := observability.StartRequestSpan(ctx, s.tracer, "release_ue", rnti)
	defer func() { observability.EndRequestSpan(span, err) }()

	if _, err = s.lookup(rnti); err != nil {
		return err
	}
	delete(s.ues, rnti)

	isUe := func(r uint16) bool { return r == rnti }
	s.srList = slices.DeleteFunc(s.srList, isUe)
	s.rachList = slices.DeleteFunc(s.rachList, isUe)
	fromUe := func(fb model.HarqFeedback) bool { return fb.Rnti == rnti }
	s.carryDl = slices.DeleteFunc(s.carryDl, fromUe)
	s.carryUl = slices.DeleteFunc(s.carryUl, fromUe)
	for _, r := range s.reservations {
		r.forget(rnti)
	}
	s.log.Info(ctx, "ue released", logging.Rnti(rnti))
	return nil
}

// ConfigureLc attaches logical channels. A channel already present is an
// error unless the request is a reconfiguration, which updates its QoS and
// keeps its queues.
func (s *Scheduler) ConfigureLc(ctx context.Context, req model.LcConfigReq) (err error) {
	ctx, span := observability.StartRequestSpan(ctx, s.tracer, "configure_lc", req.Rnti)
	defer func() { observability.EndRequestSpan(span, err) }()

	ue, err := s.lookup(req.Rnti)
	if err != nil {
		return err
	}
	if !req.Reconfigure {
		for _, cfg := range req.Lcs {
			for _, dir := range []model.Direction{model.DL, model.UL} {
				if !cfg.Direction.Has(dir) {
					continue
				}
				if g := ue.Side(dir).Lcgs[cfg.Lcg]; g != nil && g.Contains(cfg.Lcid) {
					return fmt.Errorf("%w: rnti %d lc %d in %s", ErrDuplicateLc, req.Rnti, cfg.Lcid, dir)
				}
			}
		}
	}
	for _, cfg := range req.Lcs {
		for _, dir := range []model.Direction{model.DL, model.UL} {
			if !cfg.Direction.Has(dir) {
				continue
			}
			lcgs := ue.Side(dir).Lcgs
			g := lcgs[cfg.Lcg]
			if g == nil {
				g = lcg.New(cfg.Lcg)
				lcgs[cfg.Lcg] = g
			}
			fresh := lcg.NewLC(cfg, dir)
			if cur := g.LC(cfg.Lcid); cur != nil {
				fresh.TxQueue, fresh.TxHolDelay = cur.TxQueue, cur.TxHolDelay
				fresh.RetxQueue, fresh.RetxHolDelay = cur.RetxQueue, cur.RetxHolDelay
				fresh.StatusPdu = cur.StatusPdu
				g.ReleaseLC(cfg.Lcid)
			}
			g.Insert(fresh)
		}
		s.log.Debug(ctx, "lc configured",
			logging.Rnti(req.Rnti),
			logging.Uint("lcid", uint64(cfg.Lcid)),
			logging.Uint("lcg", uint64(cfg.Lcg)),
			logging.String("type", cfg.ResourceType.String()),
		)
	}
	return nil
}

// ReleaseLc detaches logical channels from both directions. Groups left
// empty are removed.
func (s *Scheduler) ReleaseLc(ctx context.Context, req model.LcReleaseReq) (err error) {
	ctx, span := observability.StartRequestSpan(ctx, s.tracer, "release_lc", req.Rnti)
	defer func() { observability.EndRequestSpan(span, err) }()

	ue, err := s.lookup(req.Rnti)
	if err != nil {
		return err
	}
	for _, lcid := range req.Lcids {
		found := false
		for _, dir := range []model.Direction{model.DL, model.UL} {
			lcgs := ue.Side(dir).Lcgs
			for id, g := range lcgs {
				if !g.Contains(lcid) {
					continue
				}
				found = true
				g.ReleaseLC(lcid)
				if g.NumOfLC() == 0 {
					delete(lcgs, id)
				}
			}
		}
		if !found {
			return fmt.Errorf("%w: rnti %d lc %d", ErrUnknownLc, req.Rnti, lcid)
		}
		s.log.Debug(ctx, "lc released", logging.Rnti(req.Rnti), logging.Uint("lcid", uint64(lcid)))
	}
	return nil
}

// RlcBufferReq updates the downlink queue of one channel.
func (s *Scheduler) RlcBufferReq(ctx context.Context, req model.RlcBufferReq) error {
	ue, err := s.lookup(req.Rnti)
	if err != nil {
		return err
	}
	for _, g := range ue.Dl.Lcgs {
		if g.Contains(req.Lcid) {
			g.UpdateInfo(req)
			return nil
		}
	}
	return fmt.Errorf("%w: rnti %d dl lc %d", ErrUnknownLc, req.Rnti, req.Lcid)
}

// MacCeBsr applies an uplink buffer status report.
func (s *Scheduler) MacCeBsr(ctx context.Context, req model.BsrReq) error {
	ue, err := s.lookup(req.Rnti)
	if err != nil {
		return err
	}
	for _, b := range req.Buffers {
		if ue.Ul.Lcgs[b.Lcg] == nil {
			return fmt.Errorf("%w: rnti %d ul lcg %d", ErrUnknownLc, req.Rnti, b.Lcg)
		}
	}
	for _, b := range req.Buffers {
		ue.Ul.Lcgs[b.Lcg].UpdateInfoUl(b.Bytes)
	}
	s.log.Debug(ctx, "bsr received", logging.Rnti(req.Rnti), logging.Int("groups", len(req.Buffers)))
	return nil
}

// DlCqiInfo applies a downlink channel report.
func (s *Scheduler) DlCqiInfo(ctx context.Context, info model.DlCqiInfo) error {
	ue, err := s.lookup(info.Rnti)
	if err != nil {
		return err
	}
	s.cqi.DlWBCQIReported(ctx, info, &ue.Dl.Cqi, s.cfg.CqiTimer, s.cfg.MaxMcsDl)
	return nil
}

// UlCqiInfo applies an uplink SINR measurement. Only the RBGs the UE was
// granted in the measured slot count.
func (s *Scheduler) UlCqiInfo(ctx context.Context, info model.UlCqiInfo) error {
	ue, err := s.lookup(info.Rnti)
	if err != nil {
		return err
	}
	var mask *bitset.BitSet
	if r, ok := s.reservations[info.SfnSf.Encode()]; ok {
		if d := r.takeUlData(info.Rnti); d != nil {
			mask = d.RbgMask
		}
	}
	s.cqi.UlSBCQIReported(ctx, info.Rnti, s.cfg.CqiTimer, info.Sinr, &ue.Ul.Cqi, mask)
	ue.Ul.Cqi.Mcs = min(ue.Ul.Cqi.Mcs, s.cfg.MaxMcsUl)
	return nil
}

// SrInfo queues scheduling requests. Every RNTI must be attached.
func (s *Scheduler) SrInfo(ctx context.Context, req model.SrReq) error {
	for _, rnti := range req.Rntis {
		if _, err := s.lookup(rnti); err != nil {
			return err
		}
	}
	for _, rnti := range req.Rntis {
		if !slices.Contains(s.srList, rnti) {
			s.srList = append(s.srList, rnti)
		}
	}
	s.log.Debug(ctx, "scheduling requests queued", logging.Slot(req.SfnSf), logging.Int("pending", len(s.srList)))
	return nil
}

// RachInfo queues random access identifiers waiting for a Msg3 grant.
func (s *Scheduler) RachInfo(ctx context.Context, req model.RachReq) error {
	for _, rnti := range req.Rntis {
		if !slices.Contains(s.rachList, rnti) {
			s.rachList = append(s.rachList, rnti)
		}
	}
	s.log.Debug(ctx, "rach queued", logging.Slot(req.SfnSf), logging.Int("pending", len(s.rachList)))
	return nil
}

// PendingSr returns the RNTIs whose scheduling request is not yet granted.
func (s *Scheduler) PendingSr() []uint16 { return slices.Clone(s.srList) }

func (s *Scheduler) placementContext() *PlacementContext {
	return &PlacementContext{
		NumRbg:   s.cfg.NumRbg,
		RbPerRbg: s.cfg.RbPerRbg,
		DlNotch:  s.dlNotch,
		UlNotch:  s.ulNotch,
		AmcDl:    s.amcDl,
		AmcUl:    s.amcUl,
		Limiter:  s.limiter,
		BwpID:    s.cfg.BwpID,
	}
}

// sortedUes returns the attached UEs by RNTI.
func (s *Scheduler) sortedUes() []*UeInfo {
	out := make([]*UeInfo, 0, len(s.ues))
	for _, ue := range s.ues {
		out = append(out, ue)
	}
	slices.SortFunc(out, func(a, b *UeInfo) int { return int(a.Rnti) - int(b.Rnti) })
	return out
}
