package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/nr-scheduler/internal/config"
	"github.com/signalsfoundry/nr-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-scheduler/internal/sim"
	"github.com/signalsfoundry/nr-scheduler/sched"
	"github.com/signalsfoundry/nr-scheduler/timectrl"
)

// cellService is the health service name that tracks the slot loop.
const cellService = "nrsched.Cell"

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration; built-in defaults when empty")
	slots := flag.Int64("slots", -1, "Slots to run, overriding harness.slots; 0 runs until interrupted")
	grpcAddr := flag.String("grpc-addr", "", "TCP address of the gRPC health server, overriding metrics.grpc_listen")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logging.NewFromEnv("", "").Error(context.Background(), "failed to load config",
				logging.String("path", *configPath), logging.Err(err))
			os.Exit(1)
		}
		cfg = loaded
	}
	if *slots >= 0 {
		cfg.Harness.Slots = uint64(*slots)
	}
	if *grpcAddr != "" {
		cfg.Metrics.GrpcListen = *grpcAddr
	}

	log := logging.NewFromEnv(cfg.Log.Level, cfg.Log.Format)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lis net.Listener
	if cfg.Metrics.GrpcListen != "" {
		var err error
		lis, err = net.Listen("tcp", cfg.Metrics.GrpcListen)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Metrics.GrpcListen), logging.Err(err))
			os.Exit(1)
		}
	}

	stats, err := run(ctx, cfg, log, lis)
	if err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
	log.Info(ctx, "simulation complete",
		logging.Uint("slots", stats.Slots),
		logging.Int("attached", stats.Attached),
		logging.Uint("dl_bytes", stats.Dl.DeliveredBytes),
		logging.Float("dl_bler", stats.Dl.Bler()),
		logging.Uint("ul_bytes", stats.Ul.DeliveredBytes),
		logging.Float("ul_bler", stats.Ul.Bler()),
	)
}

// run wires the scheduler, the synthetic cell and the servers, then drives
// the slot clock. It returns once the configured slots are done or ctx is
// cancelled. lis may be nil to skip the gRPC server.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, lis net.Listener) (sim.StatsSnapshot, error) {
	ctx, log = logging.WithRunLogger(ctx, log)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ObservabilityTracing(), log)
	if err != nil {
		return sim.StatsSnapshot{}, err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return sim.StatsSnapshot{}, err
	}
	serverMetrics, err := observability.NewServerCollector(reg)
	if err != nil {
		return sim.StatsSnapshot{}, err
	}

	amcDl, amcUl, err := cfg.NewAmcs()
	if err != nil {
		return sim.StatsSnapshot{}, err
	}
	s, err := sched.New(cfg.ToSched(), amcDl, amcUl,
		sched.WithLogger(log),
		sched.WithPlacement(cfg.Placement()),
		sched.WithDistributor(cfg.Distributor()),
		sched.WithCapacityLimiter(cfg.CapacityLimiter(amcDl, amcUl)),
		sched.WithMetrics(schedMetrics),
		sched.WithTracerProvider(otel.GetTracerProvider()),
	)
	if err != nil {
		return sim.StatsSnapshot{}, err
	}
	scn, err := cfg.ToScenario()
	if err != nil {
		return sim.StatsSnapshot{}, err
	}
	clock := timectrl.NewSlotClock(time.Now().UTC(), cfg.Cell.Numerology, cfg.ClockMode())
	cell, err := sim.NewCell(scn, s, amcDl, amcUl, clock,
		sim.WithLogger(log),
		sim.WithMetrics(serverMetrics),
	)
	if err != nil {
		return sim.StatsSnapshot{}, err
	}
	clock.AddListener(cell.OnSlot)

	runCtx, finish := context.WithCancel(ctx)
	defer finish()
	g, gctx := errgroup.WithContext(runCtx)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(cellService, healthpb.HealthCheckResponse_SERVING)
	if lis != nil {
		srv := newGRPCServer(log, serverMetrics, healthSrv)
		g.Go(func() error {
			log.Info(gctx, "starting gRPC server", logging.String("addr", lis.Addr().String()))
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		httpSrv := newMetricsServer(cfg.Metrics, serverMetrics)
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", cfg.Metrics.Listen))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer finish()
		log.Info(gctx, "starting slot loop",
			logging.Uint("slots", cfg.Harness.Slots),
			logging.String("mode", cfg.ClockMode().String()),
			logging.Int("ues", len(scn.Ues)),
		)
		err := clock.Run(gctx, cfg.Harness.Slots)
		healthSrv.SetServingStatus(cellService, healthpb.HealthCheckResponse_NOT_SERVING)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	return cell.Stats().Snapshot(), err
}

func newGRPCServer(log logging.Logger, metrics *observability.ServerCollector, healthSrv *health.Server) *grpc.Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			metrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(srv, healthSrv)
	reflection.Register(srv)
	return srv
}

func newMetricsServer(cfg config.MetricsConfig, metrics *observability.ServerCollector) *http.Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
