package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/nr-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-scheduler/model"
)

// TracerName is the instrumentation scope of the scheduler spans.
const TracerName = "github.com/signalsfoundry/nr-scheduler/sched"

// Span attributes of the scheduler.
const (
	AttrSlot        = attribute.Key("nr.slot")
	AttrDirection   = attribute.Key("nr.direction")
	AttrSlotType    = attribute.Key("nr.slot_type")
	AttrRnti        = attribute.Key("nr.rnti")
	AttrDciCount    = attribute.Key("nr.dci_count")
	AttrRetxCount   = attribute.Key("nr.retx_count")
	AttrSymbolsUsed = attribute.Key("nr.symbols_used")
	AttrCarryOver   = attribute.Key("nr.harq_carry_over")
	AttrActiveUes   = attribute.Key("nr.active_ues")

	attrCellID     = attribute.Key("nr.cell.id")
	attrNumerology = attribute.Key("nr.cell.numerology")
	attrNumRbg     = attribute.Key("nr.cell.num_rbg")
)

// CellResource describes the cell on every exported span.
type CellResource struct {
	ID         string
	Numerology uint8
	NumRbg     uint32
}

// TracingConfig governs how slot tracing is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64
	Cell        CellResource
}

// TracingConfigFromEnv pulls tracing configuration from environment variables,
// using sensible defaults when unset.
func TracingConfigFromEnv() TracingConfig {
	enabled := strings.EqualFold(os.Getenv("NRSCHED_TRACING_ENABLED"), "true")
	exporter := strings.ToLower(os.Getenv("NRSCHED_TRACING_EXPORTER"))
	if exporter == "" {
		exporter = "stdout"
	}
	service := os.Getenv("NRSCHED_TRACING_SERVICE_NAME")
	if service == "" {
		service = "nr-sim"
	}

	ratio := 1.0
	if rawRatio := os.Getenv("NRSCHED_TRACING_SAMPLE_RATIO"); rawRatio != "" {
		if parsed, err := strconv.ParseFloat(rawRatio, 64); err == nil && parsed >= 0 && parsed <= 1 {
			ratio = parsed
		}
	}

	return TracingConfig{
		Enabled:     enabled,
		ServiceName: service,
		Exporter:    exporter,
		Endpoint:    os.Getenv("NRSCHED_OTLP_ENDPOINT"),
		SampleRatio: ratio,
		Cell:        CellResource{ID: os.Getenv("NRSCHED_TRACING_CELL_ID")},
	}
}

// InitTracing installs the global tracer provider, exporter and sampler
// described by cfg. It returns a shutdown function to flush spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("cell", cfg.Cell.ID),
		logging.String("sampler", fmt.Sprintf("parentbased_traceidratio_%0.2f", cfg.SampleRatio)),
	)

	return tp.Shutdown, nil
}

func resourceAttributes(cfg TracingConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "nr-scheduler"),
	}
	if cfg.Cell.ID != "" {
		attrs = append(attrs, attrCellID.String(cfg.Cell.ID))
	}
	if cfg.Cell.NumRbg > 0 {
		attrs = append(attrs,
			attrNumerology.Int(int(cfg.Cell.Numerology)),
			attrNumRbg.Int(int(cfg.Cell.NumRbg)),
		)
	}
	return attrs
}

// StartTriggerSpan opens the span of one scheduler trigger, named
// sched.dl_trigger or sched.ul_trigger.
func StartTriggerSpan(ctx context.Context, tracer trace.Tracer, dir model.Direction, req model.TriggerReq) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sched."+strings.ToLower(dir.String())+"_trigger",
		trace.WithAttributes(
			AttrSlot.String(req.SfnSf.String()),
			AttrDirection.String(dir.String()),
			AttrSlotType.String(req.SlotType.String()),
			attribute.Int("nr.harq_feedback", len(req.HarqFeedback)),
		))
}

// EndTriggerSpan records what the trigger granted and ends span.
func EndTriggerSpan(span trace.Span, alloc *model.SlotAllocation, symbolsUsed uint8, activeUes, carryOver int) {
	grants := alloc.DataAllocs()
	var retx int
	for _, a := range grants {
		if a.DCI.IsRetx() {
			retx++
		}
	}
	span.SetAttributes(
		AttrDciCount.Int(len(alloc.Allocs)),
		attribute.Int("nr.grant_count", len(grants)),
		AttrRetxCount.Int(retx),
		AttrSymbolsUsed.Int(int(symbolsUsed)),
		AttrActiveUes.Int(activeUes),
		AttrCarryOver.Int(carryOver),
	)
	if carryOver > 0 {
		span.AddEvent("harq retransmissions carried", trace.WithAttributes(AttrCarryOver.Int(carryOver)))
	}
	span.End()
}

// StartRequestSpan opens the span of a control request, named
// sched.<op>, for rnti.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, op string, rnti uint16) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sched."+op, trace.WithAttributes(AttrRnti.Int(int(rnti))))
}

// EndRequestSpan marks span failed when err is set and ends it.
func EndRequestSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout invokes the provided shutdown function with a bounded
// timeout, swallowing errors in the shutdown path.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
