package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/nr-scheduler/model"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTriggerSpanCarriesSlotOutcome(t *testing.T) {
	rec, tp := newRecorder()
	tracer := tp.Tracer(TracerName)

	sfn := model.SfnSf{Frame: 3, Subframe: 2, Slot: 1, Numerology: 1}
	_, span := StartTriggerSpan(context.Background(), tracer, model.DL, model.TriggerReq{SfnSf: sfn, SlotType: model.SlotF})

	newTx := model.NewDci(1, model.DL, 10)
	retx := model.NewDci(2, model.DL, 10)
	retx.Rv = 1
	alloc := &model.SlotAllocation{SfnSf: sfn, Allocs: []model.VarTtiAlloc{
		{DCI: model.NewCtrlDci(model.DL, 0, 10, 0)},
		{DCI: newTx},
		{DCI: retx},
	}}
	EndTriggerSpan(span, alloc, 6, 2, 1)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d spans, want 1", len(ended))
	}
	s := ended[0]
	if s.Name() != "sched.dl_trigger" {
		t.Fatalf("span name = %q, want sched.dl_trigger", s.Name())
	}
	attrs := attrMap(s.Attributes())
	if got := attrs[AttrSlot].AsString(); got != sfn.String() {
		t.Fatalf("slot = %q, want %q", got, sfn.String())
	}
	if attrs[AttrDciCount].AsInt64() != 3 || attrs["nr.grant_count"].AsInt64() != 2 || attrs[AttrRetxCount].AsInt64() != 1 {
		t.Fatalf("got dci=%d grants=%d retx=%d, want 3, 2 and 1",
			attrs[AttrDciCount].AsInt64(), attrs["nr.grant_count"].AsInt64(), attrs[AttrRetxCount].AsInt64())
	}
	if attrs[AttrSymbolsUsed].AsInt64() != 6 || attrs[AttrActiveUes].AsInt64() != 2 || attrs[AttrCarryOver].AsInt64() != 1 {
		t.Fatalf("unexpected slot outcome %v", s.Attributes())
	}
	if len(s.Events()) != 1 {
		t.Fatalf("got %d events, want the carry-over event", len(s.Events()))
	}
}

func TestRequestSpanRecordsError(t *testing.T) {
	rec, tp := newRecorder()
	tracer := tp.Tracer(TracerName)

	_, ok := StartRequestSpan(context.Background(), tracer, "configure_ue", 7)
	EndRequestSpan(ok, nil)
	_, failed := StartRequestSpan(context.Background(), tracer, "release_ue", 9)
	EndRequestSpan(failed, errors.New("unknown ue"))

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("got %d spans, want 2", len(ended))
	}
	if ended[0].Name() != "sched.configure_ue" || ended[0].Status().Code == codes.Error {
		t.Fatalf("first span %q status %v", ended[0].Name(), ended[0].Status())
	}
	if got := attrMap(ended[0].Attributes())[AttrRnti].AsInt64(); got != 7 {
		t.Fatalf("rnti = %d, want 7", got)
	}
	if ended[1].Status().Code != codes.Error || len(ended[1].Events()) != 1 {
		t.Fatalf("failed span status %v with %d events, want error and one event", ended[1].Status(), len(ended[1].Events()))
	}
}

func TestResourceAttributesDescribeCell(t *testing.T) {
	attrs := attrMap(resourceAttributes(TracingConfig{
		ServiceName: "nr-sim",
		Cell:        CellResource{ID: "gnb-1/0", Numerology: 1, NumRbg: 25},
	}))
	if attrs[attrCellID].AsString() != "gnb-1/0" || attrs[attrNumRbg].AsInt64() != 25 || attrs[attrNumerology].AsInt64() != 1 {
		t.Fatalf("resource attributes = %v", attrs)
	}

	bare := attrMap(resourceAttributes(TracingConfig{ServiceName: "nr-sim"}))
	if _, ok := bare[attrCellID]; ok {
		t.Fatalf("cell id set without one configured")
	}
	if _, ok := bare[attrNumRbg]; ok {
		t.Fatalf("bandwidth set without a cell")
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
