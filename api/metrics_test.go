package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCommandRequestMetricsLogProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newCommandRequestMetrics(context.Background(), logger)
	metrics.start = metrics.start.Add(-50 * time.Millisecond)
	metrics.ObserveAuth(5 * time.Millisecond)
	metrics.ObserveExecute(20 * time.Millisecond)
	metrics.SetCommands(3)
	metrics.ObserveResult(http.StatusOK)
	metrics.ObserveResult(http.StatusConflict)
	metrics.ObserveResult(http.StatusNotFound)

	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Message != observabilityEvent {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Data["event.name"] != commandsEventName || entry.Data["event.domain"] != commandsEventDomain {
		t.Fatalf("unexpected event identity: %v", entry.Data)
	}
	if entry.Data["severity_text"] != "INFO" {
		t.Fatalf("unexpected severity: %v", entry.Data["severity_text"])
	}
	if _, ok := entry.Data["trace_id"]; !ok {
		t.Fatalf("expected trace id to be logged")
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrs["board.commands.count"] != int64(3) {
		t.Fatalf("unexpected count attribute: %#v", attrs["board.commands.count"])
	}
	if attrs["board.commands.duplicates"] != int64(1) || attrs["board.commands.failed"] != int64(1) {
		t.Fatalf("unexpected result counters: %#v", attrs)
	}
	if attrs["board.commands.total_ms"].(float64) < 50 {
		t.Fatalf("expected total duration attribute, got %#v", attrs["board.commands.total_ms"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != commandsSpanName {
		t.Fatalf("unexpected span name %s", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("unexpected span status %v", span.Status)
	}
	if len(span.Events) != 1 || span.Events[0].Name != observabilityEvent {
		t.Fatalf("expected observability event on span, got %+v", span.Events)
	}
	spanAttrs := attributesToFields(span.Attributes)
	if spanAttrs["http.route"] != "/api/commands" {
		t.Fatalf("unexpected route attribute %#v", spanAttrs["http.route"])
	}
}

func TestCommandRequestMetricsErrorSeverity(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newCommandRequestMetrics(context.Background(), logger)
	metrics.SetErrorStage("dedupe")
	metrics.Log(http.StatusServiceUnavailable, errors.New("redis down"))
	_ = tp.ForceFlush(context.Background())

	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level entry, got %+v", entry)
	}
	attrs := entry.Data["attributes"].(map[string]any)
	if attrs["board.commands.error_stage"] != "dedupe" || attrs["error.message"] != "redis down" {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("expected errored span, got %+v", spans)
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		status int
		err    error
		text   string
		number int
	}{
		{http.StatusOK, nil, "INFO", 9},
		{http.StatusConflict, nil, "WARN", 13},
		{http.StatusInternalServerError, nil, "ERROR", 17},
		{http.StatusOK, errors.New("x"), "ERROR", 17},
	}
	for _, tt := range tests {
		text, number := severityForStatus(tt.status, tt.err)
		if text != tt.text || number != tt.number {
			t.Fatalf("severityForStatus(%d, %v) = %s/%d", tt.status, tt.err, text, number)
		}
	}
}

func TestNilMetricsLogIsNoop(t *testing.T) {
	var m *commandRequestMetrics
	m.Log(http.StatusOK, nil)
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

