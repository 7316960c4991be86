package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "board-sync/api"
	commandsSpanName    = "commands.request"
	commandsEventName   = "board.commands.request"
	commandsEventDomain = "board-sync"
	observabilityEvent  = "observability.event"
)

type commandRequestMetrics struct {
	logger       *log.Logger
	span         trace.Span
	start        time.Time
	authDuration time.Duration
	execDuration time.Duration
	commands     int
	failed       int
	duplicates   int
	errorStage   string
}

func newCommandRequestMetrics(ctx context.Context, logger *log.Logger) (*commandRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, commandsSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &commandRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *commandRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *commandRequestMetrics) ObserveExecute(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.execDuration = duration
}

func (m *commandRequestMetrics) SetCommands(count int) {
	if count < 0 {
		count = 0
	}
	m.commands = count
}

func (m *commandRequestMetrics) ObserveResult(status int) {
	switch {
	case status == http.StatusConflict:
		m.duplicates++
	case status >= http.StatusBadRequest:
		m.failed++
	}
}

func (m *commandRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the request span and writes one observability event.
func (m *commandRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.route", "/api/commands"),
		attribute.Int("http.status_code", status),
		attribute.Float64("board.commands.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int("board.commands.count", m.commands),
		attribute.Int("board.commands.failed", m.failed),
		attribute.Int("board.commands.duplicates", m.duplicates),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("board.commands.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.execDuration > 0 {
		attrs = append(attrs, attribute.Float64("board.commands.exec_ms", durationToMillis(m.execDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("board.commands.error_stage", m.errorStage))
	}
	severityText, severityNumber := severityForStatus(status, err)
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", commandsEventName),
		attribute.String("event.domain", commandsEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      commandsEventName,
		"event.domain":    commandsEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributesToFields(attrs),
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	}
	return "INFO", 9
}

func attributesToFields(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
