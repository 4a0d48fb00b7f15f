package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// OTelHandler forwards slog records to the OpenTelemetry log pipeline
// after the wrapped handler has written them locally.
type OTelHandler struct {
	handler slog.Handler
	logger  log.Logger
}

// NewOTelHandler wraps a console or JSON handler with OTLP forwarding.
func NewOTelHandler(handler slog.Handler) *OTelHandler {
	return &OTelHandler{
		handler: handler,
		logger:  global.GetLoggerProvider().Logger("wanderer-kills"),
	}
}

func (h *OTelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *OTelHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.handler.Handle(ctx, record); err != nil {
		return err
	}

	var logRecord log.Record
	logRecord.SetTimestamp(record.Time)
	logRecord.SetBody(log.StringValue(record.Message))

	switch {
	case record.Level >= slog.LevelError:
		logRecord.SetSeverity(log.SeverityError)
	case record.Level >= slog.LevelWarn:
		logRecord.SetSeverity(log.SeverityWarn)
	case record.Level >= slog.LevelInfo:
		logRecord.SetSeverity(log.SeverityInfo)
	default:
		logRecord.SetSeverity(log.SeverityDebug)
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		logRecord.AddAttributes(
			log.String("trace_id", spanCtx.TraceID().String()),
			log.String("span_id", spanCtx.SpanID().String()),
		)
	}

	record.Attrs(func(attr slog.Attr) bool {
		logRecord.AddAttributes(log.String(attr.Key, attr.Value.String()))
		return true
	})

	h.logger.Emit(ctx, logRecord)
	return nil
}

func (h *OTelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &OTelHandler{handler: h.handler.WithAttrs(attrs), logger: h.logger}
}

func (h *OTelHandler) WithGroup(name string) slog.Handler {
	return &OTelHandler{handler: h.handler.WithGroup(name), logger: h.logger}
}
