package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names, one per unit of work a spoken request passes through.
const (
	SpanTranscribe   = "pipeline.transcribe"
	SpanVoiceHandle  = "voice.handle"
	SpanConversation = "conversation.process"
	SpanEFEProcess   = "efe.process"
)

// MCPToolSpan names the span of one MCP tool call.
func MCPToolSpan(tool string) string { return "mcp.tool." + tool }

const tracerName = "github.com/MrWong99/kiro"

// Tracer returns kiro's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span as a child of whatever span ctx carries. The
// caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Fail records err on span and marks the span as failed. A nil err is
// ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID is the trace ID of the span in ctx, or "" without one. It is
// what the HTTP middleware returns as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is the default logger, tagged with trace_id and span_id when ctx
// carries a span. One utterance can then be followed from transcription to
// the spoken reply.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
