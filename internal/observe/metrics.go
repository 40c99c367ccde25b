// Package observe provides application-wide observability primitives for
// kiro: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all kiro metrics.
const meterName = "github.com/MrWong99/kiro"

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// EFEDuration tracks how long the EFE takes to answer an utterance.
	EFEDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// WakeDetections counts wake-word triggers by model.
	WakeDetections metric.Int64Counter

	// Utterances counts finished utterances by outcome: complete, empty,
	// abandoned or error.
	Utterances metric.Int64Counter

	// Captures counts EFE parses by intent.
	Captures metric.Int64Counter

	// RemindersFired counts reminders delivered by the scheduler.
	RemindersFired metric.Int64Counter

	// CaptureDropped counts audio chunks discarded because the capture
	// queue was full.
	CaptureDropped metric.Int64Counter

	// Events counts dispatched bus events by name.
	Events metric.Int64Counter

	// --- Gauges ---

	// CircuitState reports each circuit breaker's state
	// (0 closed, 1 open, 2 half-open) by breaker name.
	CircuitState metric.Int64Gauge

	// PipelineState reports the audio pipeline state
	// (0 idle, 1 listening, 2 processing).
	PipelineState metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.STTDuration, err = histogram("kiro.stt.duration", "Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("kiro.llm.duration", "Latency of LLM completions."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("kiro.tts.duration", "Latency of text-to-speech synthesis."); err != nil {
		return nil, err
	}
	if met.EFEDuration, err = histogram("kiro.efe.duration", "Latency of EFE utterance processing."); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = histogram("kiro.tool_execution.duration", "Latency of MCP tool execution."); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "kiro.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "kiro.provider.errors", "Total provider errors by provider and kind."},
		{&met.ToolCalls, "kiro.tool.calls", "Total tool invocations by tool name and status."},
		{&met.WakeDetections, "kiro.wake.detections", "Total wake-word detections by model."},
		{&met.Utterances, "kiro.utterances", "Total utterances by outcome."},
		{&met.Captures, "kiro.efe.captures", "Total EFE parses by intent."},
		{&met.RemindersFired, "kiro.efe.reminders_fired", "Total reminders fired."},
		{&met.CaptureDropped, "kiro.audio.dropped_chunks", "Total capture chunks dropped on queue overflow."},
		{&met.Events, "kiro.events.dispatched", "Total bus events dispatched by name."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges.
	if met.CircuitState, err = m.Int64Gauge("kiro.circuit.state",
		metric.WithDescription("Circuit breaker state by breaker name (0 closed, 1 open, 2 half-open)."),
	); err != nil {
		return nil, err
	}
	if met.PipelineState, err = m.Int64Gauge("kiro.pipeline.state",
		metric.WithDescription("Audio pipeline state (0 idle, 1 listening, 2 processing)."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kiro.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordWakeDetection counts one wake-word trigger.
func (m *Metrics) RecordWakeDetection(ctx context.Context, model string) {
	m.WakeDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// RecordUtterance counts one finished utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCapture counts one EFE parse.
func (m *Metrics) RecordCapture(ctx context.Context, intent string) {
	m.Captures.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
}

// RecordEvent counts one dispatched bus event.
func (m *Metrics) RecordEvent(ctx context.Context, name string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

// RecordCircuitState sets the gauge for the named breaker.
func (m *Metrics) RecordCircuitState(ctx context.Context, breaker string, state int64) {
	m.CircuitState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker", breaker)))
}
