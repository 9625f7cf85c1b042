// Package observe provides the gateway's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge so that the
// standard /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/kilobco/sb-voice-gateway"

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// tool dispatch and persistence pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// ToolExecutionDuration tracks tool dispatch latency. Use with
	// attribute.String("tool", ...).
	ToolExecutionDuration metric.Float64Histogram

	// OrderPipelineDuration tracks the completeOrder persistence pipeline,
	// including retries.
	OrderPipelineDuration metric.Float64Histogram

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// OrdersCompleted counts successfully persisted orders.
	OrdersCompleted metric.Int64Counter

	// OrdersFailed counts completeOrder pipelines that exhausted retries.
	OrdersFailed metric.Int64Counter

	// TransfersTriggered counts human-transfer escalations.
	TransfersTriggered metric.Int64Counter

	// FramesDropped counts audio frames skipped due to conversion errors or
	// gating. Use with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// CallsStarted counts inbound calls by start event.
	CallsStarted metric.Int64Counter

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolExecutionDuration, err = m.Float64Histogram("voicegateway.tool_execution.duration",
		metric.WithDescription("Latency of tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OrderPipelineDuration, err = m.Float64Histogram("voicegateway.order_pipeline.duration",
		metric.WithDescription("Latency of the order persistence pipeline including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("voicegateway.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.OrdersCompleted, err = m.Int64Counter("voicegateway.orders.completed",
		metric.WithDescription("Total successfully persisted orders."),
	); err != nil {
		return nil, err
	}
	if met.OrdersFailed, err = m.Int64Counter("voicegateway.orders.failed",
		metric.WithDescription("Total order pipelines that exhausted retries."),
	); err != nil {
		return nil, err
	}
	if met.TransfersTriggered, err = m.Int64Counter("voicegateway.transfers.triggered",
		metric.WithDescription("Total human-transfer escalations."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicegateway.frames.dropped",
		metric.WithDescription("Total audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.CallsStarted, err = m.Int64Counter("voicegateway.calls.started",
		metric.WithDescription("Total inbound calls."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicegateway.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which cannot happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}
