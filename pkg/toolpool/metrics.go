package toolpool

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all toolpool metrics.
const meterName = "github.com/opalchat/mcp-toolpool"

// Metrics holds the OpenTelemetry instruments recorded by a Pool. All fields
// are safe for concurrent use; the underlying OTel types handle their own
// synchronisation. Tests should construct instances with NewMetrics and a
// private MeterProvider to avoid cross-test pollution.
type Metrics struct {
	// ReconcileDuration tracks full rebuild passes in seconds. Attributes:
	// "outcome" ("ok" | "error").
	ReconcileDuration metric.Float64Histogram

	// ConnectFailures counts per-server connect failures during rebuilds.
	// Attributes: "server".
	ConnectFailures metric.Int64Counter

	// ActiveConnections tracks the number of live server connections.
	ActiveConnections metric.Int64UpDownCounter

	// ToolCalls counts dispatched tool invocations. Attributes: "tool",
	// "status" ("ok" | "error" | "not_found").
	ToolCalls metric.Int64Counter

	// ToolCallDuration tracks tool invocation latency in seconds.
	// Attributes: "tool".
	ToolCallDuration metric.Float64Histogram
}

// NewMetrics creates the instrument bundle on the given provider. Pass
// otel.GetMeterProvider() (or use DefaultMetrics) for the globally registered
// provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	reconcile, err := meter.Float64Histogram("toolpool.reconcile.duration",
		metric.WithDescription("Duration of pool reconciliation passes."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("toolpool.connect.failures",
		metric.WithDescription("Per-server connect failures during reconciliation."),
	)
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("toolpool.connections.active",
		metric.WithDescription("Live tool server connections."),
	)
	if err != nil {
		return nil, err
	}
	calls, err := meter.Int64Counter("toolpool.tool.calls",
		metric.WithDescription("Dispatched tool invocations."),
	)
	if err != nil {
		return nil, err
	}
	callDuration, err := meter.Float64Histogram("toolpool.tool.duration",
		metric.WithDescription("Tool invocation latency."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ReconcileDuration: reconcile,
		ConnectFailures:   failures,
		ActiveConnections: active,
		ToolCalls:         calls,
		ToolCallDuration:  callDuration,
	}, nil
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns a process-wide Metrics instance built on the global
// MeterProvider. With no SDK installed the global provider is a no-op, so the
// instruments cost nothing.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// The no-op provider never fails; a real provider that does is
			// surfaced by returning an empty bundle which records nothing.
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
