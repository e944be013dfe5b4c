// Package observe provides application-wide observability primitives for
// mcpgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all mcpgate metrics.
const meterName = "github.com/edgewire/mcpgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolCallDuration tracks the latency of dispatched tool calls, from
	// bus message arrival to reply publish.
	ToolCallDuration metric.Float64Histogram

	// SkillChatDuration tracks smart-skill chat latency including any tool
	// rounds the model requested.
	SkillChatDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts dispatched tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SkillChats counts smart-skill chat invocations. Use with attributes:
	//   attribute.String("skill", ...), attribute.String("status", ...)
	SkillChats metric.Int64Counter

	// ReconcileRuns counts processed desired-state snapshots. Use with
	// attribute: attribute.String("kind", "providers"|"skills")
	ReconcileRuns metric.Int64Counter

	// ProviderSpawnErrors counts provider runners that failed to start.
	// Use with attribute: attribute.String("provider", ...)
	ProviderSpawnErrors metric.Int64Counter

	// Heartbeats counts published presence beats.
	Heartbeats metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live consumer sessions. Use with
	// attribute: attribute.String("transport", ...)
	ActiveSessions metric.Int64UpDownCounter

	// RunningProviders tracks the number of live provider runners.
	RunningProviders metric.Int64UpDownCounter

	// RunningSkills tracks the number of live smart-skill runners.
	RunningSkills metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Tool
// calls routinely run for seconds, so the upper buckets reach the call
// timeout ceiling.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolCallDuration, err = m.Float64Histogram("mcpgate.tool_call.duration",
		metric.WithDescription("Latency of dispatched tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SkillChatDuration, err = m.Float64Histogram("mcpgate.skill_chat.duration",
		metric.WithDescription("Latency of smart-skill chat invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("mcpgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("mcpgate.tool.calls",
		metric.WithDescription("Total dispatched tool invocations by tool id and status."),
	); err != nil {
		return nil, err
	}
	if met.SkillChats, err = m.Int64Counter("mcpgate.skill.chats",
		metric.WithDescription("Total smart-skill chat invocations by skill id and status."),
	); err != nil {
		return nil, err
	}
	if met.ReconcileRuns, err = m.Int64Counter("mcpgate.reconcile.runs",
		metric.WithDescription("Total processed desired-state snapshots by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderSpawnErrors, err = m.Int64Counter("mcpgate.provider.spawn_errors",
		metric.WithDescription("Total provider runners that failed to start."),
	); err != nil {
		return nil, err
	}
	if met.Heartbeats, err = m.Int64Counter("mcpgate.heartbeats",
		metric.WithDescription("Total published presence beats."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("mcpgate.active_sessions",
		metric.WithDescription("Number of live consumer sessions."),
	); err != nil {
		return nil, err
	}
	if met.RunningProviders, err = m.Int64UpDownCounter("mcpgate.running_providers",
		metric.WithDescription("Number of live provider runners."),
	); err != nil {
		return nil, err
	}
	if met.RunningSkills, err = m.Int64UpDownCounter("mcpgate.running_skills",
		metric.WithDescription("Number of live smart-skill runners."),
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

// RecordSkillChat records a smart-skill chat counter increment with the
// standard attribute set.
func (m *Metrics) RecordSkillChat(ctx context.Context, skill, status string) {
	m.SkillChats.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("skill", skill),
			attribute.String("status", status),
		),
	)
}

// RecordReconcile records one processed desired-state snapshot.
func (m *Metrics) RecordReconcile(ctx context.Context, kind string) {
	m.ReconcileRuns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordProviderSpawnError records one provider runner start failure.
func (m *Metrics) RecordProviderSpawnError(ctx context.Context, provider string) {
	m.ProviderSpawnErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
