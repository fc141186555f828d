package mcp

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/mcpd/pkg/mcp"

// Metrics holds protocol-level instruments. The global meter provider is a
// no-op unless the embedding process installs an exporter; observability
// backends are external to this server.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	requests    metric.Int64Counter
	requestDur  metric.Float64Histogram
	toolCalls   metric.Int64Counter
	toolDur     metric.Float64Histogram
	activeTools metric.Int64UpDownCounter
	sseEvents   metric.Int64Counter
}

// NewMetrics creates a Metrics instance on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.requests, err = m.meter.Int64Counter(
		"mcpd.rpc.requests_total",
		metric.WithDescription("Total JSON-RPC requests by method and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"mcpd.rpc.request_duration_seconds",
		metric.WithDescription("JSON-RPC request duration by method"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.toolCalls, err = m.meter.Int64Counter(
		"mcpd.tool.invocations_total",
		metric.WithDescription("Total tool invocations by tool and failure reason"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create tool counter", zap.Error(err))
	}

	m.toolDur, err = m.meter.Float64Histogram(
		"mcpd.tool.duration_seconds",
		metric.WithDescription("Tool handler duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0),
	)
	if err != nil {
		m.logger.Warn("failed to create tool histogram", zap.Error(err))
	}

	m.activeTools, err = m.meter.Int64UpDownCounter(
		"mcpd.tool.active_requests",
		metric.WithDescription("Currently executing tool handlers"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active tools gauge", zap.Error(err))
	}

	m.sseEvents, err = m.meter.Int64Counter(
		"mcpd.sse.events_total",
		metric.WithDescription("Server-sent events published by event name"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.logger.Warn("failed to create sse counter", zap.Error(err))
	}
}

// RecordRequest records one dispatched JSON-RPC request.
func (m *Metrics) RecordRequest(ctx context.Context, method string, duration time.Duration, errCode int) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.Bool("error", errCode != 0),
	}
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.requestDur != nil {
		m.requestDur.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("method", method)))
	}
}

// RecordToolCall records one tool invocation. failure is empty on success.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, failure string) {
	attrs := []attribute.KeyValue{attribute.String("tool", tool)}
	if failure != "" {
		attrs = append(attrs, attribute.String("failure", failure))
	}
	if m.toolCalls != nil {
		m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.toolDur != nil {
		m.toolDur.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("tool", tool)))
	}
}

// IncActiveTools increments the active handler gauge.
func (m *Metrics) IncActiveTools(ctx context.Context, tool string) {
	if m.activeTools != nil {
		m.activeTools.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// DecActiveTools decrements the active handler gauge.
func (m *Metrics) DecActiveTools(ctx context.Context, tool string) {
	if m.activeTools != nil {
		m.activeTools.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// RecordSSEEvent counts a published event.
func (m *Metrics) RecordSSEEvent(ctx context.Context, eventName string) {
	if m.sseEvents != nil {
		m.sseEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
	}
}
