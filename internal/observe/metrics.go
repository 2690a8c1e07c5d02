// Package observe provides application-wide observability primitives for
// voxaline: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all voxaline metrics.
const meterName = "github.com/voxaline/voxaline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// HandshakeDuration tracks the hello handshake latency per connect. Use
	// with attribute: attribute.String("transport", ...)
	HandshakeDuration metric.Float64Histogram

	// FramesSent counts encoded audio frames sent to the service.
	FramesSent metric.Int64Counter

	// FramesReceived counts audio frames received and queued for playback.
	FramesReceived metric.Int64Counter

	// FrameDrops counts frames discarded in the pipeline. Use with
	// attribute: attribute.String("stage", ...) — "send", "decode",
	// "playback_queue".
	FrameDrops metric.Int64Counter

	// ControlMessages counts protocol control messages. Use with attributes:
	//   attribute.String("type", ...), attribute.String("direction", ...)
	ControlMessages metric.Int64Counter

	// Reconnects counts reconnection attempts. Use with attribute:
	//   attribute.String("status", ...) — "success" or "failure".
	Reconnects metric.Int64Counter

	// StateTransitions counts device state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ActiveSessions tracks whether a voice session is currently open.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time on the metrics
	// listener. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// connection handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HandshakeDuration, err = m.Float64Histogram("voxaline.handshake.duration",
		metric.WithDescription("Latency of the hello handshake per connect."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("voxaline.frames.sent",
		metric.WithDescription("Total encoded audio frames sent to the service."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("voxaline.frames.received",
		metric.WithDescription("Total audio frames received and queued for playback."),
	); err != nil {
		return nil, err
	}
	if met.FrameDrops, err = m.Int64Counter("voxaline.frames.dropped",
		metric.WithDescription("Total frames discarded, by pipeline stage."),
	); err != nil {
		return nil, err
	}
	if met.ControlMessages, err = m.Int64Counter("voxaline.control.messages",
		metric.WithDescription("Total protocol control messages by type and direction."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxaline.reconnects",
		metric.WithDescription("Total reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voxaline.state.transitions",
		metric.WithDescription("Total device state transitions by from and to state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxaline.active_sessions",
		metric.WithDescription("Number of currently open voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxaline.http.request.duration",
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

// RecordHandshake records one hello handshake round-trip for a transport.
func (m *Metrics) RecordHandshake(ctx context.Context, transport string, seconds float64) {
	m.HandshakeDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordFrameDrop records a dropped frame for the given pipeline stage.
func (m *Metrics) RecordFrameDrop(ctx context.Context, stage string) {
	m.RecordFrameDrops(ctx, stage, 1)
}

// RecordFrameDrops records n dropped frames at once, e.g. a per-session
// playback-queue total collected on detach.
func (m *Metrics) RecordFrameDrops(ctx context.Context, stage string, n int64) {
	if n <= 0 {
		return
	}
	m.FrameDrops.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordControlMessage records one control message.
func (m *Metrics) RecordControlMessage(ctx context.Context, msgType, direction string) {
	m.ControlMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", msgType),
			attribute.String("direction", direction),
		),
	)
}

// RecordStateTransition records one device state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordReconnect records one reconnection attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
