// Package observability wires OpenTelemetry metrics for the relay core:
// ingest outcomes, store write latency, broadcast fan-out and drops.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NewMeterProvider builds an SDK meter provider tagged with the relay's
// service identity. Readers (exporters) are attached by the caller; tests
// pass a manual reader.
func NewMeterProvider(serviceName, version string, opts ...sdkmetric.Option) (*sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}
	opts = append([]sdkmetric.Option{sdkmetric.WithResource(res)}, opts...)
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Metrics holds the relay's instruments. A nil *Metrics is a valid no-op
// receiver so the core never has to check whether telemetry is configured.
type Metrics struct {
	accepted   metric.Int64Counter
	rejected   metric.Int64Counter
	duplicates metric.Int64Counter
	broadcasts metric.Int64Counter
	dropped    metric.Int64Counter
	writeDur   metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.accepted, err = meter.Int64Counter("relay.events.accepted",
		metric.WithDescription("Events validated and committed")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("relay.events.rejected",
		metric.WithDescription("Events refused, by reason")); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("relay.events.duplicate",
		metric.WithDescription("Idempotent re-submissions")); err != nil {
		return nil, err
	}
	if m.broadcasts, err = meter.Int64Counter("relay.broadcast.deliveries",
		metric.WithDescription("Events pushed to subscriber buffers")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("relay.broadcast.dropped",
		metric.WithDescription("Deliveries dropped on full buffers")); err != nil {
		return nil, err
	}
	if m.writeDur, err = meter.Float64Histogram("relay.store.write_seconds",
		metric.WithDescription("Store commit duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) EventAccepted(ctx context.Context) {
	if m != nil {
		m.accepted.Add(ctx, 1)
	}
}

func (m *Metrics) EventRejected(ctx context.Context, reason string) {
	if m != nil {
		m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) EventDuplicate(ctx context.Context) {
	if m != nil {
		m.duplicates.Add(ctx, 1)
	}
}

func (m *Metrics) Delivered(ctx context.Context, n int) {
	if m != nil && n > 0 {
		m.broadcasts.Add(ctx, int64(n))
	}
}

func (m *Metrics) Dropped(ctx context.Context) {
	if m != nil {
		m.dropped.Add(ctx, 1)
	}
}

func (m *Metrics) WriteDuration(ctx context.Context, d time.Duration) {
	if m != nil {
		m.writeDur.Record(ctx, d.Seconds())
	}
}
