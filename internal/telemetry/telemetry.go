// Package telemetry wires OpenTelemetry metrics. Without an OTLP endpoint
// the global no-op provider stays in place and every instrument is free.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the meter provider.
type Shutdown func(context.Context) error

func Init(ctx context.Context, endpoint, serviceName string) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	slog.Info("OpenTelemetry metrics initialized", "service", serviceName, "endpoint", endpoint)
	return mp.Shutdown, nil
}

type Metrics struct {
	connections       metric.Int64Counter
	activeConnections metric.Int64UpDownCounter
	disconnects       metric.Int64Counter
	messagesSent      metric.Int64Counter
	messagesDelivered metric.Int64Counter
	deliveryTimeouts  metric.Int64Counter
	offlineDelivered  metric.Int64Counter
	presenceUpdates   metric.Int64Counter
	framesDropped     metric.Int64Counter
}

// NewMetrics creates the server's instruments on the global meter provider.
// Call it after Init.
func NewMetrics() *Metrics {
	meter := otel.Meter("realtime-server")
	m := &Metrics{}
	m.connections, _ = meter.Int64Counter("realtime_connections_total",
		metric.WithDescription("Accepted websocket connections"))
	m.activeConnections, _ = meter.Int64UpDownCounter("realtime_active_connections",
		metric.WithDescription("Websocket connections currently open on this process"))
	m.disconnects, _ = meter.Int64Counter("realtime_disconnects_total",
		metric.WithDescription("Closed websocket connections by kind"))
	m.messagesSent, _ = meter.Int64Counter("realtime_messages_sent_total",
		metric.WithDescription("Private messages accepted"))
	m.messagesDelivered, _ = meter.Int64Counter("realtime_messages_delivered_total",
		metric.WithDescription("Deliveries confirmed by the recipient"))
	m.deliveryTimeouts, _ = meter.Int64Counter("realtime_delivery_timeouts_total",
		metric.WithDescription("Deliveries whose confirmation timed out"))
	m.offlineDelivered, _ = meter.Int64Counter("realtime_offline_delivered_total",
		metric.WithDescription("Queued messages handed out on reconnect"))
	m.presenceUpdates, _ = meter.Int64Counter("realtime_presence_updates_total",
		metric.WithDescription("Presence status changes"))
	m.framesDropped, _ = meter.Int64Counter("realtime_frames_dropped_total",
		metric.WithDescription("Inbound binary frames that could not be opened"))
	return m
}

func (m *Metrics) Connected(ctx context.Context) {
	m.connections.Add(ctx, 1)
	m.activeConnections.Add(ctx, 1)
}

func (m *Metrics) Disconnected(ctx context.Context, explicit bool) {
	kind := "transient"
	if explicit {
		kind = "explicit"
	}
	m.activeConnections.Add(ctx, -1)
	m.disconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) MessageSent(ctx context.Context) { m.messagesSent.Add(ctx, 1) }

func (m *Metrics) MessageDelivered(ctx context.Context) { m.messagesDelivered.Add(ctx, 1) }

func (m *Metrics) DeliveryTimedOut(ctx context.Context) { m.deliveryTimeouts.Add(ctx, 1) }

func (m *Metrics) OfflineDelivered(ctx context.Context, n int) {
	m.offlineDelivered.Add(ctx, int64(n))
}

func (m *Metrics) PresenceUpdated(ctx context.Context) { m.presenceUpdates.Add(ctx, 1) }

func (m *Metrics) FrameDropped(ctx context.Context) { m.framesDropped.Add(ctx, 1) }
