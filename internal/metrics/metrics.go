// Package metrics exposes engine counters through OpenTelemetry and
// wires the OTLP gRPC exporter.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// DefaultExportInterval is the periodic reader's push cadence.
const DefaultExportInterval = 15 * time.Second

// Init configures the global meter provider with an OTLP gRPC exporter.
// The endpoint comes from OTEL_EXPORTER_OTLP_ENDPOINT, defaulting to a
// local collector. The returned function shuts the provider down.
func Init(serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctx := context.Background()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if env := os.Getenv("METRIC_SERVICE_ENV"); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	if instance := os.Getenv("HOSTNAME"); instance != "" {
		attrs = append(attrs, attribute.String("service.instance.id", instance))
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(DefaultExportInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	slog.Info("Metrics exporter configured", "endpoint", endpoint, "service", serviceName)
	return provider.Shutdown, nil
}

// Metrics holds the engine's instruments. It satisfies the engine's
// Metrics interface.
type Metrics struct {
	triggersFired   metric.Int64Counter
	agentErrors     metric.Int64Counter
	optimizerCycles metric.Int64Counter
	unprocessed     metric.Int64Gauge
}

// New creates the instruments on the global meter provider. Call Init
// first in production; without it the instruments are no-ops.
func New() (*Metrics, error) {
	meter := otel.Meter("neonmarketing/engine")

	triggersFired, err := meter.Int64Counter("triggers_fired_total",
		metric.WithDescription("Workflow steps dispatched to a channel service"))
	if err != nil {
		return nil, err
	}
	agentErrors, err := meter.Int64Counter("agent_errors_total",
		metric.WithDescription("Errors encountered while processing enrollments"))
	if err != nil {
		return nil, err
	}
	optimizerCycles, err := meter.Int64Counter("optimizer_cycles_total",
		metric.WithDescription("Completed strategy optimization cycles"))
	if err != nil {
		return nil, err
	}
	unprocessed, err := meter.Int64Gauge("unprocessed_leads",
		metric.WithDescription("Due enrollments seen at the start of a tick"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		triggersFired:   triggersFired,
		agentErrors:     agentErrors,
		optimizerCycles: optimizerCycles,
		unprocessed:     unprocessed,
	}, nil
}

// TriggerFired counts one dispatched step.
func (m *Metrics) TriggerFired(ctx context.Context) {
	m.triggersFired.Add(ctx, 1)
}

// AgentError counts one processing error.
func (m *Metrics) AgentError(ctx context.Context) {
	m.agentErrors.Add(ctx, 1)
}

// OptimizerCycle counts one completed optimization cycle.
func (m *Metrics) OptimizerCycle(ctx context.Context) {
	m.optimizerCycles.Add(ctx, 1)
}

// SetUnprocessedLeads records the due backlog size.
func (m *Metrics) SetUnprocessedLeads(ctx context.Context, n int64) {
	m.unprocessed.Record(ctx, n)
}
