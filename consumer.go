package probelight

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/probelight/probelight/dispatch"
)

// OTelConsumer is the default event sink: it turns finalized operation
// events into OpenTelemetry metrics. Spans are opened and closed
// synchronously on the operation itself; this consumer only handles the
// deferred per-event accounting so the capture path stays cheap.
type OTelConsumer struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider

	durationHist metric.Float64Histogram
	opsCounter   metric.Int64Counter
	failCounter  metric.Int64Counter
	slowCounter  metric.Int64Counter
}

// NewOTelConsumer creates the OpenTelemetry sink. With development set,
// traces go to stdout instead of an OTLP collector; otherwise endpoint
// names the collector (falls back to OTEL_EXPORTER_OTLP_ENDPOINT, then
// localhost:4317).
func NewOTelConsumer(serviceName, endpoint string, development bool) (*OTelConsumer, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if development {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	} else {
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			if endpoint == "" {
				endpoint = "localhost:4317"
			}
		}
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := otel.Meter("probelight")

	c := &OTelConsumer{
		tracer:        tp.Tracer("probelight"),
		meter:         meter,
		traceProvider: tp,
	}

	c.durationHist, err = meter.Float64Histogram("probelight.operation.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Operation duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	c.opsCounter, err = meter.Int64Counter("probelight.operation.count",
		metric.WithDescription("Completed operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}
	c.failCounter, err = meter.Int64Counter("probelight.operation.failures",
		metric.WithDescription("Operations that recorded at least one error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	c.slowCounter, err = meter.Int64Counter("probelight.operation.slow",
		metric.WithDescription("Operations exceeding their configured threshold"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create slow counter: %w", err)
	}

	return c, nil
}

// Tracer returns the tracer operations open their spans on.
func (c *OTelConsumer) Tracer() trace.Tracer {
	return c.tracer
}

// Consume records per-event metrics. Runs on the dispatch worker, never
// on the instrumented caller's goroutine.
func (c *OTelConsumer) Consume(ctx context.Context, event dispatch.Event) error {
	attrs := metric.WithAttributes(
		attribute.String("operation", event.Name),
		attribute.Bool("success", event.Success),
	)

	c.durationHist.Record(ctx, float64(event.Duration.Microseconds())/1000.0, attrs)
	c.opsCounter.Add(ctx, 1, attrs)
	if !event.Success {
		c.failCounter.Add(ctx, 1, attrs)
	}
	if event.Slow {
		c.slowCounter.Add(ctx, 1, attrs)
	}
	return nil
}

// Shutdown flushes and stops the trace provider.
func (c *OTelConsumer) Shutdown(ctx context.Context) error {
	return c.traceProvider.Shutdown(ctx)
}
