package observability

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation scope of hpcflow spans.
const TracerName = "hpcflow"

// TracerOptions describes the orchestrator whose cycles are traced.
type TracerOptions struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address.
	Endpoint string
	// RunDir is the run being orchestrated. Spans of different runs are told apart by it.
	RunDir   string
	Machines []string
}

// InitTracer exports monitor and auto-submit spans to an OTLP collector and installs the
// provider globally. The returned function flushes pending spans.
func InitTracer(ctx context.Context, opts TracerOptions) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(TracerName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := traceResource(ctx, opts)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp.Shutdown, nil
}

// traceResource names the orchestrator process, the run it drives and its machines.
func traceResource(ctx context.Context, opts TracerOptions) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceNamespace(TracerName),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if opts.RunDir != "" {
		dir, err := filepath.Abs(opts.RunDir)
		if err != nil {
			dir = opts.RunDir
		}
		attrs = append(attrs,
			attribute.String("hpcflow.run_dir", dir),
			attribute.String("hpcflow.run", filepath.Base(dir)),
		)
	}
	if len(opts.Machines) > 0 {
		machines := slices.Clone(opts.Machines)
		slices.Sort(machines)
		attrs = append(attrs, attribute.StringSlice("hpcflow.machines", machines))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	return res, nil
}

// Tracer returns the hpcflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
