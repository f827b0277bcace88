// Package telemetry wires OpenTelemetry tracing for the coupling manager.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/san-kum/multiphys/internal/config"
)

const ServiceName = "mphys"

// Setup initialises tracing from the environment.
//
// Tracing is opt-in: with an empty endpoint or OTelEnabled false, Setup
// returns a no-op shutdown and registers no global provider. The returned
// shutdown flushes pending spans and should be deferred by the caller.
func Setup(ctx context.Context, env config.Env) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if !env.OTelEnabled || env.OTelEndpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(env.OTelEndpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
