package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SetupTracing installs a tracer provider as the process-global otel
// provider, so the spans started around intake, dequeue, and model
// transitions are collected. No exporter is wired by default; deployments
// that ship spans somewhere register their own span processor through the
// returned provider. The returned shutdown func flushes on exit.
func SetupTracing(serviceName string) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	res := sdkresource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider, provider.Shutdown, nil
}
