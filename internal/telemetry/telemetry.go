// Package telemetry sets up the OpenTelemetry meter provider.
package telemetry

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName identifies the relay in exported telemetry.
const ServiceName = "chat-relay"

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

// Init returns the meter provider the relay records into. With an empty
// endpoint metrics are discarded; otherwise they are exported over
// OTLP/gRPC and the provider becomes the global one.
func Init(ctx context.Context, endpoint string) (metric.MeterProvider, Shutdown, error) {
	if endpoint == "" {
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create resource")
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create metric exporter")
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp, func(ctx context.Context) error {
		return errors.Wrap(mp.Shutdown(ctx), "meter provider shutdown")
	}, nil
}
