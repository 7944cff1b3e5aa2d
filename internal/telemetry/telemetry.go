// Package telemetry configures OpenTelemetry tracing and structured
// logging for the cell-sts binary.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

const exporterTimeout = 10 * time.Second

// Config configures span export. It is embedded in the cell configuration
// under the TELEMETRY prefix. An empty Endpoint disables export; spans are
// still created against the no-op global provider.
type Config struct {
	// Endpoint is the OTLP/gRPC collector address, for example
	// "otel-collector:4317".
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Insecure bool   `json:"insecure" yaml:"insecure" env:"INSECURE" envDefault:"true"`
	// SampleRatio is the fraction of root spans sampled. Child spans follow
	// their parent.
	SampleRatio float64 `json:"sample_ratio" yaml:"sampleRatio" env:"SAMPLE_RATIO" envDefault:"1"`
}

// Enabled reports whether an exporter endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// Validate implements config.Validator.
func (c Config) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return sserr.Newf(sserr.CodeValidation, "telemetry: sample ratio must be within [0, 1], got %v", c.SampleRatio)
	}
	return nil
}

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(ctx context.Context) error

// Setup installs the global tracer provider and W3C propagators. When cfg
// is disabled it installs only the propagators and returns a no-op
// shutdown.
func Setup(ctx context.Context, cfg Config, service, version string, logger *slog.Logger) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled() {
		logger.Info("telemetry: span export disabled")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", service),
			attribute.String("service.version", version),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "telemetry: failed to build resource")
	}

	var dialOpts []grpc.DialOption
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	exportCtx, cancel := context.WithTimeout(ctx, exporterTimeout)
	defer cancel()
	exporter, err := otlptracegrpc.New(exportCtx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "telemetry: failed to create trace exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("telemetry: span export enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return sserr.Wrap(err, sserr.CodeInternal, "telemetry: tracer provider shutdown failed")
		}
		return nil
	}, nil
}
