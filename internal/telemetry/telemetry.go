// Package telemetry wires OpenTelemetry tracing and the structured
// operational event stream of the autoscaler.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// flushTimeout bounds a single ForceFlush.
const flushTimeout = 2 * time.Second

// Service owns the tracer provider. The zero-config service is disabled and
// hands out no-op tracers.
type Service struct {
	config   config.TelemetryConfig
	logger   *zap.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewService builds the tracer provider described by cfg and installs it
// as the global provider
func NewService(cfg config.TelemetryConfig, logger *zap.Logger) (*Service, error) {
	return newService(cfg, logger, os.Stdout)
}

func newService(cfg config.TelemetryConfig, logger *zap.Logger, stdout io.Writer) (*Service, error) {
	s := &Service{config: cfg, logger: logger}
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return s, nil
	}

	res, err := processResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to describe process: %w", err)
	}

	exporter, err := newSpanExporter(cfg.Exporter, stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s span exporter: %w", cfg.Exporter.Type, err)
	}

	s.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(rootSampler(cfg.Sampling.Rate))),
	)
	s.tracer = s.provider.Tracer(cfg.ServiceName)
	otel.SetTracerProvider(s.provider)

	logger.Info("Telemetry initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
		zap.String("exporter", cfg.Exporter.Type),
		zap.Float64("sampling_rate", cfg.Sampling.Rate))

	return s, nil
}

// processResource identifies this supervisor process in exported spans
func processResource(cfg config.TelemetryConfig) (*resource.Resource, error) {
	return resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithProcessPID(),
		resource.WithHost(),
	)
}

// rootSampler samples every trace at rate 1 or above and a ratio below it
func rootSampler(rate float64) trace.Sampler {
	if rate >= 1 {
		return trace.AlwaysSample()
	}
	return trace.TraceIDRatioBased(rate)
}

func newSpanExporter(cfg config.TelemetryExporterConfig, stdout io.Writer) (trace.SpanExporter, error) {
	switch cfg.Type {
	case config.ExporterTypeStdout:
		return stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())

	case config.ExporterTypeOTLP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("OTLP endpoint is required")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(context.Background(), opts...)

	default:
		return nil, fmt.Errorf("unsupported exporter type: %q", cfg.Type)
	}
}

// Start is a no-op kept for the component lifecycle; the provider exports
// from construction.
func (s *Service) Start(ctx context.Context) error {
	if s.IsEnabled() {
		s.logger.Debug("Telemetry exporting spans")
	}
	return nil
}

// Stop flushes remaining spans and shuts the provider down
func (s *Service) Stop(ctx context.Context) error {
	if !s.IsEnabled() || s.provider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.DefaultShutdownTimeout)
	defer cancel()

	if err := s.provider.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shut down tracer provider", zap.Error(err))
		return err
	}
	s.logger.Info("Telemetry stopped")
	return nil
}

// Tracer returns the service tracer, or the global no-op tracer when disabled
func (s *Service) Tracer() oteltrace.Tracer {
	if s == nil || s.tracer == nil {
		return otel.Tracer("noop")
	}
	return s.tracer
}

// IsEnabled reports whether spans are exported
func (s *Service) IsEnabled() bool {
	return s != nil && s.config.Enabled
}

// Flush exports buffered spans without shutting down
func (s *Service) Flush(ctx context.Context) error {
	if !s.IsEnabled() || s.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	return s.provider.ForceFlush(ctx)
}
