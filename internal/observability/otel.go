package observability

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

// TracingConfig is the exporter side of tracing, loaded with the app config.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	Insecure    bool              `yaml:"insecure"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// OtelConfig describes this process to the tracer provider.
type OtelConfig struct {
	ServiceName string
	Environment string
	Version     string
	// Serves the job API / runs job runners. A process may do both.
	RunServer bool
	RunWorker bool
	// Runner slots; only meaningful with RunWorker.
	Concurrency int
	Bus         string
	Tracing     TracingConfig
}

// Role names the deployment shape: "server", "worker" or "server+worker".
func (c OtelConfig) Role() string {
	switch {
	case c.RunServer && c.RunWorker:
		return "server+worker"
	case c.RunWorker:
		return "worker"
	default:
		return "server"
	}
}

func (c OtelConfig) attributes() []attribute.KeyValue {
	name := strings.TrimSpace(c.ServiceName)
	if name == "" {
		name = "iofold-jobs"
	}
	bus := c.Bus
	if bus == "" {
		bus = "none"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(strings.TrimSpace(c.Version)),
		attribute.String("deployment.environment", strings.TrimSpace(c.Environment)),
		attribute.String("jobs.role", c.Role()),
		attribute.String("jobs.realtime_bus", bus),
	}
	if c.RunWorker {
		attrs = append(attrs, attribute.Int("jobs.runner_slots", c.Concurrency))
	}
	return attrs
}

func (c TracingConfig) ratio() float64 {
	switch {
	case c.SampleRatio <= 0:
		return 0
	case c.SampleRatio > 1:
		return 1
	}
	return c.SampleRatio
}

var (
	otelOnce     sync.Once
	otelShutdown func(context.Context) error
)

// InitOTel installs the global tracer provider once per process. With tracing
// off it returns nil and job spans go to the no-op provider.
func InitOTel(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	otelOnce.Do(func() {
		if !cfg.Tracing.Enabled {
			return
		}
		res, err := resource.New(ctx, resource.WithAttributes(cfg.attributes()...))
		if err != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.ratio()))),
			sdktrace.WithResource(res),
		}
		exporter, err := traceExporter(ctx, cfg.Tracing)
		if err != nil {
			log.Warn("otel exporter init failed (continuing)", "error", err)
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		otelShutdown = tp.Shutdown
		log.Info("otel tracing initialized", "role", cfg.Role(), "endpoint", cfg.Tracing.Endpoint)
	})
	return otelShutdown
}

// traceExporter ships spans over OTLP/HTTP, or pretty-prints them to stdout
// when no collector endpoint is configured.
func traceExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// ParseHeaders reads OTLP headers in the "k1=v1,k2=v2" env form.
func ParseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
