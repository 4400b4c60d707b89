// Package telemetry wires OpenTelemetry tracing for the batch tools. Tracing
// is off unless OTEL_ENABLED is set; without an OTLP endpoint the init is a
// no-op and the global tracer stays a no-op tracer.
package telemetry

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

type Config struct {
	ServiceName string
	Environment string
	Version     string
}

var (
	initOnce sync.Once
	shutdown func(context.Context) error
)

// Init installs the global tracer provider once and returns a shutdown
// function, which is nil when tracing is disabled.
func Init(ctx context.Context, cfg Config) func(context.Context) error {
	initOnce.Do(func() {
		if !enabled() {
			return
		}
		endpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if endpoint == "" {
			log.Printf("telemetry: OTEL_ENABLED set but no OTLP endpoint configured, tracing disabled")
			return
		}

		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "inspection-bridge"
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
			attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
		))
		if err != nil {
			log.Printf("telemetry: resource init failed (continuing): %v", err)
		}

		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure() {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			log.Printf("telemetry: exporter init failed, tracing disabled: %v", err)
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdown = tp.Shutdown
		log.Printf("telemetry: tracing initialized, service=%s endpoint=%s", serviceName, endpoint)
	})
	return shutdown
}

func enabled() bool {
	switch strings.ToLower(getEnv("OTEL_ENABLED")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func insecure() bool {
	switch strings.ToLower(getEnv("OTEL_EXPORTER_OTLP_INSECURE")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func sampleRatio() float64 {
	raw := getEnv("OTEL_SAMPLER_RATIO")
	if raw == "" {
		return 1.0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return 1.0
	}
	if f > 1 {
		return 1
	}
	return f
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
