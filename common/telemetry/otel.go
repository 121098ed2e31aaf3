// common/telemetry/otel.go
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Config — параметры OTLP-экспорта. Пустой Endpoint отключает трассировку.
type Config struct {
	Endpoint       string // "host:port" коллектора
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	// Timeout — на подключение экспортёра и на Shutdown.
	Timeout time.Duration
	// SamplerRatio: 0 → значение по умолчанию (1.0), >=1 → всё.
	SamplerRatio float64
}

func (c Config) sampler() sdktrace.Sampler {
	switch {
	case c.SamplerRatio <= 0 || c.SamplerRatio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SamplerRatio))
	}
}

func noop(context.Context) error { return nil }

// InitTracer ставит глобальный TracerProvider и W3C-пропагатор.
func InitTracer(ctx context.Context, cfg Config, log *logger.Logger) (ShutdownFunc, error) {
	log = log.Named("telemetry")
	if cfg.Endpoint == "" {
		log.Info("tracing disabled: no endpoint")
		return noop, nil
	}
	if cfg.ServiceName == "" || cfg.ServiceVersion == "" {
		return nil, errors.New("telemetry: service name and version are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	log.Info("tracing enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sampler", cfg.SamplerRatio),
	)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
			return err
		}
		return nil
	}, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	host, _ := os.Hostname()
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(host),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}
	return res, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(component string) trace.Tracer {
	return otel.Tracer("candle-feeder/" + component)
}

// Fail marks span as failed. nil err is a no-op so callers may defer it.
func Fail(span trace.Span, err error, msg string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	if msg == "" {
		msg = err.Error()
	}
	span.SetStatus(codes.Error, msg)
}
