// Package telemetry provides OTEL-based observability for the node client,
// wrapping it from the outside so the core voltaic package never imports
// the OTEL stack directly.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/voltaic/telemetry"

// Instruments holds every OTEL instrument the wrappers in this package
// emit to.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	NodeRequests metric.Int64Counter
	NodeErrors   metric.Int64Counter
	NodeDuration metric.Float64Histogram

	TrainingRetries metric.Int64Counter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters and returns the Instruments plus a shutdown function that must
// be called on application exit. Configuration is taken from the standard
// OTEL_EXPORTER_OTLP_* environment variables; callers should only call
// Init when telemetry has been explicitly enabled, since an OTLP endpoint
// is otherwise undefined and export calls will simply fail silently in the
// background.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	nodeRequests, err := meter.Int64Counter("node.requests",
		metric.WithDescription("Node client call count"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	nodeErrors, err := meter.Int64Counter("node.errors",
		metric.WithDescription("Node client error count"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}
	nodeDuration, err := meter.Float64Histogram("node.duration",
		metric.WithDescription("Node client call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	trainingRetries, err := meter.Int64Counter("training.retries",
		metric.WithDescription("Transport-error retries during training delivery"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		NodeRequests:    nodeRequests,
		NodeErrors:      nodeErrors,
		NodeDuration:    nodeDuration,
		TrainingRetries: trainingRetries,
	}, nil
}
