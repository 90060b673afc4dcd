package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterJaeger TracingExporter = "jaeger"
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
)

// TracingConfig configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool            `json:"enabled"`
	ServiceName    string          `json:"service_name"`
	ServiceVersion string          `json:"service_version"`
	Exporter       TracingExporter `json:"exporter"`
	Endpoint       string          `json:"endpoint"`
	Insecure       bool            `json:"insecure"`
	SamplingRatio  float64         `json:"sampling_ratio"`
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        false,
		ServiceName:    "watchtower",
		ServiceVersion: "dev",
		Exporter:       TracingExporterStdout,
		SamplingRatio:  1.0,
	}
}

// TracingManager manages OpenTelemetry tracing
type TracingManager struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
}

// NewTracingManager creates a new tracing manager. A disabled manager hands
// out no-op spans.
func NewTracingManager(ctx context.Context, config *TracingConfig) (*TracingManager, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}

	tm := &TracingManager{
		config:     config,
		tracer:     noop.NewTracerProvider().Tracer(config.ServiceName),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}

	if !config.Enabled {
		log.Info().Msg("Tracing disabled")
		return tm, nil
	}

	exporter, err := tm.createExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
	)

	tm.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRatio)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tm.tracerProvider)
	otel.SetTextMapPropagator(tm.propagator)

	tm.tracer = tm.tracerProvider.Tracer(
		config.ServiceName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return tm, nil
}

func (tm *TracingManager) createExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch tm.config.Exporter {
	case TracingExporterJaeger:
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(tm.config.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exp, nil
	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tm.config.Endpoint)}
		if tm.config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	case TracingExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", tm.config.Exporter)
	}
}

// Tracer returns the tracer instance
func (tm *TracingManager) Tracer() trace.Tracer {
	return tm.tracer
}

// StartSpan starts a new span
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, opts...)
}

// RecordError records an error in the current span
func (tm *TracingManager) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceOperation runs fn inside a span
func (tm *TracingManager) TraceOperation(ctx context.Context, operationName string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Middleware wraps an HTTP handler with a server span
func (tm *TracingManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tm.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tm.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("client.address", r.RemoteAddr),
			),
		)
		defer span.End()

		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", ww.statusCode))
		if ww.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
		}
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Shutdown flushes and stops the tracer provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}
	if err := tm.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	log.Info().Msg("Tracing manager shut down successfully")
	return nil
}
