// Package tracing initializes the OpenTelemetry SDK and exposes the
// trace-context helpers the rate limiter stamps into block responses.
package tracing

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds tracing configuration.
type Config struct {
	ServiceName  string
	OTLPEndpoint string // e.g. "otel-collector:4317"
	Enabled      bool
}

// Init sets up the global tracer provider with an OTLP gRPC exporter
// and W3C trace-context propagation. The returned shutdown function
// must be called on exit. When disabled it is a no-op.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.OTLPEndpoint == "" {
		return nil, errors.New("tracing: OTLP endpoint is required")
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

// GinMiddleware returns otelgin instrumentation that skips the health
// and metrics endpoints.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName,
		otelgin.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/health", "/health/live", "/health/ready", "/metrics":
				return false
			}
			return true
		}),
	)
}

// RequestTraceID returns the trace id for the request: the active span
// context when instrumentation recorded one, else the trace-id segment
// of an inbound traceparent header, else "".
func RequestTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return traceParentID(c.GetHeader("traceparent"))
}

// traceParentID extracts the trace-id field from a W3C traceparent
// value ("version-traceid-spanid-flags").
func traceParentID(header string) string {
	if header == "" {
		return ""
	}
	segments := strings.Split(header, "-")
	if len(segments) >= 3 && len(segments[1]) == 32 {
		return segments[1]
	}
	return ""
}
