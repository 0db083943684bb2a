// Package tracing provides opt-in OpenTelemetry tracing support for the
// switchgate server. Tracing is enabled only when the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable is set; otherwise [Init]
// returns a no-op shutdown function and spans are dropped by the default
// no-op provider.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/switchgate/internal/core"
)

const (
	defaultServiceName  = "switchgate"
	instrumentationName = "github.com/matt-riley/switchgate"
)

// Init configures the global OpenTelemetry tracer provider with an OTLP HTTP
// exporter. If OTEL_EXPORTER_OTLP_ENDPOINT is not set, tracing is disabled and
// a no-op shutdown function is returned.
//
// The returned function should be called on server shutdown to flush pending
// spans.
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceNameFromEnv()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}

// StartEvaluation opens a span around a single flag evaluation using the
// global tracer provider. Only attribute names from evalCtx are recorded,
// never their values.
func StartEvaluation(ctx context.Context, projectID, flagKey string, evalCtx core.EvaluationContext, mode core.Mode) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "switchgate.evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("switchgate.project_id", projectID),
			attribute.String("switchgate.flag_key", flagKey),
			attribute.String("switchgate.mode", mode.String()),
			attribute.Int("switchgate.context_size", evalCtx.Len()),
			attribute.StringSlice("switchgate.context_keys", evalCtx.Keys()),
		),
	)
}

// EndEvaluation records the outcome of an evaluation on span and ends it. A
// non-nil err marks the span as failed.
func EndEvaluation(span trace.Span, resp core.EvaluateResponse, err error) {
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetAttributes(
		attribute.Bool("switchgate.match", resp.Match),
		attribute.String("switchgate.reason", string(resp.Reason)),
		attribute.String("switchgate.segment", resp.Meta.Segment),
		attribute.String("switchgate.response_id", resp.ResponseID),
	)
	if resp.CorrelationID != "" {
		span.SetAttributes(attribute.String("switchgate.correlation_id", resp.CorrelationID))
	}
	if resp.Reason == core.ReasonGenericError {
		span.SetStatus(codes.Error, string(resp.Reason))
	}
}
