package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

const serviceVersion = "1.0.0"

var tracer trace.Tracer

func Init(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		tracer = otel.Tracer(serviceName)
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = tp.Tracer(serviceName)

	slog.Info("telemetry initialized", "endpoint", otlpEndpoint)

	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer("photo-router")
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, accountID string, task domain.EditTask, tier domain.Tier, requestID string) {
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.String("enhance.task", string(task)),
		attribute.String("account.tier", string(tier)),
		attribute.String("request.id", requestID),
	)
}

func AddDecisionAttributes(span trace.Span, d domain.RoutingDecision) {
	chain := make([]string, 0, len(d.Chain()))
	for _, id := range d.Chain() {
		chain = append(chain, string(id))
	}
	span.SetAttributes(
		attribute.String("routing.cost_class", string(d.CostClass())),
		attribute.StringSlice("routing.chain", chain),
		attribute.Bool("routing.will_consume_credit", d.WillConsumeCredit()),
		attribute.Float64("routing.estimated_quality", d.EstimatedQuality()),
	)
}

func AddProviderAttributes(span trace.Span, provider domain.ProviderID, attempt int) {
	span.SetAttributes(
		attribute.String("provider", string(provider)),
		attribute.Int("provider.attempt", attempt),
	)
}

func AddFrameAttributes(span trace.Span, index, burstSize int, overall float64) {
	span.SetAttributes(
		attribute.Int("frame.index", index),
		attribute.Int("frame.burst_size", burstSize),
		attribute.Float64("frame.overall", overall),
	)
}

func AddChargeAttribute(span trace.Span, charged bool) {
	span.SetAttributes(
		attribute.Bool("credit.charged", charged),
	)
}

func AddErrorAttribute(span trace.Span, err error) {
	span.SetAttributes(
		attribute.String("error.message", err.Error()),
	)
	span.RecordError(err)
}
