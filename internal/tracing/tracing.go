// Package tracing wraps OpenTelemetry spans for session runs and steps.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "github.com/rendis/opflow"

// Exporter names accepted by NewProvider.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Provider owns the tracer provider of the process.
type Provider struct {
	tp     trace.TracerProvider
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a provider for exporter. "none" (or "") yields a no-op tracer.
// "stdout" writes spans as JSON to w, or to stdout when w is nil.
func NewProvider(exporter string, w io.Writer) (*Provider, error) {
	switch exporter {
	case "", ExporterNone:
		tp := noop.NewTracerProvider()
		return &Provider{tp: tp, tracer: tp.Tracer(instrumentation)}, nil
	case ExporterStdout:
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return FromSDK(sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))), nil
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", exporter)
	}
}

// FromSDK wraps an existing SDK provider, as tests do with an in-memory exporter.
func FromSDK(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, sdk: tp, tracer: tp.Tracer(instrumentation)}
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Install makes p the process-wide provider returned by otel.GetTracerProvider.
func (p *Provider) Install() {
	otel.SetTracerProvider(p.tp)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// Noop returns a tracer that records nothing.
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer(instrumentation)
}

// Span is a thin helper over trace.Span.
type Span struct {
	span trace.Span
}

// StartRun opens the span of one advance run of a session.
func StartRun(ctx context.Context, tracer trace.Tracer, sessionID, workflowID string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "session.run: "+workflowID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("workflow.id", workflowID),
		),
	)
	return ctx, &Span{span: span}
}

// StartStep opens the span of one step dispatch.
func StartStep(ctx context.Context, tracer trace.Tracer, stepID, stepType string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "step: "+stepID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("step.type", stepType),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes converts simple values to span attributes.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kv = append(kv, attribute.String(k, val))
		case int:
			kv = append(kv, attribute.Int(k, val))
		case int64:
			kv = append(kv, attribute.Int64(k, val))
		case float64:
			kv = append(kv, attribute.Float64(k, val))
		case bool:
			kv = append(kv, attribute.Bool(k, val))
		default:
			kv = append(kv, attribute.String(k, fmt.Sprint(val)))
		}
	}
	s.span.SetAttributes(kv...)
}

// Fail marks the span as errored.
func (s *Span) Fail(message string) {
	if s == nil {
		return
	}
	s.span.SetStatus(codes.Error, message)
}

// End finishes the span.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.span.End()
}
