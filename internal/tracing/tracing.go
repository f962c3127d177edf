// Package tracing wires OpenTelemetry spans around container runs and IPC
// operations — pure observability; it changes no
// host behavior. Adapted from the OTLP-over-HTTP/gRPC exporter setup used
// elsewhere in the example corpus for LLM-operation tracing, scoped down
// to trace-only (no metrics/log pipeline — this host has no metrics
// surface to exercise one).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nextlevelbuilder/groupd"

// Protocol selects the OTLP transport used to export spans.
type Protocol string

const (
	ProtocolGRPC Protocol = "grpc"
	ProtocolHTTP Protocol = "http"
)

// Config controls whether and how tracing is enabled.
type Config struct {
	Enabled  bool
	Protocol Protocol // default grpc
	Endpoint string   // empty uses the exporter's standard OTEL_EXPORTER_OTLP_* env vars
}

// Shutdown flushes and tears down the tracer provider.
type Shutdown func(context.Context) error

// noopShutdown is returned when tracing is disabled.
func noopShutdown(context.Context) error { return nil }

// Init configures the global TracerProvider. When cfg.Enabled is false, the
// global no-op tracer remains in place and Init is a cheap way to keep
// every call site's Tracer() call valid either way.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Protocol {
	case ProtocolHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-scoped tracer, reading whatever
// TracerProvider Init installed globally (or the no-op default).
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartRun opens a span covering one container turn, tagged with the
// identifiers internal/store.WithRunID/WithGroupID thread through context.
func StartRun(ctx context.Context, groupID, runID, folder string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "groupd.run",
		trace.WithAttributes(
			attribute.String("groupd.group_id", groupID),
			attribute.String("groupd.run_id", runID),
			attribute.String("groupd.folder", folder),
		),
	)
}

// StartIPCOp opens a span covering one inbox file's authorize+apply pass.
func StartIPCOp(ctx context.Context, sourceGroup, opType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "groupd.ipc_op",
		trace.WithAttributes(
			attribute.String("groupd.source_group", sourceGroup),
			attribute.String("groupd.op_type", opType),
		),
	)
}
