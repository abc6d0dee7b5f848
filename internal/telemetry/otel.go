package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

const (
	tracerName = "github.com/unkn0wn-root/sockterm/internal/telemetry"

	defaultDialTimeout = 5 * time.Second

	attrOperation = attribute.Key("sockterm.operation")
	attrUUID      = attribute.Key("sockterm.request.uuid")
	attrName      = attribute.Key("sockterm.request.name")
	attrProtocol  = attribute.Key("sockterm.protocol")
	attrEndpoint  = attribute.Key("sockterm.endpoint")
	attrChannel   = attribute.Key("sockterm.bridge.channel")
	attrBytes     = attribute.Key("sockterm.response.bytes")
	attrPassed    = attribute.Key("sockterm.test.passed")
	attrErrKind   = attribute.Key("sockterm.error.kind")
)

type setup struct {
	exporter   sdktrace.SpanExporter
	processors []sdktrace.SpanProcessor
}

type Option func(*setup)

// WithSpanProcessor adds a processor next to the exporter; tests use it
// with an in-memory recorder.
func WithSpanProcessor(proc sdktrace.SpanProcessor) Option {
	return func(s *setup) {
		if proc != nil {
			s.processors = append(s.processors, proc)
		}
	}
}

// WithExporter replaces the OTLP exporter built from Config.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(s *setup) {
		if exp != nil {
			s.exporter = exp
		}
	}
}

type tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	once     sync.Once
	err      error
}

// New returns Noop when cfg has no endpoint and no exporter or processor
// was supplied.
func New(cfg Config, opts ...Option) (Instrumenter, error) {
	var s setup
	for _, opt := range opts {
		opt(&s)
	}
	if !cfg.Enabled() && s.exporter == nil && len(s.processors) == 0 {
		return Noop(), nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(serviceAttributes(cfg)...),
	)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeConfig, err, "telemetry resource")
	}

	if s.exporter == nil && cfg.Enabled() {
		if s.exporter, err = dialExporter(cfg); err != nil {
			return nil, errdef.Wrap(errdef.CodeConfig, err, "telemetry exporter %s", cfg.Endpoint)
		}
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if s.exporter != nil {
		providerOpts = append(providerOpts, sdktrace.WithBatcher(s.exporter))
	}
	for _, proc := range s.processors {
		providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(proc))
	}
	tp := sdktrace.NewTracerProvider(providerOpts...)
	return &tracer{tracer: tp.Tracer(tracerName), provider: tp}, nil
}

func (t *tracer) Start(ctx context.Context, info SpanStart) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	kind := trace.SpanKindClient
	if info.Operation == OpEvaluate {
		kind = trace.SpanKindInternal
	}
	ctx, span := t.tracer.Start(ctx, info.Name(),
		trace.WithSpanKind(kind),
		trace.WithAttributes(startAttributes(info)...),
	)
	return ctx, otelSpan{span}
}

// Shutdown flushes pending spans; later calls return the first result.
func (t *tracer) Shutdown(ctx context.Context) error {
	t.once.Do(func() {
		t.err = t.provider.Shutdown(ctx)
	})
	return t.err
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(result SpanResult) {
	if result.Bytes > 0 {
		s.span.SetAttributes(attrBytes.Int(result.Bytes))
	}
	if result.Evaluated {
		s.span.SetAttributes(attrPassed.Bool(result.Passed))
	}
	if result.Err != nil {
		s.span.RecordError(result.Err)
		if kind := errdef.KindOf(result.Err); kind != errdef.KindNone {
			s.span.SetAttributes(attrErrKind.String(string(kind)))
		}
	}
	if failed, msg := result.failed(); failed {
		s.span.SetStatus(codes.Error, msg)
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

func dialExporter(cfg Config) (sdktrace.SpanExporter, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.Endpoint))}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
}

func serviceAttributes(cfg Config) []attribute.KeyValue {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if v := strings.TrimSpace(cfg.Version); v != "" {
		attrs = append(attrs, semconv.ServiceVersion(v))
	}
	return attrs
}

func startAttributes(info SpanStart) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attrOperation.String(string(info.Operation))}
	optional := []struct {
		key attribute.Key
		val string
	}{
		{attrUUID, info.RequestUUID},
		{attrName, info.RequestName},
		{attrProtocol, string(info.Protocol)},
		{attrEndpoint, info.Endpoint},
		{attrChannel, info.Channel},
	}
	for _, o := range optional {
		if v := strings.TrimSpace(o.val); v != "" {
			attrs = append(attrs, o.key.String(v))
		}
	}
	return attrs
}
