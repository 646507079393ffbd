package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the logging, tracing, metrics and event stack of one
// froyo-scp run.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component. Nothing is started;
// see Start.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry settings: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Start serves /metrics when a listen address is configured. The server
// stops with ctx.
func (t *Telemetry) Start(ctx context.Context) error {
	if err := t.Metrics.StartMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the Telemetry stored by WithContext, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains queued events and flushes spans. Both run even if one
// fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// Command is one CLI command run against a remote host.
type Command struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartCommand opens the span of a CLI command and a logger tagged with the
// command and the remote endpoint. Without Telemetry in ctx the span is a
// no-op and the logger discards.
func StartCommand(ctx context.Context, name, host string, port int, user string) *Command {
	logger := FromContext(ctx).NewComponentLogger("cli").
		WithField("command", name).
		WithHost(host, port, user)

	var tracer *Tracer
	if tel := FromTelemetryContext(ctx); tel != nil {
		tracer = tel.Tracer
	}
	spanCtx, span := tracer.StartSpan(ctx, "command."+name,
		AttrTargetHost.String(host),
		attribute.String("ssh.user", user),
	)
	if id := span.SpanContext(); id.IsValid() {
		logger = logger.WithField("trace_id", id.TraceID().String())
	}

	return &Command{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End closes the span, recording err, and logs how the command went.
func (c *Command) End(err error) {
	End(c.Span, err)

	logger := c.Logger.WithField("duration", c.Timer.Duration().String())
	if err != nil {
		logger.WithError(err).Debug("command failed")
		return
	}
	logger.Debug("command finished")
}
