package telemetry

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}
	events.Subscribe(LogSubscriber(logger.NewComponentLogger("events")), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() (*http.Server, error) {
	return t.Metrics.StartMetricsServer()
}

type (
	runIDKey     struct{}
	runSpanKey   struct{}
	runTimerKey  struct{}
	itemSpanKey  struct{}
	itemTimerKey struct{}
)

// WithRunContext creates a context enriched with run-specific telemetry.
func WithRunContext(ctx context.Context, runID string, targets int) context.Context {
	ctx = context.WithValue(ctx, runIDKey{}, runID)
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return FromContext(ctx).WithRunID(runID).WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, targets)
	spanCtx = tel.Logger.WithRunID(runID).WithContext(spanCtx)

	tel.Metrics.RecordRunStarted()
	_ = tel.Events.PublishRunStarted(runID, targets)

	spanCtx = context.WithValue(spanCtx, runSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, runTimerKey{}, NewTimer())
	return spanCtx
}

// EndRunContext completes the run context, recording metrics and events.
func EndRunContext(ctx context.Context, runID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var timer *Timer
	if t, ok := ctx.Value(runTimerKey{}).(*Timer); ok {
		timer = t
	} else {
		timer = NewTimer()
	}
	duration := timer.Duration()

	tel.Metrics.RecordRunCompleted(status, duration)
	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(runID, status, duration)
	}
}

// RunID returns the run ID stored by WithRunContext.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// WithItemContext creates a context enriched with item-specific telemetry.
func WithItemContext(ctx context.Context, key, typeName string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return FromContext(ctx).WithItemKey(key).WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartItemSpan(ctx, key, typeName)
	logger := FromContext(ctx).WithItemKey(key)
	spanCtx = logger.WithContext(spanCtx)

	spanCtx = context.WithValue(spanCtx, itemSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, itemTimerKey{}, NewTimer())
	return spanCtx
}

// kindedError is implemented by classified errors.
type kindedError interface {
	KindName() string
}

// EndItemContext completes the item context, recording metrics and events.
func EndItemContext(ctx context.Context, key, typeName, state string, err error) {
	logger := FromContext(ctx)
	if err != nil {
		logger.WithError(err).Debugf("Item resolved with state %s", state)
	} else {
		logger.Debugf("Item resolved with state %s", state)
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(itemSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrItemState.String(state))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var timer *Timer
	if t, ok := ctx.Value(itemTimerKey{}).(*Timer); ok {
		timer = t
	} else {
		timer = NewTimer()
	}
	duration := timer.Duration()

	tel.Metrics.RecordItemResolved(typeName, state, duration)
	if err != nil {
		kind := "unknown"
		var ke kindedError
		if errors.As(err, &ke) {
			kind = ke.KindName()
		}
		tel.Metrics.RecordItemError(kind)
		_ = tel.Events.PublishItemFailed(RunID(ctx), key, err.Error())
		return
	}
	_ = tel.Events.PublishItemResolved(RunID(ctx), key, state, duration)
}

// RecordCommand runs fn as an exec() command with metrics and tracing.
func RecordCommand(ctx context.Context, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		_, span = tel.Tracer.StartExecSpan(ctx)
		defer span.End()
	}

	timer := NewTimer()
	err := fn()

	if tel != nil {
		tel.Metrics.RecordCommand(timer.Duration(), err)
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}
	return err
}

// RecordPluginCall runs fn as a plugin function call with metrics and tracing.
func RecordPluginCall(ctx context.Context, plugin, function string, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		_, span = tel.Tracer.StartPluginSpan(ctx, plugin, function)
		defer span.End()
	}

	err := fn()

	if tel != nil {
		tel.Metrics.RecordPluginCall(plugin, function, err)
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}
	return err
}

// SetQueuedCommands reports the number of commands waiting for the exec
// queue.
func SetQueuedCommands(ctx context.Context, count float64) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.SetQueuedCommands(count)
	}
}

// SetPendingItems reports the number of items waiting in the scheduler.
func SetPendingItems(ctx context.Context, count float64) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.SetPendingItems(count)
	}
}
