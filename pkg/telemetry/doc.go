// Package telemetry provides observability for envgraph resolution runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus), and an in-process event publisher behind one
// Telemetry value carried in a context.Context.
//
// # Usage
//
// Initialize telemetry at startup and attach it to the context:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// The engine reads everything from the context, so code running without
// telemetry still logs through FromContext and skips spans and metrics:
//
//	ctx = telemetry.WithRunContext(ctx, runID, len(keys))
//	defer telemetry.EndRunContext(ctx, runID, "succeeded", nil)
//
//	ctx = telemetry.WithItemContext(ctx, "DB_URL", "url")
//	telemetry.EndItemContext(ctx, "DB_URL", "url", "valid", nil)
//
// # Structured Logging
//
//	logger := telemetry.FromContext(ctx).WithItemKey("DB_URL")
//	logger.Debug("Resolving item")
//	logger.WithError(err).Error("Resolution failed")
//
// Log levels: trace, debug, info, warn, error, disabled.
//
// # Redaction
//
// Logs can be masked once sensitive values are known:
//
//	logger = logger.WithRedaction(snapshot.SensitiveValues())
//
// RedactingWriter does the masking and can wrap any io.Writer.
//
// # Metrics
//
// Metrics cover runs, items by type and state, item errors by kind, exec()
// commands and the exec queue, plugin calls and watch mode reloads. They are
// exposed on Config.Metrics.Path by StartMetricsServer.
//
// # Events
//
// The publisher emits run, item, source and policy events to subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelError))
package telemetry
