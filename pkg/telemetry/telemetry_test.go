package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{
			name: "json logs with stdout tracing",
			mutate: func(c *Config) {
				c.Logging.Format = "json"
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "stdout"
				c.Tracing.SamplingRate = 0.1
			},
		},
		{name: "bad buffer size", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "bad exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "zipkin"
			},
			wantErr: true,
		},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestRedactingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactingWriter(&buf, []string{"s3cr3t-token", "s3cr3t", "ab"})

	n, err := w.Write([]byte("token=s3cr3t-token pass=s3cr3t id=ab\n"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n != len("token=s3cr3t-token pass=s3cr3t id=ab\n") {
		t.Errorf("Expected full write count, got %d", n)
	}

	want := "token=***** pass=***** id=ab\n"
	if buf.String() != want {
		t.Errorf("Expected %q, got %q", want, buf.String())
	}
	if got := w.Redact("x s3cr3t"); got != "x *****" {
		t.Errorf("Expected masked string, got %q", got)
	}
}

func TestLoggerWithRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})
	logger = logger.WithItemKey("API_KEY").WithRedaction([]string{"hunter22"})

	logger.Infof("value is %s", "hunter22")

	out := buf.String()
	if strings.Contains(out, "hunter22") {
		t.Errorf("Expected value to be masked, got %s", out)
	}
	if !strings.Contains(out, RedactedMask) {
		t.Errorf("Expected mask in output, got %s", out)
	}
	if !strings.Contains(out, `"item":"API_KEY"`) {
		t.Errorf("Expected item field to survive redaction, got %s", out)
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Expected info message to be filtered")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("Expected warn message to be written")
	}
}

func TestFromContextDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("Expected a default logger")
	}

	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "info", Format: "json"})
	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Errorf("Expected context logger to be used, got %s", buf.String())
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelError))

	if err := ep.PublishItemResolved("run-1", "A", "valid", time.Millisecond); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := ep.PublishItemFailed("run-1", "B", "boom"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].ItemKey != "B" || got[0].Type != EventTypeItemFailed {
		t.Errorf("Unexpected event: %+v", got[0])
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be set")
	}
}

func TestEventPublisherAsyncShutdownDrains(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 100, EnableAsync: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	count := 0
	ep.Subscribe(func(Event) { count++ }, FilterByRunID("run-2"))

	_ = ep.PublishRunStarted("run-2", 3)
	_ = ep.PublishRunCompleted("run-2", "succeeded", time.Second)
	_ = ep.PublishRunStarted("other", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 delivered events, got %d", count)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "envgraph", Path: "/metrics"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordRunStarted()
	m.RecordItemResolved("url", "valid", 10*time.Millisecond)
	m.RecordItemError("coercion")
	m.RecordCommand(time.Millisecond, errors.New("exit 1"))
	m.SetQueuedCommands(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"envgraph_runs_started_total 1",
		`envgraph_items_resolved_total{state="valid",type="url"} 1`,
		`envgraph_item_errors_total{kind="coercion"} 1`,
		`envgraph_commands_total{status="failed"} 1`,
		"envgraph_queued_commands 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	m.RecordRunStarted()
	m.RecordItemResolved("string", "valid", time.Millisecond)
	m.SetPendingItems(1)

	srv, err := m.StartMetricsServer()
	if err != nil || srv != nil {
		t.Errorf("Expected no server and no error, got %v, %v", srv, err)
	}
}

func TestContextHelpersWithoutTelemetry(t *testing.T) {
	ctx := WithRunContext(context.Background(), "run-3", 2)
	if RunID(ctx) != "run-3" {
		t.Errorf("Expected run ID run-3, got %q", RunID(ctx))
	}

	ctx = WithItemContext(ctx, "A", "string")
	EndItemContext(ctx, "A", "string", "valid", nil)
	EndRunContext(ctx, "run-3", "succeeded", nil)

	calls := 0
	err := RecordCommand(ctx, func() error {
		calls++
		return errors.New("failed")
	})
	if err == nil || calls != 1 {
		t.Errorf("Expected command to run once and fail, got %d calls, err %v", calls, err)
	}
	SetQueuedCommands(ctx, 1)
	SetPendingItems(ctx, 1)
}

func TestTelemetryRunLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "disabled"
	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer tel.Shutdown(context.Background())

	var events []string
	tel.Events.Subscribe(func(e Event) { events = append(events, e.Type) }, nil)

	ctx := tel.WithContext(context.Background())
	ctx = WithRunContext(ctx, "run-4", 1)
	itemCtx := WithItemContext(ctx, "A", "number")
	EndItemContext(itemCtx, "A", "number", "error", errors.New("bad"))
	EndRunContext(ctx, "run-4", "failed", errors.New("one or more items are invalid"))

	want := []string{EventTypeRunStarted, EventTypeItemFailed, EventTypeRunFailed}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("Expected events %v, got %v", want, events)
	}
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	ep.Subscribe(LogSubscriber(logger), nil)

	if err := ep.PublishPolicyViolation("DB_URL", "url-credentials", "password in URL"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		`"event_type":"policy.violation"`,
		`"item_key":"DB_URL"`,
		`"policy":"url-credentials"`,
		"Policy url-credentials violated: password in URL",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %q, got %s", want, out)
		}
	}
}

func TestNewTelemetryLogsEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "disabled"
	cfg.Events.EnableAsync = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if n := len(tel.Events.subscribers); n != 1 {
		t.Errorf("Expected the log subscriber to be attached, got %d subscribers", n)
	}
}
