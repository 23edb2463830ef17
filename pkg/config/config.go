// Package config loads the settings of the envgraph command line tool.
//
// Settings come from an optional YAML file and a few environment variables
// layered over DefaultSettings:
//
//	environment: staging
//	logging:
//	  level: debug
//	  format: json
//	resolution:
//	  execConcurrency: 4
//	plugins:
//	  dirs: [./plugins]
//	  starlarkTimeout: 2s
//	policy:
//	  paths: [./policies]
//
// ENVGRAPH_LOG_LEVEL, ENVGRAPH_LOG_FORMAT and ENVGRAPH_ENV override the
// matching fields.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// Environment variables read by Load.
const (
	EnvLogLevel  = "ENVGRAPH_LOG_LEVEL"
	EnvLogFormat = "ENVGRAPH_LOG_FORMAT"
	EnvCurrent   = "ENVGRAPH_ENV"
)

// Settings configures a run of the envgraph tool.
type Settings struct {
	// Environment forces the current environment. Empty means the value
	// chosen by @currentEnv.
	Environment string `yaml:"environment"`

	// Dir is the directory holding the definition files.
	Dir string `yaml:"dir"`

	Logging    LoggingSettings    `yaml:"logging"`
	Tracing    TracingSettings    `yaml:"tracing"`
	Metrics    MetricsSettings    `yaml:"metrics"`
	Resolution ResolutionSettings `yaml:"resolution"`
	Plugins    PluginSettings     `yaml:"plugins"`
	Policy     PolicySettings     `yaml:"policy"`
}

// LoggingSettings configures structured logging.
type LoggingSettings struct {
	Level   string `yaml:"level" validate:"oneof=trace debug info warn error disabled"`
	Format  string `yaml:"format" validate:"oneof=console json"`
	Output  string `yaml:"output" validate:"required"`
	NoColor bool   `yaml:"noColor"`
}

// TracingSettings configures per-item resolution spans.
type TracingSettings struct {
	Enabled      bool              `yaml:"enabled"`
	Exporter     string            `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string            `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64           `yaml:"samplingRate" validate:"gte=0,lte=1"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
}

// MetricsSettings configures the Prometheus endpoint served in watch mode.
type MetricsSettings struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listenAddress" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" validate:"omitempty,startswith=/"`
}

// ResolutionSettings tunes the resolution scheduler.
type ResolutionSettings struct {
	// ExecConcurrency bounds concurrent exec() commands.
	ExecConcurrency int `yaml:"execConcurrency" validate:"gte=1,lte=64"`
}

// PluginSettings configures plugin loading.
type PluginSettings struct {
	// Dirs are searched for plugin manifests.
	Dirs            []string      `yaml:"dirs" validate:"dive,required"`
	StarlarkTimeout time.Duration `yaml:"starlarkTimeout" validate:"gt=0"`
}

// PolicySettings configures envgraph check.
type PolicySettings struct {
	// Paths are .rego files or directories of policies.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Builtins enables the policies shipped with envgraph.
	Builtins bool `yaml:"builtins"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		Dir: ".",
		Logging: LoggingSettings{
			Level:  "warn",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingSettings{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsSettings{
			ListenAddress: ":9464",
			Path:          "/metrics",
		},
		Resolution: ResolutionSettings{
			ExecConcurrency: 1,
		},
		Plugins: PluginSettings{
			StarlarkTimeout: 5 * time.Second,
		},
		Policy: PolicySettings{
			Builtins: true,
		},
	}
}

// Load reads settings from path, applies environment overrides and
// validates the result. An empty path uses DefaultSettings.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		if err := s.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	s.ApplyEnv(os.LookupEnv)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// decode merges YAML data into s. Unknown fields are rejected.
func (s *Settings) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse settings: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables looked up with
// lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		s.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		s.Logging.Format = strings.ToLower(v)
	}
	if v, ok := lookup(EnvCurrent); ok && v != "" {
		s.Environment = v
	}
}

// validate is shared; validator.Validate is safe for concurrent use.
var validate = validator.New()

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Telemetry maps the settings onto a telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if s.Environment != "" {
		cfg.Environment = s.Environment
	}

	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	cfg.Logging.Output = s.Logging.Output
	cfg.Logging.NoColor = s.Logging.NoColor

	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure
	for k, v := range s.Tracing.Headers {
		cfg.Tracing.Headers[k] = v
	}

	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	if s.Metrics.Path != "" {
		cfg.Metrics.Path = s.Metrics.Path
	}

	cfg.Events.EnableAsync = false
	return cfg
}
