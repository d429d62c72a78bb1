package telemetry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config configures the telemetry of one cmimport process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Deployment names the management system the workflows run against. It
	// is attached to every span as a resource attribute.
	Deployment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stderr, stdout or a file the log is appended to.
	Output string `validate:"required"`

	EnableCaller bool

	// PollSampling keeps one in N debug messages. Job status polling logs
	// every poll at debug level; 0 keeps them all.
	PollSampling uint32
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. With none spans are recorded, so
	// logs carry trace ids, but never exported.
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC endpoint, host:port.
	Endpoint string
	Insecure bool
	Headers  map[string]string

	// SampleRatio is the fraction of workflow runs traced.
	SampleRatio float64 `validate:"gte=0,lte=1"`
}

// MetricsConfig configures the Prometheus collector and endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string `validate:"omitempty,startswith=/"`
	Namespace     string

	// DurationBuckets are the buckets of import and iteration durations, in
	// seconds. Imports take from seconds to the 90 minute job timeout.
	DurationBuckets []float64
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	Enabled     bool
	BufferSize  int `validate:"required_if=Enabled true,gte=0"`
	EnableAsync bool
}

// DefaultConfig returns the configuration used by the CLI before flags are applied.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cmimport",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			Insecure:    true,
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			ListenAddress:   ":9090",
			Path:            "/metrics",
			Namespace:       "cmimport",
			DurationBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 5400},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s=%v fails %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Value(), tagDescription(fe)))
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}

func tagDescription(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
