// Package config provides configuration management for MedGuard.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all MedGuard configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backend       BackendConfig       `yaml:"backend"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Splunk        SplunkConfig        `yaml:"splunk"`
	Redis         RedisConfig         `yaml:"redis"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds operator API server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// BackendConfig holds inference service connection settings.
type BackendConfig struct {
	BaseURL    string        `yaml:"base_url" validate:"required,url"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	HealthPath string        `yaml:"health_path" validate:"required,startswith=/"`
	// TokenEnv names the variable holding a session token to install at startup.
	TokenEnv string `yaml:"token_env"`
}

// TelemetryConfig holds security log polling settings.
type TelemetryConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	PerPage      int           `yaml:"per_page" validate:"min=1,max=100"`
	EventType    string        `yaml:"event_type"`
	// PlaybooksDir holds extra response playbooks as YAML. Optional.
	PlaybooksDir string            `yaml:"playbooks_dir"`
	Correlation  CorrelationConfig `yaml:"correlation"`
}

// CorrelationConfig holds attack chain correlation settings.
type CorrelationConfig struct {
	// TimeWindow is the largest gap between consecutive events of one chain.
	TimeWindow        time.Duration `yaml:"time_window" validate:"gt=0"`
	MinEventsForChain int           `yaml:"min_events_for_chain" validate:"min=1"`
	RiskThreshold     float64       `yaml:"risk_threshold" validate:"min=0,max=1"`
}

// WorkflowConfig holds secure-computation workflow settings.
type WorkflowConfig struct {
	RecordLimit  int           `yaml:"record_limit" validate:"min=1"`
	StageTimeout time.Duration `yaml:"stage_timeout" validate:"gt=0"`
}

// SplunkConfig holds attack event forwarding settings.
type SplunkConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HECURL     string        `yaml:"hec_url" validate:"omitempty,url"`
	TokenEnv   string        `yaml:"token_env" validate:"required_if=Enabled true"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	RetryCount int           `yaml:"retry_count" validate:"min=0,max=10"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db" validate:"min=0"`
	PoolSize    int    `yaml:"pool_size" validate:"min=1"`
}

// RateLimitConfig holds operator API rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" validate:"min=1"`
	BurstSize         int  `yaml:"burst_size" validate:"min=1"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// ObservabilityConfig holds tracing and metrics settings.
type ObservabilityConfig struct {
	ServiceName    string  `yaml:"service_name" validate:"required"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" validate:"required_if=TracingEnabled true"`
	SamplingRate   float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL:    "http://localhost:5001",
			Timeout:    30 * time.Second,
			HealthPath: "/health",
			TokenEnv:   "MEDGUARD_SESSION_TOKEN",
		},
		Telemetry: TelemetryConfig{
			PollInterval: 10 * time.Second,
			PerPage:      50,
			Correlation: CorrelationConfig{
				TimeWindow:        15 * time.Minute,
				MinEventsForChain: 3,
			},
		},
		Workflow: WorkflowConfig{
			RecordLimit:  50,
			StageTimeout: 30 * time.Second,
		},
		Splunk: SplunkConfig{
			TokenEnv:   "SPLUNK_HEC_TOKEN",
			Index:      "medguard",
			SourceType: "medguard:security_event",
			Source:     "medguard",
			Timeout:    10 * time.Second,
			RetryCount: 3,
		},
		Redis: RedisConfig{
			PasswordEnv: "MEDGUARD_REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
			IncludeHeaders:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			ServiceName:    "medguard",
			Environment:    "dev",
			SamplingRate:   1.0,
			MetricsEnabled: true,
		},
	}
}

// Validate checks struct constraints and reports every failing field.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterStructValidation(validateSplunk, SplunkConfig{})

	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
}

// validateSplunk requires a collector URL once forwarding is enabled.
func validateSplunk(sl validator.StructLevel) {
	s := sl.Current().Interface().(SplunkConfig)
	if s.Enabled && s.HECURL == "" {
		sl.ReportError(s.HECURL, "HECURL", "HECURL", "required_if", "Enabled")
	}
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}
