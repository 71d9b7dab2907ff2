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

	"github.com/wingetstudio/oplife/pkg/telemetry"
)

// Config is the application configuration.
type Config struct {
	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Scheduler configures the work driver.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Notifications configures the notification center.
	Notifications NotificationConfig `yaml:"notifications"`

	// Policies configures policy-set files.
	Policies PolicyConfig `yaml:"policies"`

	// Simulation configures the simulate command.
	Simulation SimulationConfig `yaml:"simulation"`
}

// SchedulerConfig configures the work driver.
type SchedulerConfig struct {
	// MaxParallel is the number of jobs that may run at once.
	MaxParallel int `yaml:"max_parallel" validate:"gte=1,lte=1000"`

	// RetryBaseDelay is the delay before the first retry.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gt=0"`

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`

	// MaxRetries is the default retry budget of a job.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=100"`

	// Timeout limits each attempt. Zero disables it.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// NotificationConfig configures the notification center.
type NotificationConfig struct {
	// DefaultDuration is used for timeout messages that set no duration.
	DefaultDuration time.Duration `yaml:"default_duration" validate:"gt=0"`

	// Target is where operation notifications are shown.
	Target string `yaml:"target" validate:"oneof=panel overlay all"`
}

// PolicyConfig configures policy-set files.
type PolicyConfig struct {
	// Paths lists policy-set files or directories.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads the sets when a file changes.
	Watch bool `yaml:"watch"`

	// DefaultSet is the set used by jobs that name none.
	DefaultSet string `yaml:"default_set" validate:"required"`
}

// SimulationConfig configures the simulate command.
type SimulationConfig struct {
	// Operations is the number of simulated operations.
	Operations int `yaml:"operations" validate:"gte=1,lte=10000"`

	// Steps is the number of progress reports per operation.
	Steps int `yaml:"steps" validate:"gte=1,lte=1000"`

	// StepInterval is the pause between progress reports.
	StepInterval time.Duration `yaml:"step_interval" validate:"gt=0"`

	// FailureRate is the probability that an operation fails.
	FailureRate float64 `yaml:"failure_rate" validate:"gte=0,lte=1"`

	// IndeterminateRate is the probability that an operation reports no
	// percent.
	IndeterminateRate float64 `yaml:"indeterminate_rate" validate:"gte=0,lte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Scheduler: SchedulerConfig{
			MaxParallel:    10,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  time.Minute,
			MaxRetries:     2,
		},
		Notifications: NotificationConfig{
			DefaultDuration: 3 * time.Second,
			Target:          "panel",
		},
		Policies: PolicyConfig{
			DefaultSet: "default",
		},
		Simulation: SimulationConfig{
			Operations:        5,
			Steps:             10,
			StepInterval:      200 * time.Millisecond,
			FailureRate:       0.2,
			IndeterminateRate: 0.2,
		},
	}
}

// Telemetry profiles accepted by ForProfile.
const (
	ProfileDefault     = "default"
	ProfileDevelopment = "development"
	ProfileProduction  = "production"
)

// ForProfile returns Default with the telemetry preset of profile.
func ForProfile(profile string) (*Config, error) {
	cfg := Default()
	switch profile {
	case "", ProfileDefault:
	case ProfileDevelopment:
		cfg.Telemetry = *telemetry.DevelopmentConfig()
	case ProfileProduction:
		cfg.Telemetry = *telemetry.ProductionConfig()
	default:
		return nil, fmt.Errorf("unknown profile %q (must be default, development or production)", profile)
	}
	return cfg, nil
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	return LoadOver(Default(), path)
}

// LoadOver reads path over base and validates the result. base is modified.
func LoadOver(base *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := ParseOver(base, data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	return ParseOver(Default(), data)
}

// ParseOver decodes YAML over base and validates the result. base is
// modified and returned.
func ParseOver(base *Config, data []byte) (*Config, error) {
	cfg := base

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q check", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
