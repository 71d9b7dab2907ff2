package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
telemetry:
  logging:
    level: debug
scheduler:
  max_parallel: 4
  retry_base_delay: 250ms
notifications:
  target: all
policies:
  paths: ["./policies", "extra.yaml"]
  watch: true
simulation:
  operations: 12
  failure_rate: 0
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.ServiceName != "oplife" {
		t.Errorf("Expected default service name to survive, got %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Scheduler.MaxParallel != 4 || cfg.Scheduler.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("Unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.RetryMaxDelay != time.Minute {
		t.Errorf("Expected default max delay, got %v", cfg.Scheduler.RetryMaxDelay)
	}
	if cfg.Notifications.Target != "all" || cfg.Notifications.DefaultDuration != 3*time.Second {
		t.Errorf("Unexpected notification config: %+v", cfg.Notifications)
	}
	if len(cfg.Policies.Paths) != 2 || !cfg.Policies.Watch || cfg.Policies.DefaultSet != "default" {
		t.Errorf("Unexpected policy config: %+v", cfg.Policies)
	}
	if cfg.Simulation.Operations != 12 || cfg.Simulation.FailureRate != 0 || cfg.Simulation.Steps != 10 {
		t.Errorf("Unexpected simulation config: %+v", cfg.Simulation)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse of empty input failed: %v", err)
	}
	if cfg.Scheduler.MaxParallel != 10 {
		t.Errorf("Expected defaults, got %+v", cfg.Scheduler)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"unknown field", "scheduler:\n  workers: 3\n", "failed to parse YAML"},
		{"bad yaml", "scheduler: [", "failed to parse YAML"},
		{"zero parallel", "scheduler:\n  max_parallel: 0\n", "MaxParallel"},
		{"max below base", "scheduler:\n  retry_base_delay: 2s\n  retry_max_delay: 1s\n", "RetryMaxDelay"},
		{"bad target", "notifications:\n  target: banner\n", "Target"},
		{"empty path", "policies:\n  paths: [\"\"]\n", "Paths"},
		{"missing default set", "policies:\n  default_set: \"\"\n", "DefaultSet"},
		{"failure rate", "simulation:\n  failure_rate: 1.5\n", "FailureRate"},
		{"telemetry", "telemetry:\n  logging:\n    level: loud\n", "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplife.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  max_parallel: 2\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.MaxParallel != 2 {
		t.Errorf("Expected max_parallel 2, got %d", cfg.Scheduler.MaxParallel)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestForProfile(t *testing.T) {
	tests := []struct {
		profile string
		env     string
		format  string
		wantErr bool
	}{
		{"", "development", "console", false},
		{ProfileDevelopment, "development", "console", false},
		{ProfileProduction, "production", "json", false},
		{"staging", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			cfg, err := ForProfile(tt.profile)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ForProfile(%q) error = %v", tt.profile, err)
			}
			if tt.wantErr {
				return
			}
			if cfg.Telemetry.Environment != tt.env || cfg.Telemetry.Logging.Format != tt.format {
				t.Errorf("Unexpected telemetry: %s/%s", cfg.Telemetry.Environment, cfg.Telemetry.Logging.Format)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("Profile %q should be valid: %v", tt.profile, err)
			}
		})
	}
}

func TestParseOverProfile(t *testing.T) {
	base, err := ForProfile(ProfileProduction)
	if err != nil {
		t.Fatalf("ForProfile failed: %v", err)
	}

	cfg, err := ParseOver(base, []byte("telemetry:\n  tracing:\n    exporter: none\n"))
	if err != nil {
		t.Fatalf("ParseOver failed: %v", err)
	}
	if cfg.Telemetry.Tracing.Exporter != "none" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("Expected file values over the production preset, got %+v", cfg.Telemetry)
	}
}
