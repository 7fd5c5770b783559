package config

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestFlagType(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Bool("b", false, "")
	fs.Int("i", 0, "")
	fs.String("s", "", "")
	fs.Duration("d", 0, "")
	fs.StringSlice("ss", nil, "")
	fs.Float64("f", 0, "")

	testCases := []struct {
		name     string
		expected string
	}{
		{"b", ""},
		{"i", "int"},
		{"s", "string"},
		{"d", "duration"},
		{"ss", "strings"},
		{"f", "float64"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := flagType(fs.Lookup(tc.name)); got != tc.expected {
				t.Errorf("flagType(%s) = %q, want %q", tc.name, got, tc.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.BatchSize)
	}
	if cfg.Cooldown != 2*time.Second {
		t.Errorf("Cooldown = %v, want 2s", cfg.Cooldown)
	}
	if cfg.StartupTimeout != 10*time.Second {
		t.Errorf("StartupTimeout = %v, want 10s", cfg.StartupTimeout)
	}
	if strings.Join(cfg.ReadyMarkers, ",") != "Server running,listening" {
		t.Errorf("ReadyMarkers = %v", cfg.ReadyMarkers)
	}
	if cfg.TUIEnabled {
		t.Error("TUIEnabled should be false by default")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestParseArgs(t *testing.T) {
	var out bytes.Buffer
	cfg, err := ParseArgs([]string{
		"-b", "25",
		"--cooldown", "500ms",
		"--startup-timeout=3s",
		"--ready-marker", "ready",
		"--ready-marker", "up",
		"--status", "/tmp/s.json",
		"--metrics", "",
		"-v",
		"workers.yaml",
	}, &out)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.Cooldown != 500*time.Millisecond {
		t.Errorf("Cooldown = %v", cfg.Cooldown)
	}
	if cfg.StartupTimeout != 3*time.Second {
		t.Errorf("StartupTimeout = %v", cfg.StartupTimeout)
	}
	if strings.Join(cfg.ReadyMarkers, ",") != "ready,up" {
		t.Errorf("ReadyMarkers = %v", cfg.ReadyMarkers)
	}
	if cfg.StatusPath != "/tmp/s.json" {
		t.Errorf("StatusPath = %q", cfg.StatusPath)
	}
	if cfg.MetricsAddr != "" {
		t.Errorf("MetricsAddr = %q, want empty", cfg.MetricsAddr)
	}
	if !cfg.Verbose {
		t.Error("Verbose should be set")
	}
	if cfg.SpecsFile != "workers.yaml" {
		t.Errorf("SpecsFile = %q", cfg.SpecsFile)
	}
}

func TestParseArgs_SpecsFlag(t *testing.T) {
	cfg, err := ParseArgs([]string{"--specs", "a.yaml"}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SpecsFile != "a.yaml" {
		t.Errorf("SpecsFile = %q", cfg.SpecsFile)
	}
}

func TestParseArgs_TooManyPositionals(t *testing.T) {
	if _, err := ParseArgs([]string{"a.yaml", "b.yaml"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for two positional arguments")
	}
}

func TestParseArgs_UnknownFlag(t *testing.T) {
	if _, err := ParseArgs([]string{"--clients", "5"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestParseArgs_Help(t *testing.T) {
	var out bytes.Buffer
	_, err := ParseArgs([]string{"--help"}, &out)
	if !errors.Is(err, ErrHelp) {
		t.Fatalf("err = %v, want ErrHelp", err)
	}

	usage := out.String()
	for _, want := range []string{"Usage:", "Fleet:", "-b, --batch-size int", "--startup-timeout duration", "(default 10s)"} {
		if !strings.Contains(usage, want) {
			t.Errorf("usage missing %q:\n%s", want, usage)
		}
	}
	if strings.Contains(usage, "output-drop-threshold") {
		t.Error("hidden flag shown in usage")
	}
}

func TestValidate_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no specs file", func(c *Config) { c.SpecsFile = " " }, "specs_file"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		{"negative batch", func(c *Config) { c.BatchSize = -3 }, "batch_size"},
		{"negative cooldown", func(c *Config) { c.Cooldown = -time.Second }, "cooldown"},
		{"negative duration", func(c *Config) { c.Duration = -time.Second }, "duration"},
		{"zero timeout", func(c *Config) { c.StartupTimeout = 0 }, "startup_timeout"},
		{"zero grace", func(c *Config) { c.TerminateGrace = 0 }, "terminate_grace"},
		{"bad pattern", func(c *Config) { c.ReadyPattern = "(" }, "ready_pattern"},
		{"no markers", func(c *Config) { c.ReadyMarkers = []string{""} }, "ready_markers"},
		{"zero buffer", func(c *Config) { c.OutputBufferSize = 0 }, "output_buffer_size"},
		{"threshold too high", func(c *Config) { c.OutputDropThreshold = 1.5 }, "output_drop_threshold"},
		{"empty status", func(c *Config) { c.StatusPath = "" }, "status_path"},
		{"prom clobbers status", func(c *Config) { c.StatusPromPath = c.StatusPath }, "status_prom_path"},
		{"metrics url", func(c *Config) { c.MetricsAddr = "http://localhost:9090" }, "metrics_addr"},
		{"metrics no port", func(c *Config) { c.MetricsAddr = "localhost" }, "metrics_addr"},
		{"log format", func(c *Config) { c.LogFormat = "yaml" }, "log_format"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error for %s", tc.field)
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Errorf("error should mention %s: %v", tc.field, err)
			}
		})
	}
}

func TestValidate_PatternOverridesMarkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyMarkers = nil
	cfg.ReadyPattern = `listening on :\d+`

	if err := Validate(cfg); err != nil {
		t.Errorf("pattern without markers should be valid: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	cfg.LogFormat = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "batch_size") || !strings.Contains(msg, "log_format") {
		t.Errorf("expected both errors joined: %v", msg)
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "batch_size", Message: "must be at least 1"}
	if err.Error() != "batch_size: must be at least 1" {
		t.Errorf("Error() = %q", err.Error())
	}
}
