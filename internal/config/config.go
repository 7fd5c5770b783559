// Package config provides configuration management for fleet-orchestrator.
package config

import "time"

// Config holds all configuration options for the orchestrator.
type Config struct {
	// Fleet
	SpecsFile string        `json:"specs_file"`
	BatchSize int           `json:"batch_size"`
	Cooldown  time.Duration `json:"cooldown"`
	Duration  time.Duration `json:"duration"` // 0 = until signalled

	// Startup
	StartupTimeout time.Duration `json:"startup_timeout"`
	ReadyMarkers   []string      `json:"ready_markers"`
	ReadyPattern   string        `json:"ready_pattern"` // regexp, overrides markers
	TerminateGrace time.Duration `json:"terminate_grace"`

	// Worker output
	OutputBufferSize    int     `json:"output_buffer_size"`
	OutputDropThreshold float64 `json:"output_drop_threshold"`

	// Status
	StatusPath     string `json:"status_path"`
	StatusPromPath string `json:"status_prom_path"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // empty = disabled
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`

	// Diagnostic modes
	PrintSpecs    bool `json:"print_specs"`
	SkipPreflight bool `json:"skip_preflight"`

	// Dashboard
	TUIEnabled bool `json:"tui_enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Fleet
		SpecsFile: "fleet.yaml",
		BatchSize: 10,
		Cooldown:  2 * time.Second,
		Duration:  0,

		// Startup
		StartupTimeout: 10 * time.Second,
		ReadyMarkers:   []string{"Server running", "listening"},
		TerminateGrace: 5 * time.Second,

		// Worker output
		OutputBufferSize:    1000,
		OutputDropThreshold: 0.01,

		// Status
		StatusPath: "fleet-status.json",

		// Observability
		MetricsAddr: "127.0.0.1:17092",
		LogFormat:   "json",
		LogLevel:    "info",
	}
}
