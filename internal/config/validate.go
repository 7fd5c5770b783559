package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem found joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.SpecsFile) == "" {
		errs = append(errs, ValidationError{
			Field:   "specs_file",
			Message: "a worker spec table is required",
		})
	}

	if cfg.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "batch_size",
			Message: "must be at least 1",
		})
	}

	if cfg.Cooldown < 0 {
		errs = append(errs, ValidationError{
			Field:   "cooldown",
			Message: "must not be negative",
		})
	}

	if cfg.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "duration",
			Message: "must not be negative",
		})
	}

	if cfg.StartupTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "startup_timeout",
			Message: "must be positive",
		})
	}

	if cfg.TerminateGrace <= 0 {
		errs = append(errs, ValidationError{
			Field:   "terminate_grace",
			Message: "must be positive",
		})
	}

	if cfg.ReadyPattern != "" {
		if _, err := regexp.Compile(cfg.ReadyPattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   "ready_pattern",
				Message: err.Error(),
			})
		}
	} else if !hasMarker(cfg.ReadyMarkers) {
		errs = append(errs, ValidationError{
			Field:   "ready_markers",
			Message: "at least one non-empty marker or a ready pattern is required",
		})
	}

	if cfg.OutputBufferSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "output_buffer_size",
			Message: "must be at least 1",
		})
	}

	if cfg.OutputDropThreshold <= 0 || cfg.OutputDropThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "output_drop_threshold",
			Message: fmt.Sprintf("must be in (0, 1] (got %v)", cfg.OutputDropThreshold),
		})
	}

	if cfg.StatusPath == "" {
		errs = append(errs, ValidationError{
			Field:   "status_path",
			Message: "must not be empty",
		})
	}

	if cfg.StatusPromPath != "" && cfg.StatusPromPath == cfg.StatusPath {
		errs = append(errs, ValidationError{
			Field:   "status_prom_path",
			Message: "must differ from status_path",
		})
	}

	if cfg.MetricsAddr != "" {
		if err := validateAddr(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics_addr",
				Message: err.Error(),
			})
		}
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func hasMarker(markers []string) bool {
	for _, m := range markers {
		if m != "" {
			return true
		}
	}
	return false
}

// validateAddr checks that addr is host:port.
func validateAddr(addr string) error {
	if strings.Contains(addr, "://") {
		return errors.New("must be host:port, not a URL")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}
