package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// ErrHelp is returned by ParseArgs when -h or --help was given and usage
// has been printed.
var ErrHelp = pflag.ErrHelp

// ParseFlags parses os.Args and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs parses args into a Config, writing usage to w on request or error.
// A single positional argument, if present, is the specs file.
func ParseArgs(args []string, w io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg)
	fs.SetOutput(w)
	fs.Usage = func() { printUsage(fs, w) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.SpecsFile = rest[0]
	default:
		return nil, fmt.Errorf("unexpected arguments: %v", rest[1:])
	}

	return cfg, nil
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("fleet-orchestrator", pflag.ContinueOnError)
	fs.SortFlags = false

	// Fleet
	fs.StringVarP(&cfg.SpecsFile, "specs", "f", cfg.SpecsFile, "Worker spec table (YAML)")
	fs.IntVarP(&cfg.BatchSize, "batch-size", "b", cfg.BatchSize, "Workers launched concurrently per batch")
	fs.DurationVar(&cfg.Cooldown, "cooldown", cfg.Cooldown, "Pause between batches")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Stop the fleet after this long (0 = until signalled)")

	// Startup
	fs.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "Time a worker has to print its readiness line")
	fs.StringSliceVar(&cfg.ReadyMarkers, "ready-marker", cfg.ReadyMarkers, "Substring that marks a worker ready (repeatable)")
	fs.StringVar(&cfg.ReadyPattern, "ready-pattern", cfg.ReadyPattern, "Regular expression that marks a worker ready (overrides --ready-marker)")
	fs.DurationVar(&cfg.TerminateGrace, "terminate-grace", cfg.TerminateGrace, "Time between SIGTERM and SIGKILL when stopping a worker")

	// Worker output
	fs.IntVar(&cfg.OutputBufferSize, "output-buffer", cfg.OutputBufferSize, "Lines buffered per worker stream before dropping")
	fs.Float64Var(&cfg.OutputDropThreshold, "output-drop-threshold", cfg.OutputDropThreshold, "Drop rate above which a stream is reported degraded")
	_ = fs.MarkHidden("output-drop-threshold")

	// Status
	fs.StringVar(&cfg.StatusPath, "status", cfg.StatusPath, "Status snapshot file written after each run")
	fs.StringVar(&cfg.StatusPromPath, "status-prom", cfg.StatusPromPath, "Also write a Prometheus textfile snapshot here")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, `Prometheus metrics address ("" disables)`)
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Log every worker output line")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)

	// Diagnostics
	fs.BoolVar(&cfg.PrintSpecs, "print-specs", cfg.PrintSpecs, "Print the resolved launch commands and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Dashboard
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show the live terminal dashboard")

	return fs
}

// flagCategories groups flags for the usage message.
var flagCategories = []struct {
	title string
	names []string
}{
	{"Fleet", []string{"specs", "batch-size", "cooldown", "duration"}},
	{"Startup", []string{"startup-timeout", "ready-marker", "ready-pattern", "terminate-grace"}},
	{"Worker Output", []string{"output-buffer"}},
	{"Status", []string{"status", "status-prom"}},
	{"Observability", []string{"metrics", "verbose", "log-format", "log-level"}},
	{"Diagnostics", []string{"print-specs", "skip-preflight"}},
	{"Dashboard", []string{"tui"}},
}

func printUsage(fs *pflag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `fleet-orchestrator - launch and supervise a fleet of worker processes

Usage:
  fleet-orchestrator [flags] [SPECS_FILE]
`)
	for _, cat := range flagCategories {
		fmt.Fprintf(w, "\n%s:\n", cat.title)
		printFlagCategory(fs, w, cat.names)
	}
	fmt.Fprintf(w, `
Examples:
  # Launch every worker in fleet.yaml, 10 at a time
  fleet-orchestrator fleet.yaml

  # Larger batches, stricter startup deadline, text logs
  fleet-orchestrator -b 25 --startup-timeout 5s --log-format text fleet.yaml

  # Show what would be launched
  fleet-orchestrator --print-specs fleet.yaml

`)
}

// printFlagCategory prints the named flags in the given order.
func printFlagCategory(fs *pflag.FlagSet, w io.Writer, names []string) {
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil || f.Hidden {
			continue
		}
		flagName := "--" + f.Name
		if f.Shorthand != "" {
			flagName = "-" + f.Shorthand + ", " + flagName
		}
		fmt.Fprintf(w, "  %s %s\n    \t%s", flagName, flagType(f), f.Usage)
		if showDefault(f.DefValue) {
			fmt.Fprintf(w, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(w)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *pflag.Flag) string {
	switch t := f.Value.Type(); t {
	case "bool":
		return ""
	case "stringSlice":
		return "strings"
	default:
		return t
	}
}

func showDefault(def string) bool {
	switch def {
	case "", "false", "0", "0s", "[]":
		return false
	}
	return true
}
