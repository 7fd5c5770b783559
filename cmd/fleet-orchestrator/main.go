// Package main provides the fleet-orchestrator CLI entry point.
//
// fleet-orchestrator launches a table of long-running worker processes in
// batches, waits for each to announce readiness on stdout, and keeps the
// ready ones running until it is told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/config"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/logging"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/orchestrator"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/process"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/spec"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/fleet-orchestrator
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("fleet-orchestrator %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Initialize logger
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewDiscardLogger()
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	table, err := spec.Load(cfg.SpecsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Spec table error: %v\n", err)
		return 1
	}
	if len(table) == 0 {
		fmt.Fprintf(os.Stderr, "Spec table error: %s defines no workers\n", cfg.SpecsFile)
		return 1
	}

	// Handle --print-specs mode
	if cfg.PrintSpecs {
		printSpecs(cfg, table)
		return 0
	}

	logger.Info("starting",
		"version", version,
		"specs_file", cfg.SpecsFile,
		"workers", len(table),
		"batch_size", cfg.BatchSize,
		"cooldown", cfg.Cooldown.String(),
		"startup_timeout", cfg.StartupTimeout.String(),
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg, table)
	}

	orch, err := orchestrator.New(cfg, table, logger, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if _, err := orch.Run(context.Background(), sigCh); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config, table spec.Table) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                       fleet-orchestrator                          ║")
	fmt.Println("║          Batched Worker Deployment with Readiness Gating          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Specs:       %s (%d workers)\n", cfg.SpecsFile, len(table))
	fmt.Printf("  Batches:     %d at a time, %s apart\n", cfg.BatchSize, cfg.Cooldown)
	fmt.Printf("  Startup:     %s timeout\n", cfg.StartupTimeout)
	if cfg.ReadyPattern != "" {
		fmt.Printf("  Ready:       /%s/\n", cfg.ReadyPattern)
	} else {
		fmt.Printf("  Ready:       %s\n", strings.Join(quoted(cfg.ReadyMarkers), " or "))
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Printf("  Status:      %s\n", cfg.StatusPath)
	if cfg.Duration > 0 {
		fmt.Printf("  Duration:    %s\n", cfg.Duration)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printSpecs prints the command that would be run for each worker.
func printSpecs(cfg *config.Config, table spec.Table) {
	launcher := process.NewLauncher(process.LauncherConfig{
		BufferSize:    cfg.OutputBufferSize,
		DropThreshold: cfg.OutputDropThreshold,
	})

	fmt.Printf("# %d workers from %s\n", len(table), cfg.SpecsFile)
	for _, w := range table {
		fmt.Println()
		fmt.Printf("# %s", w.Name)
		if w.Port != 0 {
			fmt.Printf(" (port %d)", w.Port)
		}
		fmt.Println()
		if w.Dir != "" {
			fmt.Printf("#   dir:   %s\n", w.Dir)
		}
		if keys := w.EnvKeys(); len(keys) > 0 {
			fmt.Printf("#   env:   %s\n", strings.Join(keys, ", "))
		}
		if w.Ready != "" {
			fmt.Printf("#   ready: /%s/\n", w.Ready)
		}
		fmt.Println(launcher.Command(w).String())
	}
}

func quoted(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
