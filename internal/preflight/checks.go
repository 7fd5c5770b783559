// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/spec"
)

// fdsPerWorker is the descriptors one worker holds in the orchestrator:
// stdout and stderr pipes plus the pidfd/wait overhead of os/exec.
const fdsPerWorker = 3

// fdOverhead covers the orchestrator itself (metrics server, logs, status).
const fdOverhead = 100

// procOverhead covers processes outside the fleet owned by the same user.
const procOverhead = 50

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks for table.
func RunAll(table spec.Table) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4+len(table)),
		Passed: true,
	}

	result.add(checkFileDescriptors(len(table)))
	result.add(checkProcessLimit(len(table)))

	for _, c := range checkCommands(table) {
		result.add(c)
	}
	for _, c := range checkDirs(table) {
		result.add(c)
	}

	// Port clashes are reported but never fatal; the orchestrator does
	// not bind worker ports itself.
	result.add(checkPorts(table))

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(workers int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	required := workers*fdsPerWorker + fdOverhead
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d workers)", actual, required, workers),
	}
}

func clampLimit(v uint64) int {
	const max = 1 << 30
	if v > max {
		return max
	}
	return int(v)
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(workers int) Check {
	required := workers + procOverhead

	// RLIMIT_NPROC is per-user and not portable; read the soft limit the
	// kernel reports for this process instead.
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses extracts the soft "Max processes" limit from the
// contents of /proc/<pid>/limits. It returns 0 when the line is missing.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		var n int
		fmt.Sscanf(fields[2], "%d", &n)
		return n
	}
	return 0
}

// checkCommands verifies every distinct command can be executed.
func checkCommands(table spec.Table) []Check {
	seen := make(map[string]bool)
	var checks []Check

	for _, w := range table {
		path := commandPath(w)
		if seen[path] {
			continue
		}
		seen[path] = true

		resolved, err := exec.LookPath(path)
		if err != nil {
			checks = append(checks, Check{
				Name:    "command",
				Passed:  false,
				Message: fmt.Sprintf("%s not executable (first used by %q): %v", w.Command, w.Name, err),
			})
			continue
		}
		checks = append(checks, Check{
			Name:    "command",
			Passed:  true,
			Message: fmt.Sprintf("%s found at %s", w.Command, resolved),
		})
	}
	return checks
}

// commandPath returns the path the OS will execute for w. A relative path
// containing a separator is resolved against the worker's directory.
func commandPath(w spec.WorkerSpec) string {
	if w.Dir != "" && strings.ContainsRune(w.Command, filepath.Separator) && !filepath.IsAbs(w.Command) {
		return filepath.Join(w.Dir, w.Command)
	}
	return w.Command
}

// checkDirs verifies every distinct working directory exists.
func checkDirs(table spec.Table) []Check {
	seen := make(map[string]bool)
	var checks []Check

	for _, w := range table {
		if w.Dir == "" || seen[w.Dir] {
			continue
		}
		seen[w.Dir] = true

		info, err := os.Stat(w.Dir)
		switch {
		case err != nil:
			checks = append(checks, Check{
				Name:    "working_dir",
				Passed:  false,
				Message: fmt.Sprintf("%s (used by %q): %v", w.Dir, w.Name, err),
			})
		case !info.IsDir():
			checks = append(checks, Check{
				Name:    "working_dir",
				Passed:  false,
				Message: fmt.Sprintf("%s (used by %q) is not a directory", w.Dir, w.Name),
			})
		}
	}
	return checks
}

// checkPorts warns when two workers claim the same port.
func checkPorts(table spec.Table) Check {
	dups := table.DuplicatePorts()
	if len(dups) == 0 {
		return Check{
			Name:    "ports",
			Passed:  true,
			Message: "no duplicate ports",
		}
	}

	ports := make([]int, 0, len(dups))
	for p := range dups {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, fmt.Sprintf("%d (%s)", p, strings.Join(dups[p], ", ")))
	}

	return Check{
		Name:    "ports",
		Passed:  true,
		Warning: true,
		Message: "shared by several workers: " + strings.Join(parts, "; "),
	}
}

// PrintResults prints the preflight check results.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "command":
		return "install the command or use an absolute path in the spec table"
	case "working_dir":
		return "create the directory or fix dir in the spec table"
	default:
		return "see documentation"
	}
}
