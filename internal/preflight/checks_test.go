package preflight

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/spec"
)

func TestCheck_String(t *testing.T) {
	t.Run("passed_with_required", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   200,
			Passed:   true,
		}
		s := c.String()
		if !strings.Contains(s, "✓") {
			t.Error("Passed check should have ✓")
		}
		if !strings.Contains(s, "200") {
			t.Error("Should contain actual value")
		}
		if !strings.Contains(s, "100") {
			t.Error("Should contain required value")
		}
	})

	t.Run("failed_check", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   50,
			Passed:   false,
		}
		if !strings.Contains(c.String(), "✗") {
			t.Error("Failed check should have ✗")
		}
	})

	t.Run("warning_check", func(t *testing.T) {
		c := Check{
			Name:    "test_check",
			Passed:  true,
			Warning: true,
			Message: "warning message",
		}
		s := c.String()
		if !strings.Contains(s, "⚠") {
			t.Error("Warning check should have ⚠")
		}
		if !strings.Contains(s, "warning message") {
			t.Error("Should contain message")
		}
	})
}

func checksNamed(r *Result, name string) []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func TestRunAll_Passes(t *testing.T) {
	table := spec.Table{
		{Name: "a", Command: "/bin/sh", Port: 8001},
		{Name: "b", Command: "/bin/sh", Port: 8002},
	}
	result := RunAll(table)

	if !result.Passed {
		var buf bytes.Buffer
		PrintResults(&buf, result)
		t.Fatalf("expected preflight to pass:\n%s", buf.String())
	}
	if got := len(checksNamed(result, "command")); got != 1 {
		t.Errorf("command checks = %d, want 1 (deduplicated)", got)
	}
	if got := len(checksNamed(result, "file_descriptors")); got != 1 {
		t.Errorf("file_descriptors checks = %d, want 1", got)
	}
	if got := len(checksNamed(result, "process_limit")); got != 1 {
		t.Errorf("process_limit checks = %d, want 1", got)
	}
}

func TestRunAll_MissingCommand(t *testing.T) {
	table := spec.Table{
		{Name: "ok", Command: "/bin/sh"},
		{Name: "bad", Command: "definitely-not-a-real-command-xyz"},
	}
	result := RunAll(table)

	if result.Passed {
		t.Fatal("expected preflight to fail for a missing command")
	}
	cmds := checksNamed(result, "command")
	if len(cmds) != 2 {
		t.Fatalf("command checks = %d, want 2", len(cmds))
	}
	if cmds[1].Passed {
		t.Error("missing command should fail")
	}
	if !strings.Contains(cmds[1].Message, `"bad"`) {
		t.Errorf("message should name the worker: %s", cmds[1].Message)
	}
}

func TestRunAll_MissingDir(t *testing.T) {
	table := spec.Table{
		{Name: "a", Command: "/bin/sh", Dir: filepath.Join(t.TempDir(), "nope")},
	}
	result := RunAll(table)

	if result.Passed {
		t.Fatal("expected preflight to fail for a missing directory")
	}
	if len(checksNamed(result, "working_dir")) != 1 {
		t.Error("expected one working_dir check")
	}
}

func TestRunAll_DuplicatePortsWarnOnly(t *testing.T) {
	table := spec.Table{
		{Name: "a", Command: "/bin/sh", Port: 9000},
		{Name: "b", Command: "/bin/sh", Port: 9000},
		{Name: "c", Command: "/bin/sh", Port: 9001},
	}
	result := RunAll(table)

	ports := checksNamed(result, "ports")
	if len(ports) != 1 {
		t.Fatalf("ports checks = %d, want 1", len(ports))
	}
	if !ports[0].Passed || !ports[0].Warning {
		t.Errorf("duplicate ports should warn, got %+v", ports[0])
	}
	if !strings.Contains(ports[0].Message, "9000 (a, b)") {
		t.Errorf("message = %q", ports[0].Message)
	}
	if !result.Passed {
		t.Error("a port warning must not fail preflight")
	}
}

func TestCommandPath(t *testing.T) {
	tests := []struct {
		name string
		w    spec.WorkerSpec
		want string
	}{
		{"bare name", spec.WorkerSpec{Command: "node", Dir: "/srv"}, "node"},
		{"absolute", spec.WorkerSpec{Command: "/bin/sh", Dir: "/srv"}, "/bin/sh"},
		{"relative with dir", spec.WorkerSpec{Command: "./bin/app", Dir: "/srv"}, "/srv/bin/app"},
		{"relative without dir", spec.WorkerSpec{Command: "./bin/app"}, "./bin/app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commandPath(tt.w); got != tt.want {
				t.Errorf("commandPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckCommands_RelativeToDir(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	checks := checkCommands(spec.Table{{Name: "a", Command: "./run.sh", Dir: dir}})
	if len(checks) != 1 || !checks[0].Passed {
		t.Errorf("relative command in worker dir should resolve: %+v", checks)
	}
}

func TestParseMaxProcesses(t *testing.T) {
	tests := []struct {
		name   string
		limits string
		want   int
	}{
		{
			name: "numeric",
			limits: "Limit                     Soft Limit           Hard Limit           Units\n" +
				"Max processes             24002                30000                processes\n",
			want: 24002,
		},
		{
			name:   "unlimited",
			limits: "Max processes             unlimited            unlimited            processes\n",
			want:   1000000,
		},
		{
			name:   "missing",
			limits: "Max open files            1024                 4096                 files\n",
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseMaxProcesses(tt.limits); got != tt.want {
				t.Errorf("parseMaxProcesses() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCheckFileDescriptors_Scaling(t *testing.T) {
	check1 := checkFileDescriptors(1)
	check100 := checkFileDescriptors(100)

	if check1.Warning {
		t.Skip("rlimit unavailable")
	}
	if check1.Actual <= 0 {
		t.Errorf("Actual should be positive: %d", check1.Actual)
	}
	if want := 1*fdsPerWorker + fdOverhead; check1.Required != want {
		t.Errorf("Required = %d, want %d", check1.Required, want)
	}
	if check100.Required-check1.Required != 99*fdsPerWorker {
		t.Error("Required FDs should grow by fdsPerWorker per worker")
	}
}

func TestSuggestFix(t *testing.T) {
	testCases := []struct {
		name     string
		expected string
	}{
		{"file_descriptors", "ulimit -n"},
		{"process_limit", "ulimit -u"},
		{"command", "absolute path"},
		{"working_dir", "create the directory"},
		{"unknown", "documentation"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fix := suggestFix(tc.name)
			if !strings.Contains(fix, tc.expected) {
				t.Errorf("suggestFix(%q) = %q, should contain %q", tc.name, fix, tc.expected)
			}
		})
	}
}

func TestPrintResults(t *testing.T) {
	result := &Result{
		Checks: []Check{
			{Name: "test1", Passed: true, Message: "ok"},
			{Name: "process_limit", Passed: false, Required: 100, Actual: 50},
		},
		Passed: false,
	}

	var buf bytes.Buffer
	PrintResults(&buf, result)
	out := buf.String()

	if !strings.HasPrefix(out, "Preflight checks:") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "Fix: ulimit -u") {
		t.Errorf("failed check should carry a fix: %q", out)
	}
	if strings.Count(out, "Fix:") != 1 {
		t.Errorf("only failed checks get a fix: %q", out)
	}
}
