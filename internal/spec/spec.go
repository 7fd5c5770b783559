// Package spec defines worker launch specifications and loads the fleet's spec table.
package spec

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateName is returned when two workers in a table share a name.
var ErrDuplicateName = errors.New("duplicate worker name")

// WorkerSpec describes how to launch one member of the fleet.
// Values are treated as immutable once loaded.
type WorkerSpec struct {
	// Name uniquely identifies the worker within a table.
	Name string `yaml:"name" json:"name"`

	// Port is informational; the orchestrator never binds or probes it.
	Port int `yaml:"port" json:"port"`

	// Command is the executable path or a name resolved via PATH.
	Command string `yaml:"command" json:"command"`

	// Args are passed to Command in order.
	Args []string `yaml:"args" json:"args,omitempty"`

	// Env is merged over the orchestrator's environment. Keys here win.
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// Dir is the working directory. Empty means the orchestrator's.
	Dir string `yaml:"dir" json:"dir,omitempty"`

	// Ready optionally overrides the fleet-wide readiness rule with a
	// regular expression matched against stdout lines.
	Ready string `yaml:"ready" json:"ready,omitempty"`
}

// CommandString returns the command line for display purposes.
func (w WorkerSpec) CommandString() string {
	if len(w.Args) == 0 {
		return w.Command
	}
	return w.Command + " " + strings.Join(w.Args, " ")
}

// EnvKeys returns the spec's environment keys in sorted order.
func (w WorkerSpec) EnvKeys() []string {
	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Table is the ordered list of workers making up a fleet.
type Table []WorkerSpec

// file is the on-disk layout of a spec table.
type file struct {
	// Defaults are applied to every worker before its own fields.
	Defaults struct {
		Command string            `yaml:"command"`
		Env     map[string]string `yaml:"env"`
		Dir     string            `yaml:"dir"`
	} `yaml:"defaults"`

	Workers []WorkerSpec `yaml:"workers"`
}

// Load reads a YAML spec table from path.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec table: %w", err)
	}
	table, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// Parse decodes a YAML spec table, applies defaults and checks that
// names are present and unique. Order is preserved.
func Parse(data []byte) (Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing spec table: %w", err)
	}

	seen := make(map[string]int, len(f.Workers))
	table := make(Table, 0, len(f.Workers))
	for i, w := range f.Workers {
		if w.Name == "" {
			return nil, fmt.Errorf("worker %d: name is required", i)
		}
		if prev, ok := seen[w.Name]; ok {
			return nil, fmt.Errorf("worker %d (%q, first at %d): %w", i, w.Name, prev, ErrDuplicateName)
		}
		seen[w.Name] = i

		if w.Command == "" {
			w.Command = f.Defaults.Command
		}
		if w.Command == "" {
			return nil, fmt.Errorf("worker %q: command is required", w.Name)
		}
		if w.Dir == "" {
			w.Dir = f.Defaults.Dir
		}
		if len(f.Defaults.Env) > 0 {
			env := make(map[string]string, len(f.Defaults.Env)+len(w.Env))
			for k, v := range f.Defaults.Env {
				env[k] = v
			}
			for k, v := range w.Env {
				env[k] = v
			}
			w.Env = env
		}
		table = append(table, w)
	}
	return table, nil
}

// Names returns worker names in table order.
func (t Table) Names() []string {
	names := make([]string, len(t))
	for i, w := range t {
		names[i] = w.Name
	}
	return names
}

// Commands returns the distinct commands used by the table, sorted.
func (t Table) Commands() []string {
	set := make(map[string]struct{})
	for _, w := range t {
		set[w.Command] = struct{}{}
	}
	cmds := make([]string, 0, len(set))
	for c := range set {
		cmds = append(cmds, c)
	}
	sort.Strings(cmds)
	return cmds
}

// DuplicatePorts returns ports claimed by more than one worker, mapped to
// the names that claim them. Port zero is ignored.
func (t Table) DuplicatePorts() map[int][]string {
	byPort := make(map[int][]string)
	for _, w := range t {
		if w.Port == 0 {
			continue
		}
		byPort[w.Port] = append(byPort[w.Port], w.Name)
	}
	for port, names := range byPort {
		if len(names) < 2 {
			delete(byPort, port)
		}
	}
	return byPort
}
