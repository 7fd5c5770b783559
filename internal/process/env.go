package process

import (
	"sort"
	"strings"
)

// MergeEnv overlays overrides on base, a list of KEY=VALUE entries.
// Keys from overrides win. Base order is kept; new keys are appended sorted.
// If base repeats a key, the last value is used, as os/exec does.
func MergeEnv(base []string, overrides map[string]string) []string {
	values := make(map[string]string, len(base)+len(overrides))
	order := make([]string, 0, len(base)+len(overrides))

	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if _, seen := values[k]; !seen {
			order = append(order, k)
		}
		values[k] = v
	}

	added := make([]string, 0, len(overrides))
	for k, v := range overrides {
		if _, seen := values[k]; !seen {
			added = append(added, k)
		}
		values[k] = v
	}
	sort.Strings(added)
	order = append(order, added...)

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+values[k])
	}
	return env
}
