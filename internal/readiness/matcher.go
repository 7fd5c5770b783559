// Package readiness decides when a freshly launched worker has finished starting.
package readiness

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMarkers are the substrings that mark a worker as ready when no
// other rule is configured.
var DefaultMarkers = []string{"Server running", "listening"}

// Matcher reports whether a stdout line signals successful startup.
type Matcher interface {
	Match(line string) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(line string) bool

// Match calls f(line).
func (f MatcherFunc) Match(line string) bool { return f(line) }

type substrings []string

func (s substrings) Match(line string) bool {
	for _, marker := range s {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// Substrings matches lines containing any of the markers.
// With no markers it uses DefaultMarkers.
func Substrings(markers ...string) Matcher {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return substrings(append([]string(nil), markers...))
}

type pattern struct {
	re *regexp.Regexp
}

func (p pattern) Match(line string) bool { return p.re.MatchString(line) }

// Regexp matches lines against a regular expression.
func Regexp(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("readiness pattern %q: %w", expr, err)
	}
	return pattern{re: re}, nil
}
