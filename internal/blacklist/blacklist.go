// Package blacklist implements the static allow/deny path lists consulted at
// trace-recording and prefetch time (spec §1 Non-goals, §4.4, §4.6). It is a
// compile-once, check-many glob set, the same shape as the IgnoreGlobs field
// on filewatch's LogHandlerConfig.
package blacklist

import (
	"github.com/gobwas/glob"
)

// Set is an immutable compiled set of glob patterns.
type Set struct {
	globs []glob.Glob
	raw   []string
}

// Compile builds a Set from shell-style glob patterns. Invalid patterns are
// skipped rather than failing the whole set — a single operator typo in a
// long blacklist should not disable blacklisting altogether.
func Compile(patterns []string) *Set {
	s := &Set{raw: append([]string(nil), patterns...)}
	for _, p := range patterns {
		if g, err := glob.Compile(p, '/'); err == nil {
			s.globs = append(s.globs, g)
		}
	}
	return s
}

// Match reports whether path matches any compiled pattern.
func (s *Set) Match(path string) bool {
	if s == nil {
		return false
	}
	for _, g := range s.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Patterns returns the original pattern strings the Set was compiled from.
func (s *Set) Patterns() []string {
	if s == nil {
		return nil
	}
	return s.raw
}

// Empty reports whether the set has no usable patterns.
func (s *Set) Empty() bool { return s == nil || len(s.globs) == 0 }
