// Package match implements the glob-to-regex pattern matcher used by
// the request classifier (route rule paths) and the transformer (model
// map patterns).
//
// Semantics: '*' matches any run of characters, '?'
// matches exactly one, and the pattern is anchored at both ends.
// Exact string equality is tried first; only on a miss do we fall back
// to compiled wildcard matching. Matching is case-sensitive. Only
// paths and model names are matched; no caller matches HTTP methods.
package match

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Pattern is a single compiled pattern. Compiling once at load time —
// rather than per-request — keeps classification off the regex-compile
// hot path.
type Pattern struct {
	raw      string
	g        glob.Glob
	isExact  bool
}

// Compile builds a Pattern from a glob string. An error is returned
// only for malformed patterns (unbalanced character classes etc.) —
// gobwas/glob treats bare '*'/'?' as plain wildcards, so ordinary route
// globs never fail to compile.
func Compile(pattern string) (*Pattern, error) {
	isExact := !containsWildcard(pattern)

	var g glob.Glob
	if !isExact {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
		}
		g = compiled
	}

	return &Pattern{raw: pattern, g: g, isExact: isExact}, nil
}

// MustCompile is like Compile but panics on error. Intended for
// call sites building patterns from constants, not user input.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether input satisfies the pattern. Exact patterns
// are compared with plain string equality; wildcard patterns go
// through the compiled glob.
func (p *Pattern) Match(input string) bool {
	if p.isExact {
		return p.raw == input
	}
	return p.g.Match(input)
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	return p.raw
}

func containsWildcard(s string) bool {
	for _, r := range s {
		if r == '*' || r == '?' {
			return true
		}
	}
	return false
}

// FirstMatch returns the index of the first pattern in patterns that
// matches input, or -1 if none do. Order matters — this is how
// first-match-wins is implemented for both route rules and model maps
//.
func FirstMatch(patterns []*Pattern, input string) int {
	for i, p := range patterns {
		if p.Match(input) {
			return i
		}
	}
	return -1
}
