// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package capability matches host capability names against the grants a
// plugin declares in its metadata.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "keg.resource.*" matches "keg.resource.read" but NOT "keg.resource.read.raw"
//   - "keg.**" matches both "keg.log" AND "keg.resource.read"
//   - "**" matches any capability
package capability

import (
	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// CodeInvalidGrant is returned when a grant pattern cannot be compiled.
const CodeInvalidGrant = "INVALID_GRANT"

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Grants is an immutable, compiled set of capability patterns.
//
// A nil *Grants allows every capability. It is what plugins that omit the
// capabilities key get.
type Grants struct {
	grants []compiledGrant
}

// Compile builds a Grants from patterns. A nil slice yields a nil *Grants
// (allow all); an empty, non-nil slice yields a Grants that denies
// everything. All patterns are compiled before anything is returned, so an
// invalid pattern never produces a partial set.
func Compile(patterns []string) (*Grants, error) {
	if patterns == nil {
		return nil, nil
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, oops.Code(CodeInvalidGrant).
				With("index", i).
				Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.Code(CodeInvalidGrant).
				With("index", i).
				With("pattern", pattern).
				Wrapf(err, "capability %d (%q)", i, pattern)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}
	return &Grants{grants: compiled}, nil
}

// Allows reports whether capability is covered by any grant. The empty
// capability name is never allowed.
func (g *Grants) Allows(capability string) bool {
	if capability == "" {
		return false
	}
	if g == nil {
		return true
	}
	for _, grant := range g.grants {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the source patterns, or nil for allow-all.
func (g *Grants) Patterns() []string {
	if g == nil {
		return nil
	}
	patterns := make([]string, len(g.grants))
	for i, grant := range g.grants {
		patterns[i] = grant.pattern
	}
	return patterns
}
