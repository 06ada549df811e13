package observation

import (
	"os"
	"strings"

	"github.com/gobwas/glob"
)

// ProjectFilter excludes observations whose project path matches one of a
// set of glob patterns from OPENCODE_MEM_EXCLUDED_PROJECTS, per spec.md §6
// and the Rust original's project_filter.rs.
type ProjectFilter struct {
	globs []glob.Glob
}

// NewProjectFilterFromEnv builds a ProjectFilter from the comma-separated
// OPENCODE_MEM_EXCLUDED_PROJECTS env var. Returns nil if unset or empty.
func NewProjectFilterFromEnv() *ProjectFilter {
	raw, ok := os.LookupEnv("OPENCODE_MEM_EXCLUDED_PROJECTS")
	if !ok {
		return nil
	}
	return NewProjectFilterFromPatterns(strings.Split(raw, ","))
}

// NewProjectFilterFromPatterns builds a ProjectFilter directly from a
// pattern list, bypassing the environment — used by callers (and tests)
// that already have the exclusion set in hand.
func NewProjectFilterFromPatterns(patterns []string) *ProjectFilter {
	var globs []glob.Glob
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(expandHome(pattern), '/')
		if err != nil {
			continue
		}
		globs = append(globs, g)
	}
	if len(globs) == 0 {
		return nil
	}
	return &ProjectFilter{globs: globs}
}

func expandHome(pattern string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return pattern
	}
	if pattern == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(pattern, "~/"); ok {
		return home + "/" + rest
	}
	return pattern
}

// IsExcluded reports whether project matches any configured exclusion glob.
func (f *ProjectFilter) IsExcluded(project string) bool {
	if f == nil {
		return false
	}
	for _, g := range f.globs {
		if g.Match(project) {
			return true
		}
	}
	return false
}
