package observation

import (
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var baseContains = []string{
	"code edits", "code quality", "code review", "compilation ",
	"component frequency", "documentation index", "edit applied",
	"file edit applied successfully", "keyword frequency", "knowledge index",
	"memory classification", "memory storage classification", "no significant",
	"noise level classification", "standardized ", "successful file edit",
	"task completion signal", "term frequency", "tool call observed", "tool execution",
}

var basePrefixes = []string{
	"active ", "added ", "agentic ", "analyzed ", "application ", "applied ",
	"architectural ", "audit of ", "backend ", "broken ", "build ", "centralizing ",
	"checked ", "cleanup ", "closed ", "codebase ", "committed ", "completed ",
	"comprehensive ", "confirmed ", "created ", "definition ", "delegated ",
	"deleted ", "deployment ", "detected ", "development ", "discovery of ",
	"documented ", "draft ", "established ", "evolution ", "examined ", "executed ",
	"extracted ", "fetched ", "finished ", "fixing ", "found ", "frequency ",
	"frontend ", "generated ", "identification ", "identified ", "implemented ",
	"implementing ", "improved ", "index of ", "initiated ", "inspected ",
	"integrated ", "inventory of ", "launched ", "linter ", "linting ", "list of ",
	"located ", "location ", "mandatory ", "manual ", "map of ", "mapping of ",
	"marked ", "merged ", "migrated ", "modified ", "module ", "moved ",
	"multiple ", "new ", "observed ", "opened ", "overview of ", "pending ",
	"planned ", "progress ", "prohibition ", "pulled ", "pushed ", "ran ",
	"read ", "recent ", "refactored ", "refactoring ", "removed ", "renamed ",
	"resolved ", "retrieved ", "roadmap for ", "roadmap: ", "robust ", "scanned ",
	"shared ", "started ", "status ", "stopped ", "structure ", "summary of ",
	"tracking ", "transition ", "updated agents.md", "updated plan",
	"updated task status", "updated todo", "verification ", "verified ",
	"workflow ", "wrote ",
}

var baseExact = []string{"task completion"}

// LowValueFilter classifies observation titles as low-signal noise using a
// fixed base pattern set plus operator-configured patterns from
// OPENCODE_MEM_FILTER_PATTERNS, per spec.md §4.5's low_value_filter.
type LowValueFilter struct {
	contains []string
	prefixes []string
	exact    []string
}

// patternFile is the YAML shape accepted from OPENCODE_MEM_FILTER_PATTERNS_FILE,
// for operators who want a longer, versioned pattern set in a file rather
// than cramming it all into one env var.
type patternFile struct {
	Contains []string `yaml:"contains"`
	Prefixes []string `yaml:"prefixes"`
	Exact    []string `yaml:"exact"`
}

// NewLowValueFilterFromEnv builds the filter from the base patterns plus
// OPENCODE_MEM_FILTER_PATTERNS (comma-separated; a leading `^` marks a
// prefix pattern, a leading `=` marks an exact match, otherwise contains)
// and, if set, OPENCODE_MEM_FILTER_PATTERNS_FILE (a YAML file with
// contains/prefixes/exact lists).
func NewLowValueFilterFromEnv() *LowValueFilter {
	f := &LowValueFilter{
		contains: append([]string{}, baseContains...),
		prefixes: append([]string{}, basePrefixes...),
		exact:    append([]string{}, baseExact...),
	}
	if raw, ok := os.LookupEnv("OPENCODE_MEM_FILTER_PATTERNS"); ok {
		extra := parsePatterns(raw)
		f.contains = append(f.contains, extra.contains...)
		f.prefixes = append(f.prefixes, extra.prefixes...)
		f.exact = append(f.exact, extra.exact...)
	}
	if path, ok := os.LookupEnv("OPENCODE_MEM_FILTER_PATTERNS_FILE"); ok && path != "" {
		if extra, err := loadPatternFile(path); err != nil {
			slog.Warn("failed to load filter patterns file", "path", path, "error", err)
		} else {
			f.contains = append(f.contains, extra.Contains...)
			f.prefixes = append(f.prefixes, extra.Prefixes...)
			f.exact = append(f.exact, extra.Exact...)
		}
	}
	f.contains = dedupSorted(lowerAll(f.contains))
	f.prefixes = dedupSorted(lowerAll(f.prefixes))
	f.exact = dedupSorted(lowerAll(f.exact))
	return f
}

func loadPatternFile(path string) (*patternFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	return &pf, nil
}

func lowerAll(vals []string) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strings.ToLower(v)
	}
	return out
}

func parsePatterns(raw string) *LowValueFilter {
	f := &LowValueFilter{}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tok = strings.ToLower(tok)
		switch tok[0] {
		case '^':
			if v := strings.TrimSpace(tok[1:]); v != "" {
				f.prefixes = append(f.prefixes, v)
			}
		case '=':
			if v := strings.TrimSpace(tok[1:]); v != "" {
				f.exact = append(f.exact, v)
			}
		default:
			f.contains = append(f.contains, tok)
		}
	}
	return f
}

func dedupSorted(vals []string) []string {
	sort.Strings(vals)
	out := vals[:0]
	var last string
	first := true
	for _, v := range vals {
		if first || v != last {
			out = append(out, v)
			last = v
			first = false
		}
	}
	return out
}

func (f *LowValueFilter) matches(titleLower string) bool {
	for _, v := range f.exact {
		if titleLower == v {
			return true
		}
	}
	for _, v := range f.prefixes {
		if strings.HasPrefix(titleLower, v) {
			return true
		}
	}
	for _, v := range f.contains {
		if strings.Contains(titleLower, v) {
			return true
		}
	}
	return false
}

// IsLowValue reports whether title is classified as low-signal noise. A
// handful of composite rules run before the configured pattern set.
func (f *LowValueFilter) IsLowValue(title string) bool {
	t := strings.ToLower(title)
	if t == "" {
		return false
	}

	if strings.Contains(t, "rustfmt") && strings.Contains(t, "nightly") {
		return true
	}
	if (strings.Contains(t, "comment") || strings.Contains(t, "docstring")) && strings.Contains(t, "hook") {
		return true
	}
	if strings.HasPrefix(t, "refined ") && !strings.Contains(t, "logic") && !strings.Contains(t, "formula") {
		return true
	}
	if strings.HasPrefix(t, "search ") && (strings.Contains(t, "results") || strings.Contains(t, "failed") || strings.Contains(t, "yielded")) {
		return true
	}
	if strings.HasPrefix(t, "agent ") && containsAny(t, "rules", "protocol", "guidelines", "doctrine", "principles", "behavioral", "operational", "workflow", "persona") {
		return true
	}

	return f.matches(t)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
