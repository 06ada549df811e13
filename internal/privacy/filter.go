// Package privacy implements the pre-filter chain applied to every tool
// interaction before it is compressed or persisted: stripping private
// spans and editor-injected memory context, recursively through JSON
// payloads.
package privacy

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

var (
	memoryBlockRe = regexp.MustCompile(`(?is)<memory-[a-z0-9_-]*>.*?</memory-[a-z0-9_-]*>`)
	injectedCtxRe = regexp.MustCompile(`(?is)<opencode-mem-context>.*?</opencode-mem-context>`)
)

// StripNestedBlocks removes all spans delimited by open/close, honoring
// nesting depth so "<private>a<private>b</private>c</private>" strips
// entirely rather than leaving "c" behind. Matching is case-insensitive
// but operates byte-wise so multi-byte characters are never corrupted by
// naive whole-string lowercasing.
func StripNestedBlocks(content, open, close string) string {
	hasPrefixFold := func(s, prefix string) bool {
		return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
	}

	var out strings.Builder
	depth := 0
	i := 0
	for i < len(content) {
		if hasPrefixFold(content[i:], open) {
			depth++
			i += len(open)
			continue
		}
		if depth > 0 && hasPrefixFold(content[i:], close) {
			depth--
			i += len(close)
			continue
		}
		if depth == 0 {
			out.WriteByte(content[i])
		}
		i++
	}

	// Depth never returned to zero: an unclosed/truncated tag. Everything
	// written after the last unmatched open tag was already withheld above,
	// so a truncated private span never leaks into the output.
	return out.String()
}

// StripPrivateTags removes <private>...</private> spans from a plain string.
func StripPrivateTags(content string) string {
	return FilterPrivateContent(content)
}

// FilterPrivateContent removes <private>...</private> spans from a plain
// string.
func FilterPrivateContent(content string) string {
	return strings.TrimSpace(StripNestedBlocks(content, "<private>", "</private>"))
}

// FilterInjectedMemory strips <memory-*> and <opencode-mem-context> blocks
// injected by the editor plugin.
func FilterInjectedMemory(content string) string {
	s := memoryBlockRe.ReplaceAllString(content, "")
	s = injectedCtxRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// HasOnlyPrivateContent returns true if the content is entirely composed of
// <private> blocks and whitespace — meaning nothing useful remains after
// stripping.
func HasOnlyPrivateContent(content string) bool {
	return FilterPrivateContent(content) == ""
}

// FilterJSONPrivateContent recursively filters private content through a
// structured JSON payload (objects and arrays). If reconstruction after
// filtering fails, it substitutes JSON null and logs a warning — it never
// falls back to the unfiltered original.
func FilterJSONPrivateContent(logger *slog.Logger, raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		// Not JSON: treat as plain text.
		return []byte(FilterPrivateContent(string(raw)))
	}

	filtered := filterValue(value)

	out, err := json.Marshal(filtered)
	if err != nil {
		if logger != nil {
			logger.Warn("private content filter: JSON reconstruction failed, substituting null", "error", err)
		}
		return []byte("null")
	}
	return out
}

func filterValue(v any) any {
	switch t := v.(type) {
	case string:
		return FilterPrivateContent(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = filterValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = filterValue(vv)
		}
		return out
	default:
		return v
	}
}
