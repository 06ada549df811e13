package observation

import "strings"

// trivialToolNames are read-only, side-effect-free tool calls cheap enough
// to skip LLM compression entirely, keyed on the editor/agent tool naming
// conventions observed across the corpus (file reads, listings, searches).
var trivialToolNames = map[string]bool{
	"read": true, "glob": true, "grep": true, "ls": true, "list": true,
	"pwd": true, "stat": true, "ripgrep": true,
}

// shellMetacharacters catch command chaining smuggled into an otherwise
// trivial-looking tool call.
var shellMetacharacters = []string{";", "&&", "||", "|", "`", "$(", ">", "<"}

// IsTrivialToolCall reports whether a tool call can bypass LLM compression
// before any filtering or candidate retrieval runs at all. Unlike
// LowValueFilter.IsLowValue, which classifies an already-compressed title,
// this runs pre-compression and keys on the raw tool name and input.
//
// Execution-capable tools (bash, shell, exec, ...) are never trivial
// regardless of their input. A trivial-named tool whose raw input carries
// shell metacharacters also falls through to full compression rather than
// being waved through unexamined — a disguised or chained command must
// still reach the filter chain.
func IsTrivialToolCall(toolName, rawInput string) bool {
	name := strings.ToLower(strings.TrimSpace(toolName))
	if !trivialToolNames[name] {
		return false
	}
	for _, meta := range shellMetacharacters {
		if strings.Contains(rawInput, meta) {
			return false
		}
	}
	return true
}
