package mcp

// ToolDefinitions returns the MCP tool definitions this server exposes.
// spec.md §6 places the full 17-tool surface out of scope; these two are
// representative of the read and write paths through the Observation
// Service and Hybrid Search.
func ToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "remember",
			Description: "Store a standalone observation — a decision, gotcha, working solution, " +
				"or pattern discovered during this session. Write with WHY, not just WHAT.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"project":   {Type: "string", Description: "Absolute path to the project workspace"},
					"sessionId": {Type: "string", Description: "Opaque id of the calling agent's session"},
					"title":     {Type: "string", Description: "Short, unique title for this observation"},
					"content":   {Type: "string", Description: "The observation body"},
				},
				Required: []string{"title", "content"},
			},
		},
		{
			Name: "recall",
			Description: "Search stored observations with a natural language query, fusing lexical " +
				"and semantic similarity. Returns the most relevant observations first.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":     {Type: "string", Description: "Natural language search query"},
					"sessionId": {Type: "string", Description: "Restrict results to this session, if set"},
					"maxResults": {Type: "number", Description: "Maximum results to return (default 5)",
						Default: 5},
				},
				Required: []string{"query"},
			},
		},
	}
}
