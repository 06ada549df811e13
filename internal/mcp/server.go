package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/observation"
	"github.com/opencode-ai/opencode-mem/internal/search"
)

const protocolVersion = "2024-11-05"

// Embedder is the subset of embedding.Service the MCP recall tool depends
// on, narrowed to an interface for testability.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Server implements an MCP stdio server wired directly to the in-process
// Observation Service and Hybrid Search — no HTTP hop to a separate memory
// server, per spec.md §6's stdio JSON-RPC contract.
type Server struct {
	obs      *observation.Service
	searcher *search.HybridSearcher
	embedder Embedder
}

func NewServer(obs *observation.Service, searcher *search.HybridSearcher, embedder Embedder) *Server {
	return &Server{obs: obs, searcher: searcher, embedder: embedder}
}

// Run starts the stdio event loop. Blocks until stdin is closed.
func (s *Server) Run() error {
	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(nil, -32700, "parse error: "+err.Error())
			continue
		}

		resp := s.handleRequest(&req)
		if resp != nil {
			s.writeResponse(resp)
		}
	}

	return scanner.Err()
}

func (s *Server) handleRequest(req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "initialized":
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]string{}}
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: -32601, Message: "method not found: " + req.Method},
		}
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolCapabilities{}},
			ServerInfo:      ServerInfo{Name: "opencode-mem", Version: "1.0.0"},
		},
	}
}

func (s *Server) handleToolsList(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  ToolsListResult{Tools: ToolDefinitions()},
	}
}

func (s *Server) handleToolsCall(req *Request) *Response {
	paramsBytes, err := json.Marshal(req.Params)
	if err != nil {
		return s.errorResponse(req.ID, -32602, "invalid params")
	}

	var params CallToolParams
	if err := json.Unmarshal(paramsBytes, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "invalid params: "+err.Error())
	}

	result, isError := s.dispatchTool(params.Name, params.Arguments)

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: result}},
			IsError: isError,
		},
	}
}

func (s *Server) dispatchTool(name string, args map[string]interface{}) (string, bool) {
	switch name {
	case "remember":
		return s.toolRemember(args)
	case "recall":
		return s.toolRecall(args)
	default:
		return fmt.Sprintf("unknown tool: %s", name), true
	}
}

func (s *Server) toolRemember(args map[string]interface{}) (string, bool) {
	title, _ := args["title"].(string)
	content, _ := args["content"].(string)
	sessionID, _ := args["sessionId"].(string)
	project, _ := args["project"].(string)

	if title == "" || content == "" {
		return "title and content are required", true
	}

	obs, err := s.obs.SaveMemory(context.Background(), title, content, sessionID, project)
	if err != nil {
		if apperr.Is(err, apperr.FilteredOut) {
			return err.Error(), false
		}
		return err.Error(), true
	}

	data, _ := json.Marshal(obs)
	return string(data), false
}

func (s *Server) toolRecall(args map[string]interface{}) (string, bool) {
	query, _ := args["query"].(string)
	sessionID, _ := args["sessionId"].(string)
	if query == "" {
		return "query is required", true
	}
	limit := int(getFloat(args, "maxResults", 5))

	var queryVector []float32
	if vec, err := s.embedder.Embed(context.Background(), query); err == nil {
		queryVector = vec
	} else if !apperr.Is(err, apperr.EmbeddingDisabled) {
		return err.Error(), true
	}

	results, err := s.searcher.Search(search.Params{
		QueryText:   query,
		QueryVector: queryVector,
		SessionID:   sessionID,
		Limit:       limit,
	})
	if err != nil {
		return err.Error(), true
	}

	data, _ := json.Marshal(results)
	return string(data), false
}

func (s *Server) writeResponse(resp *Response) {
	data, _ := json.Marshal(resp)
	fmt.Fprintf(os.Stdout, "%s\n", data)
}

func (s *Server) writeError(id interface{}, code int, message string) {
	s.writeResponse(&Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (s *Server) errorResponse(id interface{}, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func getFloat(args map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := args[key]; ok {
		switch val := v.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		}
	}
	return fallback
}
