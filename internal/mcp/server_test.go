package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/observation"
	"github.com/opencode-ai/opencode-mem/internal/search"
	"github.com/opencode-ai/opencode-mem/internal/store"
	"github.com/opencode-ai/opencode-mem/internal/vectorstore"
)

type noopLLM struct{}

func (noopLLM) ChatCompletion(context.Context, string, string, []llmgateway.Message, any) error {
	return nil
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return s.vec, s.err
}

func newTestServer(t *testing.T, embedder Embedder) *Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	observations := store.NewObservationStore(db)
	fts := store.NewObservationFTSStore(db)
	vectors := vectorstore.NewClient(db, 4)
	searcher := search.NewHybridSearcher(observations, fts, vectors)

	obsService := observation.NewService(
		observations, store.NewKnowledgeStore(db), store.NewObservationEmbeddingStore(db),
		vectors, embedder, searcher, noopLLM{},
		store.NewInjectedObservationStore(db), store.NewRawEventStore(db),
		observation.NewLowValueFilterFromEnv(), nil, 0.85, 0.80, 0, slog.Default(),
	)

	return NewServer(obsService, searcher, embedder)
}

func TestHandleInitialize(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{})

	resp := s.handleRequest(&Request{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	result, ok := resp.Result.(InitializeResult)
	if !ok || result.ProtocolVersion != protocolVersion {
		t.Fatalf("unexpected initialize result: %+v", resp.Result)
	}
}

func TestHandleToolsList(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{})

	resp := s.handleRequest(&Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	result, ok := resp.Result.(ToolsListResult)
	if !ok || len(result.Tools) != 2 {
		t.Fatalf("expected 2 tool definitions, got %+v", resp.Result)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{})

	resp := s.handleRequest(&Request{JSONRPC: "2.0", ID: 1, Method: "bogus"})
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found error, got %+v", resp)
	}
}

func TestToolRememberRequiresTitleAndContent(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{})

	text, isError := s.toolRemember(map[string]interface{}{"title": "x"})
	if !isError {
		t.Fatalf("expected an error without content, got %q", text)
	}
}

func TestToolRememberStoresObservation(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{})

	text, isError := s.toolRemember(map[string]interface{}{
		"title": "Ollama connection pooling", "content": "Reused the http.Client across requests instead of creating one per call.",
		"sessionId": "s1", "project": "/repo",
	})
	if isError {
		t.Fatalf("unexpected error: %s", text)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("expected a JSON observation, got %q: %v", text, err)
	}
}

func TestToolRecallRequiresQuery(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{})

	text, isError := s.toolRecall(map[string]interface{}{})
	if !isError {
		t.Fatalf("expected an error without query, got %q", text)
	}
}

func TestToolRecallFallsBackWhenEmbeddingDisabled(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{err: apperr.New(apperr.EmbeddingDisabled, "disabled")})

	text, isError := s.toolRecall(map[string]interface{}{"query": "retry backoff"})
	if isError {
		t.Fatalf("expected lexical-only search to succeed, got error: %s", text)
	}
}

func TestToolRecallPropagatesRealEmbeddingError(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{err: apperr.New(apperr.Transient, "ollama unreachable")})

	_, isError := s.toolRecall(map[string]interface{}{"query": "retry backoff"})
	if !isError {
		t.Fatal("expected a transient embedding error to surface as a tool error")
	}
}

func TestDispatchToolUnknown(t *testing.T) {
	s := newTestServer(t, &stubEmbedder{})

	text, isError := s.dispatchTool("bogus", nil)
	if !isError || text == "" {
		t.Fatalf("expected an error for an unknown tool, got %q / %v", text, isError)
	}
}
