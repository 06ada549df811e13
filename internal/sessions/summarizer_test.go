package sessions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

type stubLLM struct {
	response string
	err      error
}

func (s *stubLLM) ChatCompletion(_ context.Context, _, _ string, _ []llmgateway.Message, result any) error {
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.response), result)
}

func TestSummarizeProducesAndPersistsSummary(t *testing.T) {
	llm := &stubLLM{response: `{"request":"fix the race","investigated":"worker pool","learned":"missing lock","completed":"added mutex","next_steps":"add test"}`}
	db := newTestDB(t)
	if _, err := db.Exec(`INSERT INTO sessions (id, started_at) VALUES ('sess-1', 0)`); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	summaries := store.NewSessionSummaryStore(db)
	sum := NewSummarizer(llm, summaries, true)

	prompts := []*models.UserPrompt{
		{ID: "p1", SessionID: "sess-1", PromptNumber: 1, Text: "fix the race in the worker pool"},
	}

	result, err := sum.Summarize(context.Background(), "sess-1", prompts, "agent ran tests, found a missing lock")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if result.Request != "fix the race" || result.Completed != "added mutex" {
		t.Fatalf("unexpected summary: %+v", result)
	}

	latest, err := summaries.Latest("sess-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.ID != result.ID {
		t.Fatal("expected the summary to be persisted")
	}
}

func TestSummarizeRejectsEmptyPrompts(t *testing.T) {
	sum := NewSummarizer(&stubLLM{}, store.NewSessionSummaryStore(newTestDB(t)), true)

	_, err := sum.Summarize(context.Background(), "sess-1", nil, "")
	if !apperr.Is(err, apperr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestSummarizeDisabled(t *testing.T) {
	sum := NewSummarizer(&stubLLM{}, store.NewSessionSummaryStore(newTestDB(t)), false)

	if sum.IsEnabled() {
		t.Fatal("expected disabled summarizer")
	}

	_, err := sum.Summarize(context.Background(), "sess-1", []*models.UserPrompt{{ID: "p1", Text: "x"}}, "")
	if err == nil {
		t.Fatal("expected an error when summarization is disabled")
	}
}
