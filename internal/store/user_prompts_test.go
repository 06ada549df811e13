package store

import (
	"testing"

	"github.com/opencode-ai/opencode-mem/internal/models"
)

func TestUserPromptAppendAndList(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Exec(`INSERT INTO sessions (id, started_at) VALUES ('sess-1', 0)`); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	s := NewUserPromptStore(db)

	for i, text := range []string{"first message", "second message", "third message"} {
		p := &models.UserPrompt{
			ID:           "p" + string(rune('1'+i)),
			SessionID:    "sess-1",
			PromptNumber: int64(i + 1),
			Text:         text,
			CreatedAt:    int64(1000 + i),
		}
		if err := s.Append(p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	prompts, err := s.ListBySession("sess-1", 0)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(prompts) != 3 {
		t.Fatalf("expected 3 prompts, got %d", len(prompts))
	}
	if prompts[0].Text != "first message" || prompts[2].Text != "third message" {
		t.Errorf("expected prompt_number ordering, got %+v", prompts)
	}
}

func TestUserPromptListBySessionScopesToSession(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Exec(`INSERT INTO sessions (id, started_at) VALUES ('sess-1', 0), ('sess-2', 0)`); err != nil {
		t.Fatalf("insert sessions: %v", err)
	}
	s := NewUserPromptStore(db)

	if err := s.Append(&models.UserPrompt{ID: "p1", SessionID: "sess-1", PromptNumber: 1, Text: "a", CreatedAt: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(&models.UserPrompt{ID: "p2", SessionID: "sess-2", PromptNumber: 1, Text: "b", CreatedAt: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	prompts, err := s.ListBySession("sess-1", 0)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(prompts) != 1 || prompts[0].Text != "a" {
		t.Fatalf("expected only sess-1's prompt, got %+v", prompts)
	}
}
