package store

import (
	"testing"

	"github.com/opencode-ai/opencode-mem/internal/models"
)

func TestSessionSummaryCreateAndLatest(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Exec(`INSERT INTO sessions (id, started_at) VALUES ('sess-1', 0)`); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	s := NewSessionSummaryStore(db)

	first := &models.SessionSummary{
		ID: "sum-1", SessionID: "sess-1", Request: "fix the race",
		Investigated: "the worker pool", Learned: "missing lock",
		Completed: "added a mutex", NextSteps: "add a regression test",
		CreatedAt: 1000,
	}
	if err := s.Create(first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := &models.SessionSummary{
		ID: "sum-2", SessionID: "sess-1", Request: "add the regression test",
		Completed: "added TestRaceInWorkerPool", CreatedAt: 2000,
	}
	if err := s.Create(second); err != nil {
		t.Fatalf("Create: %v", err)
	}

	latest, err := s.Latest("sess-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.ID != "sum-2" {
		t.Fatalf("expected the most recently created summary, got %+v", latest)
	}
}

func TestSessionSummaryLatestReturnsNilWhenAbsent(t *testing.T) {
	s := NewSessionSummaryStore(newTestDB(t))

	latest, err := s.Latest("no-such-session")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil, got %+v", latest)
	}
}
