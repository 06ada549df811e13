package sessions

import (
	"path/filepath"
	"testing"

	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureSessionCreatesOnce(t *testing.T) {
	s := NewSessionStore(newTestDB(t))

	first, err := s.EnsureSession("content-1", "/home/user/project")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if first.Status != models.SessionStatusActive {
		t.Errorf("expected new session to be active, got %v", first.Status)
	}

	second, err := s.EnsureSession("content-1", "/home/user/project")
	if err != nil {
		t.Fatalf("EnsureSession (second call): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same session row, got %s and %s", first.ID, second.ID)
	}
}

func TestGetByIDAndByContentSessionID(t *testing.T) {
	s := NewSessionStore(newTestDB(t))

	sess, err := s.EnsureSession("content-1", "proj")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	byID, err := s.GetByID(sess.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID == nil || byID.ContentSessionID != "content-1" {
		t.Fatalf("GetByID returned %+v", byID)
	}

	byContent, err := s.GetByContentSessionID("content-1")
	if err != nil {
		t.Fatalf("GetByContentSessionID: %v", err)
	}
	if byContent == nil || byContent.ID != sess.ID {
		t.Fatalf("GetByContentSessionID returned %+v", byContent)
	}
}

func TestGetByIDReturnsNilWhenAbsent(t *testing.T) {
	s := NewSessionStore(newTestDB(t))

	got, err := s.GetByID("missing")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestEndSessionSetsStatusAndEndedAt(t *testing.T) {
	s := NewSessionStore(newTestDB(t))

	sess, err := s.EnsureSession("content-1", "proj")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	if err := s.EndSession(sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	got, err := s.GetByID(sess.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed status, got %v", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
}

func TestFailSetsStatusFailed(t *testing.T) {
	s := NewSessionStore(newTestDB(t))

	sess, err := s.EnsureSession("content-1", "proj")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	if err := s.Fail(sess.ID); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := s.GetByID(sess.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != models.SessionStatusFailed {
		t.Errorf("expected failed status, got %v", got.Status)
	}
}

func TestIncrementPromptCount(t *testing.T) {
	s := NewSessionStore(newTestDB(t))

	sess, err := s.EnsureSession("content-1", "proj")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.IncrementPromptCount(sess.ID); err != nil {
			t.Fatalf("IncrementPromptCount: %v", err)
		}
	}

	got, err := s.GetByID(sess.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.PromptCount != 3 {
		t.Errorf("expected prompt_count 3, got %d", got.PromptCount)
	}
}

func TestListScopesToProject(t *testing.T) {
	s := NewSessionStore(newTestDB(t))

	if _, err := s.EnsureSession("c1", "proj-a"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, err := s.EnsureSession("c2", "proj-a"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, err := s.EnsureSession("c3", "proj-b"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	list, err := s.List("proj-a", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions scoped to proj-a, got %d", len(list))
	}
}
