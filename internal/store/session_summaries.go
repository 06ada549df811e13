package store

import (
	"database/sql"
	"fmt"

	"github.com/opencode-ai/opencode-mem/internal/models"
)

// SessionSummaryStore persists the structured end-of-session artifact
// (request/investigated/learned/completed/next_steps) as its own row rather
// than a single FK column on sessions, so a session can accumulate more than
// one summary over retries without clobbering the prior attempt.
type SessionSummaryStore struct {
	db *DB
}

func NewSessionSummaryStore(db *DB) *SessionSummaryStore {
	return &SessionSummaryStore{db: db}
}

func (s *SessionSummaryStore) Create(sum *models.SessionSummary) error {
	_, err := s.db.Exec(`
		INSERT INTO session_summaries (id, session_id, request, investigated, learned, completed, next_steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sum.ID, sum.SessionID, sum.Request, sum.Investigated, sum.Learned, sum.Completed, sum.NextSteps, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session summary: %w", err)
	}
	return nil
}

// Latest returns the most recently created summary for a session, or nil.
func (s *SessionSummaryStore) Latest(sessionID string) (*models.SessionSummary, error) {
	var sum models.SessionSummary
	err := s.db.QueryRow(`
		SELECT id, session_id, request, investigated, learned, completed, next_steps, created_at
		FROM session_summaries WHERE session_id = ? ORDER BY created_at DESC LIMIT 1
	`, sessionID).Scan(&sum.ID, &sum.SessionID, &sum.Request, &sum.Investigated, &sum.Learned, &sum.Completed, &sum.NextSteps, &sum.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest session summary: %w", err)
	}
	return &sum, nil
}
