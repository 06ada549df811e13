// Package sessions tracks the lifecycle of a contiguous agent interaction:
// session bookkeeping, the literal user-prompt timeline, and the structured
// end-of-session summary, per spec.md §4.2.
package sessions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

// SessionStore handles Session CRUD on SQLite.
type SessionStore struct {
	db *store.DB
}

func NewSessionStore(db *store.DB) *SessionStore {
	return &SessionStore{db: db}
}

// EnsureSession creates a session row keyed by the caller's content session
// id if one doesn't already exist for it, or returns the existing one.
// contentSessionID is opaque to us — it's whatever id the calling agent
// uses to identify its own conversation.
func (s *SessionStore) EnsureSession(contentSessionID, project string) (*models.Session, error) {
	existing, err := s.GetByContentSessionID(contentSessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	id := uuid.New().String()
	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, content_session_id, project, status, started_at, prompt_count)
		VALUES (?, ?, ?, ?, ?, 0)
	`, id, contentSessionID, project, models.SessionStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &models.Session{
		ID:               id,
		ContentSessionID: contentSessionID,
		Project:          project,
		Status:           models.SessionStatusActive,
		StartedAt:        now,
	}, nil
}

// GetByID fetches a session by its own id.
func (s *SessionStore) GetByID(id string) (*models.Session, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT id, content_session_id, project, status, started_at, ended_at, prompt_count
		FROM sessions WHERE id = ?
	`, id))
}

// GetByContentSessionID fetches a session by the calling agent's session id.
func (s *SessionStore) GetByContentSessionID(contentSessionID string) (*models.Session, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT id, content_session_id, project, status, started_at, ended_at, prompt_count
		FROM sessions WHERE content_session_id = ?
	`, contentSessionID))
}

func (s *SessionStore) scanOne(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var endedAt sql.NullInt64
	err := row.Scan(&sess.ID, &sess.ContentSessionID, &sess.Project, &sess.Status, &sess.StartedAt, &endedAt, &sess.PromptCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Int64
	}
	return &sess, nil
}

// EndSession marks a session as completed and stamps ended_at.
func (s *SessionStore) EndSession(id string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, models.SessionStatusCompleted, now, id)
	return err
}

// Fail marks a session as failed rather than completed, for a caller that
// detects its own agent run errored out before a normal end.
func (s *SessionStore) Fail(id string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, models.SessionStatusFailed, now, id)
	return err
}

// IncrementPromptCount bumps the prompt count for a session.
func (s *SessionStore) IncrementPromptCount(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET prompt_count = prompt_count + 1 WHERE id = ?`, id)
	return err
}

// List returns recent sessions for a project, ordered by start time desc.
func (s *SessionStore) List(project string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, content_session_id, project, status, started_at, ended_at, prompt_count
		FROM sessions WHERE project = ? ORDER BY started_at DESC LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		var endedAt sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.ContentSessionID, &sess.Project, &sess.Status, &sess.StartedAt, &endedAt, &sess.PromptCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Int64
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}
