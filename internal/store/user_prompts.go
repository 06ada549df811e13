package store

import (
	"fmt"

	"github.com/opencode-ai/opencode-mem/internal/models"
)

// UserPromptStore persists the literal user messages of a session, for
// timeline reconstruction and as input to end-of-session summarization.
type UserPromptStore struct {
	db *DB
}

func NewUserPromptStore(db *DB) *UserPromptStore {
	return &UserPromptStore{db: db}
}

// Append records one user prompt.
func (s *UserPromptStore) Append(p *models.UserPrompt) error {
	_, err := s.db.Exec(`
		INSERT INTO user_prompts (id, session_id, prompt_number, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.SessionID, p.PromptNumber, p.Text, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user prompt: %w", err)
	}
	return nil
}

// ListBySession returns a session's prompts ordered by prompt_number.
func (s *UserPromptStore) ListBySession(sessionID string, limit int) ([]*models.UserPrompt, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, prompt_number, text, created_at
		FROM user_prompts WHERE session_id = ? ORDER BY prompt_number ASC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user prompts: %w", err)
	}
	defer rows.Close()

	var out []*models.UserPrompt
	for rows.Next() {
		var p models.UserPrompt
		if err := rows.Scan(&p.ID, &p.SessionID, &p.PromptNumber, &p.Text, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user prompt: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
