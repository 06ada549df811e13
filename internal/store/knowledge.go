package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/models"
)

// KnowledgeStore is the Storage component's surface over global_knowledge:
// durable, title-unique facts distilled from observations during
// extract_knowledge, per spec.md §4.1/§4.4.
type KnowledgeStore struct {
	db *DB
}

func NewKnowledgeStore(db *DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

// Upsert creates a new Knowledge row, or merges into an existing one with
// the same normalized title: body is appended (deduped by containment),
// provenance is unioned, and usage_count is bumped by one.
func (s *KnowledgeStore) Upsert(k *models.Knowledge) (*models.Knowledge, error) {
	if strings.TrimSpace(k.Title) == "" {
		return nil, apperr.New(apperr.ValidationFailed, "knowledge title must not be empty")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	titleNorm := models.TitleKey(k.Title)
	existing, err := s.scanOneTx(tx, `
		SELECT id, title, kind, body, provenance, usage_count, created_at, updated_at
		FROM global_knowledge WHERE title_norm = ?
	`, titleNorm)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if existing == nil {
		if k.ID == "" {
			return nil, apperr.New(apperr.ValidationFailed, "knowledge id is required")
		}
		if k.CreatedAt == 0 {
			k.CreatedAt = now
		}
		k.UpdatedAt = now
		if k.UsageCount == 0 {
			k.UsageCount = 1
		}
		_, err := tx.Exec(`
			INSERT INTO global_knowledge (id, title, title_norm, kind, body, provenance, usage_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, k.ID, k.Title, titleNorm, string(k.Kind), k.Body, encodeStrings(k.Provenance), k.UsageCount, k.CreatedAt, k.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert knowledge: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit knowledge insert: %w", err)
		}
		return k, nil
	}

	merged := *existing
	if strings.TrimSpace(k.Body) != "" && !strings.Contains(merged.Body, k.Body) {
		merged.Body = strings.TrimSpace(merged.Body + "\n" + k.Body)
	}
	merged.Provenance = unionStringsPublic(merged.Provenance, k.Provenance)
	merged.UsageCount++
	merged.UpdatedAt = now

	_, err = tx.Exec(`
		UPDATE global_knowledge SET body = ?, provenance = ?, usage_count = ?, updated_at = ?
		WHERE id = ?
	`, merged.Body, encodeStrings(merged.Provenance), merged.UsageCount, merged.UpdatedAt, merged.ID)
	if err != nil {
		return nil, fmt.Errorf("update knowledge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit knowledge merge: %w", err)
	}
	return &merged, nil
}

// BumpUsage increments usage_count for a knowledge row without otherwise
// modifying it, used when a fact is surfaced via search (recall reinforces
// what's kept around, per spec.md §4.4).
func (s *KnowledgeStore) BumpUsage(id string) error {
	_, err := s.db.Exec(`UPDATE global_knowledge SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("bump knowledge usage: %w", err)
	}
	return nil
}

// GetByID fetches a Knowledge row.
func (s *KnowledgeStore) GetByID(id string) (*models.Knowledge, error) {
	return s.scanOne(`
		SELECT id, title, kind, body, provenance, usage_count, created_at, updated_at
		FROM global_knowledge WHERE id = ?
	`, id)
}

// FindByTitle looks up a Knowledge row by normalized title.
func (s *KnowledgeStore) FindByTitle(title string) (*models.Knowledge, error) {
	return s.scanOne(`
		SELECT id, title, kind, body, provenance, usage_count, created_at, updated_at
		FROM global_knowledge WHERE title_norm = ?
	`, models.TitleKey(title))
}

// List returns all knowledge rows ordered by usage, most-used first.
func (s *KnowledgeStore) List(limit int) ([]*models.Knowledge, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, title, kind, body, provenance, usage_count, created_at, updated_at
		FROM global_knowledge ORDER BY usage_count DESC, updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	var out []*models.Knowledge
	for rows.Next() {
		k, err := scanKnowledgeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledgeRow(r rowScanner) (*models.Knowledge, error) {
	var k models.Knowledge
	var provenance string
	err := r.Scan(&k.ID, &k.Title, &k.Kind, &k.Body, &provenance, &k.UsageCount, &k.CreatedAt, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan knowledge: %w", err)
	}
	k.Provenance = decodeStrings(provenance)
	return &k, nil
}

func (s *KnowledgeStore) scanOne(query string, args ...any) (*models.Knowledge, error) {
	return scanKnowledgeRow(s.db.QueryRow(query, args...))
}

func (s *KnowledgeStore) scanOneTx(tx *sql.Tx, query string, args ...any) (*models.Knowledge, error) {
	return scanKnowledgeRow(tx.QueryRow(query, args...))
}
