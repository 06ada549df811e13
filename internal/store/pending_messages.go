package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/opencode-ai/opencode-mem/internal/models"
)

// PendingMessageStore backs the durable queue (C6): at-least-once delivery
// of tool interactions awaiting observation-pipeline processing, per
// spec.md §4.5/invariant 5.
type PendingMessageStore struct {
	db *DB
}

func NewPendingMessageStore(db *DB) *PendingMessageStore {
	return &PendingMessageStore{db: db}
}

// Enqueue inserts a new pending message. Returns enqueued=false (not an
// error) if content_hash already exists and is not yet dead-lettered —
// enqueue is idempotent under retried deliveries of the same tool call.
func (s *PendingMessageStore) Enqueue(m *models.PendingMessage) (enqueued bool, err error) {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	var existingID string
	err = s.db.QueryRow(`SELECT id FROM pending_messages WHERE content_hash = ? AND dead_letter = 0`, m.ContentHash).Scan(&existingID)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("check existing content_hash: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO pending_messages (id, payload, status, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.Payload, string(models.PendingStatusPending), m.ContentHash, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("enqueue pending message: %w", err)
	}
	return true, nil
}

// LeaseBatch atomically claims up to limit pending-or-expired-lease rows
// for this processing instance, setting status=processing and a new
// visibility deadline. Uses an UPDATE-then-SELECT pattern equivalent to
// `FOR UPDATE SKIP LOCKED` under SQLite's single-writer model.
func (s *PendingMessageStore) LeaseBatch(instance string, limit int, visibilityTimeout time.Duration) ([]*models.PendingMessage, error) {
	now := time.Now().Unix()
	deadline := time.Now().Add(visibilityTimeout).Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM pending_messages
		WHERE dead_letter = 0
		  AND (status = 'pending' OR (status = 'processing' AND visibility_deadline < ?))
		ORDER BY created_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+3)
	args = append(args, "processing", deadline, instance)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := fmt.Sprintf(`
		UPDATE pending_messages SET status = ?, visibility_deadline = ?, processing_instance = ?
		WHERE id IN (%s)
	`, joinPlaceholders(placeholders))
	if _, err := tx.Exec(q, args...); err != nil {
		return nil, fmt.Errorf("claim lease batch: %w", err)
	}

	selectArgs := make([]any, len(ids))
	for i, id := range ids {
		selectArgs[i] = id
	}
	leased, err := tx.Query(fmt.Sprintf(`
		SELECT id, payload, status, visibility_deadline, retry_count, dead_letter, content_hash, processing_instance, created_at
		FROM pending_messages WHERE id IN (%s)
	`, joinPlaceholders(placeholders)), selectArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetch leased batch: %w", err)
	}
	defer leased.Close()

	var out []*models.PendingMessage
	for leased.Next() {
		m, err := scanPendingMessage(leased)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := leased.Err(); err != nil {
		return nil, err
	}

	return out, tx.Commit()
}

func scanPendingMessage(r rowScanner) (*models.PendingMessage, error) {
	var m models.PendingMessage
	var status string
	var deadline sql.NullInt64
	var deadLetter int
	var instance sql.NullString
	if err := r.Scan(&m.ID, &m.Payload, &status, &deadline, &m.RetryCount, &deadLetter, &m.ContentHash, &instance, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan pending message: %w", err)
	}
	m.Status = models.PendingStatus(status)
	if deadline.Valid {
		v := deadline.Int64
		m.VisibilityDeadline = &v
	}
	m.DeadLetter = deadLetter != 0
	m.ProcessingInstance = instance.String
	return &m, nil
}

// Complete deletes a successfully processed message.
func (s *PendingMessageStore) Complete(id string) error {
	_, err := s.db.Exec(`DELETE FROM pending_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete pending message: %w", err)
	}
	return nil
}

// Fail records a processing failure: increments retry_count, and either
// releases the lease for another attempt or dead-letters the message once
// retry_count reaches maxRetries, per spec.md §4.5's dead-letter invariant.
func (s *PendingMessageStore) Fail(id string, maxRetries int, permanent bool) error {
	var retryCount int
	if err := s.db.QueryRow(`SELECT retry_count FROM pending_messages WHERE id = ?`, id).Scan(&retryCount); err != nil {
		return fmt.Errorf("read retry_count: %w", err)
	}
	retryCount++

	if permanent || retryCount >= maxRetries {
		_, err := s.db.Exec(`
			UPDATE pending_messages SET retry_count = ?, dead_letter = 1, status = 'failed', visibility_deadline = NULL
			WHERE id = ?
		`, retryCount, id)
		if err != nil {
			return fmt.Errorf("dead-letter pending message: %w", err)
		}
		return nil
	}

	_, err := s.db.Exec(`
		UPDATE pending_messages SET retry_count = ?, status = 'pending', visibility_deadline = NULL, processing_instance = NULL
		WHERE id = ?
	`, retryCount, id)
	if err != nil {
		return fmt.Errorf("requeue pending message: %w", err)
	}
	return nil
}

// ReclaimExpired returns the count of rows whose lease has expired and have
// been returned to pending, for operational visibility during the periodic
// reclaim sweep.
func (s *PendingMessageStore) ReclaimExpired() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE pending_messages SET status = 'pending', visibility_deadline = NULL, processing_instance = NULL
		WHERE status = 'processing' AND dead_letter = 0 AND visibility_deadline < ?
	`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return res.RowsAffected()
}

// DeadLettered returns all dead-lettered messages for operator inspection.
func (s *PendingMessageStore) DeadLettered(limit int) ([]*models.PendingMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, payload, status, visibility_deadline, retry_count, dead_letter, content_hash, processing_instance, created_at
		FROM pending_messages WHERE dead_letter = 1 ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered messages: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingMessage
	for rows.Next() {
		m, err := scanPendingMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
