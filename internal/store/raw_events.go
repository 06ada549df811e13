package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/opencode-ai/opencode-mem/internal/models"
)

// RawEventStore is the infinite-memory base layer (C7): an append-only log
// of every tool interaction, never deleted, that the aggregator rolls up
// into 5-minute/hour/day summaries per spec.md §4.6.
type RawEventStore struct {
	db *DB
}

func NewRawEventStore(db *DB) *RawEventStore {
	return &RawEventStore{db: db}
}

// Append inserts a RawEvent and returns its assigned rowid.
func (s *RawEventStore) Append(e *models.RawEvent) (int64, error) {
	if !e.EventType.IsValid() {
		return 0, fmt.Errorf("unknown event_type %q", e.EventType)
	}
	if e.TS == 0 {
		e.TS = time.Now().Unix()
	}
	res, err := s.db.Exec(`
		INSERT INTO raw_events (ts, session_id, project, event_type, content, files, tools)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.TS, e.SessionID, e.Project, string(e.EventType), e.Content, encodeStrings(e.Files), encodeStrings(e.Tools))
	if err != nil {
		return 0, fmt.Errorf("append raw event: %w", err)
	}
	return res.LastInsertId()
}

// LeaseUnaggregatedForSession claims up to limit events for one session that
// have no summary_5min_id yet and whose processing lease (if any) has
// expired, marking them as claimed by instance. Aggregation is always
// scoped to a single session — never merged across sessions, per spec.md §9
// REDESIGN note on per-session hierarchy.
func (s *RawEventStore) LeaseUnaggregatedForSession(sessionID, instance string, limit int, visibilityTimeout time.Duration) ([]*models.RawEvent, error) {
	now := time.Now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM raw_events
		WHERE session_id = ? AND summary_5min_id IS NULL
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
		ORDER BY ts ASC LIMIT ?
	`, sessionID, now-int64(visibilityTimeout.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("select unaggregated events: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
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
	args := make([]any, 0, len(ids)+2)
	args = append(args, now, instance)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := fmt.Sprintf(`UPDATE raw_events SET processing_started_at = ?, processing_instance_id = ? WHERE id IN (%s)`, joinPlaceholders(placeholders))
	if _, err := tx.Exec(q, args...); err != nil {
		return nil, fmt.Errorf("claim unaggregated events: %w", err)
	}

	selectArgs := make([]any, len(ids))
	for i, id := range ids {
		selectArgs[i] = id
	}
	claimed, err := tx.Query(fmt.Sprintf(`
		SELECT id, ts, session_id, project, event_type, content, files, tools, retry_count
		FROM raw_events WHERE id IN (%s) ORDER BY ts ASC
	`, joinPlaceholders(placeholders)), selectArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetch claimed events: %w", err)
	}
	defer claimed.Close()

	var out []*models.RawEvent
	for claimed.Next() {
		var e models.RawEvent
		var project sql.NullString
		var files, tools string
		var eventType string
		if err := claimed.Scan(&e.ID, &e.TS, &e.SessionID, &project, &eventType, &e.Content, &files, &tools, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		e.Project = project.String
		e.EventType = models.EventType(eventType)
		e.Files = decodeStrings(files)
		e.Tools = decodeStrings(tools)
		out = append(out, &e)
	}
	if err := claimed.Err(); err != nil {
		return nil, err
	}

	return out, tx.Commit()
}

// MarkAggregated stamps the given raw events with the 5-minute summary that
// absorbed them, clearing their processing lease.
func (s *RawEventStore) MarkAggregated(ids []int64, summary5minID int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, summary5minID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		UPDATE raw_events SET summary_5min_id = ?, processing_started_at = NULL, processing_instance_id = NULL
		WHERE id IN (%s)
	`, joinPlaceholders(placeholders)), args...)
	if err != nil {
		return fmt.Errorf("mark events aggregated: %w", err)
	}
	return nil
}

// BySummary5Min returns the raw events rolled up into a given 5-minute
// summary, the leaf of the day → hour → 5-min → raw events drill-down
// chain (spec.md §4.7, §1).
func (s *RawEventStore) BySummary5Min(summary5minID int64) ([]*models.RawEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, ts, session_id, project, event_type, content, files, tools, retry_count
		FROM raw_events WHERE summary_5min_id = ? ORDER BY ts ASC
	`, summary5minID)
	if err != nil {
		return nil, fmt.Errorf("list raw events for 5min summary: %w", err)
	}
	defer rows.Close()

	var out []*models.RawEvent
	for rows.Next() {
		var e models.RawEvent
		var project sql.NullString
		var files, tools string
		var eventType string
		if err := rows.Scan(&e.ID, &e.TS, &e.SessionID, &project, &eventType, &e.Content, &files, &tools, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		e.Project = project.String
		e.EventType = models.EventType(eventType)
		e.Files = decodeStrings(files)
		e.Tools = decodeStrings(tools)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DistinctSessionsWithBacklog returns session ids that have at least one
// unaggregated raw event older than minAge, used by the aggregator's
// periodic sweep to decide which sessions need a 5-minute rollup.
func (s *RawEventStore) DistinctSessionsWithBacklog(minAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-minAge).Unix()
	rows, err := s.db.Query(`
		SELECT DISTINCT session_id FROM raw_events
		WHERE summary_5min_id IS NULL AND ts < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list sessions with backlog: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
