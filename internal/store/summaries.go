package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/opencode-mem/internal/models"
)

// SummaryStore covers the three hierarchical aggregation levels (C7):
// 5-minute, hour, and day summaries, each scoped to one session, per
// spec.md §4.6.
type SummaryStore struct {
	db *DB
}

func NewSummaryStore(db *DB) *SummaryStore {
	return &SummaryStore{db: db}
}

func encodeEntities(e models.SummaryEntities) string {
	b, _ := json.Marshal(e)
	return string(b)
}

func decodeEntities(s string) models.SummaryEntities {
	var e models.SummaryEntities
	if s == "" {
		return e
	}
	_ = json.Unmarshal([]byte(s), &e)
	return e
}

// Create5Min inserts a new 5-minute summary and returns its id.
func (s *SummaryStore) Create5Min(sum *models.Summary5min) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO summaries_5min (ts_start, ts_end, session_id, project, content, event_count, entities)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sum.TSStart, sum.TSEnd, sum.SessionID, sum.Project, sum.Content, sum.EventCount, encodeEntities(sum.Entities))
	if err != nil {
		return 0, fmt.Errorf("insert 5min summary: %w", err)
	}
	return res.LastInsertId()
}

// CreateHour inserts a new hour summary.
func (s *SummaryStore) CreateHour(sum *models.SummaryHour) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO summaries_hour (ts_start, ts_end, session_id, project, content, event_count, entities)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sum.TSStart, sum.TSEnd, sum.SessionID, sum.Project, sum.Content, sum.EventCount, encodeEntities(sum.Entities))
	if err != nil {
		return 0, fmt.Errorf("insert hour summary: %w", err)
	}
	return res.LastInsertId()
}

// CreateDay inserts a new day summary.
func (s *SummaryStore) CreateDay(sum *models.SummaryDay) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO summaries_day (ts_start, ts_end, session_id, project, content, event_count, entities)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sum.TSStart, sum.TSEnd, sum.SessionID, sum.Project, sum.Content, sum.EventCount, encodeEntities(sum.Entities))
	if err != nil {
		return 0, fmt.Errorf("insert day summary: %w", err)
	}
	return res.LastInsertId()
}

// LinkEventsTo5Min attaches raw_events to a 5-minute summary; this is the
// same operation as RawEventStore.MarkAggregated exposed on SummaryStore
// for callers that only hold a SummaryStore.
func (s *SummaryStore) LinkEventsTo5Min(eventIDs []int64, summary5minID int64) error {
	return NewRawEventStore(s.db).MarkAggregated(eventIDs, summary5minID)
}

// Link5MinToHour attaches a batch of 5-minute summaries to an hour summary,
// atomically, within a single transaction.
func (s *SummaryStore) Link5MinToHour(fiveMinIDs []int64, hourID int64) error {
	if len(fiveMinIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(fiveMinIDs))
	args := make([]any, 0, len(fiveMinIDs)+1)
	args = append(args, hourID)
	for i, id := range fiveMinIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE summaries_5min SET summary_hour_id = ? WHERE id IN (%s)`, joinPlaceholders(placeholders)), args...)
	if err != nil {
		return fmt.Errorf("link 5min to hour: %w", err)
	}
	return nil
}

// LinkHourToDay attaches a batch of hour summaries to a day summary.
func (s *SummaryStore) LinkHourToDay(hourIDs []int64, dayID int64) error {
	if len(hourIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(hourIDs))
	args := make([]any, 0, len(hourIDs)+1)
	args = append(args, dayID)
	for i, id := range hourIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE summaries_hour SET summary_day_id = ? WHERE id IN (%s)`, joinPlaceholders(placeholders)), args...)
	if err != nil {
		return fmt.Errorf("link hour to day: %w", err)
	}
	return nil
}

// UnrolledUpFor5MinToHour returns the 5-minute summaries for a session that
// have no parent hour summary yet, used by the aggregator to decide when
// MIN_5MIN_SUMMARIES_FOR_HOUR has been reached.
func (s *SummaryStore) UnrolledUpFor5MinToHour(sessionID string) ([]*models.Summary5min, error) {
	rows, err := s.db.Query(`
		SELECT id, ts_start, ts_end, session_id, project, content, event_count, entities
		FROM summaries_5min WHERE session_id = ? AND summary_hour_id IS NULL ORDER BY ts_start ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list unrolled 5min summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.Summary5min
	for rows.Next() {
		var sum models.Summary5min
		var project sql.NullString
		var entities string
		if err := rows.Scan(&sum.ID, &sum.TSStart, &sum.TSEnd, &sum.SessionID, &project, &sum.Content, &sum.EventCount, &entities); err != nil {
			return nil, fmt.Errorf("scan 5min summary: %w", err)
		}
		sum.Project = project.String
		sum.Entities = decodeEntities(entities)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// UnrolledUpHourToDay returns the hour summaries for a session with no
// parent day summary yet.
func (s *SummaryStore) UnrolledUpHourToDay(sessionID string) ([]*models.SummaryHour, error) {
	rows, err := s.db.Query(`
		SELECT id, ts_start, ts_end, session_id, project, content, event_count, entities
		FROM summaries_hour WHERE session_id = ? AND summary_day_id IS NULL ORDER BY ts_start ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list unrolled hour summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.SummaryHour
	for rows.Next() {
		var sum models.SummaryHour
		var project sql.NullString
		var entities string
		if err := rows.Scan(&sum.ID, &sum.TSStart, &sum.TSEnd, &sum.SessionID, &project, &sum.Content, &sum.EventCount, &entities); err != nil {
			return nil, fmt.Errorf("scan hour summary: %w", err)
		}
		sum.Project = project.String
		sum.Entities = decodeEntities(entities)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// DrillDownDay returns the day summary and its constituent hour summaries,
// for the infinite-memory drill-down read path (spec.md §4.6, §8 scenario).
func (s *SummaryStore) DrillDownDay(dayID int64) (*models.SummaryDay, []*models.SummaryHour, error) {
	var day models.SummaryDay
	var project sql.NullString
	var entities string
	err := s.db.QueryRow(`
		SELECT id, ts_start, ts_end, session_id, project, content, event_count, entities
		FROM summaries_day WHERE id = ?
	`, dayID).Scan(&day.ID, &day.TSStart, &day.TSEnd, &day.SessionID, &project, &day.Content, &day.EventCount, &entities)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get day summary: %w", err)
	}
	day.Project = project.String
	day.Entities = decodeEntities(entities)

	rows, err := s.db.Query(`
		SELECT id, ts_start, ts_end, session_id, project, content, event_count, entities
		FROM summaries_hour WHERE summary_day_id = ? ORDER BY ts_start ASC
	`, dayID)
	if err != nil {
		return nil, nil, fmt.Errorf("list day's hour summaries: %w", err)
	}
	defer rows.Close()

	var hours []*models.SummaryHour
	for rows.Next() {
		var h models.SummaryHour
		var hProject sql.NullString
		var hEntities string
		if err := rows.Scan(&h.ID, &h.TSStart, &h.TSEnd, &h.SessionID, &hProject, &h.Content, &h.EventCount, &hEntities); err != nil {
			return nil, nil, fmt.Errorf("scan hour summary: %w", err)
		}
		h.Project = hProject.String
		h.Entities = decodeEntities(hEntities)
		hours = append(hours, &h)
	}
	return &day, hours, rows.Err()
}

// DrillDownHour returns the hour summary and its constituent 5-min summaries.
func (s *SummaryStore) DrillDownHour(hourID int64) (*models.SummaryHour, []*models.Summary5min, error) {
	var hour models.SummaryHour
	var project sql.NullString
	var entities string
	err := s.db.QueryRow(`
		SELECT id, ts_start, ts_end, session_id, project, content, event_count, entities
		FROM summaries_hour WHERE id = ?
	`, hourID).Scan(&hour.ID, &hour.TSStart, &hour.TSEnd, &hour.SessionID, &project, &hour.Content, &hour.EventCount, &entities)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get hour summary: %w", err)
	}
	hour.Project = project.String
	hour.Entities = decodeEntities(entities)

	rows, err := s.db.Query(`
		SELECT id, ts_start, ts_end, session_id, project, content, event_count, entities
		FROM summaries_5min WHERE summary_hour_id = ? ORDER BY ts_start ASC
	`, hourID)
	if err != nil {
		return nil, nil, fmt.Errorf("list hour's 5min summaries: %w", err)
	}
	defer rows.Close()

	var fives []*models.Summary5min
	for rows.Next() {
		var f models.Summary5min
		var fProject sql.NullString
		var fEntities string
		if err := rows.Scan(&f.ID, &f.TSStart, &f.TSEnd, &f.SessionID, &fProject, &f.Content, &f.EventCount, &fEntities); err != nil {
			return nil, nil, fmt.Errorf("scan 5min summary: %w", err)
		}
		f.Project = fProject.String
		f.Entities = decodeEntities(fEntities)
		fives = append(fives, &f)
	}
	return &hour, fives, rows.Err()
}

// DrillDown5Min returns the 5-minute summary and the raw events it rolled
// up, the leaf of the drill-down chain: day → hour → 5-min → raw events.
func (s *SummaryStore) DrillDown5Min(fiveMinID int64) (*models.Summary5min, []*models.RawEvent, error) {
	var sum models.Summary5min
	var project sql.NullString
	var entities string
	err := s.db.QueryRow(`
		SELECT id, ts_start, ts_end, session_id, project, content, event_count, entities
		FROM summaries_5min WHERE id = ?
	`, fiveMinID).Scan(&sum.ID, &sum.TSStart, &sum.TSEnd, &sum.SessionID, &project, &sum.Content, &sum.EventCount, &entities)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get 5min summary: %w", err)
	}
	sum.Project = project.String
	sum.Entities = decodeEntities(entities)

	events, err := NewRawEventStore(s.db).BySummary5Min(fiveMinID)
	if err != nil {
		return nil, nil, fmt.Errorf("list 5min summary's raw events: %w", err)
	}
	return &sum, events, nil
}

// RecentDaySummaries returns the most recent day summaries for a session,
// the top of the infinite-memory drill-down hierarchy.
func (s *SummaryStore) RecentDaySummaries(sessionID string, limit int) ([]*models.SummaryDay, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.Query(`
		SELECT id, ts_start, ts_end, session_id, project, content, event_count, entities
		FROM summaries_day WHERE session_id = ? ORDER BY ts_start DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent day summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.SummaryDay
	for rows.Next() {
		var d models.SummaryDay
		var project sql.NullString
		var entities string
		if err := rows.Scan(&d.ID, &d.TSStart, &d.TSEnd, &d.SessionID, &project, &d.Content, &d.EventCount, &entities); err != nil {
			return nil, fmt.Errorf("scan day summary: %w", err)
		}
		d.Project = project.String
		d.Entities = decodeEntities(entities)
		out = append(out, &d)
	}
	return out, rows.Err()
}
