package store

import (
	"fmt"
	"time"
)

// InjectedObservationStore tracks, per session, the most recently injected
// observation ids so the pipeline can suppress echoes: an observation
// whose content closely matches something already injected into the
// session's context is dropped rather than stored again, per spec.md §4.3's
// injection_dedup_threshold and the MAX_INJECTED_IDS=500 cap.
type InjectedObservationStore struct {
	db *DB
}

const MaxInjectedIDs = 500

func NewInjectedObservationStore(db *DB) *InjectedObservationStore {
	return &InjectedObservationStore{db: db}
}

// Record marks an observation as injected into a session's context, then
// prunes the session's tracked set down to the MaxInjectedIDs most recent
// entries.
func (s *InjectedObservationStore) Record(sessionID, observationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO injected_observations (session_id, observation_id, injected_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, observation_id) DO UPDATE SET injected_at = excluded.injected_at
	`, sessionID, observationID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record injected observation: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM injected_observations
		WHERE session_id = ? AND observation_id NOT IN (
			SELECT observation_id FROM injected_observations
			WHERE session_id = ? ORDER BY injected_at DESC LIMIT ?
		)
	`, sessionID, sessionID, MaxInjectedIDs)
	if err != nil {
		return fmt.Errorf("prune injected observations: %w", err)
	}

	return tx.Commit()
}

// ForSession returns the ids of observations recently injected into a
// session's context, most recent first.
func (s *InjectedObservationStore) ForSession(sessionID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT observation_id FROM injected_observations
		WHERE session_id = ? ORDER BY injected_at DESC LIMIT ?
	`, sessionID, MaxInjectedIDs)
	if err != nil {
		return nil, fmt.Errorf("list injected observations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GC deletes injected-observation tracking rows older than maxAge across all
// sessions, run on an hourly sweep so ended sessions don't accumulate rows
// forever.
func (s *InjectedObservationStore) GC(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.Exec(`DELETE FROM injected_observations WHERE injected_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc injected observations: %w", err)
	}
	return res.RowsAffected()
}
