package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/models"
)

// ObservationStore is the Storage component's Observation surface (C1,
// spec.md §4.1). All multi-statement mutations run in a single transaction;
// uniqueness violations surface as typed "already exists" outcomes, never
// as bare errors.
type ObservationStore struct {
	db *DB
}

func NewObservationStore(db *DB) *ObservationStore {
	return &ObservationStore{db: db}
}

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// Save inserts a new observation. Returns stored=false (not an error) if a
// title collision occurred under lower(trim(title)) — the caller may retry
// as a merge, per spec.md §4.1.
func (s *ObservationStore) Save(obs *models.Observation) (stored bool, err error) {
	if obs.ID == "" {
		return false, apperr.New(apperr.ValidationFailed, "observation id is required")
	}
	if strings.TrimSpace(obs.Title) == "" {
		return false, apperr.New(apperr.ValidationFailed, "observation title must not be empty")
	}
	if !obs.Type.IsValid() {
		return false, apperr.New(apperr.ValidationFailed, fmt.Sprintf("unknown observation_type %q", obs.Type))
	}
	if obs.NoiseLevel == "" {
		obs.NoiseLevel = models.NoiseLevelMedium
	}
	if !obs.NoiseLevel.IsValid() {
		return false, apperr.New(apperr.ValidationFailed, fmt.Sprintf("unknown noise_level %q", obs.NoiseLevel))
	}

	now := time.Now().Unix()
	if obs.CreatedAt == 0 {
		obs.CreatedAt = now
	}
	obs.UpdatedAt = now
	titleNorm := models.TitleKey(obs.Title)

	_, err = s.db.Exec(`
		INSERT INTO observations (
			id, title, title_norm, narrative, facts, keywords, observation_type,
			noise_level, noise_reason, files_read, files_modified, concepts,
			session_id, prompt_number, discovery_tokens, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		obs.ID, obs.Title, titleNorm, obs.Narrative,
		encodeStrings(obs.Facts), encodeStrings(obs.Keywords), string(obs.Type),
		string(obs.NoiseLevel), obs.NoiseReason,
		encodeStrings(obs.FilesRead), encodeStrings(obs.FilesModified), encodeStrings(obs.Concepts),
		obs.SessionID, obs.PromptNumber, obs.DiscoveryTokens, obs.CreatedAt, obs.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintErr(err, "title_norm") {
			return false, nil
		}
		return false, fmt.Errorf("insert observation: %w", err)
	}
	return true, nil
}

// FindByTitle returns the observation whose lower(trim(title)) matches, or
// nil if none exists.
func (s *ObservationStore) FindByTitle(title string) (*models.Observation, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM observations WHERE title_norm = ?`, models.TitleKey(title)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find observation by title: %w", err)
	}
	return s.GetByID(id)
}

// GetByID fetches an observation by id.
func (s *ObservationStore) GetByID(id string) (*models.Observation, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT id, title, narrative, facts, keywords, observation_type, noise_level,
		       noise_reason, files_read, files_modified, concepts, session_id,
		       prompt_number, discovery_tokens, created_at, updated_at
		FROM observations WHERE id = ?
	`, id))
}

func (s *ObservationStore) scanOne(row *sql.Row) (*models.Observation, error) {
	var o models.Observation
	var facts, keywords, filesRead, filesModified, concepts string
	var sessionID, noiseReason sql.NullString

	err := row.Scan(&o.ID, &o.Title, &o.Narrative, &facts, &keywords, &o.Type, &o.NoiseLevel,
		&noiseReason, &filesRead, &filesModified, &concepts, &sessionID,
		&o.PromptNumber, &o.DiscoveryTokens, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}

	o.Facts = decodeStrings(facts)
	o.Keywords = decodeStrings(keywords)
	o.FilesRead = decodeStrings(filesRead)
	o.FilesModified = decodeStrings(filesModified)
	o.Concepts = decodeStrings(concepts)
	o.SessionID = sessionID.String
	o.NoiseReason = noiseReason.String
	return &o, nil
}

// GetRecent returns the most recently created observations, used as the
// empty-query-fallback and for session-recent candidate retrieval.
func (s *ObservationStore) GetRecent(limit int) ([]*models.Observation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.queryMany(`
		SELECT id, title, narrative, facts, keywords, observation_type, noise_level,
		       noise_reason, files_read, files_modified, concepts, session_id,
		       prompt_number, discovery_tokens, created_at, updated_at
		FROM observations ORDER BY created_at DESC LIMIT ?
	`, limit)
}

// GetBySession returns observations for a session ordered by prompt_number.
func (s *ObservationStore) GetBySession(sessionID string, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMany(`
		SELECT id, title, narrative, facts, keywords, observation_type, noise_level,
		       noise_reason, files_read, files_modified, concepts, session_id,
		       prompt_number, discovery_tokens, created_at, updated_at
		FROM observations WHERE session_id = ? ORDER BY prompt_number DESC LIMIT ?
	`, sessionID, limit)
}

// SearchByFile returns observations referencing path in files_read or
// files_modified. Implemented as a JSON-element match (LIKE on the encoded
// JSON array's quoted element) rather than LIKE on arbitrary substrings of
// the text-cast JSON, per spec.md §4.1's "never LIKE on text-cast JSON".
func (s *ObservationStore) SearchByFile(path string, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMany(`
		SELECT id, title, narrative, facts, keywords, observation_type, noise_level,
		       noise_reason, files_read, files_modified, concepts, session_id,
		       prompt_number, discovery_tokens, created_at, updated_at
		FROM observations
		WHERE EXISTS (SELECT 1 FROM json_each(COALESCE(NULLIF(files_read, ''), '[]')) WHERE value = ?)
		   OR EXISTS (SELECT 1 FROM json_each(COALESCE(NULLIF(files_modified, ''), '[]')) WHERE value = ?)
		ORDER BY created_at DESC LIMIT ?
	`, path, path, limit)
}

// SearchByConcept returns observations whose concepts set contains concept.
func (s *ObservationStore) SearchByConcept(concept string, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMany(`
		SELECT id, title, narrative, facts, keywords, observation_type, noise_level,
		       noise_reason, files_read, files_modified, concepts, session_id,
		       prompt_number, discovery_tokens, created_at, updated_at
		FROM observations
		WHERE EXISTS (SELECT 1 FROM json_each(COALESCE(NULLIF(concepts, ''), '[]')) WHERE value = ?)
		ORDER BY created_at DESC LIMIT ?
	`, concept, limit)
}

// SearchByType returns observations of the given type.
func (s *ObservationStore) SearchByType(t models.ObservationType, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMany(`
		SELECT id, title, narrative, facts, keywords, observation_type, noise_level,
		       noise_reason, files_read, files_modified, concepts, session_id,
		       prompt_number, discovery_tokens, created_at, updated_at
		FROM observations WHERE observation_type = ? ORDER BY created_at DESC LIMIT ?
	`, string(t), limit)
}

func (s *ObservationStore) queryMany(query string, args ...any) ([]*models.Observation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		var o models.Observation
		var facts, keywords, filesRead, filesModified, concepts string
		var sessionID, noiseReason sql.NullString
		if err := rows.Scan(&o.ID, &o.Title, &o.Narrative, &facts, &keywords, &o.Type, &o.NoiseLevel,
			&noiseReason, &filesRead, &filesModified, &concepts, &sessionID,
			&o.PromptNumber, &o.DiscoveryTokens, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Facts = decodeStrings(facts)
		o.Keywords = decodeStrings(keywords)
		o.FilesRead = decodeStrings(filesRead)
		o.FilesModified = decodeStrings(filesModified)
		o.Concepts = decodeStrings(concepts)
		o.SessionID = sessionID.String
		o.NoiseReason = noiseReason.String
		out = append(out, &o)
	}
	return out, rows.Err()
}

// MergeIntoExisting unions the merge-relevant fields of incoming into the
// existing row (title kept, narrative/facts/keywords/concepts/files
// unioned, noise_level/noise_reason replaced by incoming, prompt_number
// raised to the larger of the two, discovery_tokens accumulated),
// transactionally with BEGIN IMMEDIATE to
// avoid the lock-upgrade deadlock spec.md §5 calls out between SELECT and
// subsequent UPDATE.
func (s *ObservationStore) MergeIntoExisting(existingID string, incoming *models.Observation) (*models.Observation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.scanOne(tx.QueryRow(`
		SELECT id, title, narrative, facts, keywords, observation_type, noise_level,
		       noise_reason, files_read, files_modified, concepts, session_id,
		       prompt_number, discovery_tokens, created_at, updated_at
		FROM observations WHERE id = ?
	`, existingID))
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("observation %s not found for merge", existingID))
	}

	merged := *existing
	merged.Narrative = mergeNarrative(existing.Narrative, incoming.Narrative)
	merged.Facts = unionStringsPublic(existing.Facts, incoming.Facts)
	merged.Keywords = unionStringsPublic(existing.Keywords, incoming.Keywords)
	merged.FilesRead = unionStringsPublic(existing.FilesRead, incoming.FilesRead)
	merged.FilesModified = unionStringsPublic(existing.FilesModified, incoming.FilesModified)
	merged.Concepts = unionStringsPublic(existing.Concepts, incoming.Concepts)
	if incoming.NoiseLevel != "" {
		merged.NoiseLevel = incoming.NoiseLevel
	}
	if incoming.NoiseReason != "" {
		merged.NoiseReason = incoming.NoiseReason
	}
	if incoming.PromptNumber > merged.PromptNumber {
		merged.PromptNumber = incoming.PromptNumber
	}
	merged.DiscoveryTokens += incoming.DiscoveryTokens
	merged.UpdatedAt = time.Now().Unix()

	_, err = tx.Exec(`
		UPDATE observations SET
			narrative = ?, facts = ?, keywords = ?, noise_level = ?, noise_reason = ?,
			files_read = ?, files_modified = ?, concepts = ?, prompt_number = ?,
			discovery_tokens = ?, updated_at = ?
		WHERE id = ?
	`, merged.Narrative, encodeStrings(merged.Facts), encodeStrings(merged.Keywords),
		string(merged.NoiseLevel), merged.NoiseReason, encodeStrings(merged.FilesRead),
		encodeStrings(merged.FilesModified), encodeStrings(merged.Concepts), merged.PromptNumber,
		merged.DiscoveryTokens, merged.UpdatedAt, existingID)
	if err != nil {
		return nil, fmt.Errorf("merge update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}

	return s.GetByID(existingID)
}

// ReplaceFields overwrites target's content fields wholesale with incoming's
// (title kept from existing — title uniqueness is enforced at creation, not
// rewritten here) and bumps updated_at, per spec.md §4.5 step 4's UPDATE
// decision: unlike MergeIntoExisting, nothing is unioned.
func (s *ObservationStore) ReplaceFields(targetID string, incoming *models.Observation) (*models.Observation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.scanOne(tx.QueryRow(`
		SELECT id, title, narrative, facts, keywords, observation_type, noise_level,
		       noise_reason, files_read, files_modified, concepts, session_id,
		       prompt_number, discovery_tokens, created_at, updated_at
		FROM observations WHERE id = ?
	`, targetID))
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("observation %s not found for update", targetID))
	}

	now := time.Now().Unix()
	_, err = tx.Exec(`
		UPDATE observations SET
			narrative = ?, facts = ?, keywords = ?, observation_type = ?, noise_level = ?,
			noise_reason = ?, files_read = ?, files_modified = ?, concepts = ?,
			prompt_number = ?, discovery_tokens = ?, updated_at = ?
		WHERE id = ?
	`, incoming.Narrative, encodeStrings(incoming.Facts), encodeStrings(incoming.Keywords),
		string(incoming.Type), string(incoming.NoiseLevel), incoming.NoiseReason,
		encodeStrings(incoming.FilesRead), encodeStrings(incoming.FilesModified), encodeStrings(incoming.Concepts),
		incoming.PromptNumber, incoming.DiscoveryTokens, now, targetID)
	if err != nil {
		return nil, fmt.Errorf("replace observation fields: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}
	return s.GetByID(targetID)
}

// Delete removes an observation row. The observations_ad trigger retracts
// it from observations_fts and the observation_embeddings foreign key
// cascades; vec_observations is a separate virtual table with no FK support
// and must be cleaned up by the caller (see vectorstore.Client.DeletePoints).
func (s *ObservationStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM observations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete observation: %w", err)
	}
	return nil
}

func mergeNarrative(existing, incoming string) string {
	existing = strings.TrimSpace(existing)
	incoming = strings.TrimSpace(incoming)
	if incoming == "" || strings.Contains(existing, incoming) {
		return existing
	}
	if existing == "" {
		return incoming
	}
	return existing + "\n" + incoming
}

func unionStringsPublic(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func isUniqueConstraintErr(err error, column string) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") && strings.Contains(err.Error(), column)
}
