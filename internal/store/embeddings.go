package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EmbeddingCacheEntry is a content-hash keyed cache row avoiding
// re-embedding identical text. Not part of the spec's data model proper —
// an ambient performance optimization the teacher already had.
type EmbeddingCacheEntry struct {
	ContentHash string
	Embedding   []byte
	Dimension   int
	Model       string
	UpdatedAt   int64
}

// EmbeddingCacheStore handles embedding cache operations in SQLite.
type EmbeddingCacheStore struct {
	db *DB
}

func NewEmbeddingCacheStore(db *DB) *EmbeddingCacheStore {
	return &EmbeddingCacheStore{db: db}
}

// Get returns a cached embedding by content hash, or nil if not found.
func (s *EmbeddingCacheStore) Get(contentHash string) (*EmbeddingCacheEntry, error) {
	var e EmbeddingCacheEntry
	err := s.db.QueryRow(`
		SELECT content_hash, embedding, dimension, model, updated_at
		FROM embedding_cache WHERE content_hash = ?
	`, contentHash).Scan(&e.ContentHash, &e.Embedding, &e.Dimension, &e.Model, &e.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding cache: %w", err)
	}
	return &e, nil
}

// Put upserts an embedding cache entry.
func (s *EmbeddingCacheStore) Put(contentHash string, embedding []byte, dimension int, model string) error {
	_, err := s.db.Exec(`
		INSERT INTO embedding_cache (content_hash, embedding, dimension, model, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = excluded.updated_at
	`, contentHash, embedding, dimension, model, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put embedding cache: %w", err)
	}
	return nil
}

// ObservationEmbeddingStore manages the observation_embeddings table that
// backs the primary record of each observation's vector, with the
// delete-then-insert atomic replace semantics spec.md §3/§4.1 require.
type ObservationEmbeddingStore struct {
	db *DB
}

func NewObservationEmbeddingStore(db *DB) *ObservationEmbeddingStore {
	return &ObservationEmbeddingStore{db: db}
}

// Store atomically replaces the embedding for an observation (delete then
// insert within one transaction). The vec0 KNN index is not touched here;
// callers update it separately through vectorstore.Client.Upsert.
func (s *ObservationEmbeddingStore) Store(observationID string, vec []byte, updatedAt int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM observation_embeddings WHERE observation_id = ?`, observationID); err != nil {
		return fmt.Errorf("delete existing embedding: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO observation_embeddings (observation_id, vector, updated_at) VALUES (?, ?, ?)
	`, observationID, vec, updatedAt); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return tx.Commit()
}

// Get returns the raw little-endian float32 vector bytes for an observation.
func (s *ObservationEmbeddingStore) Get(observationID string) ([]byte, error) {
	var vec []byte
	err := s.db.QueryRow(`SELECT vector FROM observation_embeddings WHERE observation_id = ?`, observationID).Scan(&vec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return vec, nil
}

// GetForIDs chunks the id list to respect SQLite's bound parameter limit
// and returns a map of observation id -> vector bytes.
func (s *ObservationEmbeddingStore) GetForIDs(ids []string) (map[string][]byte, error) {
	const chunkSize = 500
	out := make(map[string][]byte, len(ids))

	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = "?"
			args[i] = id
		}

		q := fmt.Sprintf(`SELECT observation_id, vector FROM observation_embeddings WHERE observation_id IN (%s)`, joinPlaceholders(placeholders))
		rows, err := s.db.Query(q, args...)
		if err != nil {
			return nil, fmt.Errorf("get embeddings for ids: %w", err)
		}
		for rows.Next() {
			var id string
			var vec []byte
			if err := rows.Scan(&id, &vec); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan embedding: %w", err)
			}
			out[id] = vec
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func joinPlaceholders(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	s := parts[0]
	for _, p := range parts[1:] {
		s += "," + p
	}
	return s
}
