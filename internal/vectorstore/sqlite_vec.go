// Package vectorstore wraps the embedded sqlite-vec KNN index that backs
// vector search, adapted from the teacher's Qdrant REST client into a
// thin layer over the vec_observations vec0 virtual table — collapsing
// the split SQLite/Qdrant backend into one SQLite connection, per
// spec.md §9.
package vectorstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/opencode-ai/opencode-mem/internal/store"
)

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
// Duplicated from internal/search to avoid an import cycle (search imports
// vectorstore for SearchResult).
func float32ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Point is a vector with its owning observation id, mirroring the shape of
// a Qdrant point without the JSON payload (observation metadata lives in
// the relational observations table, not duplicated into the index).
type Point struct {
	ID     string
	Vector []float32
}

// SearchResult is a single scored nearest-neighbor match. Score is cosine
// similarity in [-1, 1], not sqlite-vec's raw distance, so callers can
// compose it directly with the lexical score per spec.md §4.3's fusion.
type SearchResult struct {
	ID    string
	Score float64
}

// Client is the KNN surface over vec_observations.
type Client struct {
	db        *store.DB
	dimension int
}

func NewClient(db *store.DB, dimension int) *Client {
	return &Client{db: db, dimension: dimension}
}

// HealthCheck verifies the vec0 virtual table is reachable.
func (c *Client) HealthCheck() error {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM vec_observations`).Scan(&count); err != nil {
		return fmt.Errorf("sqlite-vec health check: %w", err)
	}
	return nil
}

// Upsert inserts or replaces vectors for the given points. sqlite-vec's
// vec0 table has no native upsert, so this deletes any existing rows for
// the ids first within one transaction.
func (c *Client) Upsert(points []Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		if len(p.Vector) != c.dimension {
			return fmt.Errorf("vector for %s has dimension %d, want %d", p.ID, len(p.Vector), c.dimension)
		}
		if _, err := tx.Exec(`DELETE FROM vec_observations WHERE observation_id = ?`, p.ID); err != nil {
			return fmt.Errorf("delete existing vector for %s: %w", p.ID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO vec_observations (observation_id, embedding) VALUES (?, ?)
		`, p.ID, float32ToBytes(p.Vector)); err != nil {
			return fmt.Errorf("insert vector for %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// Search finds the nearest vectors to query, returning results scored by
// cosine similarity and filtered to those at or above minScore.
func (c *Client) Search(query []float32, limit int, minScore float64) ([]SearchResult, error) {
	if len(query) != c.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, want %d", len(query), c.dimension)
	}

	rows, err := c.db.Query(`
		SELECT observation_id, distance
		FROM vec_observations
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, float32ToBytes(query), limit)
	if err != nil {
		return nil, fmt.Errorf("knn search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("scan knn result: %w", err)
		}
		// sqlite-vec's vec0 default metric is L2 distance over normalized
		// vectors, which relates to cosine similarity by
		// cos = 1 - distance^2/2 for unit vectors.
		score := 1 - (distance*distance)/2
		if score >= minScore {
			out = append(out, SearchResult{ID: id, Score: score})
		}
	}
	return out, rows.Err()
}

// DeletePoints removes vectors by observation id.
func (c *Client) DeletePoints(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM vec_observations WHERE observation_id = ?`, id); err != nil {
			return fmt.Errorf("delete vector for %s: %w", id, err)
		}
	}
	return tx.Commit()
}
