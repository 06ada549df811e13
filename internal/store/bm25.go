package store

import (
	"fmt"
	"regexp"
	"strings"
)

// BM25Result holds an FTS5 match result for one observation.
type BM25Result struct {
	ID   string
	Rank float64
}

// ObservationFTSStore handles lexical search via SQLite FTS5, weighting
// title (A), narrative (B), facts (C), keywords (D) per spec.md §3/§4.1's
// "lexical vector... weights A/B/C/D".
type ObservationFTSStore struct {
	db *DB
}

func NewObservationFTSStore(db *DB) *ObservationFTSStore {
	return &ObservationFTSStore{db: db}
}

var queryTermRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// BuildMatchQuery tokenizes free text into an FTS5 MATCH expression,
// quoting each term so punctuation/symbols in the input can't break the
// query parser. Returns "" if the input has no indexable terms (e.g. a
// symbol-only query like " !!! ") — callers must treat that as the
// empty-parsed-query case and fall back to recency, never crash the
// parser or return an error.
func BuildMatchQuery(q string) string {
	terms := queryTermRe.FindAllString(q, -1)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = fmt.Sprintf(`"%s"`, strings.ReplaceAll(t, `"`, ``))
	}
	return strings.Join(quoted, " AND ")
}

// Search performs weighted BM25 full-text search over observations.
// Returns results ranked best-first (bm25() returns negative scores where
// more negative is a better match; we negate so higher is better).
func (s *ObservationFTSStore) Search(matchQuery string, limit int) ([]BM25Result, error) {
	if matchQuery == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT o.id, -bm25(observations_fts, 10.0, 5.0, 2.0, 1.0) AS score
		FROM observations_fts
		JOIN observations o ON o.rowid = observations_fts.rowid
		WHERE observations_fts MATCH ?
		ORDER BY score DESC
		LIMIT ?
	`, matchQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	defer rows.Close()

	var results []BM25Result
	for rows.Next() {
		var r BM25Result
		if err := rows.Scan(&r.ID, &r.Rank); err != nil {
			return nil, fmt.Errorf("scan bm25 result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
