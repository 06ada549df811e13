package search

import (
	"fmt"
	"sort"

	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/store"
	"github.com/opencode-ai/opencode-mem/internal/vectorstore"
)

const (
	maxResultLimit = 1000
	maxBatchIDs    = 500
)

// HybridSearcher is Search (C3): lexical BM25 over a weighted
// title/narrative/facts/keywords vector, fused with cosine similarity over
// learned embeddings, per spec.md §3/§4.3.
type HybridSearcher struct {
	observations *store.ObservationStore
	fts          *store.ObservationFTSStore
	vectors      *vectorstore.Client
}

func NewHybridSearcher(observations *store.ObservationStore, fts *store.ObservationFTSStore, vectors *vectorstore.Client) *HybridSearcher {
	return &HybridSearcher{observations: observations, fts: fts, vectors: vectors}
}

// Params controls one search invocation.
type Params struct {
	QueryText   string
	QueryVector []float32
	SessionID   string
	Limit       int
}

// Result is a single fused, scored observation.
type Result struct {
	Observation *models.Observation
	FTSScore    float64
	VectorScore float64
	Score       float64
}

// Search executes the lexical + vector fusion described by spec.md §4.3:
//
//  1. Parse the query into an FTS5 match expression. An empty parse (e.g. a
//     symbol-only query) falls back to recency instead of erroring.
//  2. Run the lexical and vector stages independently, each normalized to
//     [0, 1] within its own result set.
//  3. Fuse by union: score = 0.5*fts_norm + 0.5*vector_norm, with a missing
//     component defaulting to 0.0 (never 1.0).
//  4. Sort descending, clamp the limit to 1000.
func (h *HybridSearcher) Search(p Params) ([]Result, error) {
	limit := p.Limit
	if limit <= 0 || limit > maxResultLimit {
		limit = maxResultLimit
	}

	matchQuery := store.BuildMatchQuery(p.QueryText)
	if matchQuery == "" {
		recent, err := h.observations.GetRecent(limit)
		if err != nil {
			return nil, fmt.Errorf("recency fallback: %w", err)
		}
		out := make([]Result, len(recent))
		for i, o := range recent {
			out[i] = Result{Observation: o}
		}
		return out, nil
	}

	ftsResults, err := h.fts.Search(matchQuery, limit*3)
	if err != nil {
		return nil, fmt.Errorf("lexical stage: %w", err)
	}
	ftsNorm := normalizeRanks(ftsResults)

	vectorNorm := make(map[string]float64)
	if len(p.QueryVector) > 0 && h.vectors != nil {
		vecResults, err := h.vectors.Search(p.QueryVector, limit*3, -1)
		if err == nil {
			vectorNorm = normalizeCosine(vecResults)
		}
	}

	ids := make(map[string]bool, len(ftsNorm)+len(vectorNorm))
	for id := range ftsNorm {
		ids[id] = true
	}
	for id := range vectorNorm {
		ids[id] = true
	}

	results := make([]Result, 0, len(ids))
	for id := range ids {
		obs, err := h.observations.GetByID(id)
		if err != nil || obs == nil {
			continue
		}
		fts := ftsNorm[id]
		vec := vectorNorm[id]
		results = append(results, Result{
			Observation: obs,
			FTSScore:    fts,
			VectorScore: vec,
			Score:       0.5*fts + 0.5*vec,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// normalizeRanks scales BM25 ranks to [0,1] by dividing by the max rank in
// the result set, per spec.md §4.3 step 1.
func normalizeRanks(results []store.BM25Result) map[string]float64 {
	out := make(map[string]float64, len(results))
	maxRank := 0.0
	for _, r := range results {
		if r.Rank > maxRank {
			maxRank = r.Rank
		}
	}
	if maxRank == 0 {
		return out
	}
	for _, r := range results {
		out[r.ID] = r.Rank / maxRank
	}
	return out
}

// normalizeCosine scales cosine-similarity scores (already in [-1,1]) to
// [0,1] by max-score normalization within the result set.
func normalizeCosine(results []vectorstore.SearchResult) map[string]float64 {
	out := make(map[string]float64, len(results))
	maxScore := 0.0
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	if maxScore <= 0 {
		return out
	}
	for _, r := range results {
		if r.Score > 0 {
			out[r.ID] = r.Score / maxScore
		} else {
			out[r.ID] = 0
		}
	}
	return out
}

// CandidateObservations retrieves the top-5 lexical candidates plus the 2-3
// most recent observations from the same session, feeding the LLM's
// CREATE/UPDATE/SKIP decision for an incoming tool interaction, per
// spec.md §4.3 step 4 and §4.4 step 2.
func (h *HybridSearcher) CandidateObservations(rawText, sessionID string) ([]*models.Observation, error) {
	seen := make(map[string]bool)
	var out []*models.Observation

	matchQuery := store.BuildMatchQuery(rawText)
	if matchQuery != "" {
		lexical, err := h.fts.Search(matchQuery, 5)
		if err != nil {
			return nil, fmt.Errorf("lexical candidates: %w", err)
		}
		for _, r := range lexical {
			obs, err := h.observations.GetByID(r.ID)
			if err != nil || obs == nil || seen[obs.ID] {
				continue
			}
			seen[obs.ID] = true
			out = append(out, obs)
		}
	}

	if sessionID != "" {
		recent, err := h.observations.GetBySession(sessionID, 3)
		if err != nil {
			return nil, fmt.Errorf("session-recent candidates: %w", err)
		}
		for _, obs := range recent {
			if seen[obs.ID] {
				continue
			}
			seen[obs.ID] = true
			out = append(out, obs)
		}
	}

	return out, nil
}

// ClampBatchIDs enforces the 500-id batch-operation limit from spec.md §4.3
// edge cases.
func ClampBatchIDs(ids []string) []string {
	if len(ids) > maxBatchIDs {
		return ids[:maxBatchIDs]
	}
	return ids
}
