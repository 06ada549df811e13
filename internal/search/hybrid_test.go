package search

import (
	"testing"

	"github.com/opencode-ai/opencode-mem/internal/store"
)

func TestNormalizeRanks(t *testing.T) {
	results := []store.BM25Result{{ID: "a", Rank: 10}, {ID: "b", Rank: 5}, {ID: "c", Rank: 0}}
	norm := normalizeRanks(results)
	if norm["a"] != 1.0 {
		t.Errorf("norm[a] = %v, want 1.0", norm["a"])
	}
	if norm["b"] != 0.5 {
		t.Errorf("norm[b] = %v, want 0.5", norm["b"])
	}
	if norm["c"] != 0.0 {
		t.Errorf("norm[c] = %v, want 0.0", norm["c"])
	}
}

func TestNormalizeRanksEmpty(t *testing.T) {
	if norm := normalizeRanks(nil); len(norm) != 0 {
		t.Errorf("expected empty map for empty input, got %v", norm)
	}
}

func TestClampBatchIDs(t *testing.T) {
	ids := make([]string, 600)
	for i := range ids {
		ids[i] = "id"
	}
	clamped := ClampBatchIDs(ids)
	if len(clamped) != maxBatchIDs {
		t.Errorf("len(clamped) = %d, want %d", len(clamped), maxBatchIDs)
	}

	small := []string{"a", "b"}
	if got := ClampBatchIDs(small); len(got) != 2 {
		t.Errorf("expected small batch untouched, got %v", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	if got := CosineSimilarity(a, b); got != 1.0 {
		t.Errorf("identical vectors: got %v, want 1.0", got)
	}
	c := []float32{0, 1, 0}
	if got := CosineSimilarity(a, c); got != 0.0 {
		t.Errorf("orthogonal vectors: got %v, want 0.0", got)
	}
	if got := CosineSimilarity(nil, nil); got != 0.0 {
		t.Errorf("empty vectors: got %v, want 0.0", got)
	}
}

func TestFloat32BytesRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3.0, 0}
	b := Float32ToBytes(v)
	got := BytesToFloat32(b)
	if len(got) != len(v) {
		t.Fatalf("len mismatch: got %d, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("round trip[%d] = %v, want %v", i, got[i], v[i])
		}
	}
}
