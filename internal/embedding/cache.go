package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/search"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

// Service is the Embedding Service (C2) facade: content-hash caching over
// the Ollama client, finiteness/zero-vector validation, and a global
// disable switch. When disabled, Embed returns apperr.EmbeddingDisabled and
// callers must persist the observation without a vector rather than fail.
type Service struct {
	client   *OllamaClient
	cache    *store.EmbeddingCacheStore
	model    string
	dim      int
	disabled bool
	logger   *slog.Logger
}

func NewService(client *OllamaClient, cache *store.EmbeddingCacheStore, model string, dim int, disabled bool, logger *slog.Logger) *Service {
	return &Service{client: client, cache: cache, model: model, dim: dim, disabled: disabled, logger: logger}
}

// Embed returns the embedding for text, using cache when available. The
// Ollama round trip runs on its own goroutine; the caller waits for its
// result, but stops waiting and returns as soon as ctx is cancelled, even
// while model inference is still running.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.disabled {
		return nil, apperr.New(apperr.EmbeddingDisabled, "embedding service disabled via configuration")
	}

	hash := ContentHash(text)

	entry, err := s.cache.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if entry != nil {
		vec := search.BytesToFloat32(entry.Embedding)
		if err := s.Validate(vec); err == nil {
			return vec, nil
		}
		// Stale/corrupt cache entry: fall through and regenerate.
	}

	type result struct {
		vec []float32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vec, err := s.client.Embed(ctx, text)
		ch <- result{vec, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := s.Validate(r.vec); err != nil {
		return nil, err
	}

	if err := s.cache.Put(hash, search.Float32ToBytes(r.vec), s.dim, s.model); err != nil {
		s.logger.Warn("embedding cache write failed", "error", err)
	}

	return r.vec, nil
}

// EmbedBatch is the C2 embed_batch(texts) operation from spec.md §4.2: each
// text goes through the same cache-then-Ollama path as Embed. A single
// failed or disabled embedding fails the whole batch rather than returning
// a partially-filled result set the caller would have to reconcile.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Validate rejects vectors with any NaN/Inf component, a zero Euclidean
// norm, or a length that does not match the configured model dimension, per
// spec.md §4.2 and invariant 2 (|e| = 1024). A wrong-dimension response
// from the embedding model must be caught here, not left to surface later
// as a dimension mismatch at vectorstore.Upsert.
func (s *Service) Validate(vec []float32) error {
	if len(vec) == 0 {
		return apperr.New(apperr.ValidationFailed, "embedding vector is empty")
	}
	if s.dim > 0 && len(vec) != s.dim {
		return apperr.New(apperr.ValidationFailed, fmt.Sprintf("embedding vector has dimension %d, want %d", len(vec), s.dim))
	}
	var sumSquares float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return apperr.New(apperr.ValidationFailed, "embedding vector contains a non-finite component")
		}
		sumSquares += f * f
	}
	if sumSquares == 0 {
		return apperr.New(apperr.ValidationFailed, "embedding vector is the zero vector")
	}
	return nil
}

// ContentHash computes a SHA-256 hash of text content.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}
