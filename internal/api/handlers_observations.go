package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/embedding"
	"github.com/opencode-ai/opencode-mem/internal/queue"
	"github.com/opencode-ai/opencode-mem/internal/search"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

// ObservationHandler exposes the minimum HTTP surface needed to exercise the
// core pipeline (spec.md §1/§6 places the full REST surface out of scope):
// enqueue a tool interaction, fetch an observation, and run a hybrid search.
type ObservationHandler struct {
	observations *store.ObservationStore
	processor    *queue.Processor
	searcher     *search.HybridSearcher
	embedder     *embedding.Service
}

func NewObservationHandler(observations *store.ObservationStore, processor *queue.Processor, searcher *search.HybridSearcher, embedder *embedding.Service) *ObservationHandler {
	return &ObservationHandler{observations: observations, processor: processor, searcher: searcher, embedder: embedder}
}

type toolInteractionRequest struct {
	SessionID    string `json:"session_id"`
	Project      string `json:"project"`
	ToolName     string `json:"tool_name"`
	ToolInput    string `json:"tool_input"`
	ToolResponse string `json:"tool_response"`
	Summary      string `json:"summary"`
	PromptNumber int64  `json:"prompt_number"`
}

// StoreToolInteraction handles POST /v1/tool-interactions: enqueue a raw
// tool call for asynchronous compression, per spec.md §4.6's at-least-once
// delivery contract.
func (h *ObservationHandler) StoreToolInteraction(w http.ResponseWriter, r *http.Request) {
	var req toolInteractionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ToolName == "" || req.SessionID == "" {
		writeTypedError(w, apperr.New(apperr.ValidationFailed, "session_id and tool_name are required"))
		return
	}

	enqueued, err := h.processor.Enqueue(queue.Payload{
		SessionID:    req.SessionID,
		Project:      req.Project,
		ToolName:     req.ToolName,
		ToolInput:    req.ToolInput,
		ToolResponse: req.ToolResponse,
		Summary:      req.Summary,
		PromptNumber: req.PromptNumber,
	})
	if err != nil {
		writeTypedError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": enqueued})
}

// GetObservation handles GET /v1/observations/{id}
func (h *ObservationHandler) GetObservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	obs, err := h.observations.GetByID(id)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if obs == nil {
		writeTypedError(w, apperr.New(apperr.NotFound, "observation not found"))
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// Search handles GET /v1/search?q=...&session_id=...&limit=...
// A query that cannot be embedded (disabled service, backend error) still
// runs the lexical half of the fusion rather than failing outright, per
// spec.md §4.3's "a missing component defaults to 0.0, never 1.0".
func (h *ObservationHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeTypedError(w, apperr.New(apperr.ValidationFailed, "q is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var queryVector []float32
	if vec, err := h.embedder.Embed(r.Context(), q); err == nil {
		queryVector = vec
	} else if !apperr.Is(err, apperr.EmbeddingDisabled) {
		writeTypedError(w, err)
		return
	}

	results, err := h.searcher.Search(search.Params{
		QueryText:   q,
		QueryVector: queryVector,
		SessionID:   r.URL.Query().Get("session_id"),
		Limit:       limit,
	})
	if err != nil {
		writeTypedError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"observation":  res.Observation,
			"score":        res.Score,
			"fts_score":    res.FTSScore,
			"vector_score": res.VectorScore,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}
