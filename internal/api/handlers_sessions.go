package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/sessions"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

// SessionHandler exposes session lifecycle and end-of-session summarization.
type SessionHandler struct {
	sessStore  *sessions.SessionStore
	prompts    *store.UserPromptStore
	summaries  *store.SessionSummaryStore
	summarizer *sessions.Summarizer
}

func NewSessionHandler(sessStore *sessions.SessionStore, prompts *store.UserPromptStore, summaries *store.SessionSummaryStore, summarizer *sessions.Summarizer) *SessionHandler {
	return &SessionHandler{sessStore: sessStore, prompts: prompts, summaries: summaries, summarizer: summarizer}
}

// ListSessions handles GET /v1/sessions?project=...&limit=...
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeTypedError(w, apperr.New(apperr.ValidationFailed, "project is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessList, err := h.sessStore.List(project, limit)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessList})
}

// GetSession handles GET /v1/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.sessStore.GetByID(id)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if sess == nil {
		writeTypedError(w, apperr.New(apperr.NotFound, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Summarize handles POST /v1/sessions/{id}/summarize: ends the session and
// produces its structured end-of-session summary from the recorded prompt
// timeline, per spec.md §4.2.
func (h *SessionHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.sessStore.GetByID(id)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if sess == nil {
		writeTypedError(w, apperr.New(apperr.NotFound, "session not found"))
		return
	}

	if err := h.sessStore.EndSession(id); err != nil {
		writeTypedError(w, err)
		return
	}

	if h.summarizer == nil || !h.summarizer.IsEnabled() {
		writeTypedError(w, apperr.New(apperr.EmbeddingDisabled, "session summarization disabled"))
		return
	}

	prompts, err := h.prompts.ListBySession(id, 0)
	if err != nil {
		writeTypedError(w, err)
		return
	}

	sum, err := h.summarizer.Summarize(r.Context(), id, prompts, "")
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
