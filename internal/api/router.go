package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/opencode-mem/internal/embedding"
	"github.com/opencode-ai/opencode-mem/internal/queue"
	"github.com/opencode-ai/opencode-mem/internal/search"
	"github.com/opencode-ai/opencode-mem/internal/sessions"
	"github.com/opencode-ai/opencode-mem/internal/store"
	"github.com/opencode-ai/opencode-mem/internal/vectorstore"
)

// NewRouter creates the Chi router carrying the boundary-only HTTP surface
// spec.md §1/§6 calls for — not the teacher's full REST API.
func NewRouter(
	db *store.DB,
	observations *store.ObservationStore,
	processor *queue.Processor,
	searcher *search.HybridSearcher,
	embedder *embedding.Service,
	ollama *embedding.OllamaClient,
	vectors *vectorstore.Client,
	sessStore *sessions.SessionStore,
	prompts *store.UserPromptStore,
	sessionSummaries *store.SessionSummaryStore,
	summarizer *sessions.Summarizer,
	apiKey string,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	healthH := NewHealthHandler(db, ollama, vectors)
	obsH := NewObservationHandler(observations, processor, searcher, embedder)
	sessionH := NewSessionHandler(sessStore, prompts, sessionSummaries, summarizer)

	r.Get("/healthz", healthH.Health)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/tool-interactions", obsH.StoreToolInteraction)
			r.Get("/observations/{id}", obsH.GetObservation)
			r.Get("/search", obsH.Search)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", sessionH.ListSessions)
				r.Get("/{id}", sessionH.GetSession)
				r.Post("/{id}/summarize", sessionH.Summarize)
			})
		})
	})

	return r
}
