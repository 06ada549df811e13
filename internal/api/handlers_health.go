package api

import (
	"net/http"

	"github.com/opencode-ai/opencode-mem/internal/embedding"
	"github.com/opencode-ai/opencode-mem/internal/store"
	"github.com/opencode-ai/opencode-mem/internal/vectorstore"
)

type serviceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status           string       `json:"status"`
	DB               serviceCheck `json:"db"`
	Ollama           serviceCheck `json:"ollama"`
	Vectors          serviceCheck `json:"vectors"`
	ObservationCount int          `json:"observation_count"`
}

type HealthHandler struct {
	db      *store.DB
	ollama  *embedding.OllamaClient
	vectors *vectorstore.Client
}

func NewHealthHandler(db *store.DB, ollama *embedding.OllamaClient, vectors *vectorstore.Client) *HealthHandler {
	return &HealthHandler{db: db, ollama: ollama, vectors: vectors}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}

	if err := h.ollama.HealthCheck(); err != nil {
		resp.Ollama = serviceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Ollama = serviceCheck{Status: "ok"}
	}

	if err := h.vectors.HealthCheck(); err != nil {
		resp.Vectors = serviceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Vectors = serviceCheck{Status: "ok"}
	}

	if count, err := h.db.ObservationCount(); err != nil {
		resp.DB = serviceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.DB = serviceCheck{Status: "ok"}
		resp.ObservationCount = count
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
