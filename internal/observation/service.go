// Package observation is the Observation Service (C5): the orchestrator
// that turns one incoming tool interaction into a compressed, deduplicated
// Observation, per spec.md §4.5. It wires Storage, Search, the LLM Gateway,
// and the Embedding Service behind a single Process entry point.
package observation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/privacy"
	"github.com/opencode-ai/opencode-mem/internal/search"
	"github.com/opencode-ai/opencode-mem/internal/store"
	"github.com/opencode-ai/opencode-mem/internal/vectorstore"
)

// ChatCompleter is the subset of llmgateway.Gateway the pipeline depends
// on, narrowed to an interface so tests can substitute a stub LLM.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, systemPrompt, schemaHint string, messages []llmgateway.Message, result any) error
}

// Embedder is the subset of embedding.Service the pipeline depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service is the main facade for turning tool interactions into observations.
type Service struct {
	observations *store.ObservationStore
	knowledge    *store.KnowledgeStore
	embeddings   *store.ObservationEmbeddingStore
	vectors      *vectorstore.Client
	embedder     Embedder
	searcher     *search.HybridSearcher
	llm          ChatCompleter
	injected     *store.InjectedObservationStore
	rawEvents    *store.RawEventStore

	lowValue      *LowValueFilter
	projectFilter *ProjectFilter

	dedupThreshold          float64
	injectionDedupThreshold float64

	// pipelineSem bounds how many Process calls run their LLM-compression
	// pipeline concurrently, independent of however many queue workers are
	// dispatching into it. nil means unbounded (no configured limit).
	pipelineSem chan struct{}

	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewService(
	observations *store.ObservationStore,
	knowledge *store.KnowledgeStore,
	embeddings *store.ObservationEmbeddingStore,
	vectors *vectorstore.Client,
	embedder Embedder,
	searcher *search.HybridSearcher,
	llm ChatCompleter,
	injected *store.InjectedObservationStore,
	rawEvents *store.RawEventStore,
	lowValue *LowValueFilter,
	projectFilter *ProjectFilter,
	dedupThreshold, injectionDedupThreshold float64,
	maxConcurrentPipelines int,
	logger *slog.Logger,
) *Service {
	var sem chan struct{}
	if maxConcurrentPipelines > 0 {
		sem = make(chan struct{}, maxConcurrentPipelines)
	}
	return &Service{
		observations:            observations,
		knowledge:               knowledge,
		embeddings:              embeddings,
		vectors:                 vectors,
		embedder:                embedder,
		searcher:                searcher,
		llm:                     llm,
		injected:                injected,
		rawEvents:               rawEvents,
		lowValue:                lowValue,
		projectFilter:           projectFilter,
		dedupThreshold:          clamp01(dedupThreshold),
		injectionDedupThreshold: clamp01(injectionDedupThreshold),
		pipelineSem:             sem,
		logger:                  logger,
	}
}

// acquirePipelineSlot blocks until a concurrent-pipeline permit is
// available or ctx is canceled. A nil semaphore (no configured limit)
// never blocks.
func (s *Service) acquirePipelineSlot(ctx context.Context) error {
	if s.pipelineSem == nil {
		return nil
	}
	select {
	case s.pipelineSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) releasePipelineSlot() {
	if s.pipelineSem == nil {
		return
	}
	<-s.pipelineSem
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ToolInteraction is one incoming tool call + response, ready for
// compression into an Observation.
type ToolInteraction struct {
	SessionID    string
	Project      string
	ToolName     string
	ToolInput    string // raw tool call arguments, used only by the trivial-call bypass
	Summary      string // short title-like hint for low-value classification; falls back to the first line of Content
	Content      string
	PromptNumber int64
}

// Result is what Process produced for one ToolInteraction.
type Result struct {
	Observation *models.Observation
	Skipped     bool
	SkipReason  string
}

// Wait blocks until every fire-and-forget post-action spawned by Process has
// finished, for use during graceful shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Process runs the full pipeline from spec.md §4.5: pre-filter, candidate
// retrieval, LLM compression, decision handling, persist-and-merge,
// concurrent post-actions, and embedding write-through.
func (s *Service) Process(ctx context.Context, t ToolInteraction) (*Result, error) {
	if s.projectFilter.IsExcluded(t.Project) {
		return &Result{Skipped: true, SkipReason: "project_excluded"}, nil
	}

	// Infinite Memory receives every raw event regardless of what the
	// compression pipeline below decides, so it runs fire-and-forget ahead
	// of the filter chain rather than gated behind it.
	s.fireAndForget(func() { s.storeInfiniteMemory(t) })

	if IsTrivialToolCall(t.ToolName, t.ToolInput) {
		s.logger.Debug("bypassing llm compression for trivial tool call", "tool_name", t.ToolName)
		return &Result{Skipped: true, SkipReason: "trivial_tool_call"}, nil
	}

	filtered, reason, dropped := s.preFilter(t)
	if dropped {
		return &Result{Skipped: true, SkipReason: reason}, nil
	}

	if err := s.acquirePipelineSlot(ctx); err != nil {
		return nil, err
	}
	defer s.releasePipelineSlot()

	candidates, err := s.searcher.CandidateObservations(filtered, t.SessionID)
	if err != nil {
		return nil, fmt.Errorf("candidate retrieval: %w", err)
	}

	dec, err := s.compress(ctx, filtered, candidates)
	if err != nil {
		return nil, fmt.Errorf("llm compression: %w", err)
	}

	action := strings.ToUpper(dec.Action)
	if action == "SKIP" {
		s.logger.Debug("llm skipped observation", "session_id", t.SessionID)
		return &Result{Skipped: true, SkipReason: "llm_skip"}, nil
	}
	if action == "UPDATE" && !candidateContains(candidates, dec.TargetID) {
		s.logger.Debug("update target outside candidate set, downgrading to create", "target_id", dec.TargetID)
		action = "CREATE"
		dec.TargetID = ""
	}

	incoming, err := s.toObservation(dec.Observation, t)
	if err != nil {
		return nil, fmt.Errorf("build observation from llm response: %w", err)
	}

	vec, embedErr := s.embedder.Embed(ctx, embedText(incoming))
	if embedErr != nil && !apperr.Is(embedErr, apperr.EmbeddingDisabled) {
		s.logger.Warn("embedding unavailable, proceeding without vector checks", "error", embedErr)
	}

	if len(vec) > 0 {
		if echoID, ok, err := s.echoMatch(t.SessionID, vec); err != nil {
			s.logger.Warn("echo suppression check failed", "error", err)
		} else if ok {
			return &Result{Skipped: true, SkipReason: "echo_of:" + echoID}, nil
		}
	}

	var persisted *models.Observation
	if action == "UPDATE" {
		persisted, err = s.observations.ReplaceFields(dec.TargetID, incoming)
		if err != nil {
			return nil, fmt.Errorf("update observation: %w", err)
		}
	} else {
		persisted, err = s.persistOrMerge(incoming, vec)
		if err != nil {
			return nil, fmt.Errorf("persist observation: %w", err)
		}
	}

	s.fireAndForget(func() { s.extractKnowledge(context.Background(), persisted) })

	if finalVec, err := s.embedder.Embed(ctx, embedText(persisted)); err == nil {
		if err := s.writeEmbedding(persisted.ID, finalVec); err != nil {
			s.logger.Warn("embedding write-through failed", "observation_id", persisted.ID, "error", err)
		}
	} else if !apperr.Is(err, apperr.EmbeddingDisabled) {
		s.logger.Warn("final embedding failed, observation persisted without a vector", "observation_id", persisted.ID, "error", err)
	}

	return &Result{Observation: persisted}, nil
}

// SaveMemory is the save_memory direct path: it bypasses LLM compression but
// still runs the full filter chain and stores into Infinite Memory, per
// spec.md §4.5 step 8.
func (s *Service) SaveMemory(ctx context.Context, title, body, sessionID, project string) (*models.Observation, error) {
	if s.projectFilter.IsExcluded(project) {
		return nil, apperr.New(apperr.FilteredOut, "project excluded")
	}

	t := ToolInteraction{SessionID: sessionID, Project: project, ToolName: "save_memory", Summary: title, Content: body}
	s.fireAndForget(func() { s.storeInfiniteMemory(t) })

	filteredBody, reason, dropped := s.preFilter(t)
	if dropped {
		return nil, apperr.New(apperr.FilteredOut, reason)
	}

	incoming := &models.Observation{
		ID:         uuid.New().String(),
		Title:      title,
		Narrative:  filteredBody,
		Type:       models.ObservationTypeOther,
		NoiseLevel: models.NoiseLevelMedium,
		SessionID:  sessionID,
	}

	vec, err := s.embedder.Embed(ctx, embedText(incoming))
	if err != nil && !apperr.Is(err, apperr.EmbeddingDisabled) {
		s.logger.Warn("embedding unavailable for save_memory", "error", err)
	}

	persisted, err := s.persistOrMerge(incoming, vec)
	if err != nil {
		return nil, fmt.Errorf("persist saved memory: %w", err)
	}

	if len(vec) > 0 {
		if err := s.writeEmbedding(persisted.ID, vec); err != nil {
			s.logger.Warn("embedding write-through failed", "observation_id", persisted.ID, "error", err)
		}
	}

	return persisted, nil
}

// preFilter applies filter_injected_memory, filter_private_content, and the
// low-value classifier in sequence, returning the filtered text and the drop
// reason if any stage rejected the interaction.
func (s *Service) preFilter(t ToolInteraction) (filtered, reason string, dropped bool) {
	afterInjected := privacy.FilterInjectedMemory(t.Content)
	if strings.TrimSpace(afterInjected) == "" {
		return "", "empty_after_injected_memory_filter", true
	}

	afterPrivate := strings.TrimSpace(string(privacy.FilterJSONPrivateContent(s.logger, []byte(afterInjected))))
	if afterPrivate == "" || afterPrivate == "null" {
		return "", "empty_after_private_filter", true
	}

	title := t.Summary
	if title == "" {
		title = firstLine(afterPrivate)
	}
	if s.lowValue.IsLowValue(title) {
		return "", "low_value:" + title, true
	}

	return afterPrivate, "", false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// persistOrMerge implements the dedup-threshold rule from spec.md §4.5: if
// incoming's embedding is within dedupThreshold cosine similarity of an
// existing observation, merge into it instead of inserting. Falls back to a
// title-collision merge (the DB-level safety net) when no vector is
// available or no vector match is found.
func (s *Service) persistOrMerge(incoming *models.Observation, vec []float32) (*models.Observation, error) {
	if len(vec) > 0 && s.vectors != nil {
		matches, err := s.vectors.Search(vec, 5, s.dedupThreshold)
		if err != nil {
			s.logger.Warn("dedup vector search failed", "error", err)
		} else if len(matches) > 0 {
			return s.observations.MergeIntoExisting(matches[0].ID, incoming)
		}
	}

	stored, err := s.observations.Save(incoming)
	if err != nil {
		return nil, err
	}
	if stored {
		return s.observations.GetByID(incoming.ID)
	}

	existing, err := s.observations.FindByTitle(incoming.Title)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.New(apperr.Permanent, "save reported a title collision but no matching row was found")
	}
	return s.observations.MergeIntoExisting(existing.ID, incoming)
}

// echoMatch reports whether vec is a near-duplicate of anything recently
// injected into the session's context, per spec.md §4.5's echo suppression.
func (s *Service) echoMatch(sessionID string, vec []float32) (id string, matched bool, err error) {
	ids, err := s.injected.ForSession(sessionID)
	if err != nil || len(ids) == 0 {
		return "", false, err
	}

	vectors, err := s.embeddings.GetForIDs(ids)
	if err != nil {
		return "", false, err
	}
	for id, raw := range vectors {
		other := search.BytesToFloat32(raw)
		if search.CosineSimilarity(vec, other) >= s.injectionDedupThreshold {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (s *Service) writeEmbedding(observationID string, vec []float32) error {
	if err := s.embeddings.Store(observationID, search.Float32ToBytes(vec), time.Now().Unix()); err != nil {
		return fmt.Errorf("write embedding: %w", err)
	}
	return s.vectors.Upsert([]vectorstore.Point{{ID: observationID, Vector: vec}})
}

func (s *Service) storeInfiniteMemory(t ToolInteraction) {
	filtered := privacy.FilterPrivateContent(t.Content)
	_, err := s.rawEvents.Append(&models.RawEvent{
		SessionID: t.SessionID,
		Project:   t.Project,
		EventType: models.EventTypeToolCall,
		Content:   []byte(filtered),
		Tools:     []string{t.ToolName},
	})
	if err != nil {
		s.logger.Warn("infinite memory append failed", "error", err)
	}
}

func embedText(o *models.Observation) string {
	var sb strings.Builder
	sb.WriteString(o.Title)
	sb.WriteString("\n")
	sb.WriteString(o.Narrative)
	for _, f := range o.Facts {
		sb.WriteString("\n")
		sb.WriteString(f)
	}
	return sb.String()
}

func candidateContains(candidates []*models.Observation, id string) bool {
	if id == "" {
		return false
	}
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (s *Service) fireAndForget(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("post-action panic recovered", "panic", r)
			}
		}()
		fn()
	}()
}
