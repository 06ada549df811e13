// Package queue is the Queue & Background Processor (C6): at-least-once
// delivery of tool interactions into the Observation Service, with
// visibility-timeout leasing, dead-lettering, and the periodic sweeps that
// keep the system healthy between deliveries, per spec.md §4.6.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/observation"
	"github.com/opencode-ai/opencode-mem/internal/search"
	"github.com/opencode-ai/opencode-mem/internal/store"
	"github.com/opencode-ai/opencode-mem/internal/vectorstore"
)

// contentHashNamespace seeds the deterministic UUIDv5 derivation so the same
// content_hash always produces the same row id across retried deliveries,
// per spec.md §4.6 ("never from the auto-increment row id").
var contentHashNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Payload is the durable, JSON-encoded body of one queued tool interaction.
type Payload struct {
	SessionID      string `json:"session_id"`
	Project        string `json:"project"`
	ToolName       string `json:"tool_name"`
	ToolInput      string `json:"tool_input"`
	ToolResponse   string `json:"tool_response"`
	Summary        string `json:"summary"`
	PromptNumber   int64  `json:"prompt_number"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// ContentHash computes SHA-256(tool_name ‖ session_id ‖ tool_response ‖
// created_at_epoch), the idempotency key for a queued delivery.
func ContentHash(p Payload) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x1f%s\x1f%s\x1f%d", p.ToolName, p.SessionID, p.ToolResponse, p.CreatedAtEpoch))
	return fmt.Sprintf("%x", h)
}

// DerivedID computes the deterministic UUIDv5 row id from a content hash.
func DerivedID(contentHash string) string {
	return uuid.NewSHA1(contentHashNamespace, []byte(contentHash)).String()
}

// Processor runs a bounded pool of workers leasing from the durable queue
// and feeding the Observation Service, plus the periodic reclaim/GC/dedup
// sweeps from spec.md §4.6.
type Processor struct {
	queue        *store.PendingMessageStore
	observations *store.ObservationStore
	embeddings   *store.ObservationEmbeddingStore
	vectors      *vectorstore.Client
	injected     *store.InjectedObservationStore
	obsService   *observation.Service

	instanceID        string
	workers           int
	maxRetries        int
	visibilityTimeout time.Duration
	dedupThreshold    float64
	injectionMaxAge   time.Duration

	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewProcessor(
	queue *store.PendingMessageStore,
	observations *store.ObservationStore,
	embeddings *store.ObservationEmbeddingStore,
	vectors *vectorstore.Client,
	injected *store.InjectedObservationStore,
	obsService *observation.Service,
	instanceID string,
	workers, maxRetries int,
	visibilityTimeout time.Duration,
	dedupThreshold float64,
	logger *slog.Logger,
) *Processor {
	if workers <= 0 {
		workers = 4
	}
	return &Processor{
		queue:             queue,
		observations:      observations,
		embeddings:        embeddings,
		vectors:           vectors,
		injected:          injected,
		obsService:        obsService,
		instanceID:        instanceID,
		workers:           workers,
		maxRetries:        maxRetries,
		visibilityTimeout: visibilityTimeout,
		dedupThreshold:    dedupThreshold,
		injectionMaxAge:   7 * 24 * time.Hour,
		logger:            logger,
	}
}

// Enqueue writes a tool interaction to the durable queue. The content hash
// makes enqueue idempotent: retried deliveries of the same tool call never
// produce duplicate rows.
func (p *Processor) Enqueue(payload Payload) (enqueued bool, err error) {
	if payload.CreatedAtEpoch == 0 {
		payload.CreatedAtEpoch = time.Now().Unix()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal queue payload: %w", err)
	}
	hash := ContentHash(payload)
	return p.queue.Enqueue(&models.PendingMessage{
		ID:          DerivedID(hash),
		Payload:     data,
		ContentHash: hash,
	})
}

// Run starts the worker pool and the periodic sweeps. It returns
// immediately; callers stop the processor by canceling ctx and then calling
// Wait to drain in-flight work.
func (p *Processor) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
	p.wg.Add(3)
	go p.sweepLoop(ctx, time.Hour, p.reclaimExpired)
	go p.sweepLoop(ctx, time.Hour, p.gcInjections)
	go p.sweepLoop(ctx, 30*time.Minute, p.dedupSweep)
}

// Wait blocks until every worker and sweep goroutine has exited, for
// graceful shutdown.
func (p *Processor) Wait() {
	p.wg.Wait()
}

const (
	batchSize    = 16
	pollInterval = 2 * time.Second
)

func (p *Processor) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := p.queue.LeaseBatch(p.instanceID, batchSize, p.visibilityTimeout)
		if err != nil {
			p.logger.Error("lease batch failed", "error", err)
			sleepOrDone(ctx, pollInterval)
			continue
		}
		if len(batch) == 0 {
			sleepOrDone(ctx, pollInterval)
			continue
		}
		for _, m := range batch {
			p.handle(ctx, m)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// handle processes one leased message. Post-compression side effects
// (extract_knowledge, store_infinite_memory, embedding write) are spawned
// fire-and-forget inside obsService.Process itself, so this leased main path
// never blocks on LLM latency, per spec.md §4.6's head-of-line contract.
func (p *Processor) handle(ctx context.Context, m *models.PendingMessage) {
	var payload Payload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		p.logger.Error("malformed queue payload, dead-lettering", "id", m.ID, "error", err)
		if err := p.queue.Fail(m.ID, p.maxRetries, true); err != nil {
			p.logger.Error("fail malformed message", "id", m.ID, "error", err)
		}
		return
	}

	_, err := p.obsService.Process(ctx, observation.ToolInteraction{
		SessionID:    payload.SessionID,
		Project:      payload.Project,
		ToolName:     payload.ToolName,
		ToolInput:    payload.ToolInput,
		Summary:      payload.Summary,
		Content:      payload.ToolResponse,
		PromptNumber: payload.PromptNumber,
	})
	if err != nil {
		permanent := apperr.Is(err, apperr.Permanent) || apperr.Is(err, apperr.ValidationFailed)
		p.logger.Warn("observation processing failed", "id", m.ID, "permanent", permanent, "error", err)
		if failErr := p.queue.Fail(m.ID, p.maxRetries, permanent); failErr != nil {
			p.logger.Error("fail queued message", "id", m.ID, "error", failErr)
		}
		return
	}

	if err := p.queue.Complete(m.ID); err != nil {
		p.logger.Error("complete queued message", "id", m.ID, "error", err)
	}
}

func (p *Processor) sweepLoop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

func (p *Processor) reclaimExpired(context.Context) {
	n, err := p.queue.ReclaimExpired()
	if err != nil {
		p.logger.Error("reclaim expired leases failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("reclaimed expired leases", "count", n)
	}
}

func (p *Processor) gcInjections(context.Context) {
	n, err := p.injected.GC(p.injectionMaxAge)
	if err != nil {
		p.logger.Error("injection gc failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("garbage collected stale injection records", "count", n)
	}
}

// dedupSweep is the defense-in-depth pass from spec.md §4.6: it re-checks
// recent observations against the vector index with the same threshold the
// write path uses, collapsing any pair the write path missed (e.g. a race
// between two concurrent CREATE decisions) down to a single row. The
// survivor is picked deterministically (earlier created_at, then lower id)
// so that re-running the sweep against the same pair is a no-op: once one
// side is gone there is nothing left to re-merge in the other direction.
func (p *Processor) dedupSweep(context.Context) {
	recent, err := p.observations.GetRecent(200)
	if err != nil {
		p.logger.Error("dedup sweep: list recent failed", "error", err)
		return
	}

	gone := make(map[string]bool)
	for _, o := range recent {
		if gone[o.ID] {
			continue
		}
		raw, err := p.embeddings.Get(o.ID)
		if err != nil || raw == nil {
			continue
		}
		vec := search.BytesToFloat32(raw)

		matches, err := p.vectors.Search(vec, 5, p.dedupThreshold)
		if err != nil {
			continue
		}
		for _, match := range matches {
			if match.ID == o.ID || gone[match.ID] {
				continue
			}
			dupe, err := p.observations.GetByID(match.ID)
			if err != nil || dupe == nil || gone[dupe.ID] {
				continue
			}

			survivor, loser := o, dupe
			if dedupSweepLoses(survivor, loser) {
				survivor, loser = loser, survivor
			}

			if _, err := p.observations.MergeIntoExisting(survivor.ID, loser); err != nil {
				p.logger.Warn("dedup sweep merge failed", "into", survivor.ID, "from", loser.ID, "error", err)
				continue
			}
			if err := p.observations.Delete(loser.ID); err != nil {
				p.logger.Error("dedup sweep: delete merged duplicate failed", "id", loser.ID, "error", err)
				continue
			}
			if err := p.vectors.DeletePoints([]string{loser.ID}); err != nil {
				p.logger.Error("dedup sweep: delete vector point failed", "id", loser.ID, "error", err)
			}
			gone[loser.ID] = true
			if loser.ID == o.ID {
				// o itself was the one displaced; it no longer exists to
				// compare against the rest of this match set.
				break
			}
		}
	}
}

// dedupSweepLoses reports whether a should be displaced by b as the survivor
// of a dedup merge: the newer observation loses, ties broken by id so the
// choice is stable across runs.
func dedupSweepLoses(a, b *models.Observation) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}
