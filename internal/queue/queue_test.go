package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/observation"
	"github.com/opencode-ai/opencode-mem/internal/search"
	"github.com/opencode-ai/opencode-mem/internal/store"
	"github.com/opencode-ai/opencode-mem/internal/vectorstore"
)

type stubLLM struct{ responses []string }

func (s *stubLLM) ChatCompletion(_ context.Context, _, _ string, _ []llmgateway.Message, result any) error {
	raw := s.responses[0]
	s.responses = s.responses[1:]
	return json.Unmarshal([]byte(raw), result)
}

type stubEmbedder struct{ vec []float32 }

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) { return s.vec, nil }

func newTestProcessor(t *testing.T, llm observation.ChatCompleter) (*Processor, *store.PendingMessageStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	observations := store.NewObservationStore(db)
	fts := store.NewObservationFTSStore(db)
	vectors := vectorstore.NewClient(db, 4)
	searcher := search.NewHybridSearcher(observations, fts, vectors)
	embeddings := store.NewObservationEmbeddingStore(db)
	injected := store.NewInjectedObservationStore(db)
	queueStore := store.NewPendingMessageStore(db)

	svc := observation.NewService(
		observations,
		store.NewKnowledgeStore(db),
		embeddings,
		vectors,
		&stubEmbedder{vec: []float32{1, 0, 0, 0}},
		searcher,
		llm,
		injected,
		store.NewRawEventStore(db),
		observation.NewLowValueFilterFromEnv(),
		nil,
		0.85, 0.80,
		0,
		slog.Default(),
	)

	p := NewProcessor(queueStore, observations, embeddings, vectors, injected, svc,
		"test-instance", 2, 5, 30*time.Second, 0.85, slog.Default())
	return p, queueStore
}

func TestContentHashIsStableAndDerivedIDIsDeterministic(t *testing.T) {
	p1 := Payload{SessionID: "s1", ToolName: "edit", ToolResponse: "did a thing", CreatedAtEpoch: 100}
	p2 := Payload{SessionID: "s1", ToolName: "edit", ToolResponse: "did a thing", CreatedAtEpoch: 100}
	p3 := Payload{SessionID: "s1", ToolName: "edit", ToolResponse: "did a different thing", CreatedAtEpoch: 100}

	h1, h2, h3 := ContentHash(p1), ContentHash(p2), ContentHash(p3)
	if h1 != h2 {
		t.Fatalf("expected identical payloads to hash the same: %q vs %q", h1, h2)
	}
	if h1 == h3 {
		t.Fatalf("expected different payloads to hash differently")
	}
	if DerivedID(h1) != DerivedID(h2) {
		t.Fatalf("expected DerivedID to be deterministic")
	}
	if DerivedID(h1) == DerivedID(h3) {
		t.Fatalf("expected distinct hashes to derive distinct ids")
	}
}

func TestEnqueueIsIdempotentUnderRetry(t *testing.T) {
	p, queueStore := newTestProcessor(t, &stubLLM{})
	payload := Payload{SessionID: "s1", ToolName: "edit", ToolResponse: "did a thing", CreatedAtEpoch: 100}

	first, err := p.Enqueue(payload)
	if err != nil || !first {
		t.Fatalf("first enqueue: enqueued=%v err=%v", first, err)
	}
	second, err := p.Enqueue(payload)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second {
		t.Fatal("expected retried delivery of the same payload to be a no-op")
	}

	leased, err := queueStore.LeaseBatch("test-instance", 10, time.Minute)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("expected exactly one durable row, got %d", len(leased))
	}
}

func TestHandlePersistsAndCompletesMessage(t *testing.T) {
	llm := &stubLLM{responses: []string{
		`{"action":"CREATE","observation":{"title":"Queued pipeline test","narrative":"processed via the queue","type":"discovery","noise_level":"low"}}`,
		`{"title":""}`,
	}}
	p, queueStore := newTestProcessor(t, llm)

	payload := Payload{SessionID: "s1", Project: "/repo", ToolName: "edit", ToolResponse: "did something durable", CreatedAtEpoch: 1}
	if _, err := p.Enqueue(payload); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	leased, err := queueStore.LeaseBatch("test-instance", 10, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("LeaseBatch: %v, %d rows", err, len(leased))
	}

	p.handle(context.Background(), leased[0])
	p.obsService.Wait()

	remaining, err := queueStore.LeaseBatch("test-instance", 10, time.Minute)
	if err != nil {
		t.Fatalf("LeaseBatch after handle: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the message to be completed and removed, got %d remaining", len(remaining))
	}
}

func TestHandleDeadLettersMalformedPayload(t *testing.T) {
	p, queueStore := newTestProcessor(t, &stubLLM{})

	if _, err := queueStore.Enqueue(&models.PendingMessage{ID: DerivedID("bad"), Payload: []byte("not json"), ContentHash: "bad"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	leased, err := queueStore.LeaseBatch("test-instance", 10, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("LeaseBatch: %v, %d rows", err, len(leased))
	}

	p.handle(context.Background(), leased[0])

	dead, err := queueStore.DeadLettered(10)
	if err != nil {
		t.Fatalf("DeadLettered: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected malformed payload to be dead-lettered, got %d dead-lettered rows", len(dead))
	}
}

func TestDedupSweepCollapsesDuplicatesAndIsIdempotent(t *testing.T) {
	p, _ := newTestProcessor(t, &stubLLM{})

	older := &models.Observation{
		ID: "obs-older", Title: "Older duplicate", Narrative: "n1",
		Type: models.ObservationTypeDiscovery, NoiseLevel: models.NoiseLevelLow,
		SessionID: "s1", CreatedAt: 100, UpdatedAt: 100,
	}
	newer := &models.Observation{
		ID: "obs-newer", Title: "Newer duplicate", Narrative: "n2",
		Type: models.ObservationTypeDiscovery, NoiseLevel: models.NoiseLevelLow,
		SessionID: "s1", CreatedAt: 200, UpdatedAt: 200,
	}
	for _, o := range []*models.Observation{older, newer} {
		if _, err := p.observations.Save(o); err != nil {
			t.Fatalf("Save(%s): %v", o.ID, err)
		}
		vec := []float32{1, 0, 0, 0}
		if err := p.embeddings.Store(o.ID, search.Float32ToBytes(vec), o.CreatedAt); err != nil {
			t.Fatalf("embeddings.Store(%s): %v", o.ID, err)
		}
		if err := p.vectors.Upsert([]vectorstore.Point{{ID: o.ID, Vector: vec}}); err != nil {
			t.Fatalf("vectors.Upsert(%s): %v", o.ID, err)
		}
	}

	p.dedupSweep(context.Background())

	if got, err := p.observations.GetByID(newer.ID); err != nil || got != nil {
		t.Fatalf("expected the newer duplicate to have been deleted by the sweep, got %v, err=%v", got, err)
	}
	survivor, err := p.observations.GetByID(older.ID)
	if err != nil || survivor == nil {
		t.Fatalf("expected the older observation to survive, got %v, err=%v", survivor, err)
	}
	if raw, err := p.embeddings.Get(newer.ID); err != nil || raw != nil {
		t.Fatalf("expected the loser's embedding to be gone, got %v, err=%v", raw, err)
	}
	matches, err := p.vectors.Search([]float32{1, 0, 0, 0}, 5, 0.85)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, m := range matches {
		if m.ID == newer.ID {
			t.Fatal("expected the loser's vector point to be deleted")
		}
	}

	// Running the sweep again against the now-singleton survivor must be a
	// true no-op: nothing left to merge in either direction.
	p.dedupSweep(context.Background())
	if survivor, err := p.observations.GetByID(older.ID); err != nil || survivor == nil {
		t.Fatalf("expected the survivor to remain after a second sweep, got %v, err=%v", survivor, err)
	}
}

func TestReclaimExpiredReturnsLeaseToPending(t *testing.T) {
	p, queueStore := newTestProcessor(t, &stubLLM{})
	payload := Payload{SessionID: "s1", ToolName: "edit", ToolResponse: "x", CreatedAtEpoch: 1}
	if _, err := p.Enqueue(payload); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := queueStore.LeaseBatch("test-instance", 10, -time.Hour); err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}

	n, err := queueStore.ReclaimExpired()
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed lease, got %d", n)
	}

	leased, err := queueStore.LeaseBatch("other-instance", 10, time.Minute)
	if err != nil {
		t.Fatalf("LeaseBatch after reclaim: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("expected the reclaimed message to be leasable again, got %d", len(leased))
	}
}
