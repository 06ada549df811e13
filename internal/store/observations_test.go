package store

import (
	"path/filepath"
	"testing"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestObservationSaveAndGet(t *testing.T) {
	s := NewObservationStore(newTestDB(t))
	obs := &models.Observation{
		ID:         "obs-1",
		Title:      "Found the race in the worker pool",
		Narrative:  "Two goroutines wrote to the same map without a lock.",
		Facts:      []string{"map writes were unsynchronized"},
		Type:       models.ObservationTypeDiscovery,
		NoiseLevel: models.NoiseLevelMedium,
		SessionID:  "s1",
	}

	stored, err := s.Save(obs)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !stored {
		t.Fatal("expected stored=true for a fresh title")
	}

	got, err := s.GetByID("obs-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.Title != obs.Title {
		t.Fatalf("GetByID returned %+v", got)
	}
	if len(got.Facts) != 1 || got.Facts[0] != "map writes were unsynchronized" {
		t.Errorf("facts not round-tripped: %+v", got.Facts)
	}
}

func TestObservationSaveTitleCollisionReturnsFalse(t *testing.T) {
	s := NewObservationStore(newTestDB(t))
	first := &models.Observation{ID: "obs-1", Title: "Duplicate Title", Type: models.ObservationTypeCode, NoiseLevel: models.NoiseLevelLow}
	second := &models.Observation{ID: "obs-2", Title: "duplicate title", Type: models.ObservationTypeCode, NoiseLevel: models.NoiseLevelLow}

	if stored, err := s.Save(first); err != nil || !stored {
		t.Fatalf("Save(first): stored=%v err=%v", stored, err)
	}
	stored, err := s.Save(second)
	if err != nil {
		t.Fatalf("Save(second) should not error on title collision: %v", err)
	}
	if stored {
		t.Fatal("expected stored=false on case-insensitive title collision")
	}
}

func TestObservationSaveRejectsUnknownType(t *testing.T) {
	s := NewObservationStore(newTestDB(t))
	_, err := s.Save(&models.Observation{ID: "obs-1", Title: "x", Type: "bogus"})
	if !apperr.Is(err, apperr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestMergeIntoExistingUnionsFields(t *testing.T) {
	s := NewObservationStore(newTestDB(t))
	existing := &models.Observation{
		ID: "obs-1", Title: "Retry logic", Narrative: "Added exponential backoff.",
		Facts: []string{"base delay is 2s"}, Type: models.ObservationTypeDecision, NoiseLevel: models.NoiseLevelLow,
		PromptNumber: 1,
	}
	if _, err := s.Save(existing); err != nil {
		t.Fatalf("Save: %v", err)
	}

	incoming := &models.Observation{
		Narrative: "Added jitter on top of the backoff.", Facts: []string{"jitter is up to 50%"},
		NoiseLevel: models.NoiseLevelMedium, PromptNumber: 3, DiscoveryTokens: 10,
	}
	merged, err := s.MergeIntoExisting("obs-1", incoming)
	if err != nil {
		t.Fatalf("MergeIntoExisting: %v", err)
	}
	if len(merged.Facts) != 2 {
		t.Errorf("expected facts to be unioned, got %v", merged.Facts)
	}
	if merged.NoiseLevel != models.NoiseLevelMedium {
		t.Errorf("expected noise_level replaced by incoming, got %v", merged.NoiseLevel)
	}
	if merged.PromptNumber != 3 {
		t.Errorf("expected prompt_number to take the max, got %d", merged.PromptNumber)
	}
	if merged.DiscoveryTokens != 10 {
		t.Errorf("expected discovery_tokens accumulated, got %d", merged.DiscoveryTokens)
	}
}

func TestReplaceFieldsOverwritesWholesale(t *testing.T) {
	s := NewObservationStore(newTestDB(t))
	existing := &models.Observation{
		ID: "obs-1", Title: "Old title", Narrative: "old narrative",
		Facts: []string{"old fact"}, Type: models.ObservationTypeCode, NoiseLevel: models.NoiseLevelLow,
	}
	if _, err := s.Save(existing); err != nil {
		t.Fatalf("Save: %v", err)
	}

	incoming := &models.Observation{
		Narrative: "new narrative", Facts: []string{"new fact"},
		Type: models.ObservationTypeDecision, NoiseLevel: models.NoiseLevelHigh,
	}
	updated, err := s.ReplaceFields("obs-1", incoming)
	if err != nil {
		t.Fatalf("ReplaceFields: %v", err)
	}
	if updated.Narrative != "new narrative" || len(updated.Facts) != 1 || updated.Facts[0] != "new fact" {
		t.Errorf("expected wholesale replace, got %+v", updated)
	}
	if updated.Type != models.ObservationTypeDecision {
		t.Errorf("expected type replaced, got %v", updated.Type)
	}
}

func TestSearchByFileMatchesExactPathNotSubstring(t *testing.T) {
	s := NewObservationStore(newTestDB(t))
	a := &models.Observation{
		ID: "obs-a", Title: "Touched auth.go", Type: models.ObservationTypeCode,
		NoiseLevel: models.NoiseLevelLow, FilesRead: []string{"internal/auth.go"},
	}
	b := &models.Observation{
		ID: "obs-b", Title: "Touched auth_test.go", Type: models.ObservationTypeCode,
		NoiseLevel: models.NoiseLevelLow, FilesModified: []string{"internal/auth_test.go"},
	}
	c := &models.Observation{
		ID: "obs-c", Title: "No files at all", Type: models.ObservationTypeCode,
		NoiseLevel: models.NoiseLevelLow,
	}
	for _, obs := range []*models.Observation{a, b, c} {
		if _, err := s.Save(obs); err != nil {
			t.Fatalf("Save(%s): %v", obs.ID, err)
		}
	}

	got, err := s.SearchByFile("internal/auth.go", 10)
	if err != nil {
		t.Fatalf("SearchByFile: %v", err)
	}
	if len(got) != 1 || got[0].ID != "obs-a" {
		t.Fatalf("expected an exact-path match on obs-a only, got %+v", got)
	}
}

func TestSearchByConceptMatchesExactValue(t *testing.T) {
	s := NewObservationStore(newTestDB(t))
	a := &models.Observation{
		ID: "obs-a", Title: "Learned about channels", Type: models.ObservationTypeDiscovery,
		NoiseLevel: models.NoiseLevelLow, Concepts: []string{"goroutine", "channel"},
	}
	b := &models.Observation{
		ID: "obs-b", Title: "No concepts here", Type: models.ObservationTypeDiscovery,
		NoiseLevel: models.NoiseLevelLow,
	}
	for _, obs := range []*models.Observation{a, b} {
		if _, err := s.Save(obs); err != nil {
			t.Fatalf("Save(%s): %v", obs.ID, err)
		}
	}

	got, err := s.SearchByConcept("channel", 10)
	if err != nil {
		t.Fatalf("SearchByConcept: %v", err)
	}
	if len(got) != 1 || got[0].ID != "obs-a" {
		t.Fatalf("expected obs-a only, got %+v", got)
	}
}

func TestGetRecentClampsLimit(t *testing.T) {
	s := NewObservationStore(newTestDB(t))
	for i := 0; i < 3; i++ {
		if _, err := s.Save(&models.Observation{ID: "obs-" + string(rune('a'+i)), Title: "title " + string(rune('a'+i)), Type: models.ObservationTypeOther, NoiseLevel: models.NoiseLevelLow}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	recent, err := s.GetRecent(0)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("expected 3 recent observations, got %d", len(recent))
	}
}
