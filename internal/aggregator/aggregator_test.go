package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

type stubLLM struct{ responses []string }

func (s *stubLLM) ChatCompletion(_ context.Context, _, _ string, _ []llmgateway.Message, result any) error {
	raw := s.responses[0]
	s.responses = s.responses[1:]
	return json.Unmarshal([]byte(raw), result)
}

func newTestAggregator(t *testing.T, llm ChatCompleter, min5Min, minHour, minDay int) (*Aggregator, *store.RawEventStore, *store.SummaryStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rawEvents := store.NewRawEventStore(db)
	summaries := store.NewSummaryStore(db)
	agg := NewAggregator(rawEvents, summaries, llm, "test-instance", time.Minute, min5Min, minHour, minDay, slog.Default())
	return agg, rawEvents, summaries
}

func appendEventAt(t *testing.T, s *store.RawEventStore, sessionID string, ts int64) {
	t.Helper()
	if _, err := s.Append(&models.RawEvent{TS: ts, SessionID: sessionID, Project: "/repo", EventType: models.EventTypeToolCall, Content: []byte("did something")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestRollup5MinSummarizesClosedWindowAboveThreshold(t *testing.T) {
	llm := &stubLLM{responses: []string{`{"content":"edited three files and ran tests","entities":{"files":["a.go","b.go"]}}`}}
	agg, rawEvents, summaries := newTestAggregator(t, llm, 2, 4, 3)

	// A window that closed well in the past, comfortably above the threshold.
	windowStart := int64(1000 * 300)
	appendEventAt(t, rawEvents, "s1", windowStart+10)
	appendEventAt(t, rawEvents, "s1", windowStart+20)
	appendEventAt(t, rawEvents, "s1", windowStart+30)

	if err := agg.rollup5Min(context.Background(), "s1"); err != nil {
		t.Fatalf("rollup5Min: %v", err)
	}

	fives, err := summaries.UnrolledUpFor5MinToHour("s1")
	if err != nil {
		t.Fatalf("UnrolledUpFor5MinToHour: %v", err)
	}
	if len(fives) != 1 {
		t.Fatalf("expected exactly one 5min summary, got %d", len(fives))
	}
	if fives[0].EventCount != 3 {
		t.Errorf("event_count = %d, want 3", fives[0].EventCount)
	}
	if len(fives[0].Entities.Files) != 2 {
		t.Errorf("expected entities to carry through, got %+v", fives[0].Entities)
	}
}

func TestRollup5MinLeavesOpenWindowAlone(t *testing.T) {
	agg, rawEvents, summaries := newTestAggregator(t, &stubLLM{}, 1, 4, 3)

	appendEventAt(t, rawEvents, "s1", time.Now().Unix())

	if err := agg.rollup5Min(context.Background(), "s1"); err != nil {
		t.Fatalf("rollup5Min: %v", err)
	}
	fives, err := summaries.UnrolledUpFor5MinToHour("s1")
	if err != nil {
		t.Fatalf("UnrolledUpFor5MinToHour: %v", err)
	}
	if len(fives) != 0 {
		t.Fatalf("expected the still-open window to be left unsummarized, got %d summaries", len(fives))
	}
}

func TestRollup5MinSkipsWindowBelowThreshold(t *testing.T) {
	agg, rawEvents, summaries := newTestAggregator(t, &stubLLM{}, 5, 4, 3)

	windowStart := int64(1000 * 300)
	appendEventAt(t, rawEvents, "s1", windowStart+10)

	if err := agg.rollup5Min(context.Background(), "s1"); err != nil {
		t.Fatalf("rollup5Min: %v", err)
	}
	fives, err := summaries.UnrolledUpFor5MinToHour("s1")
	if err != nil {
		t.Fatalf("UnrolledUpFor5MinToHour: %v", err)
	}
	if len(fives) != 0 {
		t.Fatalf("expected below-threshold window to stay unsummarized, got %d", len(fives))
	}
}

func TestPromoteToHourLinksFiveMinSummaries(t *testing.T) {
	llm := &stubLLM{responses: []string{
		`{"content":"first five minutes","entities":{"files":["a.go"]}}`,
		`{"content":"second five minutes","entities":{"files":["b.go"]}}`,
		`{"content":"hour rollup","entities":{}}`,
	}}
	agg, rawEvents, summaries := newTestAggregator(t, llm, 1, 2, 3)

	hourStart := int64(100 * 3600)
	appendEventAt(t, rawEvents, "s1", hourStart+10)
	if err := agg.rollup5Min(context.Background(), "s1"); err != nil {
		t.Fatalf("rollup5Min(1): %v", err)
	}
	appendEventAt(t, rawEvents, "s1", hourStart+310)
	if err := agg.rollup5Min(context.Background(), "s1"); err != nil {
		t.Fatalf("rollup5Min(2): %v", err)
	}

	if err := agg.rollupHour(context.Background(), "s1"); err != nil {
		t.Fatalf("rollupHour: %v", err)
	}

	hours, err := summaries.UnrolledUpHourToDay("s1")
	if err != nil {
		t.Fatalf("UnrolledUpHourToDay: %v", err)
	}
	if len(hours) != 1 {
		t.Fatalf("expected one hour summary, got %d", len(hours))
	}
	if hours[0].EventCount != 2 {
		t.Errorf("event_count = %d, want 2", hours[0].EventCount)
	}

	remaining, err := summaries.UnrolledUpFor5MinToHour("s1")
	if err != nil {
		t.Fatalf("UnrolledUpFor5MinToHour after promotion: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected both 5min summaries to be linked to the hour, got %d unlinked", len(remaining))
	}
}

func TestDrillDownResolvesDayToHourToFiveMin(t *testing.T) {
	llm := &stubLLM{responses: []string{
		`{"content":"five min","entities":{}}`,
		`{"content":"hour","entities":{}}`,
		`{"content":"day","entities":{}}`,
	}}
	agg, rawEvents, summaries := newTestAggregator(t, llm, 1, 1, 1)

	dayStart := int64(10 * 86400)
	appendEventAt(t, rawEvents, "s1", dayStart+10)
	if err := agg.rollup5Min(context.Background(), "s1"); err != nil {
		t.Fatalf("rollup5Min: %v", err)
	}
	if err := agg.rollupHour(context.Background(), "s1"); err != nil {
		t.Fatalf("rollupHour: %v", err)
	}
	if err := agg.rollupDay(context.Background(), "s1"); err != nil {
		t.Fatalf("rollupDay: %v", err)
	}

	days, err := summaries.RecentDaySummaries("s1", 10)
	if err != nil || len(days) != 1 {
		t.Fatalf("RecentDaySummaries: %v, %d days", err, len(days))
	}

	day, hours, err := summaries.DrillDownDay(days[0].ID)
	if err != nil {
		t.Fatalf("DrillDownDay: %v", err)
	}
	if day == nil || len(hours) != 1 {
		t.Fatalf("expected the day to drill down into one hour, got %+v / %d hours", day, len(hours))
	}

	hour, fives, err := summaries.DrillDownHour(hours[0].ID)
	if err != nil {
		t.Fatalf("DrillDownHour: %v", err)
	}
	if hour == nil || len(fives) != 1 {
		t.Fatalf("expected the hour to drill down into one 5min summary, got %+v / %d", hour, len(fives))
	}

	fiveMin, events, err := summaries.DrillDown5Min(fives[0].ID)
	if err != nil {
		t.Fatalf("DrillDown5Min: %v", err)
	}
	if fiveMin == nil || len(events) != 1 {
		t.Fatalf("expected the 5min summary to drill down into one raw event, got %+v / %d", fiveMin, len(events))
	}
	if events[0].SessionID != "s1" || events[0].TS != dayStart+10 {
		t.Fatalf("expected the original raw event, got %+v", events[0])
	}
}
