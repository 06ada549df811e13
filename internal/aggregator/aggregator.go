// Package aggregator is the Hierarchical Aggregator (C7): it rolls raw,
// append-only tool-interaction events up into 5-minute, hour, and day
// summaries, strictly per session, per spec.md §4.7.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

// ChatCompleter is the subset of llmgateway.Gateway the aggregator depends
// on, narrowed to an interface for testability.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, systemPrompt, schemaHint string, messages []llmgateway.Message, result any) error
}

// Aggregator owns the per-session, per-bucket rollup pipeline. A single
// cross-session batch would starve sessions whose events are scattered
// thinly across time, so every pass is scoped to one session at a time.
type Aggregator struct {
	rawEvents *store.RawEventStore
	summaries *store.SummaryStore
	llm       ChatCompleter

	instanceID        string
	visibilityTimeout time.Duration
	min5MinEvents     int
	minForHour        int
	minForDay         int

	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAggregator(
	rawEvents *store.RawEventStore,
	summaries *store.SummaryStore,
	llm ChatCompleter,
	instanceID string,
	visibilityTimeout time.Duration,
	min5MinEvents, minForHour, minForDay int,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		rawEvents:         rawEvents,
		summaries:         summaries,
		llm:               llm,
		instanceID:        instanceID,
		visibilityTimeout: visibilityTimeout,
		min5MinEvents:     min5MinEvents,
		minForHour:        minForHour,
		minForDay:         minForDay,
		logger:            logger,
	}
}

// Run starts the periodic rollup sweep. Callers stop it by canceling ctx and
// draining with Wait.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.SweepOnce(ctx)
			}
		}
	}()
}

func (a *Aggregator) Wait() { a.wg.Wait() }

// SweepOnce runs one rollup pass over the sessions that have unaggregated
// raw events older than five minutes: 5-minute windows first, then hour and
// day rollups for those same sessions. A session without such a raw-event
// backlog is not visited, so its un-promoted 5-minute or hour summaries are
// only rolled up on a later pass in which it has a backlog again.
func (a *Aggregator) SweepOnce(ctx context.Context) {
	sessions, err := a.rawEvents.DistinctSessionsWithBacklog(5 * time.Minute)
	if err != nil {
		a.logger.Error("list sessions with backlog failed", "error", err)
		return
	}
	for _, sessionID := range sessions {
		if err := a.rollup5Min(ctx, sessionID); err != nil {
			a.logger.Error("5min rollup failed", "session_id", sessionID, "error", err)
		}
	}
	for _, sessionID := range sessions {
		if err := a.rollupHour(ctx, sessionID); err != nil {
			a.logger.Error("hour rollup failed", "session_id", sessionID, "error", err)
		}
		if err := a.rollupDay(ctx, sessionID); err != nil {
			a.logger.Error("day rollup failed", "session_id", sessionID, "error", err)
		}
	}
}

const leaseBatchLimit = 500

func (a *Aggregator) rollup5Min(ctx context.Context, sessionID string) error {
	events, err := a.rawEvents.LeaseUnaggregatedForSession(sessionID, a.instanceID, leaseBatchLimit, a.visibilityTimeout)
	if err != nil {
		return fmt.Errorf("lease unaggregated events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	now := time.Now().Unix()
	buckets := make(map[int64][]*models.RawEvent)
	for _, e := range events {
		key := e.TS / models.Window5Min
		buckets[key] = append(buckets[key], e)
	}

	keys := sortedKeys(buckets)
	for _, key := range keys {
		windowEnd := (key + 1) * models.Window5Min
		if windowEnd > now {
			// Window is still open; leave its events leased for a later pass
			// rather than summarizing an incomplete bucket.
			continue
		}
		bucket := buckets[key]
		if len(bucket) < a.min5MinEvents {
			// Below threshold: events stay claimed until the lease expires and
			// a future sweep re-evaluates them alongside whatever arrives next.
			continue
		}
		if err := a.summarize5MinWindow(ctx, sessionID, key*models.Window5Min, windowEnd, bucket); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) summarize5MinWindow(ctx context.Context, sessionID string, start, end int64, events []*models.RawEvent) error {
	project := ""
	texts := make([]string, 0, len(events))
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		if project == "" {
			project = e.Project
		}
		texts = append(texts, fmt.Sprintf("[%s] %s", e.EventType, truncate(string(e.Content), 600)))
		ids = append(ids, e.ID)
	}

	content, entities, err := a.summarizeText(ctx, windowSystemPrompt, texts)
	if err != nil {
		return fmt.Errorf("summarize 5min window: %w", err)
	}
	if content == "" {
		return apperr.New(apperr.Permanent, "llm produced an empty 5min summary; rejecting rather than corrupting the hierarchy")
	}

	sum := &models.Summary5min{}
	sum.TSStart, sum.TSEnd, sum.SessionID, sum.Project = start, end, sessionID, project
	sum.Content, sum.EventCount, sum.Entities = content, len(events), entities

	id, err := a.summaries.Create5Min(sum)
	if err != nil {
		return fmt.Errorf("create 5min summary: %w", err)
	}
	return a.rawEvents.MarkAggregated(ids, id)
}

func (a *Aggregator) rollupHour(ctx context.Context, sessionID string) error {
	fives, err := a.summaries.UnrolledUpFor5MinToHour(sessionID)
	if err != nil {
		return fmt.Errorf("list unrolled 5min summaries: %w", err)
	}
	if len(fives) == 0 {
		return nil
	}

	now := time.Now().Unix()
	buckets := make(map[int64][]*models.Summary5min)
	for _, s := range fives {
		buckets[s.TSStart/models.WindowHour] = append(buckets[s.TSStart/models.WindowHour], s)
	}

	for _, key := range sortedKeys(buckets) {
		windowEnd := (key + 1) * models.WindowHour
		if windowEnd > now {
			continue
		}
		bucket := buckets[key]
		if len(bucket) < a.minForHour {
			continue
		}
		if err := a.promoteToHour(ctx, sessionID, key*models.WindowHour, windowEnd, bucket); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) promoteToHour(ctx context.Context, sessionID string, start, end int64, fives []*models.Summary5min) error {
	project, texts, ids, entities, eventCount := foldWindows5(fives)

	content, mergedEntities, err := a.summarizeText(ctx, rollupSystemPrompt, texts)
	if err != nil {
		return fmt.Errorf("summarize hour window: %w", err)
	}
	if content == "" {
		return apperr.New(apperr.Permanent, "llm produced an empty hour summary; rejecting rather than corrupting the hierarchy")
	}
	mergedEntities = mergedEntities.Merge(entities)

	sum := &models.SummaryHour{}
	sum.TSStart, sum.TSEnd, sum.SessionID, sum.Project = start, end, sessionID, project
	sum.Content, sum.EventCount, sum.Entities = content, eventCount, mergedEntities

	id, err := a.summaries.CreateHour(sum)
	if err != nil {
		return fmt.Errorf("create hour summary: %w", err)
	}
	return a.summaries.Link5MinToHour(ids, id)
}

func (a *Aggregator) rollupDay(ctx context.Context, sessionID string) error {
	hours, err := a.summaries.UnrolledUpHourToDay(sessionID)
	if err != nil {
		return fmt.Errorf("list unrolled hour summaries: %w", err)
	}
	if len(hours) == 0 {
		return nil
	}

	now := time.Now().Unix()
	buckets := make(map[int64][]*models.SummaryHour)
	for _, s := range hours {
		buckets[s.TSStart/models.WindowDay] = append(buckets[s.TSStart/models.WindowDay], s)
	}

	for _, key := range sortedKeys(buckets) {
		windowEnd := (key + 1) * models.WindowDay
		if windowEnd > now {
			continue
		}
		bucket := buckets[key]
		if len(bucket) < a.minForDay {
			continue
		}
		if err := a.promoteToDay(ctx, sessionID, key*models.WindowDay, windowEnd, bucket); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) promoteToDay(ctx context.Context, sessionID string, start, end int64, hours []*models.SummaryHour) error {
	project, texts, ids, entities, eventCount := foldWindowsHour(hours)

	content, mergedEntities, err := a.summarizeText(ctx, rollupSystemPrompt, texts)
	if err != nil {
		return fmt.Errorf("summarize day window: %w", err)
	}
	if content == "" {
		return apperr.New(apperr.Permanent, "llm produced an empty day summary; rejecting rather than corrupting the hierarchy")
	}
	mergedEntities = mergedEntities.Merge(entities)

	sum := &models.SummaryDay{}
	sum.TSStart, sum.TSEnd, sum.SessionID, sum.Project = start, end, sessionID, project
	sum.Content, sum.EventCount, sum.Entities = content, eventCount, mergedEntities

	id, err := a.summaries.CreateDay(sum)
	if err != nil {
		return fmt.Errorf("create day summary: %w", err)
	}
	return a.summaries.LinkHourToDay(ids, id)
}

func sortedKeys[V any](m map[int64][]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func foldWindows5(fives []*models.Summary5min) (project string, texts []string, ids []int64, entities models.SummaryEntities, eventCount int) {
	for _, f := range fives {
		if project == "" {
			project = f.Project
		}
		texts = append(texts, f.Content)
		ids = append(ids, f.ID)
		entities = entities.Merge(f.Entities)
		eventCount += f.EventCount
	}
	return
}

func foldWindowsHour(hours []*models.SummaryHour) (project string, texts []string, ids []int64, entities models.SummaryEntities, eventCount int) {
	for _, h := range hours {
		if project == "" {
			project = h.Project
		}
		texts = append(texts, h.Content)
		ids = append(ids, h.ID)
		entities = entities.Merge(h.Entities)
		eventCount += h.EventCount
	}
	return
}

const windowSystemPrompt = `You summarize a short window of raw coding-agent tool interactions into a
durable narrative paragraph plus structured entities. Respond with exactly
one JSON object, no prose, no markdown fences.`

const rollupSystemPrompt = `You merge several already-summarized windows into one higher-level summary,
preserving the structured entities. Respond with exactly one JSON object, no
prose, no markdown fences.`

const summarySchemaHint = `Schema:
{ "content": "...", "entities": { "files":[...], "functions":[...], "libraries":[...], "errors":[...], "decisions":[...] } }
"content" must never be empty.`

type llmSummary struct {
	Content  string               `json:"content"`
	Entities models.SummaryEntities `json:"entities"`
}

func (a *Aggregator) summarizeText(ctx context.Context, systemPrompt string, texts []string) (string, models.SummaryEntities, error) {
	prompt := "Window contents:\n"
	for i, t := range texts {
		prompt += fmt.Sprintf("%d. %s\n", i+1, t)
	}

	var out llmSummary
	if err := a.llm.ChatCompletion(ctx, systemPrompt, summarySchemaHint, []llmgateway.Message{{Role: "user", Content: prompt}}, &out); err != nil {
		return "", models.SummaryEntities{}, err
	}
	return out.Content, out.Entities, nil
}

