package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/models"
	"github.com/opencode-ai/opencode-mem/internal/store"
)

// ChatCompleter is the subset of llmgateway.Gateway the summarizer depends
// on, narrowed to an interface for testability.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, systemPrompt, schemaHint string, messages []llmgateway.Message, result any) error
}

// Summarizer produces the structured end-of-session artifact from a
// session's prompt timeline, through the LLM Gateway rather than talking to
// a model endpoint directly.
type Summarizer struct {
	llm       ChatCompleter
	summaries *store.SessionSummaryStore
	enabled   bool
}

func NewSummarizer(llm ChatCompleter, summaries *store.SessionSummaryStore, enabled bool) *Summarizer {
	return &Summarizer{llm: llm, summaries: summaries, enabled: enabled}
}

func (s *Summarizer) IsEnabled() bool { return s.enabled }

const summarySystemPrompt = `You summarize a coding agent session from its literal user prompts and a
timeline of what the agent did. Produce a structured summary a future
session could use to resume the work. Respond with exactly one JSON
object, no prose, no markdown fences.`

const summarySchemaHint = `Schema:
{
  "request": "what the user originally asked for",
  "investigated": "what was explored and why",
  "learned": "decisions made, gotchas discovered, what worked or didn't",
  "completed": "what was actually finished",
  "next_steps": "what remains to be done"
}
Every field is required; use an empty string only when genuinely nothing applies.`

type llmSessionSummary struct {
	Request      string `json:"request"`
	Investigated string `json:"investigated"`
	Learned      string `json:"learned"`
	Completed    string `json:"completed"`
	NextSteps    string `json:"next_steps"`
}

// Summarize generates and persists the session's structured summary from
// its prompt timeline plus a compact rendering of what the agent did
// (e.g. RawEvent or Observation text, supplied by the caller).
func (s *Summarizer) Summarize(ctx context.Context, sessionID string, prompts []*models.UserPrompt, timeline string) (*models.SessionSummary, error) {
	if !s.enabled {
		return nil, apperr.New(apperr.Permanent, "session summarization disabled")
	}
	if len(prompts) == 0 {
		return nil, apperr.New(apperr.ValidationFailed, "no prompts to summarize")
	}

	prompt := "User prompts:\n"
	for _, p := range prompts {
		prompt += fmt.Sprintf("%d. %s\n", p.PromptNumber, truncate(p.Text, 500))
	}
	if timeline != "" {
		prompt += "\nAgent timeline:\n" + truncate(timeline, 12000)
	}

	var out llmSessionSummary
	if err := s.llm.ChatCompletion(ctx, summarySystemPrompt, summarySchemaHint, []llmgateway.Message{{Role: "user", Content: prompt}}, &out); err != nil {
		return nil, fmt.Errorf("summarize session: %w", err)
	}

	sum := &models.SessionSummary{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Request:      out.Request,
		Investigated: out.Investigated,
		Learned:      out.Learned,
		Completed:    out.Completed,
		NextSteps:    out.NextSteps,
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.summaries.Create(sum); err != nil {
		return nil, fmt.Errorf("persist session summary: %w", err)
	}
	return sum, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
