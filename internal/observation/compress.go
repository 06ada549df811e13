package observation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
	"github.com/opencode-ai/opencode-mem/internal/llmgateway"
	"github.com/opencode-ai/opencode-mem/internal/models"
)

const compressionSystemPrompt = `You compress a single tool interaction from a coding agent session into a
durable, deduplicated observation. Decide whether the interaction should
produce a new observation (CREATE), update an existing candidate
(UPDATE), or be discarded as noise (SKIP). Respond with exactly one JSON
object, no prose, no markdown fences.`

const compressionSchemaHint = `Schema:
{
  "action": "CREATE" | "UPDATE" | "SKIP",
  "target_id": "<id of the candidate being updated, only when action is UPDATE>",
  "observation": {
    "title": "short unique title",
    "narrative": "what happened, in a sentence or two",
    "facts": ["atomic fact", "..."],
    "keywords": ["..."],
    "type": "code" | "decision" | "discovery" | "error" | "pattern" | "reference" | "session" | "other",
    "noise_level": "low" | "medium" | "high",
    "noise_reason": "why this noise level, if not obvious",
    "files_read": ["..."],
    "files_modified": ["..."],
    "concepts": ["..."]
  }
}
"observation" is required unless action is SKIP.`

type llmDecision struct {
	Action      string              `json:"action"`
	TargetID    string              `json:"target_id"`
	Observation *llmObservationBody `json:"observation"`
}

type llmObservationBody struct {
	Title         string   `json:"title"`
	Narrative     string   `json:"narrative"`
	Facts         []string `json:"facts"`
	Keywords      []string `json:"keywords"`
	Type          string   `json:"type"`
	NoiseLevel    string   `json:"noise_level"`
	NoiseReason   string   `json:"noise_reason"`
	FilesRead     []string `json:"files_read"`
	FilesModified []string `json:"files_modified"`
	Concepts      []string `json:"concepts"`
}

// compress builds the compression prompt and calls the LLM Gateway,
// returning the structured CREATE/UPDATE/SKIP decision per spec.md §4.5
// step 3.
func (s *Service) compress(ctx context.Context, interaction string, candidates []*models.Observation) (*llmDecision, error) {
	var dec llmDecision
	prompt := buildCompressionPrompt(interaction, candidates)
	if err := s.llm.ChatCompletion(ctx, compressionSystemPrompt, compressionSchemaHint, []llmgateway.Message{{Role: "user", Content: prompt}}, &dec); err != nil {
		return nil, err
	}

	action := strings.ToUpper(dec.Action)
	if action != "CREATE" && action != "UPDATE" && action != "SKIP" {
		return nil, apperr.New(apperr.Permanent, fmt.Sprintf("llm returned unknown action %q", dec.Action))
	}
	if action != "SKIP" && dec.Observation == nil {
		return nil, apperr.New(apperr.Permanent, "llm CREATE/UPDATE response missing observation body")
	}
	dec.Action = action
	return &dec, nil
}

func buildCompressionPrompt(interaction string, candidates []*models.Observation) string {
	var sb strings.Builder
	sb.WriteString("Tool interaction:\n")
	sb.WriteString(interaction)
	sb.WriteString("\n\nCandidate observations (update one of these by id if it's the same underlying fact):\n")
	if len(candidates) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- id=%s title=%q narrative=%q\n", c.ID, c.Title, c.Narrative)
	}
	return sb.String()
}

// toObservation converts the LLM's response body into a persistable
// Observation. An unrecognized observation_type is logged and rejected with
// ValidationFailed; an unrecognized noise level is logged and defaults to
// medium.
func (s *Service) toObservation(body *llmObservationBody, t ToolInteraction) (*models.Observation, error) {
	if body == nil || strings.TrimSpace(body.Title) == "" {
		return nil, apperr.New(apperr.ValidationFailed, "llm observation body missing a title")
	}

	obsType := models.ObservationType(strings.ToLower(body.Type))
	if !obsType.IsValid() {
		s.logger.Warn("llm returned unknown observation_type, rejecting", "type", body.Type)
		return nil, apperr.New(apperr.ValidationFailed, fmt.Sprintf("unknown observation_type %q", body.Type))
	}

	noise := models.NoiseLevel(strings.ToLower(body.NoiseLevel))
	if !noise.IsValid() {
		s.logger.Warn("llm returned unknown noise_level, defaulting to medium", "noise_level", body.NoiseLevel)
		noise = models.NoiseLevelMedium
	}

	return &models.Observation{
		ID:              uuid.New().String(),
		Title:           body.Title,
		Narrative:       body.Narrative,
		Facts:           body.Facts,
		Keywords:        body.Keywords,
		Type:            obsType,
		NoiseLevel:      noise,
		NoiseReason:     body.NoiseReason,
		FilesRead:       body.FilesRead,
		FilesModified:   body.FilesModified,
		Concepts:        body.Concepts,
		SessionID:       t.SessionID,
		PromptNumber:    t.PromptNumber,
		DiscoveryTokens: int64(len(interactionWords(t.Content))),
	}, nil
}

func interactionWords(s string) []string {
	return strings.Fields(s)
}

const knowledgeSystemPrompt = `You distill a durable fact, decision, or preference from one observation, if
one exists. Respond with exactly one JSON object, no prose, no markdown
fences. If nothing durable is worth keeping, respond with {"title": ""}.`

const knowledgeSchemaHint = `Schema:
{
  "title": "short unique title, or empty string if nothing durable applies",
  "kind": "decision" | "fact" | "pattern" | "preference",
  "body": "the distilled fact"
}`

type llmKnowledge struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
	Body  string `json:"body"`
}

// extractKnowledge is a post-action (spec.md §4.5 step 6): it asks the LLM
// whether the observation contains a durable fact worth promoting into
// global_knowledge, and upserts it if so. Errors here are logged, never
// surfaced to the caller — a failed extraction must not fail the pipeline.
func (s *Service) extractKnowledge(ctx context.Context, obs *models.Observation) {
	var k llmKnowledge
	prompt := fmt.Sprintf("Observation:\ntitle=%q\nnarrative=%q\nfacts=%v\n", obs.Title, obs.Narrative, obs.Facts)
	if err := s.llm.ChatCompletion(ctx, knowledgeSystemPrompt, knowledgeSchemaHint, []llmgateway.Message{{Role: "user", Content: prompt}}, &k); err != nil {
		s.logger.Warn("extract_knowledge failed", "observation_id", obs.ID, "error", err)
		return
	}
	if strings.TrimSpace(k.Title) == "" {
		return
	}

	kind := models.KnowledgeKind(strings.ToLower(k.Kind))
	switch kind {
	case models.KnowledgeKindDecision, models.KnowledgeKindFact, models.KnowledgeKindPattern, models.KnowledgeKindPreference:
	default:
		kind = models.KnowledgeKindFact
	}

	if _, err := s.knowledge.Upsert(&models.Knowledge{
		ID:         uuid.New().String(),
		Title:      k.Title,
		Kind:       kind,
		Body:       k.Body,
		Provenance: []string{obs.ID},
	}); err != nil {
		s.logger.Warn("knowledge upsert failed", "observation_id", obs.ID, "error", err)
	}
}
