// Package llmgateway is the LLM Gateway (C4): an opaque chat-completion
// boundary around Anthropic's API with retry, JSON-mode response parsing,
// and transient/permanent error classification, per spec.md §4.4/§7.
package llmgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	maxRetries       = 3
	baseDelay        = 2 * time.Second
	maxOutputTokens  = 4096
)

// Gateway is the chat-completion boundary used by the observation pipeline
// and session summarizer.
type Gateway struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

func New(apiKey, model string, logger *slog.Logger) *Gateway {
	if model == "" {
		model = defaultModel
	}
	return &Gateway{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger,
	}
}

// Message is a single chat turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// ChatCompletion sends messages with a system prompt demanding a JSON
// object response, retries on transient failure with exponential backoff
// and jitter, strips markdown code fences before parsing, and unmarshals
// into result. schemaHint is appended to the system prompt describing the
// expected JSON shape.
func (g *Gateway) ChatCompletion(ctx context.Context, systemPrompt, schemaHint string, messages []Message, result any) error {
	raw, err := g.complete(ctx, systemPrompt+"\n\n"+schemaHint, messages)
	if err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		return apperr.New(apperr.Permanent, "llm returned an empty content string")
	}

	cleaned := stripMarkdownFences(raw)
	if err := json.Unmarshal([]byte(cleaned), result); err != nil {
		return apperr.Wrap(apperr.Permanent, "parse LLM JSON response", err)
	}
	return nil
}

func (g *Gateway) complete(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: maxOutputTokens,
		Messages:  convertMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries+1; attempt++ {
		resp, err := g.client.Messages.New(ctx, params)
		if err == nil {
			return extractText(resp), nil
		}

		lastErr = err
		if !IsTransient(err) {
			return "", apperr.Wrap(apperr.Permanent, "llm chat completion failed", err)
		}
		if attempt < maxRetries {
			delay := jitteredDelay(attempt)
			g.logger.Warn("llm gateway retrying", "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", apperr.Wrap(apperr.Transient, "llm retries exhausted", lastErr)
}

// jitteredDelay returns an exponential backoff duration with up to 50%
// jitter, grounded on the teacher's 2^attempt*baseDelay progression.
func jitteredDelay(attempt int) time.Duration {
	base := baseDelay * time.Duration(1<<attempt)
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// IsTransient classifies an error as retryable: connection failures and
// timeouts, 429, and 500/502/503/504/529 (overloaded) responses. Everything
// else — auth failures, 4xx other than 429, schema-parse failures — is
// permanent, per original_source/llm/src/error.rs's is_transient().
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"429", "500", "502", "503", "504", "529", "overloaded", "Overloaded", "connection reset", "timeout", "context deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func convertMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func extractText(resp *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}
