// Package extract turns conversation exchanges into structured facts using an
// LLM.
//
// The extractor prompts the model for a JSON object and tolerates the usual
// model misbehavior: prose around the JSON, unknown fact types, oversized
// keys. Output that cannot be salvaged yields zero facts rather than an
// error, so one bad completion never blocks the pipeline.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reverie-ai/reverie/pkg/memory"
	"github.com/reverie-ai/reverie/pkg/provider/llm"
)

// maxKeyLen caps fact keys to the column width of the fact store.
const maxKeyLen = 255

// systemPrompt instructs the model to emit structured facts. The fact type
// list must stay in sync with [memory.FactTypes].
const systemPrompt = `You extract long-term memory facts about the user from a conversation between the user and their AI companion.

Return ONLY a JSON object of this exact shape, with no surrounding text:

{"facts": [{"fact_type": "...", "fact_key": "...", "fact_value": "..."}]}

Rules:
- fact_type must be one of: preference, event, relationship, personal_info, goal, habit, other.
- fact_key is a short snake_case identifier for the fact (e.g. "pet_name", "favorite_food").
- fact_value is the fact itself, stated concisely.
- Only include durable facts about the user worth remembering across conversations.
- If the exchange contains no such facts, return {"facts": []}.`

// ExtractedFact is one fact the model pulled out of an exchange, before it is
// bound to a tenant and timestamp.
type ExtractedFact struct {
	Type  memory.FactType
	Key   string
	Value string
}

// Extractor extracts facts from conversation turns via an LLM provider.
type Extractor struct {
	provider    llm.Provider
	logger      *slog.Logger
	temperature float64
	maxTokens   int
}

// Option is a functional option for Extractor.
type Option func(*Extractor)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = l
	}
}

// WithTemperature sets the sampling temperature. Defaults to 0.1; extraction
// wants determinism, not creativity.
func WithTemperature(t float64) Option {
	return func(e *Extractor) {
		e.temperature = t
	}
}

// WithMaxTokens caps the completion length. Defaults to 1024, clamped to the
// provider's maximum output.
func WithMaxTokens(n int) Option {
	return func(e *Extractor) {
		e.maxTokens = n
	}
}

// NewExtractor constructs an Extractor on top of the given LLM provider.
func NewExtractor(provider llm.Provider, opts ...Option) (*Extractor, error) {
	if provider == nil {
		return nil, fmt.Errorf("extract: provider must not be nil")
	}
	e := &Extractor{
		provider:    provider,
		logger:      slog.Default(),
		temperature: 0.1,
		maxTokens:   1024,
	}
	for _, o := range opts {
		o(e)
	}
	if limit := provider.Capabilities().MaxOutputTokens; limit > 0 && e.maxTokens > limit {
		e.maxTokens = limit
	}
	return e, nil
}

// Extract runs one extraction over a user/assistant exchange. A transport or
// model error is returned so the caller can retry the turn; unparseable model
// output is logged and yields an empty, non-nil slice.
func (e *Extractor) Extract(ctx context.Context, userMessage, aiResponse string) ([]ExtractedFact, error) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: formatExchange(userMessage, aiResponse)},
		},
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: completion: %w", err)
	}

	facts, err := e.parse(resp.Content)
	if err != nil {
		e.logger.Warn("discarding unparseable extraction output", "error", err)
		return []ExtractedFact{}, nil
	}
	return facts, nil
}

// formatExchange renders the turn as the user message for the extraction
// prompt.
func formatExchange(userMessage, aiResponse string) string {
	var b strings.Builder
	if userMessage != "" {
		b.WriteString("User: ")
		b.WriteString(userMessage)
		b.WriteString("\n")
	}
	if aiResponse != "" {
		b.WriteString("Assistant: ")
		b.WriteString(aiResponse)
		b.WriteString("\n")
	}
	return b.String()
}

// parse pulls the JSON object out of the completion and validates each fact.
// Invalid entries are skipped with a warning; only a missing or malformed
// object is an error.
func (e *Extractor) parse(content string) ([]ExtractedFact, error) {
	// Models wrap the object in prose or code fences; take the outermost
	// braces.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var payload struct {
		Facts []struct {
			Type  string `json:"fact_type"`
			Key   string `json:"fact_key"`
			Value string `json:"fact_value"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal facts: %w", err)
	}

	facts := make([]ExtractedFact, 0, len(payload.Facts))
	for _, f := range payload.Facts {
		ft := memory.FactType(strings.ToLower(strings.TrimSpace(f.Type)))
		if !ft.IsValid() {
			e.logger.Warn("skipping fact with unknown type", "fact_type", f.Type, "fact_key", f.Key)
			continue
		}
		key := strings.TrimSpace(f.Key)
		value := strings.TrimSpace(f.Value)
		if key == "" || value == "" {
			e.logger.Warn("skipping fact with empty key or value", "fact_key", f.Key)
			continue
		}
		facts = append(facts, ExtractedFact{
			Type:  ft,
			Key:   truncate(key, maxKeyLen),
			Value: value,
		})
	}
	return facts, nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
