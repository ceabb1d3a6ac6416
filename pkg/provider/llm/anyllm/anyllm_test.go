package anyllm

import (
	"testing"

	"github.com/reverie-ai/reverie/pkg/provider/llm"
)

// ── New ──────────────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name is rejected.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

// TestNew_EmptyModel checks that an empty model name is rejected.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that unknown provider names are rejected.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("not-a-provider", "some-model")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// ── buildParams ──────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptPrepended checks that a SystemPrompt becomes the
// first message with the system role.
func TestBuildParams_SystemPromptPrepended(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a fact extractor.",
		Messages: []llm.Message{
			{Role: "user", Content: "User: hi\nAssistant: hello"},
		},
	})

	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("expected first role system, got %q", params.Messages[0].Role)
	}
	if params.Messages[1].Role != "user" {
		t.Errorf("expected second role user, got %q", params.Messages[1].Role)
	}
	if params.Model != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %q", params.Model)
	}
}

// TestBuildParams_TemperatureAndMaxTokens checks optional parameter wiring.
func TestBuildParams_TemperatureAndMaxTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.3,
		MaxTokens:   512,
	})

	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature not set: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("max tokens not set: %v", params.MaxTokens)
	}
}

// TestBuildParams_ZeroValuesOmitted checks that zero temperature and max
// tokens are left to the provider default.
func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})

	if params.Temperature != nil {
		t.Errorf("expected nil temperature, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("expected nil max tokens, got %v", *params.MaxTokens)
	}
}

// ── modelCapabilities ────────────────────────────────────────────────────────

// TestModelCapabilities checks the known-model lookup table.
func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model           string
		wantContext     int
		wantMaxOut      int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"claude-3-5-haiku-latest", 200_000, 8_192},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"totally-unknown-model", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.wantContext {
				t.Errorf("ContextWindow: got %d, want %d", caps.ContextWindow, tt.wantContext)
			}
			if caps.MaxOutputTokens != tt.wantMaxOut {
				t.Errorf("MaxOutputTokens: got %d, want %d", caps.MaxOutputTokens, tt.wantMaxOut)
			}
		})
	}
}
