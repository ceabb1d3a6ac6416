package openai

import (
	"testing"

	"github.com/reverie-ai/reverie/pkg/provider/llm"
)

// TestNew_MissingAPIKey checks that an empty API key is rejected.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_MissingModel checks that an empty model name is rejected.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestBuildParams_Roles checks role conversion and system prompt placement.
func TestBuildParams_Roles(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a fact extractor.",
		Messages: []llm.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("expected first message to be system")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("expected second message to be user")
	}
	if params.Messages[2].OfAssistant == nil {
		t.Error("expected third message to be assistant")
	}
}

// TestBuildParams_UnknownRole checks that unknown roles are rejected.
func TestBuildParams_UnknownRole(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	_, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "tool", Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

// TestModelCapabilities checks the known-model lookup table.
func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		wantContext int
		wantMaxOut  int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"unknown-model", 128_000, 4_096},
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
