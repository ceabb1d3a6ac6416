package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/reverie-ai/reverie/internal/extract"
	"github.com/reverie-ai/reverie/pkg/provider/llm"
	llmmock "github.com/reverie-ai/reverie/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "hello from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.CompleteCalls))
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteErr: errors.New("primary down"),
	}
	secondary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_Complete_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "ok"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	fb.AddFallback("secondary", secondary)

	// Two failing calls trip the primary's breaker.
	for range 2 {
		if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	primaryCalls := len(primary.CompleteCalls)

	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(primary.CompleteCalls) != primaryCalls {
		t.Fatal("primary should not be called while its breaker is open")
	}
}

func TestLLMFallback_ExtractionSurvivesPrimaryOutage(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{
			Content: `{"facts": [{"fact_type": "personal_info", "fact_key": "pet_name", "fact_value": "Biscuit"}]}`,
		},
	}

	fb := NewLLMFallback(primary, "llm", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("fallback", secondary)

	extractor, err := extract.NewExtractor(fb)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}

	facts, err := extractor.Extract(context.Background(), "My pet is called Biscuit", "Noted!")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("len(facts) = %d, want 1", len(facts))
	}
	if facts[0].Key != "pet_name" || facts[0].Value != "Biscuit" {
		t.Fatalf("facts[0] = %+v, want pet_name=Biscuit", facts[0])
	}
	if len(secondary.CompleteCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	primary := &llmmock.Provider{
		CapabilitiesValue: llm.ModelCapabilities{
			ContextWindow:   128000,
			MaxOutputTokens: 4096,
		},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	caps := fb.Capabilities()
	if caps.ContextWindow != 128000 {
		t.Fatalf("ContextWindow = %d, want 128000", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 4096 {
		t.Fatalf("MaxOutputTokens = %d, want 4096", caps.MaxOutputTokens)
	}
}
