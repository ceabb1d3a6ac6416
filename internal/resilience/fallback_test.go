package resilience

import (
	"errors"
	"testing"
	"time"
)

// The group is generic; these tests drive it with plain strings standing in
// for provider backends.

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("openai", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("ollama", "ollama")

	var called string
	err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "openai" {
		t.Fatalf("called = %q, want openai", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := NewFallbackGroup("openai", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("ollama", "ollama")

	var called string
	err := fg.Execute(func(v string) error {
		if v == "openai" {
			return errProviderDown
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "ollama" {
		t.Fatalf("called = %q, want ollama", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("openai", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("ollama", "ollama")

	err := fg.Execute(func(v string) error {
		return errProviderDown
	})
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fg := NewFallbackGroup("openai", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fg.AddFallback("ollama", "ollama")

	// Fail the primary enough to open its breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(v string) error {
			if v == "openai" {
				return errProviderDown
			}
			return nil
		})
	}

	// The primary's breaker is open now; calls should go straight to the
	// fallback.
	var called string
	err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "ollama" {
		t.Fatalf("called = %q, want ollama (openai circuit should be open)", called)
	}
}

func TestExecuteWithResult_Success(t *testing.T) {
	fg := NewFallbackGroup(384, "minilm", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("nomic", 768)

	result, err := ExecuteWithResult(fg, func(dims int) (string, error) {
		if dims == 384 {
			return "from-minilm", nil
		}
		return "from-nomic", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-minilm" {
		t.Fatalf("result = %q, want from-minilm", result)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(384, "minilm", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("nomic", 768)

	result, err := ExecuteWithResult(fg, func(dims int) (string, error) {
		if dims == 384 {
			return "", errProviderDown
		}
		return "from-nomic", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-nomic" {
		t.Fatalf("result = %q, want from-nomic", result)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := NewFallbackGroup(384, "minilm", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(dims int) (string, error) {
		return "", errProviderDown
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
