package resilience

import (
	"context"
	"errors"
	"testing"

	embmock "github.com/reverie-ai/reverie/pkg/provider/embeddings/mock"
)

func TestEmbeddingsFallback_Embed_PrimarySuccess(t *testing.T) {
	primary := &embmock.Provider{EmbedResult: []float32{0.1, 0.2}}
	secondary := &embmock.Provider{EmbedResult: []float32{0.9, 0.9}}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[0] != 0.1 {
		t.Fatalf("vec[0] = %v, want 0.1", vec[0])
	}
	if len(secondary.EmbedCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.EmbedCalls))
	}
}

func TestEmbeddingsFallback_Embed_Failover(t *testing.T) {
	primary := &embmock.Provider{EmbedErr: errors.New("primary down")}
	secondary := &embmock.Provider{EmbedResult: []float32{0.5}}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 1 || vec[0] != 0.5 {
		t.Fatalf("vec = %v, want [0.5]", vec)
	}
	if len(secondary.EmbedCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.EmbedCalls))
	}
}

func TestEmbeddingsFallback_EmbedBatch_AllFail(t *testing.T) {
	primary := &embmock.Provider{EmbedBatchErr: errors.New("primary down")}
	secondary := &embmock.Provider{EmbedBatchErr: errors.New("secondary down")}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.EmbedBatch(context.Background(), []string{"a", "b"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestEmbeddingsFallback_StaticMetadataFromPrimary(t *testing.T) {
	primary := &embmock.Provider{DimensionsValue: 384, ModelIDValue: "primary-model"}
	secondary := &embmock.Provider{DimensionsValue: 768, ModelIDValue: "secondary-model"}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	if got := fb.Dimensions(); got != 384 {
		t.Fatalf("Dimensions = %d, want 384", got)
	}
	if got := fb.ModelID(); got != "primary-model" {
		t.Fatalf("ModelID = %q, want primary-model", got)
	}
}
