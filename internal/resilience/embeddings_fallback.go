package resilience

import (
	"context"

	"github.com/reverie-ai/reverie/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with automatic failover
// across multiple embedding backends. It sits on the retrieval hot path, where
// a hung provider would otherwise stall every context lookup until the
// sub-query deadline.
//
// Fallback backends must produce vectors in the same space as the primary;
// mixing models silently corrupts similarity search. The constructor does not
// verify this because [embeddings.Provider.Dimensions] can agree while the
// spaces differ.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional embeddings provider as a fallback.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) {
	f.group.AddFallback(name, provider)
}

// Embed computes the embedding via the first healthy provider.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch computes the batch via the first healthy provider.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the primary's dimensionality. Static metadata does not
// participate in failover.
func (f *EmbeddingsFallback) Dimensions() int {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Dimensions()
	}
	return 0
}

// ModelID returns the primary's model identifier.
func (f *EmbeddingsFallback) ModelID() string {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.ModelID()
	}
	return ""
}
