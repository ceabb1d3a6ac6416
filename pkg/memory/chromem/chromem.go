// Package chromem provides an embedded, in-process [memory.SnippetIndex]
// backed by chromem-go. It needs no external services and is intended for
// local development and tests; production deployments use the postgres
// backend.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// Compile-time interface check.
var _ memory.SnippetIndex = (*SnippetIndex)(nil)

// SnippetIndex stores snippets in per-tenant chromem-go collections so that
// similarity search is namespace-isolated by construction.
//
// chromem-go has no metadata range queries, so creation times are tracked in a
// side index to support the retention operations.
type SnippetIndex struct {
	db   *chromem.DB
	dims int

	mu          sync.RWMutex
	collections map[memory.Tenant]*chromem.Collection
	createdAt   map[memory.Tenant]map[string]time.Time
}

// NewSnippetIndex creates an empty in-memory index. dims is the required
// embedding dimension; mismatching embeddings are rejected with
// [memory.ErrDimensionMismatch].
func NewSnippetIndex(dims int) *SnippetIndex {
	return &SnippetIndex{
		db:          chromem.NewDB(),
		dims:        dims,
		collections: make(map[memory.Tenant]*chromem.Collection),
		createdAt:   make(map[memory.Tenant]map[string]time.Time),
	}
}

// collectionName derives a stable chromem collection name for a tenant.
func collectionName(t memory.Tenant) string {
	return fmt.Sprintf("tenant_%s_%s", t.UserID, t.CharacterID)
}

// getOrCreate returns the tenant's collection, creating it on first use.
func (s *SnippetIndex) getOrCreate(t memory.Tenant) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[t]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[t]; ok {
		return col, nil
	}

	col, err := s.db.CreateCollection(collectionName(t), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem index: create collection: %w", err)
	}
	s.collections[t] = col
	s.createdAt[t] = make(map[string]time.Time)
	return col, nil
}

// InsertSnippet implements [memory.SnippetIndex].
func (s *SnippetIndex) InsertSnippet(ctx context.Context, snippet memory.ConversationSnippet) error {
	if len(snippet.Embedding) != s.dims {
		return fmt.Errorf("chromem index: insert: %w: got %d, want %d",
			memory.ErrDimensionMismatch, len(snippet.Embedding), s.dims)
	}

	tenant := memory.Tenant{UserID: snippet.UserID, CharacterID: snippet.CharacterID}
	col, err := s.getOrCreate(tenant)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        snippet.ID,
		Content:   snippet.Content,
		Embedding: snippet.Embedding,
		Metadata: map[string]string{
			"user_id":      snippet.UserID,
			"character_id": snippet.CharacterID,
			"created_at":   snippet.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem index: add document: %w", err)
	}

	s.mu.Lock()
	s.createdAt[tenant][snippet.ID] = snippet.CreatedAt
	s.mu.Unlock()
	return nil
}

// SearchSnippets implements [memory.SnippetIndex]. topK is clamped to the
// collection size because chromem rejects nResults larger than the number of
// stored documents.
func (s *SnippetIndex) SearchSnippets(ctx context.Context, userID, characterID string, embedding []float32, topK int) ([]memory.SnippetResult, error) {
	if len(embedding) != s.dims {
		return nil, fmt.Errorf("chromem index: search: %w: got %d, want %d",
			memory.ErrDimensionMismatch, len(embedding), s.dims)
	}

	tenant := memory.Tenant{UserID: userID, CharacterID: characterID}
	s.mu.RLock()
	col, ok := s.collections[tenant]
	s.mu.RUnlock()
	if !ok {
		return []memory.SnippetResult{}, nil
	}

	if n := col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return []memory.SnippetResult{}, nil
	}

	hits, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem index: query: %w", err)
	}

	results := make([]memory.SnippetResult, 0, len(hits))
	for _, hit := range hits {
		created, _ := time.Parse(time.RFC3339Nano, hit.Metadata["created_at"])
		results = append(results, memory.SnippetResult{
			Snippet: memory.ConversationSnippet{
				ID:          hit.ID,
				UserID:      userID,
				CharacterID: characterID,
				Content:     hit.Content,
				Embedding:   hit.Embedding,
				CreatedAt:   created,
			},
			Similarity: float64(hit.Similarity),
		})
	}
	return results, nil
}

// CountSnippets implements [memory.SnippetIndex].
func (s *SnippetIndex) CountSnippets(ctx context.Context, userID, characterID string) (int, error) {
	s.mu.RLock()
	col, ok := s.collections[memory.Tenant{UserID: userID, CharacterID: characterID}]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return col.Count(), nil
}

// DeleteSnippets implements [memory.SnippetIndex]. Entire collections are
// dropped rather than deleting document by document.
func (s *SnippetIndex) DeleteSnippets(ctx context.Context, userID, characterID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for tenant, col := range s.collections {
		if tenant.UserID != userID {
			continue
		}
		if characterID != "" && tenant.CharacterID != characterID {
			continue
		}
		deleted += int64(col.Count())
		if err := s.db.DeleteCollection(collectionName(tenant)); err != nil {
			return deleted, fmt.Errorf("chromem index: delete collection: %w", err)
		}
		delete(s.collections, tenant)
		delete(s.createdAt, tenant)
	}
	return deleted, nil
}

// Tenants implements [memory.SnippetIndex].
func (s *SnippetIndex) Tenants(ctx context.Context) ([]memory.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]memory.Tenant, 0, len(s.collections))
	for tenant := range s.collections {
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

// PruneByAge implements [memory.SnippetIndex].
func (s *SnippetIndex) PruneByAge(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for tenant, ages := range s.createdAt {
		var stale []string
		for id, created := range ages {
			if created.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := s.collections[tenant].Delete(ctx, nil, nil, stale...); err != nil {
			return pruned, fmt.Errorf("chromem index: prune by age: %w", err)
		}
		for _, id := range stale {
			delete(ages, id)
		}
		pruned += int64(len(stale))
	}
	return pruned, nil
}

// PruneByCount implements [memory.SnippetIndex].
func (s *SnippetIndex) PruneByCount(ctx context.Context, userID, characterID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := memory.Tenant{UserID: userID, CharacterID: characterID}
	ages, ok := s.createdAt[tenant]
	if !ok || len(ages) <= keep {
		return 0, nil
	}

	type entry struct {
		id      string
		created time.Time
	}
	entries := make([]entry, 0, len(ages))
	for id, created := range ages {
		entries = append(entries, entry{id: id, created: created})
	}
	// Oldest first.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.Before(entries[j].created)
	})

	excess := entries[:len(entries)-keep]
	stale := make([]string, len(excess))
	for i, e := range excess {
		stale[i] = e.id
	}
	if err := s.collections[tenant].Delete(ctx, nil, nil, stale...); err != nil {
		return 0, fmt.Errorf("chromem index: prune by count: %w", err)
	}
	for _, id := range stale {
		delete(ages, id)
	}
	return int64(len(stale)), nil
}
