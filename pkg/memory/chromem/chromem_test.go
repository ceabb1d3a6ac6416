package chromem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reverie-ai/reverie/pkg/memory"
	"github.com/reverie-ai/reverie/pkg/memory/chromem"
)

const dims = 4

func snippet(id, userID, characterID, content string, embedding []float32, at time.Time) memory.ConversationSnippet {
	return memory.ConversationSnippet{
		ID:          id,
		UserID:      userID,
		CharacterID: characterID,
		Content:     content,
		Embedding:   embedding,
		CreatedAt:   at,
	}
}

func TestInsertAndSearch(t *testing.T) {
	idx := chromem.NewSnippetIndex(dims)
	ctx := context.Background()
	now := time.Now()

	seed := []memory.ConversationSnippet{
		snippet("s1", "u1", "c1", "we talked about hiking", []float32{1, 0, 0, 0}, now),
		snippet("s2", "u1", "c1", "we talked about cooking", []float32{0, 1, 0, 0}, now),
		snippet("s3", "u2", "c1", "another user's chat", []float32{1, 0, 0, 0}, now),
	}
	for _, sn := range seed {
		if err := idx.InsertSnippet(ctx, sn); err != nil {
			t.Fatalf("InsertSnippet(%s): %v", sn.ID, err)
		}
	}

	results, err := idx.SearchSnippets(ctx, "u1", "c1", []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchSnippets: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if results[0].Snippet.ID != "s1" {
		t.Errorf("want s1 first, got %s", results[0].Snippet.ID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Errorf("not ordered by similarity: %v < %v", results[0].Similarity, results[1].Similarity)
	}
	for _, r := range results {
		if r.Snippet.UserID != "u1" {
			t.Errorf("foreign tenant snippet returned: %+v", r.Snippet)
		}
	}
}

func TestSearchUnknownTenant(t *testing.T) {
	idx := chromem.NewSnippetIndex(dims)

	results, err := idx.SearchSnippets(context.Background(), "nobody", "c1", []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("SearchSnippets: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("want empty results, got %d", len(results))
	}
	if results == nil {
		t.Error("want non-nil slice")
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx := chromem.NewSnippetIndex(dims)
	ctx := context.Background()

	err := idx.InsertSnippet(ctx, snippet("s1", "u1", "c1", "x", []float32{1, 2}, time.Now()))
	if !errors.Is(err, memory.ErrDimensionMismatch) {
		t.Errorf("insert: want ErrDimensionMismatch, got %v", err)
	}

	_, err = idx.SearchSnippets(ctx, "u1", "c1", []float32{1, 2, 3}, 5)
	if !errors.Is(err, memory.ErrDimensionMismatch) {
		t.Errorf("search: want ErrDimensionMismatch, got %v", err)
	}
}

func TestDeleteAndTenants(t *testing.T) {
	idx := chromem.NewSnippetIndex(dims)
	ctx := context.Background()
	now := time.Now()

	for _, sn := range []memory.ConversationSnippet{
		snippet("s1", "u1", "c1", "a", []float32{1, 0, 0, 0}, now),
		snippet("s2", "u1", "c2", "b", []float32{0, 1, 0, 0}, now),
		snippet("s3", "u2", "c1", "c", []float32{0, 0, 1, 0}, now),
	} {
		if err := idx.InsertSnippet(ctx, sn); err != nil {
			t.Fatalf("InsertSnippet: %v", err)
		}
	}

	tenants, err := idx.Tenants(ctx)
	if err != nil {
		t.Fatalf("Tenants: %v", err)
	}
	if len(tenants) != 3 {
		t.Errorf("want 3 tenants, got %v", tenants)
	}

	deleted, err := idx.DeleteSnippets(ctx, "u1", "")
	if err != nil {
		t.Fatalf("DeleteSnippets: %v", err)
	}
	if deleted != 2 {
		t.Errorf("want 2 deleted, got %d", deleted)
	}

	n, err := idx.CountSnippets(ctx, "u2", "c1")
	if err != nil {
		t.Fatalf("CountSnippets: %v", err)
	}
	if n != 1 {
		t.Errorf("u2 affected by u1 delete: count %d", n)
	}
}

func TestPrune(t *testing.T) {
	idx := chromem.NewSnippetIndex(dims)
	ctx := context.Background()
	now := time.Now()

	for _, sn := range []memory.ConversationSnippet{
		snippet("old1", "u1", "c1", "old", []float32{1, 0, 0, 0}, now.Add(-48*time.Hour)),
		snippet("old2", "u1", "c1", "old", []float32{0, 1, 0, 0}, now.Add(-36*time.Hour)),
		snippet("new1", "u1", "c1", "new", []float32{0, 0, 1, 0}, now.Add(-time.Hour)),
		snippet("new2", "u1", "c1", "new", []float32{0, 0, 0, 1}, now),
	} {
		if err := idx.InsertSnippet(ctx, sn); err != nil {
			t.Fatalf("InsertSnippet: %v", err)
		}
	}

	pruned, err := idx.PruneByAge(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneByAge: %v", err)
	}
	if pruned != 2 {
		t.Errorf("PruneByAge: want 2, got %d", pruned)
	}

	pruned, err = idx.PruneByCount(ctx, "u1", "c1", 1)
	if err != nil {
		t.Fatalf("PruneByCount: %v", err)
	}
	if pruned != 1 {
		t.Errorf("PruneByCount: want 1, got %d", pruned)
	}

	results, err := idx.SearchSnippets(ctx, "u1", "c1", []float32{0, 0, 0, 1}, 5)
	if err != nil {
		t.Fatalf("SearchSnippets: %v", err)
	}
	if len(results) != 1 || results[0].Snippet.ID != "new2" {
		t.Errorf("wrong survivor: %+v", results)
	}
}
