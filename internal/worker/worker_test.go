package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/reverie-ai/reverie/internal/bus"
	busmock "github.com/reverie-ai/reverie/internal/bus/mock"
	"github.com/reverie-ai/reverie/internal/extract"
	"github.com/reverie-ai/reverie/pkg/memory"
	memmock "github.com/reverie-ai/reverie/pkg/memory/mock"
	embmock "github.com/reverie-ai/reverie/pkg/provider/embeddings/mock"
	"github.com/reverie-ai/reverie/pkg/provider/llm"
	llmmock "github.com/reverie-ai/reverie/pkg/provider/llm/mock"
)

// ── ChunkText ────────────────────────────────────────────────────────────────

// TestChunkText checks chunk sizing and lossless reassembly.
func TestChunkText(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		size       int
		wantChunks int
	}{
		{"empty", "", 10, 0},
		{"shorter than size", "hello", 10, 1},
		{"exact multiple", strings.Repeat("a", 20), 10, 2},
		{"remainder chunk", strings.Repeat("a", 25), 10, 3},
		{"default size", strings.Repeat("a", 1200), 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkText(tt.input, tt.size)
			if len(chunks) != tt.wantChunks {
				t.Fatalf("expected %d chunks, got %d", tt.wantChunks, len(chunks))
			}
			if got := strings.Join(chunks, ""); got != tt.input {
				t.Errorf("reassembly mismatch: got %d bytes, want %d", len(got), len(tt.input))
			}
		})
	}
}

// TestChunkText_RuneBoundaries checks that multi-byte characters are never
// split.
func TestChunkText_RuneBoundaries(t *testing.T) {
	input := strings.Repeat("日本語テキスト", 40) // 240 runes, 720 bytes
	chunks := ChunkText(input, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		for _, r := range c {
			if r == '�' {
				t.Fatalf("chunk %d contains a broken rune", i)
			}
		}
	}
	if strings.Join(chunks, "") != input {
		t.Error("reassembly mismatch")
	}
}

// ── Pool ─────────────────────────────────────────────────────────────────────

func testTurn() bus.ConversationTurn {
	return bus.ConversationTurn{
		UserID:      "user-1",
		CharacterID: "char-1",
		UserMessage: "My cat is named Whiskers and I love sushi",
		AIResponse:  "Whiskers sounds adorable! Sushi is a great choice.",
		Timestamp:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func factJSON() string {
	return `{"facts": [
		{"fact_type": "relationship", "fact_key": "pet_name", "fact_value": "cat named Whiskers"},
		{"fact_type": "preference", "fact_key": "favorite_food", "fact_value": "sushi"}
	]}`
}

type poolFixture struct {
	pool     *Pool
	llm      *llmmock.Provider
	facts    *memmock.FactStore
	snippets *memmock.SnippetIndex
}

func newPoolFixture(t *testing.T, opts ...Option) *poolFixture {
	t.Helper()
	f := &poolFixture{
		llm:      &llmmock.Provider{CompleteResult: &llm.CompletionResponse{Content: factJSON()}},
		facts:    &memmock.FactStore{},
		snippets: &memmock.SnippetIndex{},
	}
	extractor, err := extract.NewExtractor(f.llm)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	f.pool, err = NewPool(busmock.NewBus(), extractor, f.facts, f.snippets, &embmock.Deterministic{Dims: 4}, opts...)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return f
}

// TestHandleTurn_StoresFactsAndSnippets checks the full happy path.
func TestHandleTurn_StoresFactsAndSnippets(t *testing.T) {
	f := newPoolFixture(t)
	turn := testTurn()

	if err := f.pool.HandleTurn(context.Background(), turn); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	facts := f.facts.UpsertedFacts()
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	for _, fact := range facts {
		if fact.UserID != turn.UserID || fact.CharacterID != turn.CharacterID {
			t.Errorf("fact has wrong tenant: %+v", fact)
		}
		if !fact.LastUpdated.Equal(turn.Timestamp) {
			t.Errorf("fact timestamp is %v, want turn timestamp %v", fact.LastUpdated, turn.Timestamp)
		}
	}

	snippets := f.snippets.InsertedSnippets()
	if len(snippets) != 1 {
		t.Fatalf("expected 1 snippet, got %d", len(snippets))
	}
	s := snippets[0]
	if !strings.Contains(s.Content, "User: "+turn.UserMessage) {
		t.Errorf("snippet missing user message: %q", s.Content)
	}
	if !strings.Contains(s.Content, "Assistant: "+turn.AIResponse) {
		t.Errorf("snippet missing assistant message: %q", s.Content)
	}
	if len(s.Embedding) != 4 {
		t.Errorf("expected 4-d embedding, got %d", len(s.Embedding))
	}
	if !s.CreatedAt.Equal(turn.Timestamp) {
		t.Errorf("snippet created_at is %v, want %v", s.CreatedAt, turn.Timestamp)
	}
}

// TestHandleTurn_ChunksLongTurns checks multi-chunk turns embed in one batch.
func TestHandleTurn_ChunksLongTurns(t *testing.T) {
	emb := &embmock.Provider{DimensionsValue: 4}
	emb.EmbedBatchResult = [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}

	llmp := &llmmock.Provider{CompleteResult: &llm.CompletionResponse{Content: `{"facts": []}`}}
	extractor, err := extract.NewExtractor(llmp)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	snippets := &memmock.SnippetIndex{}
	pool, err := NewPool(busmock.NewBus(), extractor, &memmock.FactStore{}, snippets, emb, WithChunkSize(100))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	turn := testTurn()
	turn.UserMessage = strings.Repeat("a", 230)
	turn.AIResponse = ""

	if err := pool.HandleTurn(context.Background(), turn); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	if n := len(emb.EmbedBatchCalls); n != 1 {
		t.Fatalf("expected 1 batch call, got %d", n)
	}
	// "User: " prefix makes 236 runes, so three 100-rune chunks.
	if n := len(emb.EmbedBatchCalls[0].Texts); n != 3 {
		t.Fatalf("expected 3 chunks in batch, got %d", n)
	}
	inserted := snippets.InsertedSnippets()
	if len(inserted) != 3 {
		t.Fatalf("expected 3 snippets, got %d", len(inserted))
	}
	var joined strings.Builder
	for _, s := range inserted {
		joined.WriteString(s.Content)
	}
	if joined.String() != "User: "+turn.UserMessage {
		t.Error("chunks do not reassemble the turn text")
	}
}

// TestHandleTurn_StableSnippetIDs checks that re-delivery produces identical
// snippet ids.
func TestHandleTurn_StableSnippetIDs(t *testing.T) {
	f := newPoolFixture(t)
	turn := testTurn()

	if err := f.pool.HandleTurn(context.Background(), turn); err != nil {
		t.Fatalf("first HandleTurn: %v", err)
	}
	if err := f.pool.HandleTurn(context.Background(), turn); err != nil {
		t.Fatalf("second HandleTurn: %v", err)
	}

	inserted := f.snippets.InsertedSnippets()
	if len(inserted) != 2 {
		t.Fatalf("expected 2 insert attempts, got %d", len(inserted))
	}
	if inserted[0].ID != inserted[1].ID {
		t.Errorf("re-delivery produced different ids: %q vs %q", inserted[0].ID, inserted[1].ID)
	}
}

// TestHandleTurn_FactFailureDoesNotBlockSnippets checks path independence.
func TestHandleTurn_FactFailureDoesNotBlockSnippets(t *testing.T) {
	f := newPoolFixture(t)
	f.facts.UpsertFactErr = errors.New("postgres down")

	err := f.pool.HandleTurn(context.Background(), testTurn())
	if err == nil {
		t.Fatal("expected error from fact path")
	}
	if errors.Is(err, bus.ErrPermanent) {
		t.Error("transient store failure must not be permanent")
	}
	if n := len(f.snippets.InsertedSnippets()); n != 1 {
		t.Errorf("snippet path should have run, got %d inserts", n)
	}
}

// TestHandleTurn_SnippetFailureDoesNotBlockFacts checks the other direction.
func TestHandleTurn_SnippetFailureDoesNotBlockFacts(t *testing.T) {
	f := newPoolFixture(t)
	f.snippets.InsertSnippetErr = errors.New("index down")

	err := f.pool.HandleTurn(context.Background(), testTurn())
	if err == nil {
		t.Fatal("expected error from snippet path")
	}
	if n := len(f.facts.UpsertedFacts()); n != 2 {
		t.Errorf("fact path should have run, got %d upserts", n)
	}
}

// TestHandleTurn_DimensionMismatchIsPermanent checks permanent-error
// classification for the bus.
func TestHandleTurn_DimensionMismatchIsPermanent(t *testing.T) {
	f := newPoolFixture(t)
	f.snippets.InsertSnippetErr = memory.ErrDimensionMismatch

	err := f.pool.HandleTurn(context.Background(), testTurn())
	if !errors.Is(err, bus.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !errors.Is(err, memory.ErrDimensionMismatch) {
		t.Errorf("cause should still be inspectable: %v", err)
	}
}

// TestHandleTurn_ExtractionFailurePropagates checks that an LLM outage leaves
// the turn retryable.
func TestHandleTurn_ExtractionFailurePropagates(t *testing.T) {
	f := newPoolFixture(t)
	f.llm.CompleteErr = errors.New("rate limited")

	err := f.pool.HandleTurn(context.Background(), testTurn())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, bus.ErrPermanent) {
		t.Error("LLM outage must not be permanent")
	}
}

// TestHandleTurn_EmptyExtractionStillStoresSnippets checks that a factless
// turn still lands in the vector index.
func TestHandleTurn_EmptyExtractionStillStoresSnippets(t *testing.T) {
	f := newPoolFixture(t)
	f.llm.CompleteResult = &llm.CompletionResponse{Content: `{"facts": []}`}

	if err := f.pool.HandleTurn(context.Background(), testTurn()); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if n := len(f.facts.UpsertedFacts()); n != 0 {
		t.Errorf("expected no facts, got %d", n)
	}
	if n := len(f.snippets.InsertedSnippets()); n != 1 {
		t.Errorf("expected 1 snippet, got %d", n)
	}
}

// TestRun_ConsumesFromBus checks end to end delivery through the pool.
func TestRun_ConsumesFromBus(t *testing.T) {
	b := busmock.NewBus()
	llmp := &llmmock.Provider{CompleteResult: &llm.CompletionResponse{Content: factJSON()}}
	extractor, err := extract.NewExtractor(llmp)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	facts := &memmock.FactStore{}
	pool, err := NewPool(b, extractor, facts, &memmock.SnippetIndex{}, &embmock.Deterministic{Dims: 4}, WithWorkers(2))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	if err := b.Publish(context.Background(), testTurn()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(facts.UpsertedFacts()) < 2 {
		select {
		case <-deadline:
			t.Fatal("turn never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
