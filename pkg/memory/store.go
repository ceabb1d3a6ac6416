// Package memory defines the dual-store memory model used by Reverie
// companions.
//
// Long-term memory is split by access pattern:
//
//   - Fact Store ([FactStore]): durable structured facts keyed by
//     (user, character, fact type, fact key). Answers exact questions
//     ("what is the user's pet's name?") via keyword lookup.
//   - Snippet Index ([SnippetIndex]): vector store of embedded conversation
//     chunks. Answers fuzzy questions ("what did we talk about last week?")
//     via cosine similarity search.
//
// Both interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, chromem, in-memory, …) without
// depending on reverie internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrDimensionMismatch is returned by [SnippetIndex.InsertSnippet] and
// [SnippetIndex.SearchSnippets] when an embedding's length does not match the
// index dimension. The condition is permanent: retrying the same write can
// never succeed.
var ErrDimensionMismatch = errors.New("memory: embedding dimension mismatch")

// ─────────────────────────────────────────────────────────────────────────────
// Fact Store
// ─────────────────────────────────────────────────────────────────────────────

// FactStore is the exact-match half of the memory model: a durable table of
// [Fact] records with last-writer-wins upsert semantics.
//
// All queries are strictly tenant-scoped; no operation ever returns another
// tenant's facts. Implementations must be safe for concurrent use.
type FactStore interface {
	// UpsertFact inserts fact or overwrites the existing value for its
	// (UserID, CharacterID, Type, Key) identity. A write whose LastUpdated is
	// older than the stored row's is a no-op, so replayed deliveries and
	// out-of-order arrivals converge on the newest value. The resolution must
	// be a single atomic statement, never read-modify-write.
	UpsertFact(ctx context.Context, fact Fact) error

	// GetFacts returns the tenant's facts ordered by LastUpdated descending.
	// Options narrow the result by fact type or cap the count.
	// Returns an empty (non-nil) slice when no facts exist.
	GetFacts(ctx context.Context, userID, characterID string, opts ...FactQueryOpt) ([]Fact, error)

	// SearchFacts returns the tenant's facts whose Key equals one of the
	// keywords or whose Value contains one of them (case-insensitive),
	// ordered by LastUpdated descending and capped at limit.
	// Returns an empty (non-nil) slice when nothing matches.
	SearchFacts(ctx context.Context, userID, characterID string, keywords []string, limit int) ([]Fact, error)

	// ListFactKeys returns the distinct fact keys stored for the tenant.
	// Returns an empty (non-nil) slice when no facts exist.
	ListFactKeys(ctx context.Context, userID, characterID string) ([]string, error)

	// CountFactsByType counts the tenant's live facts per type.
	CountFactsByType(ctx context.Context, userID, characterID string) (map[FactType]int, error)

	// DeleteFacts removes all facts for userID. A non-empty characterID
	// restricts the delete to that character; empty deletes across all
	// characters. Returns the number of facts removed.
	DeleteFacts(ctx context.Context, userID, characterID string) (int64, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Snippet Index
// ─────────────────────────────────────────────────────────────────────────────

// SnippetIndex is the semantic half of the memory model: a vector store over
// immutable [ConversationSnippet] records.
//
// Callers are responsible for producing embeddings before calling
// InsertSnippet or SearchSnippets. The index dimension is fixed at
// construction; embeddings of any other length are rejected with
// [ErrDimensionMismatch] and never truncated or padded.
//
// Implementations must be safe for concurrent use.
type SnippetIndex interface {
	// InsertSnippet stores a pre-embedded snippet. Snippets are append-only;
	// there is no update path.
	InsertSnippet(ctx context.Context, snippet ConversationSnippet) error

	// SearchSnippets finds the topK snippets of the tenant whose embeddings
	// are closest (cosine) to the query embedding, ordered by descending
	// similarity. Returns an empty (non-nil) slice when the tenant has no
	// snippets.
	SearchSnippets(ctx context.Context, userID, characterID string, embedding []float32, topK int) ([]SnippetResult, error)

	// CountSnippets returns the number of snippets stored for the tenant.
	CountSnippets(ctx context.Context, userID, characterID string) (int, error)

	// DeleteSnippets removes all snippets for userID. A non-empty characterID
	// restricts the delete to that character. Returns the number removed.
	DeleteSnippets(ctx context.Context, userID, characterID string) (int64, error)

	// Tenants returns every (user, character) pair with at least one snippet.
	// Used by the retention job to iterate pruning targets.
	Tenants(ctx context.Context) ([]Tenant, error)

	// PruneByAge removes snippets created before cutoff, across all tenants.
	// Returns the number removed.
	PruneByAge(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneByCount removes the tenant's oldest snippets so that at most keep
	// remain. Returns the number removed.
	PruneByCount(ctx context.Context, userID, characterID string, keep int) (int64, error)
}
