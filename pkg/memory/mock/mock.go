// Package mock provides in-memory test doubles for the memory store interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.FactStore{}
//	store.SearchFactsResult = []memory.Fact{{Key: "pet_name", Value: "Biscuit"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("SearchFacts"); got != 1 {
//	    t.Errorf("expected 1 SearchFacts call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// FactStore mock
// ─────────────────────────────────────────────────────────────────────────────

// FactStore is a configurable test double for [memory.FactStore].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil (empty slice returned).
type FactStore struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// UpsertFactErr is returned by [FactStore.UpsertFact] when non-nil.
	UpsertFactErr error

	// GetFactsResult is returned by [FactStore.GetFacts].
	// When nil, GetFacts returns an empty non-nil slice.
	GetFactsResult []memory.Fact

	// GetFactsErr is returned by [FactStore.GetFacts] when non-nil.
	GetFactsErr error

	// SearchFactsResult is returned by [FactStore.SearchFacts].
	// When nil, SearchFacts returns an empty non-nil slice.
	SearchFactsResult []memory.Fact

	// SearchFactsErr is returned by [FactStore.SearchFacts] when non-nil.
	SearchFactsErr error

	// SearchFactsDelay pauses SearchFacts before returning, to simulate a
	// slow backend in timeout tests.
	SearchFactsDelay time.Duration

	// ListFactKeysResult is returned by [FactStore.ListFactKeys].
	ListFactKeysResult []string

	// ListFactKeysErr is returned by [FactStore.ListFactKeys] when non-nil.
	ListFactKeysErr error

	// CountFactsByTypeResult is returned by [FactStore.CountFactsByType].
	CountFactsByTypeResult map[memory.FactType]int

	// CountFactsByTypeErr is returned by [FactStore.CountFactsByType] when non-nil.
	CountFactsByTypeErr error

	// DeleteFactsResult is returned by [FactStore.DeleteFacts].
	DeleteFactsResult int64

	// DeleteFactsErr is returned by [FactStore.DeleteFacts] when non-nil.
	DeleteFactsErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *FactStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *FactStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *FactStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// UpsertedFacts returns the facts passed to [FactStore.UpsertFact], in order.
func (m *FactStore) UpsertedFacts() []memory.Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Fact
	for _, c := range m.calls {
		if c.Method == "UpsertFact" {
			out = append(out, c.Args[0].(memory.Fact))
		}
	}
	return out
}

// UpsertFact implements [memory.FactStore].
func (m *FactStore) UpsertFact(_ context.Context, fact memory.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertFact", Args: []any{fact}})
	return m.UpsertFactErr
}

// GetFacts implements [memory.FactStore].
func (m *FactStore) GetFacts(_ context.Context, userID, characterID string, opts ...memory.FactQueryOpt) ([]memory.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetFacts", Args: []any{userID, characterID, opts}})
	if m.GetFactsResult == nil {
		return []memory.Fact{}, m.GetFactsErr
	}
	out := make([]memory.Fact, len(m.GetFactsResult))
	copy(out, m.GetFactsResult)
	return out, m.GetFactsErr
}

// SearchFacts implements [memory.FactStore].
func (m *FactStore) SearchFacts(ctx context.Context, userID, characterID string, keywords []string, limit int) ([]memory.Fact, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "SearchFacts", Args: []any{userID, characterID, keywords, limit}})
	delay := m.SearchFactsDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SearchFactsResult == nil {
		return []memory.Fact{}, m.SearchFactsErr
	}
	out := make([]memory.Fact, len(m.SearchFactsResult))
	copy(out, m.SearchFactsResult)
	return out, m.SearchFactsErr
}

// ListFactKeys implements [memory.FactStore].
func (m *FactStore) ListFactKeys(_ context.Context, userID, characterID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListFactKeys", Args: []any{userID, characterID}})
	if m.ListFactKeysResult == nil {
		return []string{}, m.ListFactKeysErr
	}
	out := make([]string, len(m.ListFactKeysResult))
	copy(out, m.ListFactKeysResult)
	return out, m.ListFactKeysErr
}

// CountFactsByType implements [memory.FactStore].
func (m *FactStore) CountFactsByType(_ context.Context, userID, characterID string) (map[memory.FactType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CountFactsByType", Args: []any{userID, characterID}})
	out := make(map[memory.FactType]int, len(m.CountFactsByTypeResult))
	for k, v := range m.CountFactsByTypeResult {
		out[k] = v
	}
	return out, m.CountFactsByTypeErr
}

// DeleteFacts implements [memory.FactStore].
func (m *FactStore) DeleteFacts(_ context.Context, userID, characterID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteFacts", Args: []any{userID, characterID}})
	return m.DeleteFactsResult, m.DeleteFactsErr
}

// Ensure FactStore satisfies the interface at compile time.
var _ memory.FactStore = (*FactStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// SnippetIndex mock
// ─────────────────────────────────────────────────────────────────────────────

// SnippetIndex is a configurable test double for [memory.SnippetIndex].
type SnippetIndex struct {
	mu sync.Mutex

	calls []Call

	// InsertSnippetErr is returned by [SnippetIndex.InsertSnippet] when non-nil.
	InsertSnippetErr error

	// SearchSnippetsResult is returned by [SnippetIndex.SearchSnippets].
	// When nil, SearchSnippets returns an empty non-nil slice.
	SearchSnippetsResult []memory.SnippetResult

	// SearchSnippetsErr is returned by [SnippetIndex.SearchSnippets] when non-nil.
	SearchSnippetsErr error

	// SearchSnippetsDelay pauses SearchSnippets before returning, to simulate
	// a slow backend in timeout tests.
	SearchSnippetsDelay time.Duration

	// CountSnippetsResult is returned by [SnippetIndex.CountSnippets].
	CountSnippetsResult int

	// CountSnippetsErr is returned by [SnippetIndex.CountSnippets] when non-nil.
	CountSnippetsErr error

	// DeleteSnippetsResult is returned by [SnippetIndex.DeleteSnippets].
	DeleteSnippetsResult int64

	// DeleteSnippetsErr is returned by [SnippetIndex.DeleteSnippets] when non-nil.
	DeleteSnippetsErr error

	// TenantsResult is returned by [SnippetIndex.Tenants].
	TenantsResult []memory.Tenant

	// TenantsErr is returned by [SnippetIndex.Tenants] when non-nil.
	TenantsErr error

	// PruneByAgeResult is returned by [SnippetIndex.PruneByAge].
	PruneByAgeResult int64

	// PruneByAgeErr is returned by [SnippetIndex.PruneByAge] when non-nil.
	PruneByAgeErr error

	// PruneByCountResult is returned by [SnippetIndex.PruneByCount].
	PruneByCountResult int64

	// PruneByCountErr is returned by [SnippetIndex.PruneByCount] when non-nil.
	PruneByCountErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SnippetIndex) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SnippetIndex) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *SnippetIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// InsertedSnippets returns the snippets passed to [SnippetIndex.InsertSnippet],
// in order.
func (m *SnippetIndex) InsertedSnippets() []memory.ConversationSnippet {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.ConversationSnippet
	for _, c := range m.calls {
		if c.Method == "InsertSnippet" {
			out = append(out, c.Args[0].(memory.ConversationSnippet))
		}
	}
	return out
}

// InsertSnippet implements [memory.SnippetIndex].
func (m *SnippetIndex) InsertSnippet(_ context.Context, snippet memory.ConversationSnippet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "InsertSnippet", Args: []any{snippet}})
	return m.InsertSnippetErr
}

// SearchSnippets implements [memory.SnippetIndex].
func (m *SnippetIndex) SearchSnippets(ctx context.Context, userID, characterID string, embedding []float32, topK int) ([]memory.SnippetResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "SearchSnippets", Args: []any{userID, characterID, embedding, topK}})
	delay := m.SearchSnippetsDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SearchSnippetsResult == nil {
		return []memory.SnippetResult{}, m.SearchSnippetsErr
	}
	out := make([]memory.SnippetResult, len(m.SearchSnippetsResult))
	copy(out, m.SearchSnippetsResult)
	return out, m.SearchSnippetsErr
}

// CountSnippets implements [memory.SnippetIndex].
func (m *SnippetIndex) CountSnippets(_ context.Context, userID, characterID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CountSnippets", Args: []any{userID, characterID}})
	return m.CountSnippetsResult, m.CountSnippetsErr
}

// DeleteSnippets implements [memory.SnippetIndex].
func (m *SnippetIndex) DeleteSnippets(_ context.Context, userID, characterID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteSnippets", Args: []any{userID, characterID}})
	return m.DeleteSnippetsResult, m.DeleteSnippetsErr
}

// Tenants implements [memory.SnippetIndex].
func (m *SnippetIndex) Tenants(_ context.Context) ([]memory.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Tenants", Args: nil})
	if m.TenantsResult == nil {
		return []memory.Tenant{}, m.TenantsErr
	}
	out := make([]memory.Tenant, len(m.TenantsResult))
	copy(out, m.TenantsResult)
	return out, m.TenantsErr
}

// PruneByAge implements [memory.SnippetIndex].
func (m *SnippetIndex) PruneByAge(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "PruneByAge", Args: []any{cutoff}})
	return m.PruneByAgeResult, m.PruneByAgeErr
}

// PruneByCount implements [memory.SnippetIndex].
func (m *SnippetIndex) PruneByCount(_ context.Context, userID, characterID string, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "PruneByCount", Args: []any{userID, characterID, keep}})
	return m.PruneByCountResult, m.PruneByCountErr
}

// Ensure SnippetIndex satisfies the interface at compile time.
var _ memory.SnippetIndex = (*SnippetIndex)(nil)
