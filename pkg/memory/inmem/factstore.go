// Package inmem provides an in-memory implementation of [memory.FactStore].
//
// It backs the chromem development backend, where nothing survives a restart
// anyway and requiring a PostgreSQL instance would defeat the point. The
// semantics match the postgres implementation, including last-writer-wins
// conflict resolution on upserts.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// Ensure FactStore implements memory.FactStore at compile time.
var _ memory.FactStore = (*FactStore)(nil)

// factIdentity is the uniqueness key for a stored fact.
type factIdentity struct {
	userID      string
	characterID string
	factType    memory.FactType
	key         string
}

// FactStore is a map-backed [memory.FactStore]. Safe for concurrent use.
type FactStore struct {
	mu    sync.RWMutex
	facts map[factIdentity]memory.Fact
}

// NewFactStore returns an empty in-memory fact store.
func NewFactStore() *FactStore {
	return &FactStore{
		facts: make(map[factIdentity]memory.Fact),
	}
}

// UpsertFact implements [memory.FactStore]. A write older than the stored
// fact's LastUpdated is a no-op.
func (s *FactStore) UpsertFact(_ context.Context, fact memory.Fact) error {
	id := factIdentity{fact.UserID, fact.CharacterID, fact.Type, fact.Key}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.facts[id]; ok && fact.LastUpdated.Before(existing.LastUpdated) {
		return nil
	}
	s.facts[id] = fact
	return nil
}

// GetFacts implements [memory.FactStore].
func (s *FactStore) GetFacts(_ context.Context, userID, characterID string, opts ...memory.FactQueryOpt) ([]memory.Fact, error) {
	params := memory.ApplyFactQueryOpts(opts)

	s.mu.RLock()
	out := s.tenantFacts(userID, characterID, func(f memory.Fact) bool {
		return len(params.Types) == 0 || containsType(params.Types, f.Type)
	})
	s.mu.RUnlock()

	sortNewestFirst(out)
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

// SearchFacts implements [memory.FactStore]. A fact matches when its Key
// equals a keyword or its Value contains one, case-insensitively.
func (s *FactStore) SearchFacts(_ context.Context, userID, characterID string, keywords []string, limit int) ([]memory.Fact, error) {
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}

	s.mu.RLock()
	out := s.tenantFacts(userID, characterID, func(f memory.Fact) bool {
		key := strings.ToLower(f.Key)
		value := strings.ToLower(f.Value)
		for _, kw := range lowered {
			if key == kw || strings.Contains(value, kw) {
				return true
			}
		}
		return false
	})
	s.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListFactKeys implements [memory.FactStore].
func (s *FactStore) ListFactKeys(_ context.Context, userID, characterID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	keys := []string{}
	for id := range s.facts {
		if id.userID != userID || id.characterID != characterID {
			continue
		}
		if _, dup := seen[id.key]; dup {
			continue
		}
		seen[id.key] = struct{}{}
		keys = append(keys, id.key)
	}
	sort.Strings(keys)
	return keys, nil
}

// CountFactsByType implements [memory.FactStore].
func (s *FactStore) CountFactsByType(_ context.Context, userID, characterID string) (map[memory.FactType]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[memory.FactType]int)
	for id := range s.facts {
		if id.userID == userID && id.characterID == characterID {
			counts[id.factType]++
		}
	}
	return counts, nil
}

// DeleteFacts implements [memory.FactStore].
func (s *FactStore) DeleteFacts(_ context.Context, userID, characterID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id := range s.facts {
		if id.userID != userID {
			continue
		}
		if characterID != "" && id.characterID != characterID {
			continue
		}
		delete(s.facts, id)
		removed++
	}
	return removed, nil
}

// tenantFacts collects the tenant's facts passing the filter. Caller must
// hold at least a read lock.
func (s *FactStore) tenantFacts(userID, characterID string, match func(memory.Fact) bool) []memory.Fact {
	out := []memory.Fact{}
	for id, f := range s.facts {
		if id.userID != userID || id.characterID != characterID {
			continue
		}
		if match(f) {
			out = append(out, f)
		}
	}
	return out
}

func sortNewestFirst(facts []memory.Fact) {
	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].LastUpdated.After(facts[j].LastUpdated)
	})
}

func containsType(types []memory.FactType, t memory.FactType) bool {
	for _, ft := range types {
		if ft == t {
			return true
		}
	}
	return false
}
