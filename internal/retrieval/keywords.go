package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// KeywordMatcher derives fact-lookup keywords from a live user message. The
// heuristic is pluggable; the engine only needs a candidate list to hand to
// the fact store.
type KeywordMatcher interface {
	// Match returns candidate keywords for the tenant, ordered by
	// expected precision. An empty slice is a valid answer.
	Match(ctx context.Context, userID, characterID, message string) ([]string, error)
}

// maxKeywords caps the candidate list so a long message cannot explode the
// fact query.
const maxKeywords = 12

// stopwords are tokens too common to identify a fact.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "at": {}, "be": {}, "but": {},
	"by": {}, "can": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"had": {}, "has": {}, "have": {}, "how": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "me": {}, "my": {}, "not": {}, "of": {}, "on": {},
	"or": {}, "our": {}, "so": {}, "that": {}, "the": {}, "their": {},
	"there": {}, "they": {}, "this": {}, "to": {}, "was": {}, "we": {},
	"were": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "will": {}, "with": {}, "you": {}, "your": {}, "again": {},
	"about": {}, "tell": {}, "know": {}, "remember": {},
}

// Ensure NGramMatcher implements KeywordMatcher at compile time.
var _ KeywordMatcher = (*NGramMatcher)(nil)

// NGramMatcher is the default keyword heuristic: it matches lowercase message
// unigrams and bigrams against the tenant's known fact keys, then appends the
// remaining content tokens so the fact store can substring-match values.
type NGramMatcher struct {
	facts memory.FactStore
}

// NewNGramMatcher constructs the default matcher over a fact store.
func NewNGramMatcher(facts memory.FactStore) (*NGramMatcher, error) {
	if facts == nil {
		return nil, fmt.Errorf("retrieval: fact store must not be nil")
	}
	return &NGramMatcher{facts: facts}, nil
}

// Match implements [KeywordMatcher].
func (m *NGramMatcher) Match(ctx context.Context, userID, characterID, message string) ([]string, error) {
	tokens := tokenize(message)
	if len(tokens) == 0 {
		return []string{}, nil
	}

	keys, err := m.facts.ListFactKeys(ctx, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: list fact keys: %w", err)
	}
	known := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		known[strings.ToLower(k)] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(kw string) {
		if _, dup := seen[kw]; dup || len(out) >= maxKeywords {
			return
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}

	// Known-key matches first; they are exact hits.
	for _, ng := range ngrams(tokens) {
		if _, ok := known[ng]; ok {
			add(ng)
		}
	}
	// Then plain content tokens for value substring matching.
	for _, tok := range tokens {
		add(tok)
	}
	return out, nil
}

// tokenize lowercases the message and keeps content words.
func tokenize(message string) []string {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// ngrams returns unigrams and underscore-joined bigrams, matching the
// snake_case convention fact keys use.
func ngrams(tokens []string) []string {
	out := make([]string, 0, len(tokens)*2)
	out = append(out, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+"_"+tokens[i+1])
	}
	return out
}
