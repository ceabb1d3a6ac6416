// Package retrieval answers "what should the companion remember right now".
//
// Given a live user message, the engine fans out to the fact store (keyword
// lookup) and the snippet index (semantic lookup) concurrently, each under
// its own deadline. One failed or timed-out sub-query degrades the result to
// the surviving source; only both failing is an error. Results stay in two
// labeled sections, never merged into one ranked list, because a stored fact
// is a higher-confidence claim than a similar-sounding snippet.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reverie-ai/reverie/pkg/memory"
	"github.com/reverie-ai/reverie/pkg/provider/embeddings"
)

// System ceilings on result sizes; they cap prompt growth no matter what the
// caller asks for.
const (
	MaxFactsCeiling    = 50
	MaxSnippetsCeiling = 20

	defaultMaxFacts    = 10
	defaultMaxSnippets = 5

	// defaultSubQueryTimeout bounds each sub-query independently.
	defaultSubQueryTimeout = 2 * time.Second
)

var (
	// ErrEmptyMessage is returned when the query carries no message text.
	ErrEmptyMessage = errors.New("retrieval: message must not be empty")

	// ErrBothSourcesFailed is returned when neither the fact store nor the
	// snippet index produced a result.
	ErrBothSourcesFailed = errors.New("retrieval: both memory sources failed")
)

// Query is one context-retrieval request for a live user message.
type Query struct {
	// UserID identifies the user. Must be non-empty.
	UserID string

	// CharacterID identifies the companion character. Must be non-empty.
	CharacterID string

	// Message is the live user message to retrieve memory for. Must be
	// non-empty.
	Message string

	// MaxFacts caps the facts section. Zero or negative selects the
	// default; values above [MaxFactsCeiling] are clamped.
	MaxFacts int

	// MaxSnippets caps the snippets section. Zero or negative selects the
	// default; values above [MaxSnippetsCeiling] are clamped.
	MaxSnippets int
}

// Result is what the retrieval engine hands back to the chat-serving layer.
// It is always populated on success; empty slices mean "nothing remembered",
// not an error.
type Result struct {
	// Facts are the matched facts, newest first.
	Facts []memory.Fact

	// Snippets are the matched snippets, most similar first.
	Snippets []memory.SnippetResult

	// Degraded is true when one sub-query failed or timed out and the
	// result covers only the surviving source.
	Degraded bool

	// Context is the formatted memory block for the companion prompt.
	Context string
}

// Metrics receives retrieval timings. The observe package provides the real
// implementation; tests leave it unset.
type Metrics interface {
	// RetrievalCompleted is called once per successful retrieval.
	RetrievalCompleted(ctx context.Context, d time.Duration, degraded bool)
	// SubQueryCompleted is called once per sub-query with its source name
	// ("facts" or "snippets").
	SubQueryCompleted(ctx context.Context, source string, d time.Duration, failed bool)
}

type nopMetrics struct{}

func (nopMetrics) RetrievalCompleted(context.Context, time.Duration, bool)        {}
func (nopMetrics) SubQueryCompleted(context.Context, string, time.Duration, bool) {}

// Engine runs parallel memory lookups and fuses the results.
type Engine struct {
	facts    memory.FactStore
	snippets memory.SnippetIndex
	embedder embeddings.Provider
	matcher  KeywordMatcher

	logger     *slog.Logger
	metrics    Metrics
	subTimeout time.Duration

	defaultMaxFacts    int
	defaultMaxSnippets int
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithKeywordMatcher replaces the default n-gram matcher.
func WithKeywordMatcher(m KeywordMatcher) Option {
	return func(e *Engine) {
		e.matcher = m
	}
}

// WithDefaultLimits overrides the fact and snippet limits applied when a
// query leaves them unset. Non-positive values keep the built-in defaults;
// both are still clamped to the system ceilings.
func WithDefaultLimits(maxFacts, maxSnippets int) Option {
	return func(e *Engine) {
		if maxFacts > 0 {
			e.defaultMaxFacts = maxFacts
		}
		if maxSnippets > 0 {
			e.defaultMaxSnippets = maxSnippets
		}
	}
}

// WithSubQueryTimeout sets the per-sub-query deadline. Defaults to 2s.
func WithSubQueryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.subTimeout = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the retrieval metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine constructs a retrieval engine over the given stores and embedder.
func NewEngine(
	facts memory.FactStore,
	snippets memory.SnippetIndex,
	embedder embeddings.Provider,
	opts ...Option,
) (*Engine, error) {
	if facts == nil {
		return nil, fmt.Errorf("retrieval: fact store must not be nil")
	}
	if snippets == nil {
		return nil, fmt.Errorf("retrieval: snippet index must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("retrieval: embedder must not be nil")
	}

	e := &Engine{
		facts:              facts,
		snippets:           snippets,
		embedder:           embedder,
		logger:             slog.Default(),
		metrics:            nopMetrics{},
		subTimeout:         defaultSubQueryTimeout,
		defaultMaxFacts:    defaultMaxFacts,
		defaultMaxSnippets: defaultMaxSnippets,
	}
	for _, o := range opts {
		o(e)
	}
	if e.matcher == nil {
		m, err := NewNGramMatcher(facts)
		if err != nil {
			return nil, err
		}
		e.matcher = m
	}
	return e, nil
}

// RetrieveContext runs both lookups and returns the fused result. It returns
// an error only for invalid input or when both sources fail; a single failing
// source yields a degraded result instead.
func (e *Engine) RetrieveContext(ctx context.Context, q Query) (*Result, error) {
	if q.Message == "" {
		return nil, ErrEmptyMessage
	}
	if q.UserID == "" || q.CharacterID == "" {
		return nil, fmt.Errorf("retrieval: user and character ids must not be empty")
	}
	maxFacts := clamp(q.MaxFacts, e.defaultMaxFacts, MaxFactsCeiling)
	maxSnippets := clamp(q.MaxSnippets, e.defaultMaxSnippets, MaxSnippetsCeiling)

	start := time.Now()

	var (
		facts   []memory.Fact
		factErr error
		snips   []memory.SnippetResult
		snipErr error
	)

	// Sub-query failures are captured, not returned, so one slow source
	// never cancels the other.
	g := new(errgroup.Group)
	g.Go(func() error {
		s := time.Now()
		facts, factErr = e.factLookup(ctx, q, maxFacts)
		e.metrics.SubQueryCompleted(ctx, "facts", time.Since(s), factErr != nil)
		return nil
	})
	g.Go(func() error {
		s := time.Now()
		snips, snipErr = e.vectorLookup(ctx, q, maxSnippets)
		e.metrics.SubQueryCompleted(ctx, "snippets", time.Since(s), snipErr != nil)
		return nil
	})
	_ = g.Wait()

	if factErr != nil && snipErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrBothSourcesFailed, errors.Join(factErr, snipErr))
	}
	if factErr != nil {
		e.logger.Warn("fact lookup degraded", "err", factErr,
			"user_id", q.UserID, "character_id", q.CharacterID)
		facts = []memory.Fact{}
	}
	if snipErr != nil {
		e.logger.Warn("snippet lookup degraded", "err", snipErr,
			"user_id", q.UserID, "character_id", q.CharacterID)
		snips = []memory.SnippetResult{}
	}

	res := &Result{
		Facts:    facts,
		Snippets: snips,
		Degraded: factErr != nil || snipErr != nil,
	}
	res.Context = FormatContext(res.Facts, res.Snippets)

	e.metrics.RetrievalCompleted(ctx, time.Since(start), res.Degraded)
	return res, nil
}

// factLookup unions keyword matches with the tenant's most recent facts,
// newest first. The union matters: a question like "what's my dog called"
// shares no token with the stored key "pet_name", so recency has to carry
// what the keyword heuristic misses.
func (e *Engine) factLookup(ctx context.Context, q Query, maxFacts int) ([]memory.Fact, error) {
	ctx, cancel := context.WithTimeout(ctx, e.subTimeout)
	defer cancel()

	keywords, err := e.matcher.Match(ctx, q.UserID, q.CharacterID, q.Message)
	if err != nil {
		return nil, err
	}

	var matched []memory.Fact
	if len(keywords) > 0 {
		matched, err = e.facts.SearchFacts(ctx, q.UserID, q.CharacterID, keywords, maxFacts)
		if err != nil {
			return nil, err
		}
	}

	recent, err := e.facts.GetFacts(ctx, q.UserID, q.CharacterID, memory.WithFactLimit(maxFacts))
	if err != nil {
		return nil, err
	}

	return fuseFacts(matched, recent, maxFacts), nil
}

// vectorLookup embeds the message and searches the snippet index.
func (e *Engine) vectorLookup(ctx context.Context, q Query, maxSnippets int) ([]memory.SnippetResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.subTimeout)
	defer cancel()

	emb, err := e.embedder.Embed(ctx, q.Message)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed message: %w", err)
	}

	snips, err := e.snippets.SearchSnippets(ctx, q.UserID, q.CharacterID, emb, maxSnippets)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search snippets: %w", err)
	}

	sort.SliceStable(snips, func(i, j int) bool {
		return snips[i].Similarity > snips[j].Similarity
	})
	if len(snips) > maxSnippets {
		snips = snips[:maxSnippets]
	}
	return snips, nil
}

// fuseFacts merges the two fact lists, dedupes by identity and keeps the
// newest maxFacts.
func fuseFacts(matched, recent []memory.Fact, maxFacts int) []memory.Fact {
	type identity struct {
		t   memory.FactType
		key string
	}
	seen := make(map[identity]struct{}, len(matched)+len(recent))
	out := make([]memory.Fact, 0, len(matched)+len(recent))
	for _, f := range append(matched, recent...) {
		id := identity{f.Type, f.Key}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	if len(out) > maxFacts {
		out = out[:maxFacts]
	}
	return out
}

// clamp maps non-positive to def and caps at ceiling.
func clamp(v, def, ceiling int) int {
	if v <= 0 {
		v = def
	}
	if v > ceiling {
		v = ceiling
	}
	return v
}
