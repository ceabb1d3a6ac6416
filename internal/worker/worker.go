// Package worker runs the extraction worker pool.
//
// Each worker consumes conversation turns from the bus and writes memory on
// two independent paths: structured facts via LLM extraction, and embedded
// conversation snippets via chunking and batch embedding. A failure on one
// path never blocks or rolls back the other. Transient failures leave the
// turn unacked for re-delivery; dimension mismatches are permanent and
// dead-letter immediately. All writes are idempotent so re-delivery is safe.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reverie-ai/reverie/internal/bus"
	"github.com/reverie-ai/reverie/internal/extract"
	"github.com/reverie-ai/reverie/pkg/memory"
	"github.com/reverie-ai/reverie/pkg/provider/embeddings"
)

// Metrics receives pipeline counters. The observe package provides the real
// implementation; tests leave it unset.
type Metrics interface {
	// TurnProcessed is called once per handled turn.
	TurnProcessed(ctx context.Context)
	// FactsExtracted is called with the number of facts upserted for a turn.
	FactsExtracted(ctx context.Context, n int)
	// ExtractionFailed is called when the LLM extraction call fails.
	ExtractionFailed(ctx context.Context)
}

// nopMetrics is the default Metrics implementation.
type nopMetrics struct{}

func (nopMetrics) TurnProcessed(context.Context)      {}
func (nopMetrics) FactsExtracted(context.Context, int) {}
func (nopMetrics) ExtractionFailed(context.Context)   {}

// Pool consumes the conversation bus with a fixed number of workers.
type Pool struct {
	consumer  bus.Consumer
	extractor *extract.Extractor
	facts     memory.FactStore
	snippets  memory.SnippetIndex
	embedder  embeddings.Provider

	logger    *slog.Logger
	metrics   Metrics
	workers   int
	chunkSize int
}

// Option is a functional option for Pool.
type Option func(*Pool)

// WithWorkers sets the number of concurrent consumers. Defaults to 4.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		p.workers = n
	}
}

// WithChunkSize sets the snippet chunk length in runes. Defaults to
// [DefaultChunkSize].
func WithChunkSize(n int) Option {
	return func(p *Pool) {
		p.chunkSize = n
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithMetrics sets the pipeline metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool constructs a worker pool over the given bus consumer, stores and
// providers.
func NewPool(
	consumer bus.Consumer,
	extractor *extract.Extractor,
	facts memory.FactStore,
	snippets memory.SnippetIndex,
	embedder embeddings.Provider,
	opts ...Option,
) (*Pool, error) {
	if consumer == nil {
		return nil, fmt.Errorf("worker: consumer must not be nil")
	}
	if extractor == nil {
		return nil, fmt.Errorf("worker: extractor must not be nil")
	}
	if facts == nil {
		return nil, fmt.Errorf("worker: fact store must not be nil")
	}
	if snippets == nil {
		return nil, fmt.Errorf("worker: snippet index must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("worker: embedder must not be nil")
	}

	p := &Pool{
		consumer:  consumer,
		extractor: extractor,
		facts:     facts,
		snippets:  snippets,
		embedder:  embedder,
		logger:    slog.Default(),
		metrics:   nopMetrics{},
		workers:   4,
		chunkSize: DefaultChunkSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	return p, nil
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting extraction workers", "workers", p.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		name := fmt.Sprintf("extractor-%d", i)
		g.Go(func() error {
			return p.consumer.Consume(ctx, name, p.HandleTurn)
		})
	}
	return g.Wait()
}

// HandleTurn processes one turn. Exported so the bus handler and tests can
// drive it directly.
func (p *Pool) HandleTurn(ctx context.Context, turn bus.ConversationTurn) error {
	p.metrics.TurnProcessed(ctx)

	// The two paths are independent; run both even when the first fails.
	factErr := p.processFacts(ctx, turn)
	snippetErr := p.processSnippets(ctx, turn)

	err := errors.Join(factErr, snippetErr)
	if err == nil {
		return nil
	}
	if errors.Is(err, memory.ErrDimensionMismatch) {
		// Retrying can never fix a wrong-sized embedding.
		return fmt.Errorf("%w: %w", bus.ErrPermanent, err)
	}
	return err
}

// processFacts extracts facts from the turn and upserts them with the turn's
// timestamp, so replays and out-of-order deliveries resolve to the newest
// conversation state.
func (p *Pool) processFacts(ctx context.Context, turn bus.ConversationTurn) error {
	extracted, err := p.extractor.Extract(ctx, turn.UserMessage, turn.AIResponse)
	if err != nil {
		p.metrics.ExtractionFailed(ctx)
		return fmt.Errorf("worker: extract facts: %w", err)
	}

	var errs []error
	stored := 0
	for _, f := range extracted {
		fact := memory.Fact{
			UserID:      turn.UserID,
			CharacterID: turn.CharacterID,
			Type:        f.Type,
			Key:         f.Key,
			Value:       f.Value,
			LastUpdated: turn.Timestamp,
		}
		if err := p.facts.UpsertFact(ctx, fact); err != nil {
			errs = append(errs, fmt.Errorf("worker: upsert fact %q: %w", f.Key, err))
			continue
		}
		stored++
	}
	p.metrics.FactsExtracted(ctx, stored)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	p.logger.Debug("facts stored",
		"user_id", turn.UserID, "character_id", turn.CharacterID, "count", stored)
	return nil
}

// processSnippets chunks the turn text, embeds all chunks in one batch and
// inserts one snippet per chunk. Snippet ids are derived from the turn so
// re-delivery re-inserts the same rows.
func (p *Pool) processSnippets(ctx context.Context, turn bus.ConversationTurn) error {
	content := combineTurn(turn)
	if content == "" {
		return nil
	}

	chunks := ChunkText(content, p.chunkSize)
	embs, err := p.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("worker: embed chunks: %w", err)
	}
	if len(embs) != len(chunks) {
		return fmt.Errorf("worker: embedder returned %d vectors for %d chunks", len(embs), len(chunks))
	}

	var errs []error
	for i, chunk := range chunks {
		snippet := memory.ConversationSnippet{
			ID:          snippetID(turn, i),
			UserID:      turn.UserID,
			CharacterID: turn.CharacterID,
			Content:     chunk,
			Embedding:   embs[i],
			CreatedAt:   turn.Timestamp,
		}
		if err := p.snippets.InsertSnippet(ctx, snippet); err != nil {
			errs = append(errs, fmt.Errorf("worker: insert snippet %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	p.logger.Debug("snippets stored",
		"user_id", turn.UserID, "character_id", turn.CharacterID, "count", len(chunks))
	return nil
}

// combineTurn renders both sides of the exchange as the snippet source text.
func combineTurn(turn bus.ConversationTurn) string {
	var b strings.Builder
	if turn.UserMessage != "" {
		b.WriteString("User: ")
		b.WriteString(turn.UserMessage)
	}
	if turn.AIResponse != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Assistant: ")
		b.WriteString(turn.AIResponse)
	}
	return b.String()
}

// snippetID derives a stable UUID for chunk i of a turn.
func snippetID(turn bus.ConversationTurn, i int) string {
	seed := fmt.Sprintf("%s|%s|%d|%d", turn.UserID, turn.CharacterID, turn.Timestamp.UnixNano(), i)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}
