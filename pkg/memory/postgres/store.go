package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.FactStore    = (*FactStoreImpl)(nil)
	_ memory.SnippetIndex = (*SnippetIndexImpl)(nil)
)

// Store is the central PostgreSQL-backed memory store for Reverie. It holds a
// single [pgxpool.Pool] and exposes the two halves of the memory model:
//
//   - [Store.Facts] returns a [FactStoreImpl] implementing [memory.FactStore]
//   - [Store.Snippets] returns a [SnippetIndexImpl] implementing [memory.SnippetIndex]
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	facts    *FactStoreImpl
	snippets *SnippetIndexImpl
}

// NewStore creates a new Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memory.ConversationSnippet.Embedding] values (e.g., 384 for
// all-MiniLM-L6-v2). Changing this value after the first migration requires a
// manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		facts:    &FactStoreImpl{pool: pool},
		snippets: &SnippetIndexImpl{pool: pool, dims: embeddingDimensions},
	}, nil
}

// Facts returns the fact store implementation which satisfies [memory.FactStore].
func (s *Store) Facts() *FactStoreImpl { return s.facts }

// Snippets returns the snippet index implementation which satisfies [memory.SnippetIndex].
func (s *Store) Snippets() *SnippetIndexImpl { return s.snippets }

// Ping verifies database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
