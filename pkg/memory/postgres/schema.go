// Package postgres provides the PostgreSQL-backed implementation of the
// Reverie dual-store memory model (structured facts + pgvector snippet index).
//
// Both halves share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 384)
//	if err != nil { … }
//
//	// facts
//	_ = store.Facts().UpsertFact(ctx, fact)
//
//	// snippets
//	_ = store.Snippets().InsertSnippet(ctx, snippet)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Facts DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlFacts = `
CREATE TABLE IF NOT EXISTS facts (
    user_id      TEXT          NOT NULL,
    character_id TEXT          NOT NULL,
    fact_type    TEXT          NOT NULL,
    fact_key     VARCHAR(255)  NOT NULL,
    fact_value   TEXT          NOT NULL,
    last_updated TIMESTAMPTZ   NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, character_id, fact_type, fact_key)
);

CREATE INDEX IF NOT EXISTS idx_facts_tenant_updated
    ON facts (user_id, character_id, last_updated DESC);

CREATE INDEX IF NOT EXISTS idx_facts_tenant_type
    ON facts (user_id, character_id, fact_type);
`

// ddlSnippets returns the snippet-index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSnippets(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS snippets (
    id           TEXT         PRIMARY KEY,
    user_id      TEXT         NOT NULL,
    character_id TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    embedding    vector(%d)   NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_snippets_tenant
    ON snippets (user_id, character_id);

CREATE INDEX IF NOT EXISTS idx_snippets_created_at
    ON snippets (created_at);

CREATE INDEX IF NOT EXISTS idx_snippets_embedding
    ON snippets USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 384 for all-MiniLM-L6-v2, 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlFacts,
		ddlSnippets(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
