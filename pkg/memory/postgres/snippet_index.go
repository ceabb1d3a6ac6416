package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// SnippetIndexImpl is the vector half of the memory model, backed by a
// PostgreSQL snippets table with a pgvector HNSW index for fast approximate
// nearest-neighbour search.
//
// Obtain one via [Store.Snippets] rather than constructing directly.
// All methods are safe for concurrent use.
type SnippetIndexImpl struct {
	pool *pgxpool.Pool
	dims int
}

// InsertSnippet implements [memory.SnippetIndex]. Embeddings whose length does
// not match the configured index dimension are rejected with
// [memory.ErrDimensionMismatch] before any SQL runs.
func (s *SnippetIndexImpl) InsertSnippet(ctx context.Context, snippet memory.ConversationSnippet) error {
	if len(snippet.Embedding) != s.dims {
		return fmt.Errorf("snippet index: insert: %w: got %d, want %d",
			memory.ErrDimensionMismatch, len(snippet.Embedding), s.dims)
	}

	// Snippets are immutable; re-inserting the same id (bus re-delivery)
	// is a no-op.
	const q = `
		INSERT INTO snippets
		    (id, user_id, character_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		snippet.ID,
		snippet.UserID,
		snippet.CharacterID,
		snippet.Content,
		pgvector.NewVector(snippet.Embedding),
		snippet.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("snippet index: insert: %w", err)
	}
	return nil
}

// SearchSnippets implements [memory.SnippetIndex]. pgvector's <=> operator
// yields cosine distance; similarity is reported as 1 - distance so results
// are ordered by descending similarity.
func (s *SnippetIndexImpl) SearchSnippets(ctx context.Context, userID, characterID string, embedding []float32, topK int) ([]memory.SnippetResult, error) {
	if len(embedding) != s.dims {
		return nil, fmt.Errorf("snippet index: search: %w: got %d, want %d",
			memory.ErrDimensionMismatch, len(embedding), s.dims)
	}

	const q = `
		SELECT id, user_id, character_id, content, embedding, created_at,
		       embedding <=> $3 AS distance
		FROM   snippets
		WHERE  user_id = $1 AND character_id = $2
		ORDER  BY distance
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, userID, characterID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("snippet index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SnippetResult, error) {
		var (
			sr       memory.SnippetResult
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(
			&sr.Snippet.ID,
			&sr.Snippet.UserID,
			&sr.Snippet.CharacterID,
			&sr.Snippet.Content,
			&vec,
			&sr.Snippet.CreatedAt,
			&distance,
		); err != nil {
			return memory.SnippetResult{}, err
		}
		sr.Snippet.Embedding = vec.Slice()
		sr.Similarity = 1 - distance
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("snippet index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.SnippetResult{}
	}
	return results, nil
}

// CountSnippets implements [memory.SnippetIndex].
func (s *SnippetIndexImpl) CountSnippets(ctx context.Context, userID, characterID string) (int, error) {
	const q = `SELECT count(*) FROM snippets WHERE user_id = $1 AND character_id = $2`

	var n int
	if err := s.pool.QueryRow(ctx, q, userID, characterID).Scan(&n); err != nil {
		return 0, fmt.Errorf("snippet index: count: %w", err)
	}
	return n, nil
}

// DeleteSnippets implements [memory.SnippetIndex].
func (s *SnippetIndexImpl) DeleteSnippets(ctx context.Context, userID, characterID string) (int64, error) {
	q := `DELETE FROM snippets WHERE user_id = $1`
	args := []any{userID}
	if characterID != "" {
		q += ` AND character_id = $2`
		args = append(args, characterID)
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("snippet index: delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Tenants implements [memory.SnippetIndex].
func (s *SnippetIndexImpl) Tenants(ctx context.Context) ([]memory.Tenant, error) {
	const q = `SELECT DISTINCT user_id, character_id FROM snippets`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("snippet index: tenants: %w", err)
	}

	tenants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Tenant, error) {
		var t memory.Tenant
		err := row.Scan(&t.UserID, &t.CharacterID)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("snippet index: scan tenants: %w", err)
	}
	if tenants == nil {
		tenants = []memory.Tenant{}
	}
	return tenants, nil
}

// PruneByAge implements [memory.SnippetIndex].
func (s *SnippetIndexImpl) PruneByAge(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM snippets WHERE created_at < $1`

	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("snippet index: prune by age: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneByCount implements [memory.SnippetIndex]. The newest keep snippets
// survive; older rows beyond the cap are removed.
func (s *SnippetIndexImpl) PruneByCount(ctx context.Context, userID, characterID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	const q = `
		DELETE FROM snippets
		WHERE id IN (
		    SELECT id
		    FROM   snippets
		    WHERE  user_id = $1 AND character_id = $2
		    ORDER  BY created_at DESC
		    OFFSET $3
		)`

	tag, err := s.pool.Exec(ctx, q, userID, characterID, keep)
	if err != nil {
		return 0, fmt.Errorf("snippet index: prune by count: %w", err)
	}
	return tag.RowsAffected(), nil
}
