package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// FactStoreImpl is the structured-fact half of the memory model, backed by a
// PostgreSQL facts table keyed on (user_id, character_id, fact_type, fact_key).
//
// Obtain one via [Store.Facts] rather than constructing directly.
// All methods are safe for concurrent use.
type FactStoreImpl struct {
	pool *pgxpool.Pool
}

// UpsertFact implements [memory.FactStore]. Conflict resolution happens inside
// a single statement: the row is only overwritten when the incoming
// last_updated is at least as new as the stored one, so stale re-deliveries
// lose regardless of arrival order.
func (s *FactStoreImpl) UpsertFact(ctx context.Context, fact memory.Fact) error {
	const q = `
		INSERT INTO facts
		    (user_id, character_id, fact_type, fact_key, fact_value, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, character_id, fact_type, fact_key) DO UPDATE SET
		    fact_value   = EXCLUDED.fact_value,
		    last_updated = EXCLUDED.last_updated
		WHERE EXCLUDED.last_updated >= facts.last_updated`

	_, err := s.pool.Exec(ctx, q,
		fact.UserID,
		fact.CharacterID,
		string(fact.Type),
		fact.Key,
		fact.Value,
		fact.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("fact store: upsert: %w", err)
	}
	return nil
}

// GetFacts implements [memory.FactStore]. Results are ordered by last_updated
// descending (newest facts first).
func (s *FactStoreImpl) GetFacts(ctx context.Context, userID, characterID string, opts ...memory.FactQueryOpt) ([]memory.Fact, error) {
	params := memory.ApplyFactQueryOpts(opts)

	args := []any{userID, characterID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"user_id = $1", "character_id = $2"}
	if len(params.Types) > 0 {
		types := make([]string, len(params.Types))
		for i, t := range params.Types {
			types[i] = string(t)
		}
		conditions = append(conditions, "fact_type = ANY("+next(types)+")")
	}

	limitClause := ""
	if params.Limit > 0 {
		limitClause = "LIMIT " + next(params.Limit)
	}

	q := fmt.Sprintf(`
		SELECT user_id, character_id, fact_type, fact_key, fact_value, last_updated
		FROM   facts
		WHERE  %s
		ORDER  BY last_updated DESC
		%s`, strings.Join(conditions, "\n  AND "), limitClause)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fact store: get facts: %w", err)
	}
	return collectFacts(rows)
}

// SearchFacts implements [memory.FactStore]. A fact matches when its key
// equals one of the keywords or its value contains one of them
// (case-insensitive). Empty keyword lists match nothing.
func (s *FactStoreImpl) SearchFacts(ctx context.Context, userID, characterID string, keywords []string, limit int) ([]memory.Fact, error) {
	if len(keywords) == 0 {
		return []memory.Fact{}, nil
	}

	args := []any{userID, characterID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var matches []string
	for _, kw := range keywords {
		matches = append(matches, "fact_key = "+next(kw))
		matches = append(matches, "fact_value ILIKE "+next("%"+escapeLike(kw)+"%"))
	}

	limitClause := ""
	if limit > 0 {
		limitClause = "LIMIT " + next(limit)
	}

	q := fmt.Sprintf(`
		SELECT user_id, character_id, fact_type, fact_key, fact_value, last_updated
		FROM   facts
		WHERE  user_id = $1
		  AND  character_id = $2
		  AND  (%s)
		ORDER  BY last_updated DESC
		%s`, strings.Join(matches, " OR "), limitClause)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fact store: search: %w", err)
	}
	return collectFacts(rows)
}

// ListFactKeys implements [memory.FactStore].
func (s *FactStoreImpl) ListFactKeys(ctx context.Context, userID, characterID string) ([]string, error) {
	const q = `
		SELECT DISTINCT fact_key
		FROM   facts
		WHERE  user_id = $1 AND character_id = $2`

	rows, err := s.pool.Query(ctx, q, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("fact store: list keys: %w", err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("fact store: scan keys: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// CountFactsByType implements [memory.FactStore].
func (s *FactStoreImpl) CountFactsByType(ctx context.Context, userID, characterID string) (map[memory.FactType]int, error) {
	const q = `
		SELECT fact_type, count(*)
		FROM   facts
		WHERE  user_id = $1 AND character_id = $2
		GROUP  BY fact_type`

	rows, err := s.pool.Query(ctx, q, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("fact store: count by type: %w", err)
	}

	counts := make(map[memory.FactType]int)
	var (
		factType string
		n        int
	)
	if _, err := pgx.ForEachRow(rows, []any{&factType, &n}, func() error {
		counts[memory.FactType(factType)] = n
		return nil
	}); err != nil {
		return nil, fmt.Errorf("fact store: scan counts: %w", err)
	}
	return counts, nil
}

// DeleteFacts implements [memory.FactStore].
func (s *FactStoreImpl) DeleteFacts(ctx context.Context, userID, characterID string) (int64, error) {
	q := `DELETE FROM facts WHERE user_id = $1`
	args := []any{userID}
	if characterID != "" {
		q += ` AND character_id = $2`
		args = append(args, characterID)
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("fact store: delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// collectFacts scans a fact result set into a non-nil slice.
func collectFacts(rows pgx.Rows) ([]memory.Fact, error) {
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Fact, error) {
		var (
			f        memory.Fact
			factType string
		)
		if err := row.Scan(
			&f.UserID,
			&f.CharacterID,
			&factType,
			&f.Key,
			&f.Value,
			&f.LastUpdated,
		); err != nil {
			return memory.Fact{}, err
		}
		f.Type = memory.FactType(factType)
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fact store: scan rows: %w", err)
	}
	if facts == nil {
		facts = []memory.Fact{}
	}
	return facts, nil
}

// escapeLike escapes the LIKE metacharacters %, _ and \ in a keyword so that
// user-supplied text is matched literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
