package policy

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

// PgvectorStore keeps chunks in the policy_chunks table and searches them with
// the pgvector cosine distance operator. Similarity is 1 - distance.
type PgvectorStore struct {
	pool *pgxpool.Pool
}

// NewPgvectorStore creates a store over pool. The table is created by
// postgres.EnsureSchema.
func NewPgvectorStore(pool *pgxpool.Pool) *PgvectorStore {
	return &PgvectorStore{pool: pool}
}

// Add inserts chunks in one batch. Re-adding a chunk id replaces its content
// but keeps its original insertion position.
func (s *PgvectorStore) Add(ctx context.Context, chunks []authorization.PolicyChunk) error {
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO policy_chunks (id, document_id, sequence, plan_id, drug_id, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
			ON CONFLICT (id) DO UPDATE
			SET content = EXCLUDED.content, embedding = EXCLUDED.embedding,
			    plan_id = EXCLUDED.plan_id, drug_id = EXCLUDED.drug_id
		`, c.ID, c.DocumentID, c.Sequence, c.PlanID, c.DrugID, c.Text, pgvector.NewVector(c.Embedding))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert policy chunks: %w", err)
	}
	return nil
}

// Count implements Store.
func (s *PgvectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM policy_chunks`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Search implements Store.
func (s *PgvectorStore) Search(ctx context.Context, query []float32, topK int, filters Filters, minScore float64) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, sequence, plan_id, drug_id, content, similarity
		FROM (
			SELECT id, document_id, sequence, plan_id, drug_id, content, insert_seq,
			       1 - (embedding <=> $1::vector) AS similarity
			FROM policy_chunks
			WHERE ($2 = '' OR plan_id = '' OR lower(plan_id) = lower($2))
			  AND ($3 = '' OR drug_id = '' OR lower(drug_id) = lower($3))
		) scored
		WHERE similarity >= $4
		ORDER BY similarity DESC, insert_seq ASC
		LIMIT $5
	`, pgvector.NewVector(query), filters.PlanID, filters.DrugID, minScore, topK)
	if err != nil {
		return nil, fmt.Errorf("search policy chunks: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		err := row.Scan(&m.Chunk.ID, &m.Chunk.DocumentID, &m.Chunk.Sequence,
			&m.Chunk.PlanID, &m.Chunk.DrugID, &m.Chunk.Text, &m.Score)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan policy chunks: %w", err)
	}
	return matches, nil
}
