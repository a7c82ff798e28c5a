package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorIndex implements Index on top of the link_vectors table using
// the pgvector extension. It is the fallback when no Qdrant endpoint is
// configured: embeddings live in the same database as the links they
// belong to, and the owner namespace is enforced by joining links.
//
// Upserts must carry the owning link id in metadata so the row can be
// created before the owner store records the vector reference.
type PgvectorIndex struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgvectorIndex creates an index backed by the given connection pool.
func NewPgvectorIndex(pool *pgxpool.Pool, logger *slog.Logger) *PgvectorIndex {
	return &PgvectorIndex{pool: pool, logger: logger}
}

// Upsert stores the embedding for a vector ID, creating the reference row
// if the pipeline has not linked it yet.
func (p *PgvectorIndex) Upsert(ctx context.Context, namespace, vectorID string, vector []float32, metadata map[string]string) error {
	linkID, err := strconv.ParseInt(metadata[MetaLinkID], 10, 64)
	if err != nil {
		return fmt.Errorf("search: pgvector upsert %s: missing or invalid %s metadata: %w", vectorID, MetaLinkID, err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO link_vectors (vector_id, link_id, embedding)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (vector_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		vectorID, linkID, pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("search: pgvector upsert %s: %w", vectorID, err)
	}
	return nil
}

// Query returns the topK nearest embeddings for the owner, best first.
// Scores are cosine similarity (1 - cosine distance).
func (p *PgvectorIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 1
	}

	rows, err := p.pool.Query(ctx,
		`SELECT lv.vector_id, 1 - (lv.embedding <=> $2) AS score, l.url, l.id
		 FROM link_vectors lv
		 JOIN links l ON l.id = lv.link_id
		 WHERE l.owner = $1 AND lv.embedding IS NOT NULL
		 ORDER BY lv.embedding <=> $2 ASC
		 LIMIT $3`,
		namespace, pgvector.NewVector(vector), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m      Match
			score  float64
			url    string
			linkID int64
		)
		if err := rows.Scan(&m.VectorID, &score, &url, &linkID); err != nil {
			return nil, fmt.Errorf("search: scan pgvector match: %w", err)
		}
		m.Score = float32(score)
		m.Metadata = map[string]string{
			MetaURL:    url,
			MetaLinkID: strconv.FormatInt(linkID, 10),
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Delete removes embeddings by vector ID. Rows removed by the link
// cascade are simply absent, which is fine.
func (p *PgvectorIndex) Delete(ctx context.Context, vectorIDs []string) error {
	if len(vectorIDs) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM link_vectors WHERE vector_id = ANY($1)`, vectorIDs,
	); err != nil {
		return fmt.Errorf("search: pgvector delete %d vectors: %w", len(vectorIDs), err)
	}
	return nil
}

// Healthy pings the underlying pool.
func (p *PgvectorIndex) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("search: pgvector unhealthy: %w", err)
	}
	return nil
}
