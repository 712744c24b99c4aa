// Package pgvector provides a clip search backend backed by a PostgreSQL
// clips table with a pgvector HNSW index.
//
// Clip captions are embedded by the configured embeddings provider at indexing
// time (outside this service); at query time the search text is embedded with
// the same model and the nearest captions are returned by cosine distance.
//
// Usage:
//
//	idx, err := pgvector.NewIndex(ctx, dsn, embedder)
//	if err != nil { … }
//	defer idx.Close()
//
//	candidates, err := idx.Search(ctx, "the warehouse chase", 5)
package pgvector

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/reeltalk/reeltalk/pkg/clipsearch"
	"github.com/reeltalk/reeltalk/pkg/provider/embeddings"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// Ensure Index implements the clipsearch.Searcher interface.
var _ clipsearch.Searcher = (*Index)(nil)

// ddlClips returns the clips DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlClips(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS clips (
    clip_id        TEXT              PRIMARY KEY,
    source_uri     TEXT              NOT NULL,
    start_seconds  DOUBLE PRECISION  NOT NULL,
    end_seconds    DOUBLE PRECISION  NOT NULL,
    caption        TEXT              NOT NULL,
    embedding      vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_clips_embedding
    ON clips USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Index is a pgvector-backed clip searcher. It holds a single [pgxpool.Pool]
// and the embeddings provider used to vectorize queries.
//
// All methods are safe for concurrent use.
type Index struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewIndex creates an Index, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the clips table exists.
//
// The embedder's Dimensions() must match the vector column of any existing
// clips table; changing the embedding model after the first migration requires
// a manual schema change.
func NewIndex(ctx context.Context, dsn string, embedder embeddings.Provider) (*Index, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("clip index: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("clip index: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("clip index: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("clip index: migrate: %w", err)
	}

	return &Index{pool: pool, embedder: embedder}, nil
}

// Migrate creates or ensures the clips table and pgvector extension exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlClips(embeddingDimensions)); err != nil {
		return fmt.Errorf("clip index migrate: %w", err)
	}
	return nil
}

// Search implements clipsearch.Searcher. The query text is embedded and the
// limit nearest captions are returned by ascending cosine distance. A blank
// query or non-positive limit returns an empty result without touching the
// database.
func (idx *Index) Search(ctx context.Context, query string, limit int) ([]types.ClipCandidate, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []types.ClipCandidate{}, nil
	}

	embedding, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("clip index: embed query: %w", err)
	}

	const q = `
		SELECT clip_id, source_uri, start_seconds, end_seconds, caption,
		       embedding <=> $1 AS distance
		FROM   clips
		ORDER  BY distance
		LIMIT  $2`

	rows, err := idx.pool.Query(ctx, q, pgvec.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("clip index: %w: %w", clipsearch.ErrUnavailable, err)
	}

	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ClipCandidate, error) {
		var (
			c        types.ClipCandidate
			distance float64
		)
		if err := row.Scan(
			&c.ClipID,
			&c.SourceURI,
			&c.StartSeconds,
			&c.EndSeconds,
			&c.Caption,
			&distance,
		); err != nil {
			return types.ClipCandidate{}, err
		}
		c.Score = scoreFromDistance(distance)
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("clip index: scan rows: %w", err)
	}
	if candidates == nil {
		candidates = []types.ClipCandidate{}
	}
	return candidates, nil
}

// Ping verifies the database connection, for readiness probes.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (idx *Index) Close() {
	idx.pool.Close()
}

// scoreFromDistance maps a cosine distance in [0, 2] to a relevance score in
// [0, 1], higher is better.
func scoreFromDistance(distance float64) float64 {
	score := 1 - distance/2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
