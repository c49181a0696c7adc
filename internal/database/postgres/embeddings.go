package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingRepository provides PostgreSQL-backed embedding storage.
type EmbeddingRepository struct {
	pool     *Pool
	dim      int
	efSearch int
}

// NewEmbeddingRepository creates a new embedding repository. dim is the
// required vector dimension, efSearch the hnsw.ef_search used for queries.
func NewEmbeddingRepository(pool *Pool, dim, efSearch int) *EmbeddingRepository {
	if efSearch <= 0 {
		efSearch = database.HNSWEfSearch
	}
	return &EmbeddingRepository{pool: pool, dim: dim, efSearch: efSearch}
}

// InsertEmbedding stores a vector for an existing person and bumps the
// person's updated_at in the same transaction.
func (r *EmbeddingRepository) InsertEmbedding(ctx context.Context, personID string, vector []float32, sourceImage string) (int64, error) {
	if err := database.ValidateDimension("insert embedding", vector, r.dim); err != nil {
		return 0, err
	}

	var id int64
	err := r.pool.WithTx(ctx, nil, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO embeddings (person_id, embedding, source_image)
			VALUES ($1, $2, NULLIF($3, ''))
			RETURNING id
		`, personID, pgvector.NewVector(vector), sourceImage).Scan(&id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE people SET updated_at = NOW() WHERE person_id = $1", personID)
		return err
	})
	if err != nil {
		return 0, classify("insert embedding", err, "", fmt.Sprintf("unknown person %q", personID))
	}
	return id, nil
}

// QueryNearest returns the limit nearest embeddings by L2 distance. The inner
// query orders by distance only so pgvector can use the HNSW index; the outer
// query applies the id tie-break.
func (r *EmbeddingRepository) QueryNearest(ctx context.Context, vector []float32, limit int) ([]database.Neighbor, error) {
	if err := database.ValidateDimension("query nearest", vector, r.dim); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var out []database.Neighbor
	err := r.pool.WithTx(ctx, &sql.TxOptions{ReadOnly: true}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearchFor(r.efSearch, limit))); err != nil {
			return fmt.Errorf("set ef_search: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT n.id, n.person_id, p.name, n.distance
			FROM (
				SELECT id, person_id, embedding <-> $1::vector AS distance
				FROM embeddings
				ORDER BY embedding <-> $1::vector
				LIMIT $3
			) n
			JOIN people p ON p.person_id = n.person_id
			ORDER BY n.distance, n.id
			LIMIT $2
		`, pgvector.NewVector(vector), limit, limit*database.HNSWSearchMultiplier)
		if err != nil {
			return fmt.Errorf("query nearest embeddings: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var n database.Neighbor
			if err := rows.Scan(&n.EmbeddingID, &n.PersonID, &n.Name, &n.Distance); err != nil {
				return fmt.Errorf("scan neighbor: %w", err)
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("query nearest", err, "", "")
	}
	return out, nil
}

// maxEfSearch is the largest hnsw.ef_search pgvector accepts.
const maxEfSearch = 1000

// efSearchFor widens the HNSW candidate list to cover limit, within the
// range pgvector accepts. The index scan yields at most ef_search rows.
func efSearchFor(configured, limit int) int {
	return min(max(configured, limit), maxEfSearch)
}

// AllEmbeddings returns every embedding with its owner name from one
// consistent snapshot, ordered by person_id then id.
func (r *EmbeddingRepository) AllEmbeddings(ctx context.Context) ([]database.StoredEmbedding, error) {
	var out []database.StoredEmbedding

	err := r.pool.WithTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT e.id, e.person_id, p.name, e.embedding, COALESCE(e.source_image, ''), e.created_at
			FROM embeddings e
			JOIN people p ON p.person_id = e.person_id
			ORDER BY e.person_id, e.id
		`)
		if err != nil {
			return fmt.Errorf("query embeddings: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var emb database.StoredEmbedding
			var vec pgvector.Vector
			if err := rows.Scan(&emb.ID, &emb.PersonID, &emb.Name, &vec, &emb.SourceImage, &emb.CreatedAt); err != nil {
				return fmt.Errorf("scan embedding: %w", err)
			}
			emb.Embedding = vec.Slice()
			out = append(out, emb)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
