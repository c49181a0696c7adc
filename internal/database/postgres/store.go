package postgres

import (
	"context"

	"github.com/kozaktomas/face-recognizer/internal/database"
)

// Store combines the person and embedding repositories into a database.Store.
type Store struct {
	*PersonRepository
	*EmbeddingRepository
	pool *Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a Store over pool.
func NewStore(pool *Pool, dim, efSearch int) *Store {
	return &Store{
		PersonRepository:    NewPersonRepository(pool),
		EmbeddingRepository: NewEmbeddingRepository(pool, dim, efSearch),
		pool:                pool,
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
