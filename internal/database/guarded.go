package database

import (
	"context"

	"github.com/kozaktomas/face-recognizer/internal/resilience"
)

// GuardedStore routes every Store call through a resilience.Guard.
type GuardedStore struct {
	inner Store
	guard *resilience.Guard
}

var _ Store = (*GuardedStore)(nil)

// NewGuardedStore wraps inner with retry and circuit breaking.
func NewGuardedStore(inner Store, guard *resilience.Guard) *GuardedStore {
	return &GuardedStore{inner: inner, guard: guard}
}

// BreakerState returns the guard's circuit breaker state.
func (s *GuardedStore) BreakerState() string {
	return s.guard.State()
}

func (s *GuardedStore) InsertEmbedding(ctx context.Context, personID string, vector []float32, sourceImage string) (int64, error) {
	return resilience.Execute(ctx, s.guard, "insert embedding", func(ctx context.Context) (int64, error) {
		return s.inner.InsertEmbedding(ctx, personID, vector, sourceImage)
	})
}

func (s *GuardedStore) QueryNearest(ctx context.Context, vector []float32, limit int) ([]Neighbor, error) {
	return resilience.Execute(ctx, s.guard, "query nearest", func(ctx context.Context) ([]Neighbor, error) {
		return s.inner.QueryNearest(ctx, vector, limit)
	})
}

func (s *GuardedStore) DeletePerson(ctx context.Context, personID string) error {
	return s.guard.Do(ctx, "delete person", func(ctx context.Context) error {
		return s.inner.DeletePerson(ctx, personID)
	})
}

func (s *GuardedStore) CreatePerson(ctx context.Context, personID, name string) (*Person, error) {
	return resilience.Execute(ctx, s.guard, "create person", func(ctx context.Context) (*Person, error) {
		return s.inner.CreatePerson(ctx, personID, name)
	})
}

func (s *GuardedStore) GetPerson(ctx context.Context, personID string) (*Person, error) {
	return resilience.Execute(ctx, s.guard, "get person", func(ctx context.Context) (*Person, error) {
		return s.inner.GetPerson(ctx, personID)
	})
}

func (s *GuardedStore) ListPersons(ctx context.Context, offset, limit int) (*PersonPage, error) {
	return resilience.Execute(ctx, s.guard, "list persons", func(ctx context.Context) (*PersonPage, error) {
		return s.inner.ListPersons(ctx, offset, limit)
	})
}

func (s *GuardedStore) AllEmbeddings(ctx context.Context) ([]StoredEmbedding, error) {
	return resilience.Execute(ctx, s.guard, "load embeddings", func(ctx context.Context) ([]StoredEmbedding, error) {
		return s.inner.AllEmbeddings(ctx)
	})
}

// Ping bypasses the guard so health checks see the backend directly.
func (s *GuardedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *GuardedStore) Close() error {
	return s.inner.Close()
}
