package database

import (
	"context"
	"sort"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
)

// VectorStore is the storage capability the matcher and pipeline depend on.
type VectorStore interface {
	// InsertEmbedding stores a vector for an existing person and returns its id.
	// Fails with a validation error for an unknown person or a wrong dimension.
	InsertEmbedding(ctx context.Context, personID string, vector []float32, sourceImage string) (int64, error)
	// QueryNearest returns up to limit embeddings ordered by ascending Euclidean
	// distance, ties broken by embedding id.
	QueryNearest(ctx context.Context, vector []float32, limit int) ([]Neighbor, error)
	// DeletePerson removes a person and all of their embeddings atomically.
	DeletePerson(ctx context.Context, personID string) error
}

// PersonRegistry manages the people table.
type PersonRegistry interface {
	// CreatePerson registers a new person. Fails with a conflict error on duplicates.
	CreatePerson(ctx context.Context, personID, name string) (*Person, error)
	// GetPerson returns the person with their embedding count, or a not-found error.
	GetPerson(ctx context.Context, personID string) (*Person, error)
	// ListPersons returns persons ordered by person_id.
	ListPersons(ctx context.Context, offset, limit int) (*PersonPage, error)
}

// SnapshotSource loads every stored embedding for the in-process cache.
type SnapshotSource interface {
	// AllEmbeddings returns all embeddings ordered by person_id then id.
	AllEmbeddings(ctx context.Context) ([]StoredEmbedding, error)
}

// Store is the full storage backend.
type Store interface {
	VectorStore
	PersonRegistry
	SnapshotSource

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// SortNeighbors orders neighbors by ascending distance, then embedding id.
func SortNeighbors(n []Neighbor) {
	sort.SliceStable(n, func(i, j int) bool {
		if n[i].Distance != n[j].Distance {
			return n[i].Distance < n[j].Distance
		}
		return n[i].EmbeddingID < n[j].EmbeddingID
	})
}

// ValidateDimension rejects vectors whose length differs from dim.
// A dim of zero accepts any non-empty vector.
func ValidateDimension(op string, vector []float32, dim int) error {
	if len(vector) == 0 {
		return apperr.Validation(op, "embedding is empty")
	}
	if dim > 0 && len(vector) != dim {
		return apperr.Validation(op, "embedding dimension %d does not match %d", len(vector), dim)
	}
	return nil
}
