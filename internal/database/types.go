package database

import (
	"time"
)

// Person is an enrolled identity.
type Person struct {
	PersonID  string    `json:"person_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// NumEmbeddings is populated by GetPerson and ListPersons.
	NumEmbeddings int `json:"num_embeddings"`
}

// StoredEmbedding represents a face embedding stored for a person.
// Embeddings are never mutated after insertion.
type StoredEmbedding struct {
	ID          int64
	PersonID    string
	Name        string // Owner name, populated by AllEmbeddings
	Embedding   []float32
	SourceImage string
	CreatedAt   time.Time
}

// Neighbor is one row of a nearest-neighbor query.
type Neighbor struct {
	EmbeddingID int64
	PersonID    string
	Name        string
	Distance    float64
}

// PersonPage is one page of the person listing.
type PersonPage struct {
	Persons []Person
	Total   int
}
