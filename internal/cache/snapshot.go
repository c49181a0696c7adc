package cache

import (
	"time"

	"github.com/kozaktomas/face-recognizer/internal/database"
)

// Entry is one cached embedding, widened to float64 for distance math.
type Entry struct {
	EmbeddingID int64
	Vector      []float64
}

// PersonEmbeddings holds one person's cached embeddings in insertion order.
type PersonEmbeddings struct {
	PersonID   string
	Name       string
	Embeddings []Entry
}

// Snapshot is an immutable view of every enrolled embedding. It is shared
// by all readers and never modified after construction.
type Snapshot struct {
	Persons  []*PersonEmbeddings // ordered by person_id
	ByPerson map[string]*PersonEmbeddings
	Count    int
	LoadedAt time.Time

	generation uint64
}

// NewSnapshot builds a snapshot from embeddings ordered by person_id then id.
func NewSnapshot(embs []database.StoredEmbedding, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		ByPerson: make(map[string]*PersonEmbeddings),
		LoadedAt: loadedAt,
	}

	for _, emb := range embs {
		pe, ok := s.ByPerson[emb.PersonID]
		if !ok {
			pe = &PersonEmbeddings{PersonID: emb.PersonID, Name: emb.Name}
			s.ByPerson[emb.PersonID] = pe
			s.Persons = append(s.Persons, pe)
		}

		vec := make([]float64, len(emb.Embedding))
		for i, f := range emb.Embedding {
			vec[i] = float64(f)
		}
		pe.Embeddings = append(pe.Embeddings, Entry{EmbeddingID: emb.ID, Vector: vec})
		s.Count++
	}
	return s
}

// Len returns the number of persons in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Persons)
}
