// Package memory provides an in-process implementation of database.Store
// backed by an HNSW index. It serves tests and single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/database"
)

// Store is an in-memory database.Store.
type Store struct {
	mu       sync.RWMutex
	dim      int
	persons  map[string]*database.Person
	byPerson map[string][]int64
	index    *database.HNSWIndex
	nextID   int64
	outage   error

	// Error injection, set before use
	InsertError error
	QueryError  error
	DeleteError error
	LoadError   error
}

var _ database.Store = (*Store)(nil)

// NewStore creates an empty store accepting vectors of dimension dim.
func NewStore(dim int) *Store {
	return &Store{
		dim:      dim,
		persons:  make(map[string]*database.Person),
		byPerson: make(map[string][]int64),
		index:    database.NewHNSWIndex(),
	}
}

// SetOutage makes every operation fail with err until called with nil.
func (s *Store) SetOutage(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outage = err
}

func (s *Store) check(ctx context.Context, injected error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.outage != nil {
		return s.outage
	}
	return injected
}

// CreatePerson registers a person.
func (s *Store) CreatePerson(ctx context.Context, personID, name string) (*database.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, nil); err != nil {
		return nil, err
	}

	if _, ok := s.persons[personID]; ok {
		return nil, apperr.Conflict("create person", "person %q already exists", personID)
	}
	now := time.Now().UTC()
	p := &database.Person{PersonID: personID, Name: name, CreatedAt: now, UpdatedAt: now}
	s.persons[personID] = p

	out := *p
	return &out, nil
}

// GetPerson returns a person with their embedding count.
func (s *Store) GetPerson(ctx context.Context, personID string) (*database.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, nil); err != nil {
		return nil, err
	}

	p, ok := s.persons[personID]
	if !ok {
		return nil, apperr.NotFound("get person", "person %q not found", personID)
	}
	out := *p
	out.NumEmbeddings = len(s.byPerson[personID])
	return &out, nil
}

// ListPersons returns a page of persons ordered by person_id.
func (s *Store) ListPersons(ctx context.Context, offset, limit int) (*database.PersonPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, nil); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.persons))
	for id := range s.persons {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	page := &database.PersonPage{Total: len(ids), Persons: []database.Person{}}
	for i := offset; i < len(ids) && len(page.Persons) < limit; i++ {
		p := *s.persons[ids[i]]
		p.NumEmbeddings = len(s.byPerson[p.PersonID])
		page.Persons = append(page.Persons, p)
	}
	return page, nil
}

// InsertEmbedding stores a vector for an existing person.
func (s *Store) InsertEmbedding(ctx context.Context, personID string, vector []float32, sourceImage string) (int64, error) {
	if err := database.ValidateDimension("insert embedding", vector, s.dim); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, s.InsertError); err != nil {
		return 0, err
	}

	p, ok := s.persons[personID]
	if !ok {
		return 0, apperr.Validation("insert embedding", "unknown person %q", personID)
	}

	s.nextID++
	emb := database.StoredEmbedding{
		ID:          s.nextID,
		PersonID:    personID,
		Name:        p.Name,
		Embedding:   append([]float32(nil), vector...),
		SourceImage: sourceImage,
		CreatedAt:   time.Now().UTC(),
	}
	s.index.Add(emb)
	s.byPerson[personID] = append(s.byPerson[personID], emb.ID)
	p.UpdatedAt = emb.CreatedAt
	return emb.ID, nil
}

// QueryNearest returns the limit nearest embeddings to vector.
func (s *Store) QueryNearest(ctx context.Context, vector []float32, limit int) ([]database.Neighbor, error) {
	if err := database.ValidateDimension("query nearest", vector, s.dim); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, s.QueryError); err != nil {
		return nil, err
	}
	return s.index.Search(vector, limit), nil
}

// DeletePerson removes a person and their embeddings in one critical section.
func (s *Store) DeletePerson(ctx context.Context, personID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, s.DeleteError); err != nil {
		return err
	}

	if _, ok := s.persons[personID]; !ok {
		return apperr.NotFound("delete person", "person %q not found", personID)
	}
	s.index.Delete(s.byPerson[personID]...)
	delete(s.byPerson, personID)
	delete(s.persons, personID)
	return nil
}

// AllEmbeddings returns every embedding ordered by person_id then id.
func (s *Store) AllEmbeddings(ctx context.Context) ([]database.StoredEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, s.LoadError); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.byPerson))
	for id := range s.byPerson {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []database.StoredEmbedding
	for _, id := range ids {
		for _, embID := range s.byPerson[id] {
			if emb := s.index.Get(embID); emb != nil {
				out = append(out, *emb)
			}
		}
	}
	return out, nil
}

// Ping reports the injected outage, if any.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx, nil)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
