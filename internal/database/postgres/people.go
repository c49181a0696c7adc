package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/database"
)

// PersonRepository provides PostgreSQL-backed person storage.
type PersonRepository struct {
	pool *Pool
}

// NewPersonRepository creates a new person repository.
func NewPersonRepository(pool *Pool) *PersonRepository {
	return &PersonRepository{pool: pool}
}

// CreatePerson registers a new person.
func (r *PersonRepository) CreatePerson(ctx context.Context, personID, name string) (*database.Person, error) {
	p := &database.Person{PersonID: personID, Name: name}

	err := r.pool.WithTx(ctx, nil, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO people (person_id, name)
			VALUES ($1, $2)
			RETURNING created_at, updated_at
		`, personID, name).Scan(&p.CreatedAt, &p.UpdatedAt)
	})
	if err != nil {
		return nil, classify("create person", err, fmt.Sprintf("person %q already exists", personID), "")
	}
	return p, nil
}

// GetPerson returns a person with their embedding count.
func (r *PersonRepository) GetPerson(ctx context.Context, personID string) (*database.Person, error) {
	var p database.Person

	err := r.pool.WithTx(ctx, &sql.TxOptions{ReadOnly: true}, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT p.person_id, p.name, p.created_at, p.updated_at, COUNT(e.id)
			FROM people p
			LEFT JOIN embeddings e ON e.person_id = p.person_id
			WHERE p.person_id = $1
			GROUP BY p.person_id
		`, personID).Scan(&p.PersonID, &p.Name, &p.CreatedAt, &p.UpdatedAt, &p.NumEmbeddings)
	})
	if isNoRows(err) {
		return nil, apperr.NotFound("get person", "person %q not found", personID)
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return &p, nil
}

// ListPersons returns a page of persons ordered by person_id along with the total count.
func (r *PersonRepository) ListPersons(ctx context.Context, offset, limit int) (*database.PersonPage, error) {
	page := &database.PersonPage{Persons: []database.Person{}}

	err := r.pool.WithTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM people").Scan(&page.Total); err != nil {
			return fmt.Errorf("count persons: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT p.person_id, p.name, p.created_at, p.updated_at, COUNT(e.id)
			FROM people p
			LEFT JOIN embeddings e ON e.person_id = p.person_id
			GROUP BY p.person_id
			ORDER BY p.person_id
			LIMIT $1 OFFSET $2
		`, limit, offset)
		if err != nil {
			return fmt.Errorf("query persons: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var p database.Person
			if err := rows.Scan(&p.PersonID, &p.Name, &p.CreatedAt, &p.UpdatedAt, &p.NumEmbeddings); err != nil {
				return fmt.Errorf("scan person: %w", err)
			}
			page.Persons = append(page.Persons, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// DeletePerson removes a person. Embeddings go with it through ON DELETE CASCADE
// within the same statement.
func (r *PersonRepository) DeletePerson(ctx context.Context, personID string) error {
	return r.pool.WithTx(ctx, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM people WHERE person_id = $1", personID)
		if err != nil {
			return fmt.Errorf("delete person: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete person rows affected: %w", err)
		}
		if n == 0 {
			return apperr.NotFound("delete person", "person %q not found", personID)
		}
		return nil
	})
}
