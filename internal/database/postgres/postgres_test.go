//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testDim = 192

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}
	if container == nil {
		t.Skip("Docker not available, skipping integration test")
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:       fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MinConns:  2,
		MaxConns:  5,
		VectorDim: testDim,
	}

	pool, err := Initialize(ctx, cfg, zerolog.Nop())
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to initialize pool: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

func unitVector(axis int) []float32 {
	v := make([]float32, testDim)
	v[axis%testDim] = 1
	return v
}

func TestStore(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool, testDim, 100)

	t.Run("Migrations", func(t *testing.T) {
		versions, err := pool.MigrationsApplied(ctx)
		if err != nil {
			t.Fatalf("MigrationsApplied: %v", err)
		}
		if len(versions) == 0 || versions[0] != "001_initial.sql" {
			t.Errorf("versions = %v, want 001_initial.sql first", versions)
		}
		again, err := pool.Migrate(ctx)
		if err != nil {
			t.Fatalf("second Migrate: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("second Migrate applied %v, want nothing", again)
		}
	})

	t.Run("CreateAndConflict", func(t *testing.T) {
		p, err := store.CreatePerson(ctx, "alice", "Alice")
		if err != nil {
			t.Fatalf("CreatePerson: %v", err)
		}
		if p.CreatedAt.IsZero() {
			t.Error("expected created_at to be set")
		}

		_, err = store.CreatePerson(ctx, "alice", "Alice Again")
		if !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("duplicate CreatePerson error = %v, want conflict", err)
		}
	})

	t.Run("InsertAndQuerySelf", func(t *testing.T) {
		var ids []int64
		for axis := range 5 {
			id, err := store.InsertEmbedding(ctx, "alice", unitVector(axis), fmt.Sprintf("img%d.jpg", axis))
			if err != nil {
				t.Fatalf("InsertEmbedding: %v", err)
			}
			ids = append(ids, id)
		}

		for axis, id := range ids {
			got, err := store.QueryNearest(ctx, unitVector(axis), 3)
			if err != nil {
				t.Fatalf("QueryNearest: %v", err)
			}
			if len(got) == 0 || got[0].EmbeddingID != id {
				t.Fatalf("QueryNearest(axis %d) = %+v, want embedding %d first", axis, got, id)
			}
			if got[0].Distance > 1e-6 {
				t.Errorf("Distance = %v, want 0", got[0].Distance)
			}
			if got[0].Name != "Alice" {
				t.Errorf("Name = %q, want Alice", got[0].Name)
			}
		}

		p, err := store.GetPerson(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if p.NumEmbeddings != 5 {
			t.Errorf("NumEmbeddings = %d, want 5", p.NumEmbeddings)
		}
	})

	t.Run("TiesByID", func(t *testing.T) {
		if _, err := store.CreatePerson(ctx, "twins", "Twins"); err != nil {
			t.Fatal(err)
		}
		v := unitVector(100)
		first, _ := store.InsertEmbedding(ctx, "twins", v, "")
		second, _ := store.InsertEmbedding(ctx, "twins", v, "")

		got, err := store.QueryNearest(ctx, v, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].EmbeddingID != first || got[1].EmbeddingID != second {
			t.Errorf("QueryNearest() = %+v, want [%d %d]", got, first, second)
		}
	})

	t.Run("InsertValidation", func(t *testing.T) {
		if _, err := store.InsertEmbedding(ctx, "nobody", unitVector(1), ""); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("unknown person error = %v, want validation", err)
		}
		if _, err := store.InsertEmbedding(ctx, "alice", make([]float32, 10), ""); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("wrong dimension error = %v, want validation", err)
		}
	})

	t.Run("AllEmbeddings", func(t *testing.T) {
		all, err := store.AllEmbeddings(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 7 {
			t.Fatalf("len(AllEmbeddings) = %d, want 7", len(all))
		}
		if all[0].PersonID != "alice" || len(all[0].Embedding) != testDim {
			t.Errorf("first embedding = %+v", all[0])
		}
	})

	t.Run("ListPersons", func(t *testing.T) {
		page, err := store.ListPersons(ctx, 0, 1)
		if err != nil {
			t.Fatal(err)
		}
		if page.Total != 2 || len(page.Persons) != 1 || page.Persons[0].PersonID != "alice" {
			t.Errorf("ListPersons() = %+v", page)
		}
	})

	t.Run("QueryNearestLargeLimit", func(t *testing.T) {
		// top_k=3, per_person_k=200 in index mode asks for 1800 neighbors.
		for _, limit := range []int{1000, 1800, 300000} {
			got, err := store.QueryNearest(ctx, unitVector(0), limit)
			if err != nil {
				t.Fatalf("QueryNearest(limit %d): %v", limit, err)
			}
			if len(got) == 0 || got[0].Distance > 1e-6 {
				t.Errorf("QueryNearest(limit %d) = %+v, want self match first", limit, got)
			}
		}
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		if err := store.DeletePerson(ctx, "alice"); err != nil {
			t.Fatalf("DeletePerson: %v", err)
		}

		got, err := store.QueryNearest(ctx, unitVector(0), 10)
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range got {
			if n.PersonID == "alice" {
				t.Errorf("found embedding %d of deleted person", n.EmbeddingID)
			}
		}

		var orphans int
		if err := pool.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings WHERE person_id = 'alice'").Scan(&orphans); err != nil {
			t.Fatal(err)
		}
		if orphans != 0 {
			t.Errorf("orphan embeddings = %d, want 0", orphans)
		}

		if err := store.DeletePerson(ctx, "alice"); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("second DeletePerson error = %v, want not found", err)
		}
	})

	t.Run("WithTxRollsBack", func(t *testing.T) {
		boom := errors.New("boom")
		err := pool.WithTx(ctx, nil, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO people (person_id, name) VALUES ('ghost', 'Ghost')"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx error = %v, want boom", err)
		}
		if _, err := store.GetPerson(ctx, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("GetPerson(ghost) error = %v, want not found after rollback", err)
		}
	})

	t.Run("ConnectionsReleased", func(t *testing.T) {
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = store.QueryNearest(ctx, unitVector(3), 5)
				_ = store.DeletePerson(ctx, "missing")
			}()
		}
		wg.Wait()

		if inUse := pool.Stats().InUse; inUse != 0 {
			t.Errorf("InUse = %d, want 0", inUse)
		}
	})
}
