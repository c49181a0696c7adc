package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/database/memory"
	"github.com/kozaktomas/face-recognizer/internal/resilience"
	"github.com/rs/zerolog"
)

func newGuarded(inner database.Store) *database.GuardedStore {
	guard := resilience.New(resilience.Options{
		Attempts:        3,
		MinBackoff:      time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	}, zerolog.Nop())
	return database.NewGuardedStore(inner, guard)
}

func TestGuardedStore_PassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(2)
	s := newGuarded(inner)

	if _, err := s.CreatePerson(ctx, "p1", "Alice"); err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}
	id, err := s.InsertEmbedding(ctx, "p1", []float32{1, 2}, "a.jpg")
	if err != nil {
		t.Fatalf("InsertEmbedding: %v", err)
	}

	got, err := s.QueryNearest(ctx, []float32{1, 2}, 1)
	if err != nil {
		t.Fatalf("QueryNearest: %v", err)
	}
	if len(got) != 1 || got[0].EmbeddingID != id {
		t.Errorf("QueryNearest() = %+v, want embedding %d", got, id)
	}
}

func TestGuardedStore_ClientErrorsKeepBreakerClosed(t *testing.T) {
	ctx := context.Background()
	s := newGuarded(memory.NewStore(2))

	for range 5 {
		if err := s.DeletePerson(ctx, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("DeletePerson() error = %v, want not found", err)
		}
	}
	if s.BreakerState() != "closed" {
		t.Errorf("BreakerState() = %s, want closed", s.BreakerState())
	}
}

func TestGuardedStore_OutageOpensBreaker(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(2)
	s := newGuarded(inner)
	inner.SetOutage(errors.New("connection refused"))

	_, err := s.AllEmbeddings(ctx)
	if !errors.Is(err, apperr.ErrStorage) {
		t.Fatalf("AllEmbeddings() error = %v, want storage error", err)
	}
	if s.BreakerState() != "open" {
		t.Fatalf("BreakerState() = %s, want open", s.BreakerState())
	}

	_, err = s.AllEmbeddings(ctx)
	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Errorf("AllEmbeddings() while open error = %v, want storage_unavailable", err)
	}
}
