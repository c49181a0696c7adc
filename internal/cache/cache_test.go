package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/rs/zerolog"
)

// fakeSource is a controllable database.SnapshotSource.
type fakeSource struct {
	mu    sync.Mutex
	embs  []database.StoredEmbedding
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *fakeSource) AllEmbeddings(ctx context.Context) ([]database.StoredEmbedding, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]database.StoredEmbedding(nil), f.embs...), nil
}

func (f *fakeSource) set(embs []database.StoredEmbedding, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embs = embs
	f.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(src *fakeSource) (*EmbeddingCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(src, Options{TTL: 30 * time.Second, MaxStaleness: 5 * time.Minute}, zerolog.Nop())
	c.now = clock.Now
	return c, clock
}

func sampleEmbeddings() []database.StoredEmbedding {
	return []database.StoredEmbedding{
		{ID: 1, PersonID: "alice", Name: "Alice", Embedding: []float32{0, 1}},
		{ID: 2, PersonID: "alice", Name: "Alice", Embedding: []float32{1, 0}},
		{ID: 3, PersonID: "bob", Name: "Bob", Embedding: []float32{1, 1}},
	}
}

func TestNewSnapshot_GroupsByPerson(t *testing.T) {
	s := NewSnapshot(sampleEmbeddings(), time.Now())

	if s.Len() != 2 || s.Count != 3 {
		t.Fatalf("Len() = %d, Count = %d, want 2 and 3", s.Len(), s.Count)
	}
	alice := s.ByPerson["alice"]
	if alice == nil || len(alice.Embeddings) != 2 || alice.Name != "Alice" {
		t.Fatalf("alice = %+v", alice)
	}
	if alice.Embeddings[0].EmbeddingID != 1 || alice.Embeddings[1].Vector[0] != 1 {
		t.Errorf("alice embeddings out of order: %+v", alice.Embeddings)
	}
	if s.Persons[0].PersonID != "alice" || s.Persons[1].PersonID != "bob" {
		t.Errorf("Persons order = %s, %s", s.Persons[0].PersonID, s.Persons[1].PersonID)
	}
}

func TestGet_ReloadsOnlyAfterTTL(t *testing.T) {
	src := &fakeSource{embs: sampleEmbeddings()}
	c, clock := newTestCache(src)
	ctx := context.Background()

	first, err := c.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	clock.Advance(10 * time.Second)
	second, _ := c.Get(ctx)

	if src.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 within TTL", src.calls.Load())
	}
	if first != second {
		t.Error("expected the same snapshot within TTL")
	}

	clock.Advance(25 * time.Second)
	third, _ := c.Get(ctx)

	if src.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 after TTL", src.calls.Load())
	}
	if third == first {
		t.Error("expected a new snapshot after TTL")
	}
}

func TestGet_InvalidateForcesReload(t *testing.T) {
	src := &fakeSource{embs: sampleEmbeddings()[:1]}
	c, _ := newTestCache(src)
	ctx := context.Background()

	if _, err := c.Get(ctx); err != nil {
		t.Fatal(err)
	}
	src.set(sampleEmbeddings(), nil)
	c.Invalidate()

	s, err := c.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Count != 3 {
		t.Errorf("Count = %d, want 3 after invalidation", s.Count)
	}
	if src.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", src.calls.Load())
	}
}

func TestGet_ServesStaleWhileDegraded(t *testing.T) {
	src := &fakeSource{embs: sampleEmbeddings()}
	c, clock := newTestCache(src)
	ctx := context.Background()

	original, err := c.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}

	src.set(nil, &apperr.Error{Kind: apperr.KindStorageUnavailable, Message: "circuit open"})
	clock.Advance(time.Minute)

	got, err := c.Get(ctx)
	if err != nil {
		t.Fatalf("Get while degraded: %v", err)
	}
	if got != original {
		t.Error("expected the stale snapshot to be served")
	}

	h := c.Health()
	if !h.Degraded || h.LastError == "" || h.DegradedSince == nil {
		t.Errorf("Health() = %+v, want degraded with error", h)
	}
	if !h.Healthy() {
		t.Error("expected cache to remain healthy within max staleness")
	}

	// Retries are spaced by the TTL while degraded.
	calls := src.calls.Load()
	clock.Advance(5 * time.Second)
	_, _ = c.Get(ctx)
	if src.calls.Load() != calls {
		t.Errorf("calls = %d, want %d (no retry within TTL)", src.calls.Load(), calls)
	}

	src.set(sampleEmbeddings()[:2], nil)
	clock.Advance(30 * time.Second)
	recovered, err := c.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if recovered.Count != 2 {
		t.Errorf("Count = %d, want 2 after recovery", recovered.Count)
	}
	if c.Health().Degraded {
		t.Error("expected degraded flag to clear after recovery")
	}
}

func TestGet_InvalidateWhileDegradedKeepsRetrySpacing(t *testing.T) {
	src := &fakeSource{embs: sampleEmbeddings()}
	c, clock := newTestCache(src)
	ctx := context.Background()

	original, err := c.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	src.set(nil, errors.New("connection refused"))
	clock.Advance(time.Minute)
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("Get while degraded: %v", err)
	}
	if src.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", src.calls.Load())
	}

	c.Invalidate()
	for range 5 {
		clock.Advance(time.Second)
		got, err := c.Get(ctx)
		if err != nil {
			t.Fatalf("Get after invalidate: %v", err)
		}
		if got != original {
			t.Error("expected the stale snapshot to be served")
		}
	}
	if src.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (no retry within TTL after invalidate)", src.calls.Load())
	}

	src.set(sampleEmbeddings()[:1], nil)
	clock.Advance(30 * time.Second)
	got, err := c.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 1 || src.calls.Load() != 3 {
		t.Errorf("Count = %d, calls = %d, want 1 and 3 after the TTL", got.Count, src.calls.Load())
	}
}

func TestGet_NoSnapshotFails(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	c, _ := newTestCache(src)

	_, err := c.Get(context.Background())

	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Errorf("Get() error = %v, want storage_unavailable", err)
	}
	if c.Health().Healthy() {
		t.Error("expected unhealthy without a snapshot")
	}
}

func TestGet_StalenessBounded(t *testing.T) {
	src := &fakeSource{embs: sampleEmbeddings()}
	c, clock := newTestCache(src)
	ctx := context.Background()

	if _, err := c.Get(ctx); err != nil {
		t.Fatal(err)
	}
	src.set(nil, errors.New("down"))
	clock.Advance(6 * time.Minute)

	_, err := c.Get(ctx)

	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Errorf("Get() error = %v, want storage_unavailable past max staleness", err)
	}
	h := c.Health()
	if !h.Stale || h.Healthy() {
		t.Errorf("Health() = %+v, want stale and unhealthy", h)
	}
}

func TestReload_ConcurrentCallersShareOneLoad(t *testing.T) {
	src := &fakeSource{embs: sampleEmbeddings(), gate: make(chan struct{})}
	c, _ := newTestCache(src)

	var wg sync.WaitGroup
	results := make([]*Snapshot, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Get(context.Background())
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			results[i] = s
		}()
	}

	// Let every goroutine reach the singleflight before releasing the load.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if src.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", src.calls.Load())
	}
	for i, s := range results {
		if s != results[0] {
			t.Errorf("results[%d] differs from results[0]", i)
		}
	}
}

func TestReload_OldSnapshotUnchanged(t *testing.T) {
	src := &fakeSource{embs: sampleEmbeddings()}
	c, _ := newTestCache(src)
	ctx := context.Background()

	held, _ := c.Get(ctx)
	src.set(sampleEmbeddings()[2:], nil)
	if _, err := c.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	if held.Count != 3 || held.Len() != 2 {
		t.Errorf("held snapshot mutated: Count = %d, Len = %d", held.Count, held.Len())
	}
}

func TestHealth_JSONHidesCause(t *testing.T) {
	src := &fakeSource{err: errors.New("dial tcp 10.0.0.5:5432: connection refused")}
	c, _ := newTestCache(src)

	if _, err := c.Get(context.Background()); err == nil {
		t.Fatal("expected an error without any snapshot")
	}

	h := c.Health()
	if h.LastError == "" || h.LastErrorKind != apperr.KindInternal {
		t.Errorf("Health() = %+v, want cause recorded with kind internal", h)
	}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "10.0.0.5") {
		t.Errorf("health JSON leaks the cause: %s", data)
	}
}
