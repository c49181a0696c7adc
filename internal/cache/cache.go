// Package cache holds an in-process, time-bounded copy of every enrolled
// embedding so that recognition does not query the store per face.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Options configures an EmbeddingCache.
type Options struct {
	TTL          time.Duration // snapshot age that triggers a reload
	MaxStaleness time.Duration // oldest snapshot served while reloads fail
}

// Health describes the cache for the health endpoint.
type Health struct {
	Loaded        bool          `json:"loaded"`
	Persons       int           `json:"persons"`
	Embeddings    int           `json:"embeddings"`
	Age           time.Duration `json:"age_ns"`
	Degraded      bool          `json:"degraded"`
	DegradedSince *time.Time    `json:"degraded_since,omitempty"`
	LastError     string        `json:"-"` // raw cause, kept out of responses
	LastErrorKind apperr.Kind   `json:"last_error_kind,omitempty"`
	Stale         bool          `json:"stale"`
}

// Healthy reports whether the cache can serve recognition.
func (h Health) Healthy() bool {
	return h.Loaded && !h.Stale
}

// EmbeddingCache serves snapshots of the store's embeddings. Reloads replace
// the snapshot with a single atomic swap.
type EmbeddingCache struct {
	source database.SnapshotSource
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	snap       atomic.Pointer[Snapshot]
	generation atomic.Uint64
	group      singleflight.Group

	mu            sync.Mutex
	degradedSince time.Time
	lastErr       error
	lastAttempt   time.Time
}

// New creates an empty cache. The first Get loads from source.
func New(source database.SnapshotSource, opts Options, logger zerolog.Logger) *EmbeddingCache {
	if opts.TTL <= 0 {
		opts.TTL = constants.DefaultCacheTTL
	}
	if opts.MaxStaleness < opts.TTL {
		opts.MaxStaleness = max(constants.DefaultMaxStaleness, opts.TTL)
	}
	return &EmbeddingCache{
		source: source,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the current snapshot, reloading first when it is older than the
// TTL or has been invalidated. While the store is failing the previous
// snapshot keeps being served until it exceeds MaxStaleness.
func (c *EmbeddingCache) Get(ctx context.Context) (*Snapshot, error) {
	if s := c.snap.Load(); s != nil && c.fresh(s) {
		return s, nil
	}
	return c.Reload(ctx)
}

func (c *EmbeddingCache) fresh(s *Snapshot) bool {
	now := c.now()
	if s.generation == c.generation.Load() && now.Sub(s.LoadedAt) < c.opts.TTL {
		return true
	}

	// While degraded, space out reload attempts by the TTL, invalidated or not.
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr != nil && now.Sub(c.lastAttempt) < c.opts.TTL && now.Sub(s.LoadedAt) <= c.opts.MaxStaleness
}

// Reload fetches a new snapshot. Concurrent callers share one load, and a
// caller whose context ends stops waiting without cancelling the load.
func (c *EmbeddingCache) Reload(ctx context.Context) (*Snapshot, error) {
	ch := c.group.DoChan("reload", func() (any, error) {
		// A stopped stream must not fail a load other callers are waiting on.
		return c.load(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Snapshot), nil
	}
}

func (c *EmbeddingCache) load(ctx context.Context) (*Snapshot, error) {
	gen := c.generation.Load()
	start := c.now()

	embs, err := c.source.AllEmbeddings(ctx)
	if err != nil {
		return c.degrade(err, start)
	}

	snap := NewSnapshot(embs, c.now())
	snap.generation = gen
	c.snap.Store(snap)

	c.mu.Lock()
	recovered := c.lastErr != nil
	since := c.degradedSince
	c.lastErr = nil
	c.degradedSince = time.Time{}
	c.lastAttempt = start
	c.mu.Unlock()

	if recovered {
		c.logger.Info().Dur("degraded_for", c.now().Sub(since)).Int("embeddings", snap.Count).Msg("embedding cache recovered")
	}
	c.logger.Debug().Int("persons", snap.Len()).Int("embeddings", snap.Count).Dur("took", c.now().Sub(start)).Msg("embedding snapshot loaded")
	return snap, nil
}

// degrade records a failed reload and decides whether the stale snapshot may
// still be served.
func (c *EmbeddingCache) degrade(err error, at time.Time) (*Snapshot, error) {
	c.mu.Lock()
	if c.lastErr == nil {
		c.degradedSince = at
	}
	c.lastErr = err
	c.lastAttempt = at
	c.mu.Unlock()

	stale := c.snap.Load()
	if stale == nil {
		c.logger.Error().Err(err).Msg("embedding snapshot load failed, nothing to serve")
		return nil, &apperr.Error{
			Kind:    apperr.KindStorageUnavailable,
			Op:      "load embeddings",
			Message: "no embedding snapshot available",
			Err:     err,
		}
	}

	age := at.Sub(stale.LoadedAt)
	if age > c.opts.MaxStaleness {
		c.logger.Error().Err(err).Dur("age", age).Msg("embedding snapshot exceeded max staleness")
		return nil, &apperr.Error{
			Kind:    apperr.KindStorageUnavailable,
			Op:      "load embeddings",
			Message: "embedding snapshot too stale",
			Err:     err,
		}
	}

	c.logger.Warn().Err(err).Dur("age", age).Msg("embedding cache degraded, serving stale snapshot")
	return stale, nil
}

// Invalidate marks the current snapshot as outdated so the next Get reloads.
func (c *EmbeddingCache) Invalidate() {
	c.generation.Add(1)
}

// Health reports cache state.
func (c *EmbeddingCache) Health() Health {
	var h Health
	now := c.now()

	if s := c.snap.Load(); s != nil {
		h.Loaded = true
		h.Persons = s.Len()
		h.Embeddings = s.Count
		h.Age = now.Sub(s.LoadedAt)
		h.Stale = h.Age > c.opts.MaxStaleness
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr != nil {
		h.Degraded = true
		since := c.degradedSince
		h.DegradedSince = &since
		h.LastError = c.lastErr.Error()
		h.LastErrorKind = apperr.Classify(c.lastErr)
	}
	return h
}
