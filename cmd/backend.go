package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/cache"
	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/database/memory"
	"github.com/kozaktomas/face-recognizer/internal/database/postgres"
	"github.com/kozaktomas/face-recognizer/internal/inference"
	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/kozaktomas/face-recognizer/internal/resilience"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// backend holds everything a command needs to enroll and recognize.
type backend struct {
	store     *database.GuardedStore
	cache     *cache.EmbeddingCache
	inference *inference.Client
	service   *recognition.Service
}

func (b *backend) Close() {
	if err := b.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing store")
	}
}

// openStore connects the configured storage backend. Postgres is migrated and
// its embedding dimension checked against the configuration.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (database.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn().Msg("using in-memory store, data is lost on exit")
		return memory.NewStore(cfg.Recognition.EmbeddingDim), nil
	case "postgres", "":
		if cfg.Database.URL == "" {
			return nil, errors.New("DATABASE_URL (or DB_HOST) environment variable is required")
		}
		logger.Info().Msg("connecting to PostgreSQL")
		pool, err := postgres.Initialize(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		return postgres.NewStore(pool, cfg.Recognition.EmbeddingDim, cfg.Database.EfSearch), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want postgres or memory)", cfg.Store.Backend)
	}
}

// newBackend wires store, resilience guard, cache, inference client and the
// recognition service.
func newBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	inner, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	guard := resilience.New(resilience.Options{
		Name:            "store",
		Attempts:        cfg.Store.RetryAttempts,
		MinBackoff:      cfg.Store.RetryMinBackoff,
		MaxBackoff:      cfg.Store.RetryMaxBackoff,
		BreakerFailures: cfg.Store.BreakerFailures,
		BreakerCooldown: cfg.Store.BreakerCooldown,
	}, logger)
	store := database.NewGuardedStore(inner, guard)

	embCache := cache.New(store, cache.Options{
		TTL:          cfg.Cache.TTL,
		MaxStaleness: cfg.Cache.MaxStaleness,
	}, logger)

	r := cfg.Recognition
	client := inference.NewClient(cfg.Inference.URL, cfg.Inference.Timeout)
	m := matcher.New(matcher.Options{
		Threshold:  matcher.Float(r.Threshold),
		TopK:       r.TopK,
		PerPersonK: r.PerPersonK,
	})
	pipeline := recognition.NewPipeline(client, client, embCache, store, m, recognition.PipelineOptions{
		MinDetScore: r.MinDetScore,
		ChipSize:    r.ChipSize,
		Workers:     r.Workers,
		MatchSource: r.MatchSource,
	}, logger)
	svc := recognition.NewService(pipeline, store, embCache, recognition.ServiceOptions{
		EnrollMinDetScore: r.EnrollMinDetScore,
		EnrollMaxFaces:    r.EnrollMaxFaces,
	}, logger)

	return &backend{store: store, cache: embCache, inference: client, service: svc}, nil
}
