package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/config"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Pool manages a PostgreSQL connection pool.
type Pool struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPool creates a new PostgreSQL connection pool and warms MinConns connections.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger zerolog.Logger) (*Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	minConns := max(cfg.MinConns, 1)
	maxConns := max(cfg.MaxConns, minConns)
	lifetime := cfg.ConnLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	// Configure connection pool.
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	// Verify connection.
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Pool{db: db, logger: logger}
	if err := p.warm(pingCtx, minConns); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// warm opens n connections and returns them to the idle set.
func (p *Pool) warm(ctx context.Context, n int) error {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for range n {
		c, err := p.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("warming connection pool: %w", err)
		}
		conns = append(conns, c)
	}
	return nil
}

// DB returns the underlying sql.DB for direct access.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// BeginTx starts a transaction.
func (p *Pool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back on error or panic; either way the connection goes back
// to the pool.
func (p *Pool) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) (err error) {
	tx, err := p.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				p.logger.Warn().Err(rbErr).Msg("rollback failed")
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("committing transaction: %w", cErr)
		}
	}()

	return fn(tx)
}

// VectorDimension returns the declared dimension of embeddings.embedding.
func (p *Pool) VectorDimension(ctx context.Context) (int, error) {
	var dim int
	err := p.db.QueryRowContext(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'embeddings'::regclass AND attname = 'embedding'
	`).Scan(&dim)
	if err != nil {
		return 0, fmt.Errorf("reading embedding column dimension: %w", err)
	}
	return dim, nil
}

// Initialize opens the pool, runs migrations and checks that the embedding
// column matches the configured dimension.
func Initialize(ctx context.Context, cfg *config.DatabaseConfig, logger zerolog.Logger) (*Pool, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	pool, err := NewPool(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	// Run migrations.
	if _, err := pool.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.VectorDim > 0 {
		dim, err := pool.VectorDimension(ctx)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if dim != cfg.VectorDim {
			pool.Close()
			return nil, fmt.Errorf("embedding column has dimension %d but EMBEDDING_DIM is %d", dim, cfg.VectorDim)
		}
	}

	return pool, nil
}
