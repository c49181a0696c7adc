package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/database/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Create or upgrade the PostgreSQL schema (people, embeddings and the
HNSW index). Already applied migrations are skipped.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger := loadConfig()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL (or DB_HOST) environment variable is required")
	}

	ctx := context.Background()
	fmt.Println("Connecting to PostgreSQL database...")
	pool, err := postgres.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()

	applied, err := pool.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if len(applied) == 0 {
		fmt.Println("Schema is up to date")
	}
	for _, m := range applied {
		fmt.Printf("Applied %s\n", m)
	}

	all, err := pool.MigrationsApplied(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d migrations applied in total\n", len(all))
	return nil
}
