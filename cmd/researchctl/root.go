package main

import (
	"context"
	"fmt"
	"os"

	"github.com/derril-tech/researchflow/internal/config"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// keyStore is what the key commands need from the database.
type keyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

// opener connects to the database named by url. The returned func releases it.
type opener func(ctx context.Context, url string) (keyStore, func(), error)

func openPostgres(ctx context.Context, url string) (keyStore, func(), error) {
	pool, err := store.Connect(ctx, config.DatabaseConfig{URL: url, MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

type rootOptions struct {
	databaseURL string
	open        opener
}

func (o *rootOptions) store(ctx context.Context) (keyStore, func(), error) {
	if o.databaseURL == "" {
		return nil, nil, fmt.Errorf("database URL is required (--database-url or DATABASE_URL)")
	}
	return o.open(ctx, o.databaseURL)
}

func newRootCommand(open opener) *cobra.Command {
	opts := &rootOptions{open: open}

	rootCmd := &cobra.Command{
		Use:           "researchctl",
		Short:         "Administer the research workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")

	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newKeysCommand(opts))
	return rootCmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.databaseURL == "" {
				return fmt.Errorf("database URL is required (--database-url or DATABASE_URL)")
			}
			if err := store.RunMigrations(opts.databaseURL, dir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}

	defaultDir := os.Getenv("MIGRATIONS_DIR")
	if defaultDir == "" {
		defaultDir = "migrations"
	}
	cmd.Flags().StringVar(&dir, "dir", defaultDir, "Directory holding migration files")
	return cmd
}
