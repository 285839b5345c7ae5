// Package cmd implements the keepsake command-line interface.
//
// Commands are thin glue over the internal packages: they load config, build
// the shared connection pool, and delegate to the stores.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/database"
	"github.com/keepsake-ai/keepsake/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "keepsake",
	Short: "Keepsake persists conversational agent sessions in PostgreSQL",
	Long: `Keepsake is a session and memory store for conversational agents.

It persists sessions, their append-only event logs, and structured event
content in PostgreSQL, and answers memory-retrieval queries over the
accumulated history.`,
	SilenceUsage: true,
}

// Execute runs the root command. Called from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// setup loads configuration, builds the logger, and opens the shared
// connection pool. Callers own the pool and must Close() it.
func setup(ctx context.Context) (*config.Config, *pgxpool.Pool, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.New(log.Config{Level: parseLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	slog.SetDefault(logger)

	pool, err := database.New(ctx, cfg.PostgresConnectionString(), int32(cfg.PoolMaxConns), logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.MaskedPostgresURL(), err)
	}

	return cfg, pool, logger, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
