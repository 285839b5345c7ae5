package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keepsake-ai/keepsake/db"
	"github.com/keepsake-ai/keepsake/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			if err := db.Migrate(cfg.PostgresURL()); err != nil {
				return err
			}

			fmt.Println("migrations applied")
			return nil
		},
	}
}
