package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/config"
	"github.com/JakeFAU/clipbrief/internal/logging"
	"github.com/JakeFAU/clipbrief/internal/server"
)

var runMigrate = func(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if err := server.Migrate(cmd.Context(), cfg, logger); err != nil {
		logger.Error("migration failed", zap.Error(err))
		return err
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the job and credential tables and seed API keys",
		Long: `Applies the schema for the configured store driver and upserts the
API keys from analysis.api_keys so the rotation table is ready before serving.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runMigrate(cmd, cfg)
		},
	}
}
