// Package cmd defines the clipbrief CLI.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/clipbrief/internal/config"
)

var cfgFile string

// cfgKeyType is the context key for the loaded configuration.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// loadConfig is a variable so tests can supply a config without touching disk.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clipbrief",
		Short: "Chat bot that downloads linked videos and posts an analysis.",
		Long: `clipbrief receives chat webhooks, downloads the video behind any link
it sees and replies with a Markdown briefing produced by a generative model.`,
		SilenceUsage: true,

		// Runs before every subcommand so each one sees a validated config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or $HOME/.clipbrief/config.yaml)")
	cmd.AddCommand(newServeCmd(), newMigrateCmd())
	return cmd
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
