package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/clipbrief/internal/config"
	"github.com/JakeFAU/clipbrief/internal/server"
)

// runServer is replaced in tests.
var runServer = func(cmd *cobra.Command, cfg *config.Config) error {
	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and analysis workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runServer(cmd, cfg)
		},
	}
}
