/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ssargent/featurestream/pkg/logging"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status API server",
	Long: `Start the HTTP status API and Prometheus metrics endpoint.

With --job an export runs in the same process, so its progress can be
followed through the API and /metrics while it runs.

Examples:
  fstream serve --port=8080
  fstream serve --api-key=mysecretkey --job=nightly-2025-06-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")

		c, err := getContainer()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return c.Server().Serve(gctx)
		})
		if jobID != "" {
			g.Go(func() error {
				if err := runExport(gctx, c, jobID, cmd.OutOrStdout()); err != nil && gctx.Err() == nil {
					logger.Error("export failed", logging.FieldJobID, jobID, "error", err)
				}
				return nil
			})
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("bind", "127.0.0.1", "Address to bind to")
	serveCmd.Flags().String("api-key", "", "API key required on /api/v1/jobs routes (empty disables auth)")
	serveCmd.Flags().String("job", "", "Run this export job while serving")
	serveCmd.Flags().Int("split-ratio", 80, "Percentage of qualifying units routed to the training shard (1-99)")
	serveCmd.Flags().Int("workers", 4, "Number of concurrent workers")
	serveCmd.Flags().Int("batch-size", 64, "Units per shard batch")
}
