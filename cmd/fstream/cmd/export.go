/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ssargent/featurestream/pkg/di"
	"github.com/ssargent/featurestream/pkg/model"
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export [job-id]",
	Short: "Export the source catalog into training and validation shards",
	Long: `Run an export job over every document of the source catalog.

Without a job id a new one is generated. Passing the id of an interrupted job
resumes it: records already appended to its shards are kept and the shard
files are finalized once the catalog is drained.

Examples:
  fstream export
  fstream export nightly-2025-06-01 --split-ratio=90 --workers=8`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getContainer()
		if err != nil {
			return err
		}

		jobID := uuid.NewString()
		if len(args) == 1 {
			jobID = args[0]
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return runExport(ctx, c, jobID, cmd.OutOrStdout())
	},
}

// runExport runs one job against the configured catalog and prints its summary
func runExport(ctx context.Context, c *di.Container, jobID string, out io.Writer) error {
	src, err := c.OpenSource(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	coord, err := c.Coordinator()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Exporting job %s from %s\n", jobID, src.Path())
	status, err := coord.Run(ctx, c.Job(jobID, src))
	if status != nil {
		printSummary(out, status)
	}
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(out, "Export interrupted; resume with: fstream export %s\n", jobID)
		}
		return err
	}
	return nil
}

func printSummary(out io.Writer, status *model.JobStatus) {
	fmt.Fprintf(out, "Job %s: %s\n", status.JobID, status.State)
	for _, shard := range model.Shards {
		st := status.Shards[shard]
		fmt.Fprintf(out, "  %-10s processed=%d errored=%d", shard, st.Processed, st.Errored)
		if ref, ok := status.Blobs[shard]; ok {
			fmt.Fprintf(out, " blob=%s size=%d", ref, ref.Size)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "  dropped=%d errored=%d\n", status.Dropped, status.Errored)
	if status.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", status.Error)
	}
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().Int("split-ratio", 80, "Percentage of qualifying units routed to the training shard (1-99)")
	exportCmd.Flags().Int("workers", 4, "Number of concurrent workers")
	exportCmd.Flags().Int("batch-size", 64, "Units per shard batch")
}
