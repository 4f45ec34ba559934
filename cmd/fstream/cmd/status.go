/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/storage"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show export job status",
	Long: `Show the durable status of one export job, or of every known job.

Examples:
  fstream status
  fstream status nightly-2025-06-01`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getContainer()
		if err != nil {
			return err
		}

		var jobs []*model.JobStatus
		if len(args) == 1 {
			status, err := c.State().Status(args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			jobs = append(jobs, status)
		} else {
			jobs, err = c.State().ListJobs()
			if err != nil {
				return err
			}
		}

		writeStatus(cmd.OutOrStdout(), jobs, len(args) == 1)
		return nil
	},
}

func writeStatus(out io.Writer, jobs []*model.JobStatus, withBlobs bool) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return
	}

	headers := []string{"Job", "State", "Training", "Validation", "Dropped", "Errored", "Updated"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft}
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		updated := ""
		if !job.UpdatedAt.IsZero() {
			updated = job.UpdatedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			job.JobID,
			string(job.State),
			strconv.FormatInt(job.Shards[model.ShardTraining].Processed, 10),
			strconv.FormatInt(job.Shards[model.ShardValidation].Processed, 10),
			strconv.FormatInt(job.Dropped, 10),
			strconv.FormatInt(job.Errored, 10),
			updated,
		})
	}
	fmt.Fprintln(out, renderTable(headers, rows, aligns))

	if !withBlobs {
		return
	}
	for _, job := range jobs {
		if job.Error != "" {
			fmt.Fprintf(out, "Error: %s\n", job.Error)
		}
		for _, shard := range model.Shards {
			if ref, ok := job.Blobs[shard]; ok {
				fmt.Fprintf(out, "%s: %s (%d bytes, crc32c %s)\n", shard, ref, ref.Size, ref.Checksum)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
