/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ssargent/featurestream/pkg/codec"
	"github.com/ssargent/featurestream/pkg/model"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <file> | inspect <job-id> <shard>",
	Short: "Print the records of a shard file",
	Long: `Decode a TFRecord shard and print a summary of its examples.

With one argument the file at that path is read. With a job id and a shard
name the finalized shard is read back from the blob store.

Examples:
  fstream inspect ./data/shards/job/training-2b3k.tfrecord
  fstream inspect nightly-2025-06-01 validation --limit=0`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var r io.Reader
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open shard file: %w", err)
			}
			defer f.Close()
			r = f
		} else {
			data, err := readShardBlob(cmd, args[0], model.Shard(args[1]))
			if err != nil {
				return err
			}
			r = bytes.NewReader(data)
		}

		n, err := inspectRecords(r, cmd.OutOrStdout(), limit)
		fmt.Fprintf(cmd.OutOrStdout(), "%d records\n", n)
		return err
	},
}

func readShardBlob(cmd *cobra.Command, jobID string, shard model.Shard) ([]byte, error) {
	if !shard.Valid() {
		return nil, fmt.Errorf("unknown shard %q (expected %s or %s)", shard, model.ShardTraining, model.ShardValidation)
	}
	c, err := getContainer()
	if err != nil {
		return nil, err
	}
	ref, err := c.State().GetBlob(jobID, shard)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("shard %s of job %s is not finalized", shard, jobID)
	}
	return c.Blobs().ReadBlob(cmd.Context(), *ref)
}

// inspectRecords prints up to limit examples (all when limit <= 0) and
// returns how many records the stream holds
func inspectRecords(r io.Reader, out io.Writer, limit int) (int, error) {
	reader := codec.NewRecordReader(r)
	n := 0
	for {
		ex, err := reader.NextExample()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("record %d at offset %d: %w", n, reader.Offset(), err)
		}
		if limit <= 0 || n < limit {
			fmt.Fprintf(out, "#%d doc_id=%q %s\n", n, ex.DocID, describeFeatures(ex))
		}
		n++
	}
}

func describeFeatures(ex *codec.Example) string {
	names := make([]string, 0, len(ex.Features))
	for name := range ex.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		f := ex.Features[name]
		desc := fmt.Sprintf("%s:%s[%d]", name, f.Kind, f.Len())
		if f.Kind == codec.KindBytesList && f.Len() == 1 && len(f.Bytes[0]) <= 32 && isPrintable(f.Bytes[0]) {
			desc += fmt.Sprintf("=%q", f.Bytes[0])
		}
		parts = append(parts, desc)
	}
	return strings.Join(parts, " ")
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().Int("limit", 10, "Maximum number of records to print (0 prints all)")
}
