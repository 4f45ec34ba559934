/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/di"
	"github.com/ssargent/featurestream/pkg/logging"
)

var (
	cfgFile   string
	cfg       *config.Config
	logger    *slog.Logger
	container *di.Container
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fstream",
	Short: "featurestream - export document features as TFRecord shards",
	Long: `featurestream reads documents from a sqlite catalog, converts the configured
properties into tf.train.Example records and writes them into a training and a
validation shard. Jobs are durable: an interrupted export resumes where it
stopped and publishes its completion exactly once.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		l, err := logging.New(logging.Options{
			Level:  loaded.Logging.Level,
			Format: loaded.Logging.Format,
			Output: cmd.ErrOrStderr(),
		})
		if err != nil {
			return &config.ConfigurationError{Field: "logging.format", Err: err}
		}
		cfg = loaded
		logger = l
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if container == nil {
			return nil
		}
		err := container.Close()
		container = nil
		return err
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetContainer injects a prebuilt container, used by tests
func SetContainer(c *di.Container) {
	container = c
}

// getContainer builds the container from the loaded configuration on first use
func getContainer() (*di.Container, error) {
	if container != nil {
		return container, nil
	}
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	c, err := di.NewContainer(cfg, logger)
	if err != nil {
		return nil, err
	}
	container = c
	return c, nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (yaml)")
	flags.StringP("data-dir", "d", "./data", "Data directory for state, shards and blobs")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("source", "./data/source.db", "Path of the sqlite document catalog")
	flags.String("writer", "tfrecord", "Writer kind")
	flags.Int("buffer-size", config.DefaultBufferSize, "Shard file write buffer in bytes")
	flags.String("blob-store", "pebble", "Blob store receiving finalized shards (pebble, fs)")
}
