/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/model"
)

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the featurestream configuration file",
	// The file may not exist yet, so skip loading it
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with default settings and a sample feature list.

Examples:
  fstream config init
  fstream config init --config=./fstream.yaml --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := cfgFile
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if err := writeDefaultConfig(path, force); err != nil {
			return err
		}
		cmd.Printf("Configuration written to %s\n", path)
		return nil
	},
}

// writeDefaultConfig saves the default configuration with sample features
func writeDefaultConfig(path string, force bool) error {
	if config.ConfigExists(path) && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}
	defaults := config.DefaultConfig()
	defaults.Features = []model.FeatureSpec{
		{Property: "title", Kind: model.KindText},
		{Property: "body", Kind: model.KindText},
		{Property: "tags", Kind: model.KindCategory},
	}
	if err := defaults.Validate(); err != nil {
		return err
	}
	return config.SaveConfig(defaults, path)
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}
