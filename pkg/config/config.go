/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ssargent/featurestream/pkg/model"
)

// EnvPrefix prefixes environment overrides, e.g. FSTREAM_WRITER__BUFFER_SIZE
const EnvPrefix = "FSTREAM_"

// DefaultBufferSize is the shard file write buffer (512 KiB)
const DefaultBufferSize = 512 * 1024

// Config represents the exporter configuration
type Config struct {
	DataDir  string              `yaml:"data_dir"`
	Logging  Logging             `yaml:"logging"`
	Writer   Writer              `yaml:"writer"`
	Export   Export              `yaml:"export"`
	Source   Source              `yaml:"source"`
	Features []model.FeatureSpec `yaml:"features"`
	Server   Server              `yaml:"server"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Writer selects and configures the shard writer
type Writer struct {
	Kind       string `yaml:"kind"`
	BufferSize int    `yaml:"buffer_size"`
	BlobStore  string `yaml:"blob_store"`
	Image      Image  `yaml:"image"`
}

// Image controls resize and re-encode of image features. Zero width and
// height keep the original size; an empty format keeps the original bytes.
type Image struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Depth   int    `yaml:"depth"`
	Format  string `yaml:"format"`
	Quality int    `yaml:"quality"`
}

// Export controls how a job is split and parallelized
type Export struct {
	SplitRatio int `yaml:"split_ratio"`
	Workers    int `yaml:"workers"`
	BatchSize  int `yaml:"batch_size"`
}

// Source points at the sqlite document catalog
type Source struct {
	Path string `yaml:"path"`
}

// Server contains status API configuration
type Server struct {
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Writer: Writer{
			Kind:       "tfrecord",
			BufferSize: DefaultBufferSize,
			BlobStore:  "pebble",
			Image: Image{
				Depth:   8,
				Quality: 90,
			},
		},
		Export: Export{
			SplitRatio: 80,
			Workers:    4,
			BatchSize:  64,
		},
		Source: Source{
			Path: "./data/source.db",
		},
		Server: Server{
			Bind: "127.0.0.1",
			Port: 8080,
		},
	}
}

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"data-dir":    "data_dir",
	"log-level":   "logging.level",
	"log-format":  "logging.format",
	"writer":      "writer.kind",
	"buffer-size": "writer.buffer_size",
	"blob-store":  "writer.blob_store",
	"split-ratio": "export.split_ratio",
	"workers":     "export.workers",
	"batch-size":  "export.batch_size",
	"source":      "source.path",
	"port":        "server.port",
	"bind":        "server.bind",
	"api-key":     "server.api_key",
}

// LoadConfig layers the config file (optional), FSTREAM_ environment
// variables and explicitly set flags over the defaults, then validates.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, &ConfigurationError{Field: "config", Err: fmt.Errorf("config file does not exist: %s", configPath)}
		}
		if !filepath.IsAbs(configPath) {
			absPath, err := filepath.Abs(configPath)
			if err != nil {
				return nil, fmt.Errorf("invalid config path: %w", err)
			}
			configPath = absPath
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, &ConfigurationError{Field: "config", Err: fmt.Errorf("failed to parse config file: %w", err)}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, &ConfigurationError{Field: "config", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified path
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yamlv3.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./fstream.yaml"
	}
	return filepath.Join(homeDir, ".config", "fstream", "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}

// StateDir is where the pebble state database lives
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// ShardDir is where in-progress shard files are written
func (c *Config) ShardDir() string {
	return filepath.Join(c.DataDir, "shards")
}

// BlobDir is where the fs blob store keeps finalized files
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}
