package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ssargent/featurestream/pkg/model"
)

// ConfigurationError reports an invalid setup detected before any job runs
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks the configuration and normalizes feature kinds
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return invalid("data_dir", "must not be empty")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level", "unsupported value %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return invalid("logging.format", "unsupported value %q", c.Logging.Format)
	}

	if err := c.Writer.validate(); err != nil {
		return err
	}
	if err := c.Export.validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Features))
	for i := range c.Features {
		spec := &c.Features[i]
		if strings.TrimSpace(spec.Property) == "" {
			return invalid(fmt.Sprintf("features[%d].property", i), "must not be empty")
		}
		kind, err := model.ParseKind(string(spec.Kind))
		if err != nil {
			return &ConfigurationError{Field: fmt.Sprintf("features[%d].kind", i), Err: err}
		}
		spec.Kind = kind
		name := spec.FeatureName()
		if _, dup := seen[name]; dup {
			return invalid(fmt.Sprintf("features[%d].name", i), "duplicate feature name %q", name)
		}
		seen[name] = struct{}{}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port", "out of range: %d", c.Server.Port)
	}
	return nil
}

func (w Writer) validate() error {
	if strings.TrimSpace(w.Kind) == "" {
		return invalid("writer.kind", "must not be empty")
	}
	if w.BufferSize <= 0 {
		return invalid("writer.buffer_size", "must be positive, got %d", w.BufferSize)
	}
	if strings.TrimSpace(w.BlobStore) == "" {
		return invalid("writer.blob_store", "must not be empty")
	}
	return w.Image.Validate()
}

// Validate checks the image conversion options
func (i Image) Validate() error {
	if i.Width < 0 || i.Height < 0 {
		return invalid("writer.image", "width and height must not be negative")
	}
	if (i.Width == 0) != (i.Height == 0) {
		return invalid("writer.image", "width and height must be set together")
	}
	switch i.Depth {
	case 0, 8, 16:
	default:
		return invalid("writer.image.depth", "unsupported bit depth %d", i.Depth)
	}
	switch strings.ToLower(i.Format) {
	case "", "png", "jpeg", "jpg":
	default:
		return invalid("writer.image.format", "unsupported format %q", i.Format)
	}
	if i.Depth == 16 && !strings.EqualFold(i.Format, "png") {
		return invalid("writer.image.depth", "16 bit depth requires png format")
	}
	if i.Quality < 0 || i.Quality > 100 {
		return invalid("writer.image.quality", "must be within 0-100, got %d", i.Quality)
	}
	return nil
}

func (e Export) validate() error {
	if e.SplitRatio <= 0 || e.SplitRatio >= 100 {
		return invalid("export.split_ratio", "must be within 1-99, got %d", e.SplitRatio)
	}
	if e.Workers <= 0 {
		return invalid("export.workers", "must be positive, got %d", e.Workers)
	}
	if e.BatchSize <= 0 {
		return invalid("export.batch_size", "must be positive, got %d", e.BatchSize)
	}
	return nil
}
