// Package features turns export units into codec Examples. It is registered
// as the "tfrecord" writer kind.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ssargent/featurestream/pkg/codec"
	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/logging"
	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/writer"
)

// Kind is the writer kind this package registers
const Kind = "tfrecord"

func init() {
	writer.Register(Kind, func(opts writer.Options, logger *slog.Logger) (writer.Encoder, error) {
		return NewBuilder(opts.Features, opts.Image, FileLoader{}, logger)
	})
}

// SkippableError reports a property that could not be converted. Only that
// property is dropped; the rest of the unit is still written.
type SkippableError struct {
	UnitID   string
	Property string
	Err      error
}

func (e *SkippableError) Error() string {
	return fmt.Sprintf("unit %s: property %s: %v", e.UnitID, e.Property, e.Err)
}

func (e *SkippableError) Unwrap() error {
	return e.Err
}

// IsSkippable reports whether err is, or wraps, a SkippableError
func IsSkippable(err error) bool {
	var se *SkippableError
	return errors.As(err, &se)
}

// BlobLoader fetches blob properties that are referenced by path
type BlobLoader interface {
	Load(ctx context.Context, path string) ([]byte, error)
}

// FileLoader reads blobs from the local filesystem. Relative paths are
// resolved against Root.
type FileLoader struct {
	Root string
}

func (l FileLoader) Load(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.Root, path)
	}
	return os.ReadFile(path)
}

// Report lists the properties skipped while building one Example
type Report struct {
	Skipped []error
}

// Builder converts units according to the configured feature list
type Builder struct {
	specs  []model.FeatureSpec
	image  config.Image
	loader BlobLoader
	logger *slog.Logger
}

// NewBuilder validates the feature list and image options
func NewBuilder(specs []model.FeatureSpec, image config.Image, loader BlobLoader, logger *slog.Logger) (*Builder, error) {
	if len(specs) == 0 {
		return nil, &config.ConfigurationError{Field: "features", Err: errors.New("no features configured")}
	}
	normalized := make([]model.FeatureSpec, len(specs))
	for i, spec := range specs {
		kind, err := model.ParseKind(string(spec.Kind))
		if err != nil {
			return nil, &config.ConfigurationError{Field: fmt.Sprintf("features[%d].kind", i), Err: err}
		}
		spec.Kind = kind
		normalized[i] = spec
	}
	if err := image.Validate(); err != nil {
		return nil, err
	}
	if loader == nil {
		loader = FileLoader{}
	}
	return &Builder{
		specs:  normalized,
		image:  image,
		loader: loader,
		logger: logging.OrDiscard(logger),
	}, nil
}

// Build assembles the Example of one unit. It returns nil when no configured
// property produced a feature.
func (b *Builder) Build(ctx context.Context, unit model.Unit) (*codec.Example, Report) {
	var report Report
	ex := codec.NewExample(unit.ID)

	for _, spec := range b.specs {
		prop, ok := unit.Properties[spec.Property]
		if !ok {
			continue
		}

		feature, present, err := b.convert(ctx, spec, prop)
		if err != nil {
			skipped := &SkippableError{UnitID: unit.ID, Property: spec.Property, Err: err}
			b.logger.Warn("skipping property",
				logging.FieldUnit, unit.ID,
				"property", spec.Property,
				"kind", string(spec.Kind),
				"error", err)
			report.Skipped = append(report.Skipped, skipped)
			continue
		}
		if present {
			ex.Set(spec.FeatureName(), feature)
		}
	}

	if ex.Len() == 0 {
		return nil, report
	}
	return ex, report
}

// Encode implements writer.Encoder
func (b *Builder) Encode(ctx context.Context, unit model.Unit) (writer.Encoded, error) {
	if err := ctx.Err(); err != nil {
		return writer.Encoded{}, err
	}
	ex, report := b.Build(ctx, unit)
	if ex == nil {
		return writer.Encoded{Skipped: report.Skipped}, nil
	}
	return writer.Encoded{
		Payload:  ex.Marshal(),
		Features: ex.Len(),
		Skipped:  report.Skipped,
	}, nil
}

func (b *Builder) convert(ctx context.Context, spec model.FeatureSpec, prop model.Property) (codec.Feature, bool, error) {
	switch spec.Kind {
	case model.KindImage:
		data, err := b.loadBlob(ctx, prop)
		if err != nil {
			return codec.Feature{}, false, err
		}
		if len(data) == 0 {
			return codec.Feature{}, false, nil
		}
		out, err := ConvertImage(data, b.image)
		if err != nil {
			return codec.Feature{}, false, err
		}
		return codec.BytesFeature(out), true, nil

	case model.KindText:
		return codec.StringFeature(prop.Text), true, nil

	case model.KindCategory:
		values := prop.Values
		if len(values) == 0 && prop.Text != "" {
			values = []string{prop.Text}
		}
		if len(values) == 0 {
			return codec.Feature{}, false, nil
		}
		return codec.StringFeature(values...), true, nil

	default:
		return codec.Feature{}, false, fmt.Errorf("unsupported kind %q", spec.Kind)
	}
}

func (b *Builder) loadBlob(ctx context.Context, prop model.Property) ([]byte, error) {
	if len(prop.Blob) > 0 {
		return prop.Blob, nil
	}
	if prop.Path == "" {
		return nil, nil
	}
	data, err := b.loader.Load(ctx, prop.Path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", prop.Path, err)
	}
	return data, nil
}
