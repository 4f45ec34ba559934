// Package di wires the exporter's components from a loaded configuration
package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ssargent/featurestream/pkg/api"
	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/export"
	_ "github.com/ssargent/featurestream/pkg/features" // registers the tfrecord writer
	"github.com/ssargent/featurestream/pkg/logging"
	"github.com/ssargent/featurestream/pkg/metrics"
	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/source"
	"github.com/ssargent/featurestream/pkg/storage"
	"github.com/ssargent/featurestream/pkg/writer"
)

// Container holds all the dependencies for the application
type Container struct {
	config   *config.Config
	logger   *slog.Logger
	db       *pebble.DB
	state    *storage.StateStore
	blobs    storage.BlobStore
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	publisher   export.Publisher
	coordinator *export.Coordinator
}

// NewContainer opens the state database and blob store described by cfg.
// Writer kind and feature list are checked here so a bad setup fails before
// any job runs.
func NewContainer(cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger = logging.OrDiscard(logger)

	if !slices.Contains(writer.Kinds(), cfg.Writer.Kind) {
		return nil, &config.ConfigurationError{
			Field: "writer.kind",
			Err:   fmt.Errorf("unknown writer kind %q (available: %v)", cfg.Writer.Kind, writer.Kinds()),
		}
	}

	db, err := storage.Open(cfg.StateDir())
	if err != nil {
		return nil, err
	}

	blobs, err := storage.NewBlobStore(cfg.Writer.BlobStore, storage.BlobDeps{DB: db, Dir: cfg.BlobDir()})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Container{
		config:   cfg,
		logger:   logger,
		db:       db,
		state:    storage.NewStateStore(db),
		blobs:    blobs,
		registry: registry,
		metrics:  metrics.New(registry),
	}

	probe, err := c.NewWriter(model.ShardTraining)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_ = probe.Close()

	return c, nil
}

// Config returns the loaded configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the application logger
func (c *Container) Logger() *slog.Logger {
	return c.logger
}

// State returns the durable state store
func (c *Container) State() *storage.StateStore {
	return c.state
}

// Blobs returns the configured blob store
func (c *Container) Blobs() storage.BlobStore {
	return c.blobs
}

// Registry returns the Prometheus registry metrics are registered with
func (c *Container) Registry() *prometheus.Registry {
	return c.registry
}

// SetPublisher overrides the completion publisher. It must be called before
// the first call to Coordinator.
func (c *Container) SetPublisher(p export.Publisher) {
	c.publisher = p
}

// NewWriter builds the configured writer for one shard
func (c *Container) NewWriter(shard model.Shard) (*writer.FileWriter, error) {
	return writer.New(c.config.Writer.Kind, writer.Deps{
		Paths:  c.state,
		Blobs:  c.blobs,
		Logger: c.logger,
	}, writer.Options{
		Shard:      shard,
		Dir:        c.config.ShardDir(),
		BufferSize: c.config.Writer.BufferSize,
		Image:      c.config.Writer.Image,
		Features:   c.config.Features,
	})
}

// Coordinator returns the export coordinator, creating it on first use
func (c *Container) Coordinator() (*export.Coordinator, error) {
	if c.coordinator != nil {
		return c.coordinator, nil
	}
	coord, err := export.NewCoordinator(export.Options{
		State:     c.state,
		NewWriter: c.NewWriter,
		Publisher: c.publisher,
		Metrics:   c.metrics,
		Logger:    c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.coordinator = coord
	return coord, nil
}

// OpenSource opens the configured sqlite catalog
func (c *Container) OpenSource(ctx context.Context) (*source.SQLiteSource, error) {
	if c.config.Source.Path == "" {
		return nil, &config.ConfigurationError{Field: "source.path", Err: errors.New("must not be empty")}
	}
	return source.OpenSQLite(ctx, c.config.Source.Path)
}

// Job builds a job over src using the configured export settings
func (c *Container) Job(id string, src source.Source) export.Job {
	return export.Job{
		ID:         id,
		Source:     src,
		SplitRatio: c.config.Export.SplitRatio,
		Workers:    c.config.Export.Workers,
		BatchSize:  c.config.Export.BatchSize,
	}
}

// Server builds the status API server
func (c *Container) Server() *api.Server {
	return api.NewServer(c.state, c.blobs, api.ServerConfig{
		Bind:   c.config.Server.Bind,
		Port:   c.config.Server.Port,
		APIKey: c.config.Server.APIKey,
	}, c.metrics, c.registry, c.logger)
}

// Close releases the state database
func (c *Container) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
