package di

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/export"
	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Source.Path = filepath.Join(cfg.DataDir, "source.db")
	cfg.Export.Workers = 2
	cfg.Export.BatchSize = 8
	cfg.Features = []model.FeatureSpec{{Property: "body", Kind: model.KindText}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestContainer_ExportFromSQLite(t *testing.T) {
	ctx := context.Background()
	for _, store := range []string{"pebble", "fs"} {
		t.Run(store, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Writer.BlobStore = store

			c, err := NewContainer(cfg, testutil.NewTestLogger(t))
			require.NoError(t, err)
			defer c.Close()

			published := export.NewChannelPublisher(1)
			c.SetPublisher(published)

			src, err := c.OpenSource(ctx)
			require.NoError(t, err)
			defer src.Close()
			for i := 0; i < 25; i++ {
				require.NoError(t, src.InsertUnit(ctx, model.Unit{
					ID:         fmt.Sprintf("doc-%02d", i),
					Properties: map[string]model.Property{"body": {Kind: model.KindText, Text: "text"}},
				}))
			}

			coord, err := c.Coordinator()
			require.NoError(t, err)
			status, err := coord.Run(ctx, c.Job("job", src))
			require.NoError(t, err)
			assert.Equal(t, model.StateCompleted, status.State)
			assert.Equal(t, int64(25), status.Processed())

			completion := <-published.C()
			assert.Equal(t, store, completion.Blobs[model.ShardTraining].Store)
		})
	}
}

func TestContainer_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown writer kind", func(c *config.Config) { c.Writer.Kind = "parquet" }},
		{"unknown blob store", func(c *config.Config) { c.Writer.BlobStore = "s3" }},
		{"no features", func(c *config.Config) { c.Features = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			_, err := NewContainer(cfg, nil)
			require.Error(t, err)
			assert.True(t, config.IsConfigurationError(err))
		})
	}
}

func TestContainer_Server(t *testing.T) {
	c, err := NewContainer(testConfig(t), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Server().Routes())
	assert.NotNil(t, c.Registry())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
