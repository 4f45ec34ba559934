package writer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/storage"
)

// Options configures one writer instance
type Options struct {
	Shard      model.Shard
	Dir        string
	BufferSize int
	Image      config.Image
	Features   []model.FeatureSpec
}

// Deps are the shared collaborators of a writer
type Deps struct {
	Paths  PathStore
	Blobs  storage.BlobStore
	Logger *slog.Logger
}

// EncoderFactory builds the encoder of a writer kind
type EncoderFactory func(opts Options, logger *slog.Logger) (Encoder, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]EncoderFactory)
)

// Register adds a writer kind. Called by encoder packages in init().
func Register(kind string, factory EncoderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// Kinds returns the registered writer kinds (sorted)
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds a FileWriter of the given kind
func New(kind string, deps Deps, opts Options) (*FileWriter, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, &config.ConfigurationError{
			Field: "writer.kind",
			Err:   fmt.Errorf("unknown writer kind %q (available: %v)", kind, Kinds()),
		}
	}

	encoder, err := factory(opts, deps.Logger)
	if err != nil {
		if config.IsConfigurationError(err) {
			return nil, err
		}
		return nil, &config.ConfigurationError{Field: "writer", Err: err}
	}
	return NewFileWriter(encoder, deps, opts)
}
