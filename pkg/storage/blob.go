package storage

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/segmentio/ksuid"

	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/model"
)

// BlobStore receives finalized shard files
type BlobStore interface {
	Name() string
	WriteBlob(ctx context.Context, localPath string) (model.BlobRef, error)
	ReadBlob(ctx context.Context, ref model.BlobRef) ([]byte, error)
}

// BlobDeps are the resources a blob store may be built from
type BlobDeps struct {
	DB  *pebble.DB
	Dir string
}

// BlobFactory builds a named blob store
type BlobFactory func(BlobDeps) (BlobStore, error)

var blobStores = map[string]BlobFactory{
	"pebble": func(d BlobDeps) (BlobStore, error) {
		if d.DB == nil {
			return nil, fmt.Errorf("pebble blob store requires a database")
		}
		return NewPebbleBlobStore(d.DB), nil
	},
	"fs": func(d BlobDeps) (BlobStore, error) {
		return NewFSBlobStore(d.Dir)
	},
}

// BlobStoreNames lists the registered blob store names (sorted)
func BlobStoreNames() []string {
	names := make([]string, 0, len(blobStores))
	for name := range blobStores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBlobStore builds the blob store registered under name
func NewBlobStore(name string, deps BlobDeps) (BlobStore, error) {
	factory, ok := blobStores[name]
	if !ok {
		return nil, &config.ConfigurationError{
			Field: "writer.blob_store",
			Err:   fmt.Errorf("unknown blob store %q (available: %v)", name, BlobStoreNames()),
		}
	}
	return factory(deps)
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksumHex(sum uint32) string {
	return fmt.Sprintf("%08x", sum)
}

// PebbleBlobStore keeps blob bytes in the state database under ksuid keys
type PebbleBlobStore struct {
	db *pebble.DB
}

// NewPebbleBlobStore wraps an open pebble database
func NewPebbleBlobStore(db *pebble.DB) *PebbleBlobStore {
	return &PebbleBlobStore{db: db}
}

func (s *PebbleBlobStore) Name() string { return "pebble" }

func blobDataKey(id string) []byte {
	return []byte("blobdata/" + id)
}

// WriteBlob copies the file into the database
func (s *PebbleBlobStore) WriteBlob(ctx context.Context, localPath string) (model.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return model.BlobRef{}, err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("read %s: %w", localPath, err)
	}

	id := ksuid.New()
	if err := s.db.Set(blobDataKey(id.String()), data, pebble.Sync); err != nil {
		return model.BlobRef{}, fmt.Errorf("store blob: %w", err)
	}

	return model.BlobRef{
		Store:    s.Name(),
		Key:      id.String(),
		Size:     int64(len(data)),
		Checksum: checksumHex(crc32.Checksum(data, castagnoli)),
	}, nil
}

// ReadBlob returns the stored bytes
func (s *PebbleBlobStore) ReadBlob(ctx context.Context, ref model.BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ksuid.Parse(ref.Key); err != nil {
		return nil, fmt.Errorf("invalid blob key %q: %w", ref.Key, err)
	}
	data, err := get(s.db, blobDataKey(ref.Key))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

// FSBlobStore copies blobs into a directory, one file per ksuid
type FSBlobStore struct {
	dir string
}

// NewFSBlobStore creates the blob directory if needed
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("fs blob store requires a directory")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSBlobStore{dir: dir}, nil
}

func (s *FSBlobStore) Name() string { return "fs" }

// WriteBlob copies the file into the blob directory. The copy is written to a
// temporary name and renamed once synced.
func (s *FSBlobStore) WriteBlob(ctx context.Context, localPath string) (model.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return model.BlobRef{}, err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	id := ksuid.New().String()
	final := filepath.Join(s.dir, id)
	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := crc32.New(castagnoli)
	n, err := io.Copy(io.MultiWriter(tmp, hash), src)
	if err != nil {
		tmp.Close()
		return model.BlobRef{}, fmt.Errorf("copy blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return model.BlobRef{}, fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return model.BlobRef{}, err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return model.BlobRef{}, fmt.Errorf("finalize blob: %w", err)
	}

	return model.BlobRef{
		Store:    s.Name(),
		Key:      id,
		Size:     n,
		Checksum: checksumHex(hash.Sum32()),
	}, nil
}

// ReadBlob reads a stored blob
func (s *FSBlobStore) ReadBlob(ctx context.Context, ref model.BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ksuid.Parse(ref.Key); err != nil {
		return nil, fmt.Errorf("invalid blob key %q: %w", ref.Key, err)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, ref.Key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read blob %s: %w", ref, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}
