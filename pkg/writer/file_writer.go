package writer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/segmentio/ksuid"

	"github.com/ssargent/featurestream/pkg/codec"
	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/logging"
	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/storage"
)

// FileExt is the extension of shard files
const FileExt = ".tfrecord"

// PathStore is the durable (job, shard) → path, committed offset and blob
// association
type PathStore interface {
	GetPath(jobID string, shard model.Shard) (string, bool, error)
	GetOrCreatePath(jobID string, shard model.Shard, create func() (string, error)) (string, bool, error)
	CommittedOffset(jobID string, shard model.Shard) (int64, bool, error)
	Commit(jobID string, c storage.Commit) error
	GetBlob(jobID string, shard model.Shard) (*model.BlobRef, error)
	PutBlob(jobID string, shard model.Shard, ref model.BlobRef) error
}

// shardFile is an open append handle
type shardFile struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	frames *codec.RecordWriter
	base   int64 // file length when opened
	err    error // sticky after the first failed append
}

// offset is the file length after the last append
func (sf *shardFile) offset() int64 {
	return sf.base + sf.frames.Offset()
}

// FileWriter appends framed records to one shard file per job
type FileWriter struct {
	encoder Encoder
	paths   PathStore
	blobs   blobWriter
	opts    Options
	logger  *slog.Logger
	files   map[string]*shardFile
}

type blobWriter interface {
	WriteBlob(ctx context.Context, localPath string) (model.BlobRef, error)
}

// NewFileWriter creates a writer for opts.Shard
func NewFileWriter(encoder Encoder, deps Deps, opts Options) (*FileWriter, error) {
	if encoder == nil {
		return nil, &config.ConfigurationError{Field: "writer", Err: errors.New("encoder is required")}
	}
	if deps.Paths == nil || deps.Blobs == nil {
		return nil, &config.ConfigurationError{Field: "writer", Err: errors.New("path store and blob store are required")}
	}
	if !opts.Shard.Valid() {
		return nil, &config.ConfigurationError{Field: "writer.shard", Err: fmt.Errorf("unknown shard %q", opts.Shard)}
	}
	if opts.Dir == "" {
		return nil, &config.ConfigurationError{Field: "writer.dir", Err: errors.New("must not be empty")}
	}
	if opts.BufferSize < 0 {
		return nil, &config.ConfigurationError{Field: "writer.buffer_size", Err: fmt.Errorf("must not be negative, got %d", opts.BufferSize)}
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = config.DefaultBufferSize
	}

	return &FileWriter{
		encoder: encoder,
		paths:   deps.Paths,
		blobs:   deps.Blobs,
		opts:    opts,
		logger:  logging.OrDiscard(deps.Logger).With(logging.FieldShard, string(opts.Shard)),
		files:   make(map[string]*shardFile),
	}, nil
}

// Shard returns the shard this writer appends to
func (w *FileWriter) Shard() model.Shard {
	return w.opts.Shard
}

// Encode converts a single unit without writing it
func (w *FileWriter) Encode(ctx context.Context, unit model.Unit) (Encoded, error) {
	return w.encoder.Encode(ctx, unit)
}

// Write encodes units, appends those that produce a record and commits the
// batch. Unit-level failures are counted and logged; only I/O and state
// failures are returned.
func (w *FileWriter) Write(ctx context.Context, jobID string, units []model.Unit) (Result, error) {
	var result Result
	payloads := make([][]byte, 0, len(units))
	ids := make([]string, 0, len(units))

	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		enc, err := w.encoder.Encode(ctx, unit)
		if err != nil {
			w.logger.Warn("skipping unit", logging.FieldJobID, jobID, logging.FieldUnit, unit.ID, "error", err)
			result.Errored++
			continue
		}
		result.Errored += int64(len(enc.Skipped))
		if enc.Payload == nil {
			result.Dropped++
			continue
		}
		payloads = append(payloads, enc.Payload)
		ids = append(ids, unit.ID)
	}
	if len(payloads) == 0 {
		return result, nil
	}

	offset, err := w.Append(ctx, jobID, payloads)
	if err != nil {
		return result, err
	}
	err = w.paths.Commit(jobID, storage.Commit{
		Shard:     w.opts.Shard,
		Offset:    offset,
		Units:     ids,
		Processed: int64(len(payloads)),
		Errored:   result.Errored,
	})
	if err != nil {
		// The appended bytes are past the committed offset now
		w.files[jobID].err = err
		return result, err
	}
	result.Written = int64(len(payloads))
	return result, nil
}

// Append frames and appends already encoded payloads, then flushes and syncs
// the file. It returns the file length to commit for the batch; bytes past
// the last committed length are discarded when the file is reopened.
func (w *FileWriter) Append(ctx context.Context, jobID string, payloads [][]byte) (int64, error) {
	if len(payloads) == 0 {
		return 0, errors.New("append: empty batch")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sf, err := w.open(jobID)
	if err != nil {
		return 0, err
	}
	if sf.err != nil {
		return 0, sf.err
	}

	for _, payload := range payloads {
		if _, err := sf.frames.Write(payload); err != nil {
			sf.err = &IOError{Op: "append", Path: sf.path, Err: err}
			return 0, sf.err
		}
	}
	if err := sf.buf.Flush(); err != nil {
		sf.err = &IOError{Op: "flush", Path: sf.path, Err: err}
		return 0, sf.err
	}
	if err := sf.file.Sync(); err != nil {
		sf.err = &IOError{Op: "sync", Path: sf.path, Err: err}
		return 0, sf.err
	}
	return sf.offset(), nil
}

// Exists reports whether a path was ever assigned for the job
func (w *FileWriter) Exists(jobID string) (bool, error) {
	_, ok, err := w.paths.GetPath(jobID, w.opts.Shard)
	return ok, err
}

// Complete closes the job's file, checks every committed record and hands
// the file to the blob store. Calling it again returns the reference
// recorded the first time. A failed append stays failed: Complete returns
// that error for as long as the writer lives. A damaged committed record is
// returned as a wrapped codec.CorruptionError and the file is not modified.
func (w *FileWriter) Complete(ctx context.Context, jobID string) (*model.BlobRef, error) {
	ref, err := w.paths.GetBlob(jobID, w.opts.Shard)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		return ref, nil
	}

	path, ok, err := w.paths.GetPath(jobID, w.opts.Shard)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	if sf, open := w.files[jobID]; open {
		if sf.err != nil {
			return nil, sf.err
		}
		delete(w.files, jobID)
		if err := closeShardFile(sf); err != nil {
			return nil, err
		}
	}

	recovered, err := w.recover(jobID, path)
	if err != nil {
		return nil, err
	}
	if recovered.SizeAfter == 0 {
		return nil, nil
	}
	records, err := verifyFile(path, recovered.SizeAfter)
	if err != nil {
		return nil, err
	}

	blob, err := w.blobs.WriteBlob(ctx, path)
	if err != nil {
		return nil, &IOError{Op: "finalize", Path: path, Err: err}
	}
	if err := w.paths.PutBlob(jobID, w.opts.Shard, blob); err != nil {
		return nil, err
	}

	w.logger.Info("shard finalized",
		logging.FieldJobID, jobID,
		logging.FieldPath, path,
		"blob", blob.String(),
		"records", records,
		"size", blob.Size)
	return &blob, nil
}

// Close flushes and closes every open file. Failed handles keep their error.
func (w *FileWriter) Close() error {
	var errs []error
	for jobID, sf := range w.files {
		if sf.err != nil {
			if sf.file != nil {
				errs = append(errs, sf.file.Close())
				sf.file = nil
			}
			continue
		}
		delete(w.files, jobID)
		errs = append(errs, closeShardFile(sf))
	}
	return errors.Join(errs...)
}

// open returns the append handle of a job, creating or recovering the file
func (w *FileWriter) open(jobID string) (*shardFile, error) {
	if sf, ok := w.files[jobID]; ok {
		return sf, nil
	}

	path, created, err := w.paths.GetOrCreatePath(jobID, w.opts.Shard, func() (string, error) {
		return w.newPath(jobID), nil
	})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, &IOError{Op: "mkdir", Path: path, Err: err}
	}

	var base int64
	if !created {
		recovered, err := w.recover(jobID, path)
		if err != nil {
			return nil, err
		}
		base = recovered.SizeAfter
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	buf := bufio.NewWriterSize(file, w.opts.BufferSize)
	sf := &shardFile{
		path:   path,
		file:   file,
		buf:    buf,
		frames: codec.NewRecordWriter(buf),
		base:   base,
	}
	w.files[jobID] = sf

	w.logger.Debug("shard file opened",
		logging.FieldJobID, jobID,
		logging.FieldPath, path,
		"resumed", !created)
	return sf, nil
}

func (w *FileWriter) newPath(jobID string) string {
	name := fmt.Sprintf("%s-%s%s", w.opts.Shard, ksuid.New().String(), FileExt)
	return filepath.Join(w.opts.Dir, jobID, name)
}

func closeShardFile(sf *shardFile) error {
	if err := sf.buf.Flush(); err != nil {
		_ = sf.file.Close()
		return &IOError{Op: "flush", Path: sf.path, Err: err}
	}
	if err := sf.file.Sync(); err != nil {
		_ = sf.file.Close()
		return &IOError{Op: "sync", Path: sf.path, Err: err}
	}
	if err := sf.file.Close(); err != nil {
		return &IOError{Op: "close", Path: sf.path, Err: err}
	}
	return nil
}

// RecoveryResult describes how an existing shard file was cut back to its
// committed length
type RecoveryResult struct {
	Committed      int64
	SizeBefore     int64
	SizeAfter      int64
	TruncatedBytes int64
}

// recover truncates path to the committed offset of the job. Bytes past it
// belong to batches whose units were never committed and will be written
// again. A file shorter than the committed offset has lost records.
func (w *FileWriter) recover(jobID, path string) (*RecoveryResult, error) {
	committed, _, err := w.paths.CommittedOffset(jobID, w.opts.Shard)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{Committed: committed}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		result.SizeBefore = info.Size()
	case !os.IsNotExist(err):
		return nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	result.SizeAfter = result.SizeBefore

	if result.SizeBefore < committed {
		return nil, fmt.Errorf("recover %s: %w", path, &codec.CorruptionError{
			Offset: result.SizeBefore,
			Reason: fmt.Sprintf("file ends before committed offset %d", committed),
		})
	}
	if result.SizeBefore > committed {
		if err := os.Truncate(path, committed); err != nil {
			return nil, &IOError{Op: "truncate", Path: path, Err: err}
		}
		result.SizeAfter = committed
		result.TruncatedBytes = result.SizeBefore - committed
		w.logger.Warn("discarding uncommitted shard tail",
			logging.FieldJobID, jobID,
			logging.FieldPath, path,
			"committed", committed,
			"bytes", result.TruncatedBytes)
	}
	return result, nil
}

// verifyFile reads every record of the first size bytes of path. It never
// modifies the file.
func verifyFile(path string, size int64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	records, err := codec.CountRecords(io.LimitReader(f, size))
	if err != nil {
		if codec.IsCorruption(err) {
			return records, fmt.Errorf("verify %s: %w", path, err)
		}
		return records, &IOError{Op: "read", Path: path, Err: err}
	}
	return records, nil
}
