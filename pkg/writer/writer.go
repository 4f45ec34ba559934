// Package writer implements resumable, per-(job, shard) append-only record
// files that are handed to a blob store once a job finishes.
//
// A FileWriter owns its open file handles; it is driven by a single goroutine
// for the lifetime of a job. The (job, shard) → path association lives in the
// durable PathStore so a restarted worker appends to the existing file. Each
// appended batch is synced and then committed with the file length it ends
// at; a reopened file is cut back to that length, so a batch is either in
// the file and counted, or in neither.
package writer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssargent/featurestream/pkg/model"
)

// Writer is the contract shared by every writer kind
type Writer interface {
	// Write encodes and appends the units that produce a record
	Write(ctx context.Context, jobID string, units []model.Unit) (Result, error)
	// Exists reports whether a file was ever created for the job
	Exists(jobID string) (bool, error)
	// Complete finalizes the job's file into the blob store. It returns nil
	// when nothing was written.
	Complete(ctx context.Context, jobID string) (*model.BlobRef, error)
	Close() error
}

// Encoded is the outcome of converting one unit
type Encoded struct {
	// Payload is nil when the unit produced no record
	Payload []byte
	// Features is the number of features in the record
	Features int
	// Skipped holds the non-fatal failures hit while converting
	Skipped []error
}

// Encoder converts units into record payloads. An error means the whole unit
// was skipped; it never aborts a batch.
type Encoder interface {
	Encode(ctx context.Context, unit model.Unit) (Encoded, error)
}

// EncoderFunc adapts a function to Encoder
type EncoderFunc func(ctx context.Context, unit model.Unit) (Encoded, error)

func (f EncoderFunc) Encode(ctx context.Context, unit model.Unit) (Encoded, error) {
	return f(ctx, unit)
}

// Result summarizes one Write call
type Result struct {
	Written int64 // records appended
	Dropped int64 // units that produced no record
	Errored int64 // skipped properties and failed units
}

// Add accumulates another result
func (r *Result) Add(o Result) {
	r.Written += o.Written
	r.Dropped += o.Dropped
	r.Errored += o.Errored
}

// IOError is a fatal file or blob store failure. The in-flight batch is lost
// and the shard must not be appended to again.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIOError reports whether err is, or wraps, an IOError
func IsIOError(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe)
}
