// Package export drives export jobs: it fans source units out to workers,
// splits qualifying units between the training and validation shards and
// finalizes both shards once every worker is done.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ssargent/featurestream/pkg/logging"
	"github.com/ssargent/featurestream/pkg/metrics"
	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/source"
	"github.com/ssargent/featurestream/pkg/storage"
	"github.com/ssargent/featurestream/pkg/writer"
)

var (
	// ErrJobTerminal is returned when running a COMPLETED or FAILED job
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrJobActive is returned when the job is already running in this process
	ErrJobActive = errors.New("job is already running")
)

const (
	defaultWorkers   = 1
	defaultBatchSize = 64
)

// Job describes one export run
type Job struct {
	ID         string
	Source     source.Source
	SplitRatio int // training percentage
	Workers    int
	BatchSize  int
}

func (j *Job) validate() error {
	if j.ID == "" {
		return errors.New("job id must not be empty")
	}
	if strings.ContainsAny(j.ID, `/\`) || j.ID == "." || j.ID == ".." {
		return fmt.Errorf("invalid job id %q", j.ID)
	}
	if j.Source == nil {
		return errors.New("job source is required")
	}
	if j.SplitRatio <= 0 || j.SplitRatio >= 100 {
		return fmt.Errorf("split ratio must be within 1-99, got %d", j.SplitRatio)
	}
	if j.Workers <= 0 {
		j.Workers = defaultWorkers
	}
	if j.BatchSize <= 0 {
		j.BatchSize = defaultBatchSize
	}
	return nil
}

// WriterFactory builds the writer of one shard
type WriterFactory func(shard model.Shard) (*writer.FileWriter, error)

// Options configures a Coordinator
type Options struct {
	State     *storage.StateStore
	NewWriter WriterFactory
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Coordinator runs export jobs against the durable state store
type Coordinator struct {
	state     *storage.StateStore
	newWriter WriterFactory
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewCoordinator creates a coordinator. A nil Publisher logs completions.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.State == nil {
		return nil, errors.New("state store is required")
	}
	if opts.NewWriter == nil {
		return nil, errors.New("writer factory is required")
	}
	logger := logging.OrDiscard(opts.Logger)
	publisher := opts.Publisher
	if publisher == nil {
		publisher = NewLogPublisher(logger)
	}
	return &Coordinator{
		state:     opts.State,
		newWriter: opts.NewWriter,
		publisher: publisher,
		metrics:   opts.Metrics,
		logger:    logger,
		active:    make(map[string]struct{}),
	}, nil
}

// Status returns the durable status of a job
func (c *Coordinator) Status(jobID string) (*model.JobStatus, error) {
	return c.state.Status(jobID)
}

// shardBatch is one flush of a worker towards a shard sink
type shardBatch struct {
	units    []string
	payloads [][]byte
	errored  int64
}

// Run executes a job until every unit of its source is routed, then
// completes both shards and publishes the completion once. A cancelled
// context abandons the job in its current state so it can be resumed; the
// resumed run skips units already committed to a shard or dropped. A
// COMPLETED job whose completion was never delivered is published again.
func (c *Coordinator) Run(ctx context.Context, job Job) (*model.JobStatus, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	if !c.acquire(job.ID) {
		return nil, fmt.Errorf("%w: %s", ErrJobActive, job.ID)
	}
	defer c.release(job.ID)

	logger := c.logger.With(logging.FieldJobID, job.ID)

	status, err := c.state.Status(job.ID)
	if errors.Is(err, storage.ErrNotFound) {
		status, err = c.state.Schedule(job.ID)
	}
	if err != nil {
		return nil, err
	}
	if status.State == model.StateCompleted {
		published, err := c.state.Published(job.ID)
		if err != nil {
			return status, err
		}
		if !published {
			logger.Info("retrying completion publish")
			return c.publish(ctx, status, logger)
		}
	}
	if status.State.Terminal() {
		return status, fmt.Errorf("%w: %s is %s", ErrJobTerminal, job.ID, status.State)
	}

	finish := c.metrics.JobStarted()

	writers := make(map[model.Shard]*writer.FileWriter, len(model.Shards))
	defer func() {
		for _, w := range writers {
			if err := w.Close(); err != nil {
				logger.Warn("failed to close writer", "error", err)
			}
		}
	}()
	for _, shard := range model.Shards {
		w, err := c.newWriter(shard)
		if err != nil {
			finish("error")
			return nil, fmt.Errorf("create %s writer: %w", shard, err)
		}
		writers[shard] = w
	}

	if status.State != model.StateCompleting {
		resuming := status.State == model.StateRunning
		if _, err := c.state.Transition(job.ID, model.StateRunning, ""); err != nil {
			finish("error")
			return nil, err
		}
		logger.Info("export started",
			"workers", job.Workers,
			"batch_size", job.BatchSize,
			"split_ratio", job.SplitRatio,
			"resumed", resuming)

		if err := c.route(ctx, job, resuming, writers, logger); err != nil {
			return c.abort(ctx, job.ID, err, finish, logger)
		}
	}

	if _, err := c.state.Transition(job.ID, model.StateCompleting, ""); err != nil {
		return c.abort(ctx, job.ID, err, finish, logger)
	}

	for _, shard := range model.Shards {
		ref, err := writers[shard].Complete(ctx, job.ID)
		if err != nil {
			return c.abort(ctx, job.ID, fmt.Errorf("complete %s: %w", shard, err), finish, logger)
		}
		if ref != nil {
			c.metrics.RecordBlob(string(shard), ref.Size)
		}
	}

	final, err := c.state.Transition(job.ID, model.StateCompleted, "")
	if err != nil {
		return c.abort(ctx, job.ID, err, finish, logger)
	}
	finish(string(model.StateCompleted))
	logger.Info("export completed",
		"processed", final.Processed(),
		"dropped", final.Dropped,
		"errored", final.Errored)

	return c.publish(ctx, final, logger)
}

// publish delivers the completion of a COMPLETED job and only then records
// it as published. A failed delivery leaves the marker unset so the next Run
// retries; a crash between delivery and marker delivers the event twice.
func (c *Coordinator) publish(ctx context.Context, status *model.JobStatus, logger *slog.Logger) (*model.JobStatus, error) {
	completion := model.Completion{JobID: status.JobID, Blobs: make(map[model.Shard]model.BlobRef, len(status.Blobs))}
	for shard, ref := range status.Blobs {
		completion.Blobs[shard] = ref
	}

	if err := c.publisher.Publish(ctx, completion); err != nil {
		logger.Error("failed to publish completion", "error", err)
		return status, fmt.Errorf("publish completion: %w", err)
	}
	first, err := c.state.MarkPublished(status.JobID)
	if err != nil {
		return status, fmt.Errorf("mark published: %w", err)
	}
	if !first {
		logger.Warn("completion was already marked published")
	}
	return status, nil
}

// abort marks the job FAILED unless the caller abandoned it
func (c *Coordinator) abort(ctx context.Context, jobID string, cause error, finish func(string), logger *slog.Logger) (*model.JobStatus, error) {
	if ctx.Err() != nil && errors.Is(cause, ctx.Err()) {
		finish("abandoned")
		logger.Warn("export abandoned", "error", cause)
		return nil, cause
	}

	finish(string(model.StateFailed))
	logger.Error("export failed", "error", cause)
	status, err := c.state.Transition(jobID, model.StateFailed, cause.Error())
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return status, cause
}

// route runs the workers and one sink per shard until the source is drained
func (c *Coordinator) route(ctx context.Context, job Job, resuming bool, writers map[model.Shard]*writer.FileWriter, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	sinks := make(map[model.Shard]chan shardBatch, len(writers))
	for shard, w := range writers {
		ch := make(chan shardBatch, job.Workers)
		sinks[shard] = ch
		g.Go(func() error {
			return c.sink(gctx, job.ID, shard, w, ch)
		})
	}

	// Any shard writer can encode; encoding does not touch the file
	encoder := writers[model.ShardTraining]

	var workers sync.WaitGroup
	for i := 0; i < job.Workers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return c.work(gctx, job, resuming, encoder, sinks, logger.With("worker", i))
		})
	}
	g.Go(func() error {
		workers.Wait()
		for _, ch := range sinks {
			close(ch)
		}
		return nil
	})

	return g.Wait()
}

// sink is the only goroutine appending to its shard file. A batch counts
// once its commit, carrying the new file length and its unit ids, is durable.
func (c *Coordinator) sink(ctx context.Context, jobID string, shard model.Shard, w *writer.FileWriter, batches <-chan shardBatch) error {
	for b := range batches {
		offset, err := w.Append(ctx, jobID, b.payloads)
		if err != nil {
			return err
		}
		err = c.state.Commit(jobID, storage.Commit{
			Shard:     shard,
			Offset:    offset,
			Units:     b.units,
			Processed: int64(len(b.payloads)),
			Errored:   b.errored,
		})
		if err != nil {
			return err
		}
		c.metrics.RecordBatch(string(shard), int64(len(b.payloads)), b.errored)
	}
	return nil
}

// work pulls units until the source is exhausted. When resuming, units
// already committed by an earlier run are skipped.
func (c *Coordinator) work(ctx context.Context, job Job, resuming bool, encoder writer.Encoder, sinks map[model.Shard]chan shardBatch, logger *slog.Logger) error {
	splitter := NewSplitter(job.SplitRatio)
	pending := make(map[model.Shard]*shardBatch, len(sinks))
	for shard := range sinks {
		pending[shard] = &shardBatch{}
	}
	var droppedUnits []string
	var dropped, droppedErrored, skipped int64

	flushDropped := func() error {
		if len(droppedUnits) == 0 {
			return nil
		}
		err := c.state.Commit(job.ID, storage.Commit{Units: droppedUnits, Dropped: dropped, Errored: droppedErrored})
		if err != nil {
			return err
		}
		c.metrics.RecordDropped(dropped)
		droppedUnits, dropped, droppedErrored = nil, 0, 0
		return nil
	}
	flush := func(shard model.Shard) error {
		b := pending[shard]
		if len(b.payloads) == 0 {
			return nil
		}
		select {
		case sinks[shard] <- *b:
		case <-ctx.Done():
			return ctx.Err()
		}
		pending[shard] = &shardBatch{
			units:    make([]string, 0, job.BatchSize),
			payloads: make([][]byte, 0, job.BatchSize),
		}
		return flushDropped()
	}

	for {
		unit, err := job.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		if resuming {
			routed, err := c.state.Routed(job.ID, unit.ID)
			if err != nil {
				return err
			}
			if routed {
				skipped++
				continue
			}
		}

		enc, err := encoder.Encode(ctx, unit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("skipping unit", logging.FieldUnit, unit.ID, "error", err)
			droppedUnits = append(droppedUnits, unit.ID)
			droppedErrored++
			continue
		}
		if enc.Payload == nil {
			droppedUnits = append(droppedUnits, unit.ID)
			dropped++
			droppedErrored += int64(len(enc.Skipped))
			if len(droppedUnits) >= job.BatchSize {
				if err := flushDropped(); err != nil {
					return err
				}
			}
			continue
		}

		shard := splitter.Next()
		b := pending[shard]
		b.units = append(b.units, unit.ID)
		b.payloads = append(b.payloads, enc.Payload)
		b.errored += int64(len(enc.Skipped))
		if len(b.payloads) >= job.BatchSize {
			if err := flush(shard); err != nil {
				return err
			}
		}
	}

	for _, shard := range model.Shards {
		if err := flush(shard); err != nil {
			return err
		}
	}
	if err := flushDropped(); err != nil {
		return err
	}

	training, validation := splitter.Counts()
	logger.Debug("worker finished", "training", training, "validation", validation, "skipped", skipped)
	return nil
}

func (c *Coordinator) acquire(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[jobID]; ok {
		return false
	}
	c.active[jobID] = struct{}{}
	return true
}

func (c *Coordinator) release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, jobID)
}
