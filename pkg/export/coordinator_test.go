package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/featurestream/pkg/codec"
	"github.com/ssargent/featurestream/pkg/features"
	"github.com/ssargent/featurestream/pkg/metrics"
	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/source"
	"github.com/ssargent/featurestream/pkg/storage"
	"github.com/ssargent/featurestream/pkg/testutil"
	"github.com/ssargent/featurestream/pkg/writer"
)

var testSpecs = []model.FeatureSpec{
	{Property: "title", Kind: model.KindText},
	{Property: "body", Kind: model.KindText},
}

type harness struct {
	state     *storage.StateStore
	blobs     storage.BlobStore
	dir       string
	publisher *ChannelPublisher
	coord     *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	db, err := storage.Open(filepath.Join(root, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		state:     storage.NewStateStore(db),
		blobs:     storage.NewPebbleBlobStore(db),
		dir:       filepath.Join(root, "shards"),
		publisher: NewChannelPublisher(4),
	}
	h.coord = h.coordinator(t, h.dir)
	return h
}

func (h *harness) coordinator(t *testing.T, dir string) *Coordinator {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	c, err := NewCoordinator(Options{
		State: h.state,
		NewWriter: func(shard model.Shard) (*writer.FileWriter, error) {
			return writer.New(features.Kind, writer.Deps{
				Paths:  h.state,
				Blobs:  h.blobs,
				Logger: logger,
			}, writer.Options{
				Shard:      shard,
				Dir:        dir,
				BufferSize: 4096,
				Features:   testSpecs,
			})
		},
		Publisher: h.publisher,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Logger:    logger,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) countRecords(t *testing.T, ref model.BlobRef) int {
	t.Helper()
	data, err := h.blobs.ReadBlob(context.Background(), ref)
	require.NoError(t, err)
	n, err := codec.CountRecords(bytes.NewReader(data))
	require.NoError(t, err)
	return n
}

func (h *harness) docIDs(t *testing.T, ref model.BlobRef) []string {
	t.Helper()
	data, err := h.blobs.ReadBlob(context.Background(), ref)
	require.NoError(t, err)
	var ids []string
	r := codec.NewRecordReader(bytes.NewReader(data))
	for {
		ex, err := r.NextExample()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return ids
		}
		ids = append(ids, ex.DocID)
	}
}

// abandoningSource serves limit units, waits for a commit and then cancels
// the run as an operator interrupt would
type abandoningSource struct {
	*source.SliceSource
	mu        sync.Mutex
	served    int
	limit     int
	committed func() bool
	cancel    context.CancelFunc
}

func (s *abandoningSource) Next(ctx context.Context) (model.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served >= s.limit {
		deadline := time.Now().Add(5 * time.Second)
		for !s.committed() && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		s.cancel()
		return model.Unit{}, context.Canceled
	}
	s.served++
	return s.SliceSource.Next(ctx)
}

// flakyPublisher fails the first failures deliveries
type flakyPublisher struct {
	*ChannelPublisher
	mu       sync.Mutex
	failures int
}

func (p *flakyPublisher) Publish(ctx context.Context, c model.Completion) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	return p.ChannelPublisher.Publish(ctx, c)
}

// units returns n units where every tenth one carries no usable property
func units(n int) []model.Unit {
	out := make([]model.Unit, 0, n)
	for i := 0; i < n; i++ {
		u := model.Unit{ID: fmt.Sprintf("doc-%04d", i), Properties: map[string]model.Property{}}
		if i%10 != 9 {
			u.Properties["title"] = model.Property{Kind: model.KindText, Text: fmt.Sprintf("title %d", i)}
			u.Properties["body"] = model.Property{Kind: model.KindText, Text: fmt.Sprintf("body %d", i)}
		}
		out = append(out, u)
	}
	return out
}

func TestCoordinator_SplitScenario(t *testing.T) {
	ctx := context.Background()

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			h := newHarness(t)

			status, err := h.coord.Run(ctx, Job{
				ID:         "job-split",
				Source:     source.NewSliceSource(units(500)),
				SplitRatio: 60,
				Workers:    workers,
				BatchSize:  16,
			})
			require.NoError(t, err)
			assert.Equal(t, model.StateCompleted, status.State)

			training := status.Shards[model.ShardTraining].Processed
			validation := status.Shards[model.ShardValidation].Processed
			assert.Equal(t, int64(450), training+validation)
			assert.Greater(t, training, validation)
			assert.Equal(t, int64(50), status.Dropped)
			assert.Zero(t, status.Errored)

			var completion model.Completion
			select {
			case completion = <-h.publisher.C():
			default:
				t.Fatal("completion was not published")
			}
			assert.Equal(t, "job-split", completion.JobID)
			require.Len(t, completion.Blobs, 2)
			assert.Equal(t, int(training), h.countRecords(t, completion.Blobs[model.ShardTraining]))
			assert.Equal(t, int(validation), h.countRecords(t, completion.Blobs[model.ShardValidation]))
			assert.Equal(t, completion.Blobs, status.Blobs)
		})
	}
}

func TestCoordinator_ExactSplitSingleWorker(t *testing.T) {
	h := newHarness(t)

	status, err := h.coord.Run(context.Background(), Job{
		ID:         "job",
		Source:     source.NewSliceSource(units(500)),
		SplitRatio: 60,
		Workers:    1,
		BatchSize:  7,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(270), status.Shards[model.ShardTraining].Processed)
	assert.Equal(t, int64(180), status.Shards[model.ShardValidation].Processed)
}

func TestCoordinator_CompletionFiresOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job := Job{ID: "job-once", Source: source.NewSliceSource(units(40)), SplitRatio: 80, Workers: 2, BatchSize: 4}
	_, err := h.coord.Run(ctx, job)
	require.NoError(t, err)

	job.Source = source.NewSliceSource(units(40))
	status, err := h.coord.Run(ctx, job)
	assert.ErrorIs(t, err, ErrJobTerminal)
	require.NotNil(t, status)
	assert.Equal(t, model.StateCompleted, status.State)

	assert.Len(t, h.publisher.C(), 1)
}

func TestCoordinator_IOErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// A regular file where the shard directory should be
	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0600))
	coord := h.coordinator(t, blocked)

	status, err := coord.Run(ctx, Job{ID: "job-io", Source: source.NewSliceSource(units(20)), SplitRatio: 50, BatchSize: 2})
	require.Error(t, err)
	assert.True(t, writer.IsIOError(err))
	require.NotNil(t, status)
	assert.Equal(t, model.StateFailed, status.State)
	assert.NotEmpty(t, status.Error)

	// FAILED is terminal even with a healthy writer
	_, err = h.coord.Run(ctx, Job{ID: "job-io", Source: source.NewSliceSource(units(20)), SplitRatio: 50})
	assert.ErrorIs(t, err, ErrJobTerminal)

	assert.Len(t, h.publisher.C(), 0)
}

func TestCoordinator_AbandonedJobResumes(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.coord.Run(ctx, Job{ID: "job-resume", Source: source.NewSliceSource(units(30)), SplitRatio: 50})
	require.ErrorIs(t, err, context.Canceled)

	status, err := h.state.Status("job-resume")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, status.State)
	assert.Len(t, h.publisher.C(), 0)

	status, err = h.coord.Run(context.Background(), Job{ID: "job-resume", Source: source.NewSliceSource(units(30)), SplitRatio: 50})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, status.State)
	assert.Equal(t, int64(27), status.Processed())
	assert.Len(t, h.publisher.C(), 1)
}

func TestCoordinator_ResumeAfterMidRunAbandon(t *testing.T) {
	h := newHarness(t)
	const jobID = "job-midrun"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &abandoningSource{
		SliceSource: source.NewSliceSource(units(100)),
		limit:       60,
		cancel:      cancel,
		committed: func() bool {
			st, err := h.state.Status(jobID)
			return err == nil && st.Processed() > 0
		},
	}
	_, err := h.coord.Run(ctx, Job{ID: jobID, Source: src, SplitRatio: 70, Workers: 1, BatchSize: 4})
	require.ErrorIs(t, err, context.Canceled)

	mid, err := h.state.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, mid.State)
	assert.Greater(t, mid.Processed(), int64(0))
	assert.Less(t, mid.Processed(), int64(60))

	// The resumed run reads the whole source again
	status, err := h.coord.Run(context.Background(), Job{
		ID:         jobID,
		Source:     source.NewSliceSource(units(100)),
		SplitRatio: 70,
		Workers:    2,
		BatchSize:  4,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, status.State)
	assert.Equal(t, int64(90), status.Processed())
	assert.Equal(t, int64(10), status.Dropped)

	completion := <-h.publisher.C()
	var ids []string
	for _, shard := range model.Shards {
		ref, ok := completion.Blobs[shard]
		require.True(t, ok, shard)
		shardIDs := h.docIDs(t, ref)
		assert.Equal(t, status.Shards[shard].Processed, int64(len(shardIDs)), shard)
		ids = append(ids, shardIDs...)
	}
	require.Len(t, ids, 90)

	var want []string
	for _, u := range units(100) {
		if len(u.Properties) > 0 {
			want = append(want, u.ID)
		}
	}
	assert.ElementsMatch(t, want, ids)
}

func TestCoordinator_FailedPublishIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	publisher := &flakyPublisher{ChannelPublisher: NewChannelPublisher(4), failures: 1}
	c, err := NewCoordinator(Options{
		State: h.state,
		NewWriter: func(shard model.Shard) (*writer.FileWriter, error) {
			return writer.New(features.Kind, writer.Deps{Paths: h.state, Blobs: h.blobs}, writer.Options{
				Shard: shard, Dir: h.dir, Features: testSpecs,
			})
		},
		Publisher: publisher,
	})
	require.NoError(t, err)

	job := Job{ID: "job-publish", Source: source.NewSliceSource(units(20)), SplitRatio: 50, BatchSize: 4}
	status, err := c.Run(ctx, job)
	require.Error(t, err)
	require.NotNil(t, status)
	assert.Equal(t, model.StateCompleted, status.State)
	assert.Len(t, publisher.C(), 0)

	published, err := h.state.Published(job.ID)
	require.NoError(t, err)
	assert.False(t, published)

	// The export is not repeated, only the delivery
	job.Source = source.NewSliceSource(nil)
	status, err = c.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, status.State)
	assert.Equal(t, int64(18), status.Processed())
	require.Len(t, publisher.C(), 1)
	completion := <-publisher.C()
	assert.Equal(t, status.Blobs, completion.Blobs)

	_, err = c.Run(ctx, job)
	assert.ErrorIs(t, err, ErrJobTerminal)
	assert.Len(t, publisher.C(), 0)
}

func TestCoordinator_ResumesFromCompleting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// A previous run appended records and crashed while completing
	w, err := writer.New(features.Kind, writer.Deps{Paths: h.state, Blobs: h.blobs}, writer.Options{
		Shard: model.ShardTraining, Dir: h.dir, Features: testSpecs,
	})
	require.NoError(t, err)
	_, err = w.Write(ctx, "job-crash", units(10))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = h.state.Schedule("job-crash")
	require.NoError(t, err)
	_, err = h.state.Transition("job-crash", model.StateRunning, "")
	require.NoError(t, err)
	_, err = h.state.Transition("job-crash", model.StateCompleting, "")
	require.NoError(t, err)

	status, err := h.coord.Run(ctx, Job{ID: "job-crash", Source: source.NewSliceSource(units(100)), SplitRatio: 50})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, status.State)

	completion := <-h.publisher.C()
	require.Contains(t, completion.Blobs, model.ShardTraining)
	assert.NotContains(t, completion.Blobs, model.ShardValidation)
	assert.Equal(t, 9, h.countRecords(t, completion.Blobs[model.ShardTraining]))
}

func TestCoordinator_PropertyErrorsCounted(t *testing.T) {
	h := newHarness(t)
	c, err := NewCoordinator(Options{
		State: h.state,
		NewWriter: func(shard model.Shard) (*writer.FileWriter, error) {
			return writer.New(features.Kind, writer.Deps{Paths: h.state, Blobs: h.blobs}, writer.Options{
				Shard: shard,
				Dir:   h.dir,
				Features: []model.FeatureSpec{
					{Property: "photo", Kind: model.KindImage},
					{Property: "title", Kind: model.KindText},
				},
			})
		},
		Publisher: h.publisher,
	})
	require.NoError(t, err)

	in := []model.Unit{
		{ID: "a", Properties: map[string]model.Property{
			"photo": {Kind: model.KindImage, Blob: []byte("garbage")},
			"title": {Kind: model.KindText, Text: "kept"},
		}},
		{ID: "b", Properties: map[string]model.Property{
			"photo": {Kind: model.KindImage, Blob: []byte("garbage")},
		}},
	}
	status, err := c.Run(context.Background(), Job{ID: "job-err", Source: source.NewSliceSource(in), SplitRatio: 99})
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Processed())
	assert.Equal(t, int64(1), status.Shards[model.ShardTraining].Errored)
	assert.Equal(t, int64(1), status.Dropped)
	assert.Equal(t, int64(1), status.Errored)
}

func TestCoordinator_InvalidJobs(t *testing.T) {
	h := newHarness(t)
	src := source.NewSliceSource(nil)

	tests := []struct {
		name string
		job  Job
	}{
		{"empty id", Job{Source: src, SplitRatio: 50}},
		{"path id", Job{ID: "../x", Source: src, SplitRatio: 50}},
		{"no source", Job{ID: "j", SplitRatio: 50}},
		{"ratio zero", Job{ID: "j", Source: src}},
		{"ratio hundred", Job{ID: "j", Source: src, SplitRatio: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.Run(context.Background(), tt.job)
			assert.Error(t, err)
		})
	}
}

func TestCoordinator_ActiveGuard(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.coord.acquire("job"))
	_, err := h.coord.Run(context.Background(), Job{ID: "job", Source: source.NewSliceSource(nil), SplitRatio: 50})
	assert.ErrorIs(t, err, ErrJobActive)
	h.coord.release("job")

	status, err := h.coord.Run(context.Background(), Job{ID: "job", Source: source.NewSliceSource(nil), SplitRatio: 50})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, status.State)
	assert.Empty(t, (<-h.publisher.C()).Blobs)
}
