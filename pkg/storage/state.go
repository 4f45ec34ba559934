package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/ssargent/featurestream/pkg/model"
)

// ErrInvalidTransition is returned when a job state change is not allowed
var ErrInvalidTransition = errors.New("invalid job state transition")

// StateStore records the (job, shard) → file association, committed shard
// offsets, routed units, job counters, the job state machine and the
// completion guard. All values are committed with
// pebble.Sync so a restarted worker observes them.
//
// Read-modify-write sequences are serialized by a store-wide mutex.
type StateStore struct {
	db  *pebble.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStateStore wraps an open pebble database
func NewStateStore(db *pebble.DB) *StateStore {
	return &StateStore{db: db, now: time.Now}
}

func pathKey(jobID string, shard model.Shard) []byte {
	return []byte("path/" + jobID + "/" + string(shard))
}

func blobKey(jobID string, shard model.Shard) []byte {
	return []byte("blob/" + jobID + "/" + string(shard))
}

func statusKey(jobID string) []byte {
	return []byte("status/" + jobID)
}

func publishedKey(jobID string) []byte {
	return []byte("published/" + jobID)
}

func offsetKey(jobID string, shard model.Shard) []byte {
	return []byte("offset/" + jobID + "/" + string(shard))
}

func unitKey(jobID, unitID string) []byte {
	return []byte("unit/" + jobID + "/" + unitID)
}

const droppedMarker = "dropped"

// GetPath returns the file path tracked for (job, shard)
func (s *StateStore) GetPath(jobID string, shard model.Shard) (string, bool, error) {
	data, err := get(s.db, pathKey(jobID, shard))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get path %s/%s: %w", jobID, shard, err)
	}
	return string(data), true, nil
}

// GetOrCreatePath returns the tracked path for (job, shard), storing the
// result of create the first time. create is called at most once per pair.
func (s *StateStore) GetOrCreatePath(jobID string, shard model.Shard, create func() (string, error)) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path, ok, err := s.GetPath(jobID, shard); err != nil || ok {
		return path, false, err
	}

	path, err := create()
	if err != nil {
		return "", false, err
	}
	if err := s.db.Set(pathKey(jobID, shard), []byte(path), pebble.Sync); err != nil {
		return "", false, fmt.Errorf("set path %s/%s: %w", jobID, shard, err)
	}
	return path, true, nil
}

// Status returns the durable status of a job
func (s *StateStore) Status(jobID string) (*model.JobStatus, error) {
	data, err := get(s.db, statusKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("job %s status: %w", jobID, err)
	}
	var status model.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode job %s status: %w", jobID, err)
	}
	if status.Shards == nil {
		status.Shards = make(map[model.Shard]model.ShardStatus)
	}
	return &status, nil
}

// Schedule creates the job status in SCHEDULED state unless it already exists
func (s *StateStore) Schedule(jobID string) (*model.JobStatus, error) {
	return s.update(jobID, func(*model.JobStatus) error { return nil })
}

// Commit is one durable step of a job: a batch of units either appended to a
// shard file ending at Offset, or dropped when Shard is empty.
type Commit struct {
	Shard  model.Shard
	Offset int64
	Units  []string
	// Processed and Errored count into Shard. For a dropped commit Errored
	// counts the property failures of the dropped units.
	Processed int64
	Errored   int64
	Dropped   int64
}

// Commit applies c in a single pebble batch: the counters, the shard offset
// and the routed marker of every unit become visible together.
func (s *StateStore) Commit(jobID string, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.loadLocked(jobID)
	if err != nil {
		return err
	}
	if c.Shard != "" {
		cur := status.Shards[c.Shard]
		cur.Processed += c.Processed
		cur.Errored += c.Errored
		status.Shards[c.Shard] = cur
	} else {
		status.Dropped += c.Dropped
		status.Errored += c.Errored
	}
	status.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(statusKey(jobID), data, nil); err != nil {
		return err
	}
	marker := []byte(droppedMarker)
	if c.Shard != "" {
		marker = []byte(c.Shard)
		if err := b.Set(offsetKey(jobID, c.Shard), strconv.AppendInt(nil, c.Offset, 10), nil); err != nil {
			return err
		}
	}
	for _, id := range c.Units {
		if err := b.Set(unitKey(jobID, id), marker, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit job %s: %w", jobID, err)
	}
	return nil
}

// CommittedOffset returns the shard file length covered by the last commit
func (s *StateStore) CommittedOffset(jobID string, shard model.Shard) (int64, bool, error) {
	data, err := get(s.db, offsetKey(jobID, shard))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get offset %s/%s: %w", jobID, shard, err)
	}
	offset, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode offset %s/%s: %w", jobID, shard, err)
	}
	return offset, true, nil
}

// Routed reports whether a unit was already committed to a shard or dropped
func (s *StateStore) Routed(jobID, unitID string) (bool, error) {
	_, err := get(s.db, unitKey(jobID, unitID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get unit %s/%s: %w", jobID, unitID, err)
}

// Transition moves a job to the next state. reason is recorded when the job
// fails.
func (s *StateStore) Transition(jobID string, next model.JobState, reason string) (*model.JobStatus, error) {
	return s.update(jobID, func(st *model.JobStatus) error {
		if !st.State.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.State, next)
		}
		st.State = next
		if next == model.StateFailed {
			st.Error = reason
		}
		return nil
	})
}

// PutBlob records the finalized blob of a shard
func (s *StateStore) PutBlob(jobID string, shard model.Shard, ref model.BlobRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Set(blobKey(jobID, shard), data, pebble.Sync); err != nil {
		return fmt.Errorf("set blob %s/%s: %w", jobID, shard, err)
	}
	_, err = s.updateLocked(jobID, func(st *model.JobStatus) error {
		if st.Blobs == nil {
			st.Blobs = make(map[model.Shard]model.BlobRef)
		}
		st.Blobs[shard] = ref
		return nil
	})
	return err
}

// GetBlob returns the finalized blob of a shard, if any
func (s *StateStore) GetBlob(jobID string, shard model.Shard) (*model.BlobRef, error) {
	data, err := get(s.db, blobKey(jobID, shard))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get blob %s/%s: %w", jobID, shard, err)
	}
	var ref model.BlobRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("decode blob %s/%s: %w", jobID, shard, err)
	}
	return &ref, nil
}

// Published reports whether the completion event of a job was delivered
func (s *StateStore) Published(jobID string) (bool, error) {
	_, err := get(s.db, publishedKey(jobID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get job %s published: %w", jobID, err)
}

// MarkPublished returns true for exactly one caller per job
func (s *StateStore) MarkPublished(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := get(s.db, publishedKey(jobID)); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	stamp := []byte(s.now().UTC().Format(time.RFC3339Nano))
	if err := s.db.Set(publishedKey(jobID), stamp, pebble.Sync); err != nil {
		return false, fmt.Errorf("mark job %s published: %w", jobID, err)
	}
	return true, nil
}

func (s *StateStore) update(jobID string, fn func(*model.JobStatus) error) (*model.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(jobID, fn)
}

func (s *StateStore) loadLocked(jobID string) (*model.JobStatus, error) {
	status, err := s.Status(jobID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return model.NewJobStatus(jobID), nil
	}
	return status, nil
}

func (s *StateStore) updateLocked(jobID string, fn func(*model.JobStatus) error) (*model.JobStatus, error) {
	status, err := s.loadLocked(jobID)
	if err != nil {
		return nil, err
	}

	if err := fn(status); err != nil {
		return nil, err
	}
	status.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	if err := s.db.Set(statusKey(jobID), data, pebble.Sync); err != nil {
		return nil, fmt.Errorf("set job %s status: %w", jobID, err)
	}
	return status, nil
}

// ListJobs returns the status of every known job ordered by id
func (s *StateStore) ListJobs() ([]*model.JobStatus, error) {
	prefix := []byte("status/")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte("status0"), // '0' follows '/'
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer iter.Close()

	var jobs []*model.JobStatus
	for iter.First(); iter.Valid(); iter.Next() {
		var status model.JobStatus
		if err := json.Unmarshal(iter.Value(), &status); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if status.Shards == nil {
			status.Shards = make(map[model.Shard]model.ShardStatus)
		}
		jobs = append(jobs, &status)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
