// Package model holds the types shared by the codec, writers and the export
// coordinator.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the declared type of a source property
type Kind string

const (
	KindImage    Kind = "image"
	KindText     Kind = "text"
	KindCategory Kind = "category"
)

// ParseKind validates a kind tag from configuration
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindImage, KindText, KindCategory:
		return k, nil
	default:
		return "", fmt.Errorf("unknown feature kind %q", s)
	}
}

// IsBlob reports whether values of this kind are loaded as binary blobs
func (k Kind) IsBlob() bool {
	return k == KindImage
}

// FeatureSpec names one configured feature: the property it is read from and
// its declared kind. Name defaults to Property when empty.
type FeatureSpec struct {
	Name     string `yaml:"name" json:"name"`
	Property string `yaml:"property" json:"property"`
	Kind     Kind   `yaml:"kind" json:"kind"`
}

// FeatureName returns the name the feature is stored under
func (s FeatureSpec) FeatureName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Property
}

// Property is one named value on a source unit. Blobs are carried inline or
// referenced by Path and loaded on demand.
type Property struct {
	Kind   Kind
	Text   string
	Values []string
	Blob   []byte
	Path   string
}

// Unit is the input to feature construction
type Unit struct {
	ID         string
	Properties map[string]Property
}

// Shard is one output partition of an export job
type Shard string

const (
	ShardTraining   Shard = "training"
	ShardValidation Shard = "validation"
)

// Shards lists every shard an export job writes
var Shards = []Shard{ShardTraining, ShardValidation}

// Valid reports whether s is one of Shards
func (s Shard) Valid() bool {
	return s == ShardTraining || s == ShardValidation
}

// BlobRef references a finalized shard file inside a blob store
type BlobRef struct {
	Store    string `json:"store"`
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

func (r BlobRef) String() string {
	return r.Store + ":" + r.Key
}

// Completion is published exactly once per finished job
type Completion struct {
	JobID string            `json:"job_id"`
	Blobs map[Shard]BlobRef `json:"blobs"`
}

// JobState is the lifecycle state of an export job
type JobState string

const (
	StateScheduled  JobState = "SCHEDULED"
	StateRunning    JobState = "RUNNING"
	StateCompleting JobState = "COMPLETING"
	StateCompleted  JobState = "COMPLETED"
	StateFailed     JobState = "FAILED"
)

// Terminal reports whether no further work is accepted in this state
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[JobState][]JobState{
	StateScheduled:  {StateRunning, StateCompleting, StateFailed},
	StateRunning:    {StateCompleting, StateFailed},
	StateCompleting: {StateCompleted, StateFailed},
}

// CanTransition reports whether moving from s to next is allowed. Staying in
// the same non-terminal state is allowed so restarted workers can re-enter.
func (s JobState) CanTransition(next JobState) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ShardStatus holds the counters of one (job, shard) pair
type ShardStatus struct {
	Processed int64 `json:"processed"`
	Errored   int64 `json:"errored"`
}

// JobStatus is the aggregate, durable view of one export job
type JobStatus struct {
	JobID     string                `json:"job_id"`
	State     JobState              `json:"state"`
	Shards    map[Shard]ShardStatus `json:"shards"`
	Dropped   int64                 `json:"dropped"`
	Errored   int64                 `json:"errored"`
	Blobs     map[Shard]BlobRef     `json:"blobs,omitempty"`
	Error     string                `json:"error,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// NewJobStatus returns an empty status in the SCHEDULED state
func NewJobStatus(jobID string) *JobStatus {
	return &JobStatus{
		JobID:  jobID,
		State:  StateScheduled,
		Shards: make(map[Shard]ShardStatus),
	}
}

// Processed sums processed units over all shards
func (s *JobStatus) Processed() int64 {
	var n int64
	for _, st := range s.Shards {
		n += st.Processed
	}
	return n
}
