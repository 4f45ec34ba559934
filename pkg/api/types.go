package api

import (
	"context"

	"github.com/ssargent/featurestream/pkg/model"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ServerConfig holds configuration for the API server
type ServerConfig struct {
	Bind   string
	Port   int
	APIKey string // empty disables authentication
}

// JobStore is the read side of the durable job state
type JobStore interface {
	Status(jobID string) (*model.JobStatus, error)
	ListJobs() ([]*model.JobStatus, error)
}

// BlobReader reads finalized shard files
type BlobReader interface {
	ReadBlob(ctx context.Context, ref model.BlobRef) ([]byte, error)
}
