package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/storage"
)

// JobSummary is the list view of a job
type JobSummary struct {
	JobID     string         `json:"job_id"`
	State     model.JobState `json:"state"`
	Processed int64          `json:"processed"`
	Dropped   int64          `json:"dropped"`
	Errored   int64          `json:"errored"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs()
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		sendError(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	summaries := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, JobSummary{
			JobID:     job.JobID,
			State:     job.State,
			Processed: job.Processed(),
			Dropped:   job.Dropped,
			Errored:   job.Errored,
		})
	}
	sendSuccess(w, summaries)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	status, ok := s.loadJob(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	sendSuccess(w, status)
}

// handleGetShard streams the finalized file of one shard
func (s *Server) handleGetShard(w http.ResponseWriter, r *http.Request) {
	shard := model.Shard(chi.URLParam(r, "shard"))
	if !shard.Valid() {
		sendError(w, fmt.Sprintf("Unknown shard %q", shard), http.StatusBadRequest)
		return
	}

	status, ok := s.loadJob(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	ref, ok := status.Blobs[shard]
	if !ok {
		sendError(w, "Shard has not been finalized", http.StatusNotFound)
		return
	}

	data, err := s.blobs.ReadBlob(r.Context(), ref)
	if err != nil {
		s.logger.Error("failed to read blob", "blob", ref.String(), "error", err)
		sendError(w, "Failed to read shard", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", status.JobID+"-"+string(shard)+".tfrecord"))
	w.Header().Set("X-Checksum-CRC32C", ref.Checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) loadJob(w http.ResponseWriter, jobID string) (*model.JobStatus, bool) {
	if jobID == "" {
		sendError(w, "Job id is required", http.StatusBadRequest)
		return nil, false
	}
	status, err := s.jobs.Status(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sendError(w, "Job not found", http.StatusNotFound)
			return nil, false
		}
		s.logger.Error("failed to load job", "job_id", jobID, "error", err)
		sendError(w, "Failed to load job", http.StatusInternalServerError)
		return nil, false
	}
	return status, true
}
