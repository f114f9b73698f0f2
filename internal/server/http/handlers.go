package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/helixir/enrichment-service/internal/domain"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 50
	maxPageSize        = 100
	maxRequestBodySize = 1 << 20 // 1 MB limit for request bodies
)

// startJobRequest is the JSON request body for enqueueing a job.
type startJobRequest struct {
	Kind              string   `json:"kind" validate:"required,oneof=embedding graph_fetch"`
	RecordIDs         []string `json:"record_ids,omitempty" validate:"omitempty,max=1000,dive,uuid"`
	IncludeReferences bool     `json:"include_references,omitempty"`
	IncludeCitedBy    bool     `json:"include_cited_by,omitempty"`
	SelectedOnly      bool     `json:"selected_only,omitempty"`
}

// startJob handles POST /jobs. It creates a queued job row and enqueues
// it on the dispatch topic. At most one active job per kind per project:
// a duplicate request gets the existing job back with a conflict status.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := projectIDFromContext(ctx)
	userID := userIDFromContext(ctx)

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req startJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	kind := domain.JobKind(req.Kind)

	recordIDs := make([]uuid.UUID, len(req.RecordIDs))
	for i, raw := range req.RecordIDs {
		id, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid record id: %s", raw))
			return
		}
		recordIDs[i] = id
	}

	if existing, err := s.jobs.FindActive(ctx, projectID, kind); err == nil {
		writeJSON(w, http.StatusConflict, startJobResponse{
			JobID:     existing.ID.String(),
			Kind:      string(existing.Kind),
			Status:    string(existing.Status),
			CreatedAt: existing.CreatedAt,
			Message:   "a job of this kind is already active for the project",
		})
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to check for active job")
		writeError(w, http.StatusInternalServerError, "failed to check for active job")
		return
	}

	job := domain.NewJob(kind, projectID, userID, domain.JobScope{
		RecordIDs:         recordIDs,
		IncludeReferences: req.IncludeReferences,
		IncludeCitedBy:    req.IncludeCitedBy,
		SelectedOnly:      req.SelectedOnly,
	})

	if err := s.jobs.Create(ctx, job); err != nil {
		// A concurrent enqueue can win the insert race after the active
		// check above; answer with the job that got there first.
		if errors.Is(err, domain.ErrJobConflict) {
			existing, findErr := s.jobs.FindActive(ctx, projectID, kind)
			if findErr == nil {
				writeJSON(w, http.StatusConflict, startJobResponse{
					JobID:     existing.ID.String(),
					Kind:      string(existing.Kind),
					Status:    string(existing.Status),
					CreatedAt: existing.CreatedAt,
					Message:   "a job of this kind is already active for the project",
				})
				return
			}
			s.logger.Error().Err(findErr).Str("project_id", projectID).Msg("failed to load conflicting job")
		}
		s.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to create job")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := s.dispatcher.Dispatch(ctx, domain.DispatchMessage{
		JobID:     job.ID,
		Kind:      job.Kind,
		ProjectID: job.ProjectID,
		UserID:    job.UserID,
		Scope:     job.Scope,
	}); err != nil {
		s.logger.Error().Err(err).Stringer("job_id", job.ID).Msg("failed to dispatch job, cancelling it")
		if _, cancelErr := s.jobs.RequestCancel(ctx, job.ID); cancelErr != nil {
			s.logger.Error().Err(cancelErr).Stringer("job_id", job.ID).Msg("failed to cancel undispatched job")
		}
		writeError(w, http.StatusBadGateway, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, startJobResponse{
		JobID:     job.ID.String(),
		Kind:      string(job.Kind),
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
		Message:   "job enqueued",
	})
}

// getJob handles GET /jobs/{jobID}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := projectIDFromContext(ctx)

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error().Err(err).Stringer("job_id", jobID).Msg("failed to load job")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.ProjectID != projectID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, domainJobToStatusResponse(job))
}

// listJobs handles GET /jobs.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := projectIDFromContext(ctx)

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > maxPageSize {
			parsed = maxPageSize
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	jobs, err := s.jobs.ListByProject(ctx, projectID, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := listJobsResponse{Jobs: make([]jobStatusResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = domainJobToStatusResponse(job)
	}
	writeJSON(w, http.StatusOK, resp)
}

// cancelJob handles DELETE /jobs/{jobID}. Cancellation is cooperative:
// a queued job is cancelled immediately, a running one stops at its next
// checkpoint.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := projectIDFromContext(ctx)

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error().Err(err).Stringer("job_id", jobID).Msg("failed to load job")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.ProjectID != projectID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	status, err := s.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobConflict) {
			writeJSON(w, http.StatusConflict, cancelJobResponse{
				JobID:   jobID.String(),
				Status:  string(job.Status),
				Message: "job is already in a terminal state",
			})
			return
		}
		s.logger.Error().Err(err).Stringer("job_id", jobID).Msg("failed to request cancellation")
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}

	message := "cancellation requested; the job stops at its next checkpoint"
	if status == domain.JobStatusCancelled {
		message = "job cancelled"
	}
	writeJSON(w, http.StatusAccepted, cancelJobResponse{
		JobID:   jobID.String(),
		Status:  string(status),
		Message: message,
	})
}
