package httpserver

import (
	"time"

	"github.com/helixir/enrichment-service/internal/domain"
)

// Job response types for JSON serialization.

type startJobResponse struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

type jobStatusResponse struct {
	JobID         string     `json:"job_id"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	Phase         string     `json:"phase,omitempty"`
	PhaseProgress string     `json:"phase_progress,omitempty"`
	Total         int        `json:"total"`
	Processed     int        `json:"processed"`
	Errors        int        `json:"errors"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	Duration      string     `json:"duration,omitempty"`
}

type listJobsResponse struct {
	Jobs []jobStatusResponse `json:"jobs"`
}

type cancelJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func domainJobToStatusResponse(job *domain.Job) jobStatusResponse {
	resp := jobStatusResponse{
		JobID:         job.ID.String(),
		Kind:          string(job.Kind),
		Status:        string(job.Status),
		Phase:         job.Phase,
		PhaseProgress: job.PhaseProgress,
		Total:         job.Total,
		Processed:     job.Processed,
		Errors:        job.Errors,
		ErrorMessage:  job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		CancelledAt:   job.CancelledAt,
	}
	if d := job.Duration(); d > 0 {
		resp.Duration = d.String()
	}
	return resp
}
