// Package domain provides domain models and business logic for the Enrichment Service.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the type of enrichment job.
// These values must match the database enum job_kind.
type JobKind string

const (
	// JobKindEmbedding generates vector embeddings for project records.
	JobKindEmbedding JobKind = "embedding"

	// JobKindGraphFetch crawls bibliographic services to build the citation graph.
	JobKindGraphFetch JobKind = "graph_fetch"
)

// IsValid returns true if the kind is a known job kind.
func (k JobKind) IsValid() bool {
	switch k {
	case JobKindEmbedding, JobKindGraphFetch:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle states of an enrichment job.
// These values must match the database enum job_status.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
)

// IsTerminal returns true if the status represents a final state that will not change.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// IsValidJobTransition reports whether a job may move from one status to another.
// Terminal states have no outgoing transitions; queued jobs may only start
// running or be cancelled/failed before starting.
func IsValidJobTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}

	switch from {
	case JobStatusQueued:
		switch to {
		case JobStatusRunning, JobStatusCancelled, JobStatusFailed:
			return true
		}
	case JobStatusRunning:
		switch to {
		case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
			return true
		}
	}

	return false
}

// JobScope narrows the work set of a job. Stored as JSONB on the job row.
type JobScope struct {
	// RecordIDs is an explicit list of target records. Empty means project-wide scope.
	RecordIDs []uuid.UUID `json:"record_ids,omitempty"`

	// IncludeReferences extends the embedding work set to direct references
	// of the project's records.
	IncludeReferences bool `json:"include_references,omitempty"`

	// IncludeCitedBy extends the embedding work set to records citing the
	// project's records.
	IncludeCitedBy bool `json:"include_cited_by,omitempty"`

	// SelectedOnly restricts the graph fetch to records the user has selected.
	SelectedOnly bool `json:"selected_only,omitempty"`
}

// Job is one run of an enrichment pipeline, tracked by a persistent record.
// The job row is mutated exclusively by the engine, with one exception: the
// request layer may set CancelRequested to ask for cooperative cancellation.
type Job struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`

	// Phase is a human-readable label for the active phase.
	Phase string `json:"phase,omitempty"`

	// PhaseProgress is free-text progress detail for the active phase,
	// distinct from the numeric counters.
	PhaseProgress string `json:"phase_progress,omitempty"`

	// Counters. Invariant: Processed+Errors <= Total once Total is known.
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`

	Scope JobScope `json:"scope"`

	ErrorMessage    string `json:"error_message,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// IsActive returns true if the job has not reached a terminal state.
func (j *Job) IsActive() bool {
	return !j.Status.IsTerminal()
}

// Remaining returns the number of items not yet accounted for by the counters.
func (j *Job) Remaining() int {
	remaining := j.Total - j.Processed - j.Errors
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Duration returns the elapsed running time of the job. Zero if not started;
// frozen at completion once the job is terminal.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}

// NewJob creates a queued job for the given kind and tenant context.
func NewJob(kind JobKind, projectID, userID string, scope JobScope) *Job {
	return &Job{
		ID:        uuid.New(),
		ProjectID: projectID,
		UserID:    userID,
		Kind:      kind,
		Status:    JobStatusQueued,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}
}

// WorkItem is an ephemeral unit of work: a record id plus the minimal payload
// needed for the external call (concatenated text for embeddings, or a
// bibliographic identifier for graph fetches). Never persisted.
type WorkItem struct {
	RecordID uuid.UUID
	Payload  string
}
