package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobEventType is the closed set of event kinds published on a project's
// event channel. Each kind carries only the fields relevant to it.
type JobEventType string

const (
	JobEventProgress  JobEventType = "progress"
	JobEventCompleted JobEventType = "completed"
	JobEventFailed    JobEventType = "failed"
	JobEventCancelled JobEventType = "cancelled"
	JobEventTimeout   JobEventType = "timeout"
)

// JobEvent is a progress or lifecycle event for a job, published to the
// per-project event channel. Consumers key on Type; optional fields are
// omitted for kinds they do not apply to.
type JobEvent struct {
	JobID     uuid.UUID    `json:"job_id"`
	ProjectID string       `json:"project_id"`
	Kind      JobKind      `json:"kind"`
	Type      JobEventType `json:"type"`

	Processed int `json:"processed"`
	Total     int `json:"total"`
	Errors    int `json:"errors"`

	// Phase is set on progress events while a phase is active.
	Phase string `json:"phase,omitempty"`

	// Error is set on failed events only.
	Error string `json:"error,omitempty"`

	// TimeoutReason is set on timeout events only.
	TimeoutReason TimeoutReason `json:"timeout_reason,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// NewJobEvent builds an event of the given type from a job snapshot.
func NewJobEvent(job *Job, eventType JobEventType) JobEvent {
	evt := JobEvent{
		JobID:      job.ID,
		ProjectID:  job.ProjectID,
		Kind:       job.Kind,
		Type:       eventType,
		Processed:  job.Processed,
		Total:      job.Total,
		Errors:     job.Errors,
		OccurredAt: time.Now().UTC(),
	}

	switch eventType {
	case JobEventProgress:
		evt.Phase = job.Phase
	case JobEventFailed:
		evt.Error = job.ErrorMessage
	}

	return evt
}

// DispatchMessage is the job enqueue contract consumed by the worker.
// The dispatch layer guarantees one active worker per job kind, with
// at-least-once delivery; the engine dedupes on terminal job status.
type DispatchMessage struct {
	JobID     uuid.UUID `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Scope     JobScope  `json:"scope"`
}
