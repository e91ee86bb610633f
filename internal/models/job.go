package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobKind identifies the class of remote work a job performs.
type JobKind string

const (
	JobKindQC          JobKind = "qc"
	JobKindAggregation JobKind = "aggregation"
)

// JobStatus tracks the local view of a dispatched job's lifecycle.
type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut:
		return true
	}
	return false
}

// Job records one unit of work handed to the remote compute cluster.
type Job struct {
	BaseModel

	Kind JobKind `gorm:"not null;index:idx_jobs_dataset_kind" json:"kind"`

	DatasetID string   `gorm:"type:uuid;not null;index:idx_jobs_dataset_kind" json:"dataset_id"`
	Dataset   *Dataset `json:"dataset,omitempty"`

	// RemoteID is the handle assigned by the remote cluster at submission.
	RemoteID string `gorm:"index" json:"remote_id"`

	// Params holds the opaque key/value pairs forwarded verbatim to the remote
	// job (storage path, GUID, serialized column map, option string).
	Params datatypes.JSON `json:"params"`

	Status JobStatus `gorm:"not null;index" json:"status"`

	// PollAttempts counts reconciliation polls that observed no terminal
	// status; the dispatcher times the job out once the configured cap is hit.
	PollAttempts int `gorm:"default:0" json:"poll_attempts"`

	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// StatusReason carries a short human-readable note about a terminal
	// outcome, e.g. the remote failure reason or a timeout marker.
	StatusReason string `json:"status_reason"`
}
