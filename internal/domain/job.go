package domain

import (
	"encoding/json"
	"time"
)

const ObjectTypeOrganisation = "organisation"

type JobStatus string

const (
	JobStatusNew                 JobStatus = "NEW"
	JobStatusInProgress          JobStatus = "IN_PROGRESS"
	JobStatusCompleted           JobStatus = "COMPLETED"
	JobStatusCompletedWithErrors JobStatus = "COMPLETED_WITH_ERRORS"
	JobStatusFailed              JobStatus = "FAILED"
)

// Terminal reports whether no further pass may change the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	}
	return false
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusNew:
		return 0
	case JobStatusInProgress:
		return 1
	default:
		return 2
	}
}

// CanTransitionTo enforces NEW -> IN_PROGRESS -> terminal. Re-applying the
// current non-terminal status is allowed so repeated passes stay no-ops.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	return next.rank() > s.rank()
}

type TaskStatus string

const (
	TaskStatusNew        TaskStatus = "NEW"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusFailed || s == TaskStatusCompleted
}

// Job is one uploaded file. It owns its work items.
type Job struct {
	ID               string
	ObjectType       string
	Status           JobStatus
	TaskCount        int
	UploadedBy       string
	OrganisationID   string
	FailureResult    string
	CreatedOn        time.Time
	ProcessStartTime time.Time
	ProcessEndTime   time.Time
	LastUpdatedOn    time.Time
}

// WorkItem is one data row of a job, identified by (JobID, SequenceID).
type WorkItem struct {
	JobID         string
	SequenceID    int
	Status        TaskStatus
	Data          json.RawMessage
	SuccessResult json.RawMessage
	FailureResult json.RawMessage
	IterationID   int
	CreatedOn     time.Time
	LastUpdatedOn time.Time
}

// StatusCounts aggregates work item statuses for one job.
type StatusCounts struct {
	New        int
	InProgress int
	Completed  int
	Failed     int
}

func (c StatusCounts) Total() int {
	return c.New + c.InProgress + c.Completed + c.Failed
}

// Add records one status into the aggregate.
func (c *StatusCounts) Add(status TaskStatus) {
	c.AddN(status, 1)
}

func (c *StatusCounts) AddN(status TaskStatus, n int) {
	switch status {
	case TaskStatusCompleted:
		c.Completed += n
	case TaskStatusFailed:
		c.Failed += n
	case TaskStatusInProgress:
		c.InProgress += n
	default:
		c.New += n
	}
}

// Rollup derives the job status from its work items.
func (c StatusCounts) Rollup() JobStatus {
	switch {
	case c.New+c.InProgress > 0:
		return JobStatusInProgress
	case c.Failed == 0:
		return JobStatusCompleted
	case c.Completed == 0:
		return JobStatusFailed
	default:
		return JobStatusCompletedWithErrors
	}
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string    `json:"job_id"`
	ObjectType  string    `json:"object_type"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

// CloneJob returns a deep copy of job.
func CloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	return &clone
}

// CloneWorkItem returns a deep copy of item.
func CloneWorkItem(item WorkItem) WorkItem {
	clone := item
	clone.Data = cloneRaw(item.Data)
	clone.SuccessResult = cloneRaw(item.SuccessResult)
	clone.FailureResult = cloneRaw(item.FailureResult)
	return clone
}

func cloneRaw(value json.RawMessage) json.RawMessage {
	if value == nil {
		return nil
	}
	return append(json.RawMessage(nil), value...)
}
