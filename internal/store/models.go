// Package store contains the task state layer for hpcflow.
package store

import (
	"time"

	"hpcflow/internal/workflow"
)

// Task is one row of a (run_name, proc_type) task's history.
type Task struct {
	ID           int64
	RunName      string
	ProcType     workflow.ProcessType
	Status       workflow.Status
	JobID        *int64
	LastModified time.Time
}

// RunnableTask is a created task whose dependencies are satisfied.
type RunnableTask struct {
	Task
	// FailedRetries counts prior rows of the identity that ended in failed.
	FailedRetries int
	// WCTRetries counts prior rows of the identity that were killed for exceeding their wall clock.
	WCTRetries int
}

// Identity is the (run_name, proc_type) pair a task's history rows share.
type Identity struct {
	RunName  string
	ProcType workflow.ProcessType
}

// TaskUpdate is a reported status change. Pointer fields are optional.
type TaskUpdate struct {
	RunName   string               `json:"run_name"`
	ProcType  workflow.ProcessType `json:"proc_type"`
	Status    workflow.Status      `json:"status"`
	JobID     *int64               `json:"job_id"`
	Error     *string              `json:"error"`
	Machine   *string              `json:"machine,omitempty"`
	QueuedAt  *int64               `json:"queued_time"`
	StartedAt *int64               `json:"start_time"`
	EndedAt   *int64               `json:"end_time"`
	Nodes     *int                 `json:"nodes"`
	Cores     *int                 `json:"cores"`
	Memory    *int                 `json:"memory"`
	WCT       *int64               `json:"WCT"`
}

// Identity returns the task identity the update refers to.
func (u TaskUpdate) Identity() Identity {
	return Identity{RunName: u.RunName, ProcType: u.ProcType}
}

// JobDuration is the resource usage record of one submission attempt.
type JobDuration struct {
	JobID      int64
	Machine    *string
	QueuedTime *time.Time
	StartTime  *time.Time
	EndTime    *time.Time
	Nodes      *int
	Cores      *int
	Memory     *int
	WCT        *time.Duration
}

// TaskAttempt is a history row joined with its duration log, if any.
type TaskAttempt struct {
	Task
	Duration *JobDuration
}

// TaskError is one entry of a task's append-only error history.
type TaskError struct {
	ID     int64
	TaskID int64
	Error  string
}

// InFlightTask is a queued or running task with the machine it was submitted to.
type InFlightTask struct {
	Task
	Machine string
}

// StatusCount is the number of identities whose latest row has the given status.
type StatusCount struct {
	ProcType workflow.ProcessType
	Status   workflow.Status
	Count    int
}

// TaskFilter restricts which tasks a query considers.
type TaskFilter struct {
	// Patterns are SQL LIKE patterns on run_name; empty means all.
	Patterns []string
	// ExcludePatterns are SQL LIKE patterns on run_name to leave out.
	ExcludePatterns []string
	// ProcTypes restricts the process types; empty means all.
	ProcTypes []workflow.ProcessType
}
