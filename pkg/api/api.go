// Package api contains shared JSON response structs.
// This package is shared between hpcctl and the orchestrator's status API.
package api

import "time"

// StatusCount is the number of tasks of one process type whose newest row has the status.
type StatusCount struct {
	ProcType string `json:"proc_type"`
	Status   string `json:"status"`
	Count    int    `json:"count"`
}

// StatusResponse is the response body of GET /status.
type StatusResponse struct {
	Counts []StatusCount `json:"counts"`
	// Totals sums Counts per status.
	Totals map[string]int `json:"totals"`
}

// JobDuration is the resource usage recorded for one submission.
type JobDuration struct {
	Machine    *string    `json:"machine,omitempty"`
	QueuedTime *time.Time `json:"queued_time,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Nodes      *int       `json:"nodes,omitempty"`
	Cores      *int       `json:"cores,omitempty"`
	Memory     *int       `json:"memory,omitempty"`
	// WCTSeconds is the requested wall clock time.
	WCTSeconds *int64 `json:"wct_seconds,omitempty"`
}

// TaskAttempt is one history row of a task.
type TaskAttempt struct {
	ID           int64        `json:"id"`
	Status       string       `json:"status"`
	JobID        *int64       `json:"job_id,omitempty"`
	LastModified time.Time    `json:"last_modified"`
	Duration     *JobDuration `json:"duration,omitempty"`
}

// TaskResponse is the response body of GET /tasks/{run}/{proc}.
type TaskResponse struct {
	RunName  string        `json:"run_name"`
	ProcType string        `json:"proc_type"`
	Status   string        `json:"status"`
	Retries  int           `json:"retries"`
	Attempts []TaskAttempt `json:"attempts"`
	Errors   []string      `json:"errors"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
