package store

import (
	"context"
	"database/sql"
	"errors"

	"hpcflow/internal/workflow"
)

// ErrNotFound is returned when a requested task does not exist.
var ErrNotFound = errors.New("task not found")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// TaskStore is the durable record of task state.
type TaskStore interface {
	// InsertTask creates a created row unless a live (not failed) row exists for the identity.
	InsertTask(ctx context.Context, runName string, proc workflow.ProcessType) (bool, error)

	// ApplyUpdates applies a batch of updates in one transaction, all or nothing.
	ApplyUpdates(ctx context.Context, updates []TaskUpdate) error

	// GetRunnableTasks returns up to limit created tasks whose dependencies are completed.
	GetRunnableTasks(ctx context.Context, filter TaskFilter, limit int, exclude map[Identity]bool) ([]RunnableTask, error)

	// CountInFlight counts queued and running tasks of the given process types.
	CountInFlight(ctx context.Context, procs []workflow.ProcessType) (int, error)
}

// InFlightLister lists tasks occupying batch queue slots.
type InFlightLister interface {
	ListInFlight(ctx context.Context) ([]InFlightTask, error)
}

// Reporter answers operator queries about task state.
type Reporter interface {
	StatusCounts(ctx context.Context, filter TaskFilter) ([]StatusCount, error)
	TaskHistory(ctx context.Context, runName string, proc workflow.ProcessType) ([]TaskAttempt, error)
	TaskErrors(ctx context.Context, runName string, proc workflow.ProcessType) ([]TaskError, error)
	Retries(ctx context.Context, runName string, proc workflow.ProcessType) (int, error)
	Ping(ctx context.Context) error
}
