package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	sq "github.com/Masterminds/squirrel"
)

// InsertTask creates a created row for the identity. It is a no-op, returning false, when a row that
// has not failed already exists, so the same task is never scheduled twice.
func (s *Store) InsertTask(ctx context.Context, runName string, proc workflow.ProcessType) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.insertTask(ctx, tx, runName, proc)
		return err
	})
	return inserted, err
}

// Populate inserts a created task for every realisation and process type in one transaction.
// It returns the number of rows actually inserted.
func (s *Store) Populate(ctx context.Context, runNames []string, procs []workflow.ProcessType) (int, error) {
	if err := s.graph.ValidateSelection(procs); err != nil {
		return 0, err
	}
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, run := range runNames {
			for _, p := range procs {
				inserted, err := s.insertTask(ctx, tx, run, p)
				if err != nil {
					return err
				}
				if inserted {
					count++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) insertTask(ctx context.Context, tx store.DBTransaction, runName string, proc workflow.ProcessType) (bool, error) {
	if !proc.Valid() {
		return false, fmt.Errorf("invalid process type %d", int(proc))
	}

	query, args, err := qb.Select("COUNT(*)").From("state").
		Where(sq.Eq{"run_name": runName, "proc_type": int(proc)}).
		Where(sq.NotEq{"status": statusCodes(workflow.StatusFailed, workflow.StatusKilledWCT)}).
		ToSql()
	if err != nil {
		return false, err
	}

	var live int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&live); err != nil {
		return false, fmt.Errorf("failed to check existing task %s/%s: %w", runName, proc, err)
	}
	if live > 0 {
		return false, nil
	}

	query, args, err = qb.Insert("state").
		Columns("run_name", "proc_type", "status", "last_modified").
		Values(runName, int(proc), int(workflow.StatusCreated), s.nextModified(0)).
		ToSql()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("failed to insert task %s/%s: %w", runName, proc, err)
	}
	return true, nil
}

// appendError adds an entry to the error history of a task row.
func (s *Store) appendError(ctx context.Context, tx store.DBTransaction, taskID int64, msg string) error {
	query, args, err := qb.Insert("error").Columns("task_id", "error").Values(taskID, msg).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to append error for task %d: %w", taskID, err)
	}
	return nil
}
