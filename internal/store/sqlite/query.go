package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	sq "github.com/Masterminds/squirrel"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTask reads id, run_name, proc_type, status, job_id, last_modified followed by extra columns.
func scanTask(row scanner, t *store.Task, extra ...interface{}) error {
	var (
		proc, status int
		jobID        sql.NullInt64
		lastModified int64
	)
	dest := append([]interface{}{&t.ID, &t.RunName, &proc, &status, &jobID, &lastModified}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	t.ProcType = workflow.ProcessType(proc)
	t.Status = workflow.Status(status)
	t.JobID = nullableInt64(jobID)
	t.LastModified = time.Unix(0, lastModified).UTC()
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		var t store.Task
		if err := scanTask(rows, &t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// StatusCounts counts identities by process type and the status of their newest row.
func (s *Store) StatusCounts(ctx context.Context, filter store.TaskFilter) ([]store.StatusCount, error) {
	q := qb.Select("proc_type", "status", "COUNT(*)").
		From("state").
		Where("id IN (SELECT MAX(id) FROM state GROUP BY run_name, proc_type)")
	query, args, err := applyFilter(q, plainColumn, filter).
		GroupBy("proc_type", "status").
		OrderBy("proc_type", "status").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}
	defer rows.Close()

	var counts []store.StatusCount
	for rows.Next() {
		var proc, status, n int
		if err := rows.Scan(&proc, &status, &n); err != nil {
			return nil, err
		}
		counts = append(counts, store.StatusCount{
			ProcType: workflow.ProcessType(proc),
			Status:   workflow.Status(status),
			Count:    n,
		})
	}
	return counts, rows.Err()
}

// TaskHistory returns every row of the identity, oldest first, with its duration log.
func (s *Store) TaskHistory(ctx context.Context, runName string, proc workflow.ProcessType) ([]store.TaskAttempt, error) {
	query, args, err := qb.Select(
		"s.id", "s.run_name", "s.proc_type", "s.status", "s.job_id", "s.last_modified",
		"j.job_id", "j.machine", "j.queued_time", "j.start_time", "j.end_time",
		"j.nodes", "j.cores", "j.memory", "j.WCT",
	).
		From("state s").
		LeftJoin("job_duration_log j ON j.job_id = s.job_id").
		Where(sq.Eq{"s.run_name": runName, "s.proc_type": int(proc)}).
		OrderBy("s.id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s/%s: %w", runName, proc, err)
	}
	defer rows.Close()

	var history []store.TaskAttempt
	for rows.Next() {
		var (
			a                             store.TaskAttempt
			jobID, queued, started, ended sql.NullInt64
			nodes, cores, memory, wct     sql.NullInt64
			machine                       sql.NullString
		)
		if err := scanTask(rows, &a.Task, &jobID, &machine, &queued, &started, &ended, &nodes, &cores, &memory, &wct); err != nil {
			return nil, err
		}
		if jobID.Valid {
			d := &store.JobDuration{
				JobID:      jobID.Int64,
				QueuedTime: nullableTime(queued),
				StartTime:  nullableTime(started),
				EndTime:    nullableTime(ended),
				Nodes:      nullableInt(nodes),
				Cores:      nullableInt(cores),
				Memory:     nullableInt(memory),
			}
			if machine.Valid {
				m := machine.String
				d.Machine = &m
			}
			if wct.Valid {
				w := time.Duration(wct.Int64) * time.Second
				d.WCT = &w
			}
			a.Duration = d
		}
		history = append(history, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, store.ErrNotFound
	}
	return history, nil
}

// TaskErrors returns the full error history of the identity in the order errors were recorded.
func (s *Store) TaskErrors(ctx context.Context, runName string, proc workflow.ProcessType) ([]store.TaskError, error) {
	query, args, err := qb.Select("e.id", "e.task_id", "e.error").
		From("error e").
		Join("state s ON s.id = e.task_id").
		Where(sq.Eq{"s.run_name": runName, "s.proc_type": int(proc)}).
		OrderBy("e.id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read errors of %s/%s: %w", runName, proc, err)
	}
	defer rows.Close()

	var errs []store.TaskError
	for rows.Next() {
		var e store.TaskError
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Error); err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

// Retries returns how many attempts of the identity failed or were killed before its newest row.
func (s *Store) Retries(ctx context.Context, runName string, proc workflow.ProcessType) (int, error) {
	query, args, err := qb.Select("COUNT(*)").From("state").
		Where(sq.Eq{
			"run_name":  runName,
			"proc_type": int(proc),
			"status":    statusCodes(workflow.StatusFailed, workflow.StatusKilledWCT),
		}).
		Where(sq.Expr("id < (SELECT MAX(id) FROM state WHERE run_name = ? AND proc_type = ?)", runName, int(proc))).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count retries of %s/%s: %w", runName, proc, err)
	}
	return n, nil
}

// RunNames lists the distinct realisations known to the store.
func (s *Store) RunNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_name FROM state ORDER BY run_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
