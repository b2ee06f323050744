package sqlite

import (
	"context"
	"fmt"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	sq "github.com/Masterminds/squirrel"
)

// GetRunnableTasks returns up to limit created tasks, oldest first, that match filter and whose
// dependencies are completed at the right scope. Identities in exclude (updates still waiting in
// the mailbox) are skipped.
func (s *Store) GetRunnableTasks(ctx context.Context, filter store.TaskFilter, limit int, exclude map[store.Identity]bool) ([]store.RunnableTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := qb.Select("id", "run_name", "proc_type", "status", "job_id", "last_modified").
		From("state").
		Where(sq.Eq{"status": int(workflow.StatusCreated)})
	query, args, err := applyFilter(q, plainColumn, filter).OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}

	candidates, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list created tasks: %w", err)
	}

	completed := make(map[string][]workflow.ProcessType)
	completedFor := func(run string) ([]workflow.ProcessType, error) {
		if procs, ok := completed[run]; ok {
			return procs, nil
		}
		procs, err := s.completedProcs(ctx, run)
		if err != nil {
			return nil, err
		}
		completed[run] = procs
		return procs, nil
	}

	var out []store.RunnableTask
	for _, t := range candidates {
		if exclude[store.Identity{RunName: t.RunName, ProcType: t.ProcType}] {
			continue
		}

		own, err := completedFor(t.RunName)
		if err != nil {
			return nil, err
		}
		var group []workflow.ProcessType
		if s.graph.NeedsGroup(t.ProcType) {
			if group, err = completedFor(workflow.FaultName(t.RunName)); err != nil {
				return nil, err
			}
		}
		if !s.graph.Runnable(t.ProcType, workflow.NewCompletedSet(own, group)) {
			continue
		}

		rt := store.RunnableTask{Task: t}
		rt.FailedRetries, rt.WCTRetries, err = s.retryCounts(ctx, s.db, store.Identity{RunName: t.RunName, ProcType: t.ProcType})
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// completedProcs lists the process types with a completed row for the realisation.
func (s *Store) completedProcs(ctx context.Context, runName string) ([]workflow.ProcessType, error) {
	query, args, err := qb.Select("DISTINCT proc_type").From("state").
		Where(sq.Eq{"run_name": runName, "status": int(workflow.StatusCompleted)}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list completions for %s: %w", runName, err)
	}
	defer rows.Close()

	var procs []workflow.ProcessType
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		procs = append(procs, workflow.ProcessType(p))
	}
	return procs, rows.Err()
}

// retryCounts returns how many rows of the identity ended failed and killed_WCT.
func (s *Store) retryCounts(ctx context.Context, db store.DBTransaction, id store.Identity) (failed, wct int, err error) {
	query, args, err := qb.Select("status", "COUNT(*)").From("state").
		Where(sq.Eq{
			"run_name":  id.RunName,
			"proc_type": int(id.ProcType),
			"status":    statusCodes(workflow.StatusFailed, workflow.StatusKilledWCT),
		}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return 0, 0, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count retries for %s/%s: %w", id.RunName, id.ProcType, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, err
		}
		switch workflow.Status(status) {
		case workflow.StatusFailed:
			failed = n
		case workflow.StatusKilledWCT:
			wct = n
		}
	}
	return failed, wct, rows.Err()
}

// CountInFlight counts queued and running tasks of the given process types (all types when empty).
func (s *Store) CountInFlight(ctx context.Context, procs []workflow.ProcessType) (int, error) {
	q := qb.Select("COUNT(*)").From("state").
		Where(sq.Eq{"status": statusCodes(workflow.StatusQueued, workflow.StatusRunning)})
	if len(procs) > 0 {
		q = q.Where(sq.Eq{"proc_type": procCodes(procs)})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count in-flight tasks: %w", err)
	}
	return n, nil
}

// ListInFlight returns queued and running tasks with the machine recorded for their job.
func (s *Store) ListInFlight(ctx context.Context) ([]store.InFlightTask, error) {
	query, args, err := qb.Select(
		"s.id", "s.run_name", "s.proc_type", "s.status", "s.job_id", "s.last_modified", "COALESCE(j.machine, '')",
	).
		From("state s").
		LeftJoin("job_duration_log j ON j.job_id = s.job_id").
		Where(sq.Eq{"s.status": statusCodes(workflow.StatusQueued, workflow.StatusRunning)}).
		OrderBy("s.id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight tasks: %w", err)
	}
	defer rows.Close()

	var out []store.InFlightTask
	for rows.Next() {
		var t store.InFlightTask
		if err := scanTask(rows, &t.Task, &t.Machine); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
